package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cartsync/internal/service/outbox"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func envelopeBytes(t *testing.T) []byte {
	t.Helper()
	env, err := kafka.NewEnvelope("instance-a", eventbus.OrderActivated{OrderID: "order-1"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func consumerDeadLetter(t *testing.T, offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Offset: offset,
		Key:    []byte("order-1"),
		Value:  envelopeBytes(t),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte(kafka.TopicSyncEvents)},
			{Key: []byte(kafka.HeaderErrorMessage), Value: []byte("boom")},
		},
	}
}

func outboxDeadLetterMessage(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(outbox.DeadLetter{
		OutboxID:     "outbox-1",
		AggregateID:  "order-1",
		EventType:    string(eventbus.ChannelOrderActivated),
		Payload:      envelopeBytes(t),
		PublishError: "broker down",
		PublishedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Offset: offset, Value: raw}
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseBrokers(" broker-1:9092, ,broker-2:9092 "))
	assert.Empty(t, parseBrokers(" , "))
}

func TestParseFlags(t *testing.T) {
	env := map[string]string{envKafkaBrokers: "env-broker:9092"}
	getenv := func(k string) string { return env[k] }

	cfg, err := parseFlags(flag.NewFlagSet("dlq-replay", flag.ContinueOnError), []string{"-limit=5", "-execute"}, getenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"env-broker:9092"}, cfg.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	assert.Equal(t, kafka.TopicSyncEvents, cfg.targetTopic)
	assert.Equal(t, 5, cfg.limit)
	assert.True(t, cfg.execute)
	assert.Equal(t, defaultIdleTimeout, cfg.idleTimeout)

	cfg, err = parseFlags(flag.NewFlagSet("dlq-replay", flag.ContinueOnError), []string{"-brokers=a:1,b:2", "-from-newest"}, getenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.brokers)
	assert.True(t, cfg.fromNewest)
}

func TestParseFlagsValidation(t *testing.T) {
	noEnv := func(string) string { return "" }
	tests := []struct {
		args    []string
		wantErr string
	}{
		{args: nil, wantErr: "kafka brokers are required"},
		{args: []string{"-brokers=b:1", "-source-topic= "}, wantErr: "source-topic is required"},
		{args: []string{"-brokers=b:1", "-target-topic="}, wantErr: "target-topic is required"},
		{args: []string{"-brokers=b:1", "-limit=0"}, wantErr: "limit must be > 0"},
		{args: []string{"-brokers=b:1", "-idle-timeout=0s"}, wantErr: "idle-timeout must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.wantErr, func(t *testing.T) {
			fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			_, err := parseFlags(fs, tt.args, noEnv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExtractReplay(t *testing.T) {
	t.Run("consumer dead letter keeps original topic and value", func(t *testing.T) {
		msg := consumerDeadLetter(t, 0)
		replay, err := extractReplay(msg, "fallback")
		require.NoError(t, err)
		assert.Equal(t, kafka.TopicSyncEvents, replay.topic)
		assert.Equal(t, "order-1", replay.key)
		assert.Equal(t, msg.Value, replay.value)
		assert.Equal(t, string(eventbus.ChannelOrderActivated), replay.channel)
	})

	t.Run("outbox dead letter unwraps the envelope", func(t *testing.T) {
		replay, err := extractReplay(outboxDeadLetterMessage(t, 0), kafka.TopicSyncEvents)
		require.NoError(t, err)
		assert.Equal(t, kafka.TopicSyncEvents, replay.topic)
		assert.Equal(t, "order-1", replay.key)

		env, err := kafka.ParseEnvelope(replay.value)
		require.NoError(t, err)
		assert.Equal(t, "instance-a", env.Origin)
	})

	t.Run("consumer dead letter with broken envelope", func(t *testing.T) {
		msg := consumerDeadLetter(t, 0)
		msg.Value = []byte(`{"channel":"nope"}`)
		_, err := extractReplay(msg, kafka.TopicSyncEvents)
		require.Error(t, err)
	})

	t.Run("outbox dead letter without payload", func(t *testing.T) {
		_, err := extractReplay(&sarama.ConsumerMessage{Value: []byte(`{"outbox_id":"x"}`)}, kafka.TopicSyncEvents)
		require.ErrorIs(t, err, kafka.ErrEmptyPayload)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := extractReplay(&sarama.ConsumerMessage{Value: []byte("garbage")}, kafka.TopicSyncEvents)
		require.Error(t, err)
	})
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", " ", "b", "c"))
	assert.Empty(t, firstNonEmpty("", " "))
}

func newTestReplayer(cfg config, client offsetClient, source partitionSource, producer sarama.SyncProducer) *replayer {
	if cfg.sourceTopic == "" {
		cfg.sourceTopic = kafka.TopicDeadLetterQueue
	}
	if cfg.targetTopic == "" {
		cfg.targetTopic = kafka.TopicSyncEvents
	}
	if cfg.limit == 0 {
		cfg.limit = 10
	}
	if cfg.idleTimeout == 0 {
		cfg.idleTimeout = 50 * time.Millisecond
	}
	return &replayer{cfg: cfg, client: client, source: source, producer: producer, logger: quietLogger()}
}

func TestReplayDryRun(t *testing.T) {
	client := &stubOffsetClient{
		partitions: []int32{1, 0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}, 1: {oldest: 5, newest: 5}},
	}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(consumerDeadLetter(t, 0), &sarama.ConsumerMessage{Offset: 1, Value: []byte("junk")}),
	}}

	stats, err := newTestReplayer(config{}, client, source, nil).replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replayStats{scanned: 2, replayed: 1, skipped: 1}, stats)
	require.Len(t, source.calls, 1)
	assert.Equal(t, consumeCall{partition: 0, offset: 0}, source.calls[0])
}

func TestReplayExecutePublishes(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(consumerDeadLetter(t, 0), outboxDeadLetterMessage(t, 1)),
	}}

	producer := mocks.NewSyncProducer(t, nil)
	checkEnvelope := func(value []byte) error {
		_, err := kafka.ParseEnvelope(value)
		return err
	}
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(checkEnvelope)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(checkEnvelope)

	stats, err := newTestReplayer(config{execute: true}, client, source, producer).replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.replayed)
	require.NoError(t, producer.Close())
}

func TestReplayExecuteRequiresProducer(t *testing.T) {
	_, err := newTestReplayer(config{execute: true}, &stubOffsetClient{}, &stubPartitionSource{}, nil).replay(context.Background())
	require.Error(t, err)
}

func TestReplayPublishFailureStops(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(consumerDeadLetter(t, 0))}}
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	_, err := newTestReplayer(config{execute: true}, client, source, producer).replay(context.Background())
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())
}

func TestReplayRespectsLimitAndFromNewest(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{0, 1}, offsets: map[int32]offsetRange{
		0: {oldest: 0, newest: 10},
		1: {oldest: 0, newest: 10},
	}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(consumerDeadLetter(t, 8), consumerDeadLetter(t, 9)),
	}}

	stats, err := newTestReplayer(config{limit: 2, fromNewest: true}, client, source, nil).replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.scanned)
	require.Len(t, source.calls, 1)
	assert.Equal(t, int64(8), source.calls[0].offset)
}

func TestReplayErrors(t *testing.T) {
	ctx := context.Background()

	_, err := newTestReplayer(config{}, &stubOffsetClient{partitionsErr: errors.New("meta")}, &stubPartitionSource{}, nil).replay(ctx)
	require.ErrorContains(t, err, "get partitions")

	client := &stubOffsetClient{partitions: []int32{0}, offsetErr: map[int32]error{0: errors.New("offset")}}
	_, err = newTestReplayer(config{}, client, &stubPartitionSource{}, nil).replay(ctx)
	require.ErrorContains(t, err, "get oldest offset")

	client = &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	_, err = newTestReplayer(config{}, client, &stubPartitionSource{consumeErr: errors.New("consume")}, nil).replay(ctx)
	require.ErrorContains(t, err, "consume partition 0")

	errCh := make(chan *sarama.ConsumerError, 1)
	errCh <- &sarama.ConsumerError{Topic: kafka.TopicDeadLetterQueue, Partition: 0, Err: sarama.ErrOutOfBrokers}
	pc := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: errCh}
	_, err = newTestReplayer(config{}, client, &stubPartitionSource{consumers: map[int32]partitionConsumer{0: pc}}, nil).replay(ctx)
	require.ErrorContains(t, err, "partition 0 consumer error")
}

func TestReplayIdleAndCancel(t *testing.T) {
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	open := func() *stubPartitionSource {
		return &stubPartitionSource{consumers: map[int32]partitionConsumer{0: &stubPartitionConsumer{
			messages: make(chan *sarama.ConsumerMessage),
			errors:   make(chan *sarama.ConsumerError),
		}}}
	}

	stats, err := newTestReplayer(config{idleTimeout: 10 * time.Millisecond}, client, open(), nil).replay(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.scanned)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestReplayer(config{idleTimeout: time.Minute}, client, open(), nil).replay(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunClosesDependencies(t *testing.T) {
	old := openReplayer
	t.Cleanup(func() { openReplayer = old })

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	source := &stubPartitionSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(consumerDeadLetter(t, 0))}}
	openReplayer = func(cfg config, logger *log.Entry) (*replayer, error) {
		return &replayer{cfg: cfg, client: client, source: source, logger: logger}, nil
	}

	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicSyncEvents, limit: 5, idleTimeout: 50 * time.Millisecond}
	require.NoError(t, run(context.Background(), cfg, quietLogger()))
	assert.True(t, client.closed)
	assert.True(t, source.closed)

	openReplayer = func(config, *log.Entry) (*replayer, error) { return nil, errors.New("no kafka") }
	require.ErrorContains(t, run(context.Background(), cfg, quietLogger()), "no kafka")
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, stderr.String(), "boom")
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	return &stubPartitionConsumer{messages: msgCh, errors: make(chan *sarama.ConsumerError)}
}
