package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
)

// Topics для Kafka
const (
	TopicSyncEvents      = "cartsync.sync.events"
	TopicDeadLetterQueue = "cartsync.dlq"
)

// Kafka headers
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderOrigin        = "x-origin"
	HeaderChannel       = "x-channel"
)

// AggregateTypeOrder — тип агрегата outbox-сообщений моста.
const AggregateTypeOrder = "order"

var (
	// ErrEmptyOrigin возвращается, если у конверта нет идентификатора процесса-источника.
	ErrEmptyOrigin = errors.New("envelope origin is empty")
	// ErrEmptyPayload возвращается, если у конверта нет тела сообщения.
	ErrEmptyPayload = errors.New("envelope payload is empty")
)

// Envelope описывает сообщение шины в том виде, в котором оно уходит в Kafka.
type Envelope struct {
	Channel     eventbus.Channel `json:"channel"`
	Origin      string           `json:"origin"`
	OrderID     string           `json:"order_id"`
	Payload     json.RawMessage  `json:"payload"`
	PublishedAt time.Time        `json:"published_at"`
}

// NewEnvelope упаковывает сообщение шины.
func NewEnvelope(origin string, msg eventbus.Message) (Envelope, error) {
	if origin == "" {
		return Envelope{}, ErrEmptyOrigin
	}
	if msg == nil {
		return Envelope{}, eventbus.ErrNilMessage
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.Channel(), err)
	}

	return Envelope{
		Channel:     msg.Channel(),
		Origin:      origin,
		OrderID:     msg.OrderKey(),
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Message распаковывает сообщение шины.
func (e Envelope) Message() (eventbus.Message, error) {
	if len(e.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	return eventbus.Decode(e.Channel, e.Payload)
}

// ParseEnvelope разбирает значение Kafka-сообщения.
func ParseEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Origin == "" {
		return Envelope{}, ErrEmptyOrigin
	}
	if !env.Channel.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", eventbus.ErrUnknownChannel, env.Channel)
	}
	return env, nil
}
