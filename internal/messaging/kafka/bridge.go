package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
)

// Результаты приёма удалённых сообщений для метрик.
const (
	remoteDelivered = "delivered"
	remoteEcho      = "echo"
	remoteNoSession = "no_session"
	remoteInvalid   = "invalid"
	remoteFailed    = "failed"
)

// BusResolver находит шину открытой сессии заказа.
type BusResolver interface {
	Bus(orderID string) (*eventbus.Bus, bool)
}

// BridgeOptions задаёт параметры моста.
type BridgeOptions struct {
	// Origin идентифицирует процесс; по умолчанию генерируется UUID.
	Origin  string
	Logger  *log.Entry
	Metrics *metrics.SyncMetrics
}

// Bridge связывает шины сессий между процессами: локальные сообщения уходят
// в outbox, сообщения других процессов публикуются в шину сессии как удалённые.
type Bridge struct {
	origin   string
	outbox   domain.OutboxRepository
	resolver BusResolver
	logger   *log.Entry
	metrics  *metrics.SyncMetrics
}

// NewBridge создаёт мост.
func NewBridge(outbox domain.OutboxRepository, resolver BusResolver, opts BridgeOptions) *Bridge {
	origin := opts.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "kafka-bridge")
	}

	return &Bridge{
		origin:   origin,
		outbox:   outbox,
		resolver: resolver,
		logger:   logger.WithField("origin", origin),
		metrics:  opts.Metrics,
	}
}

// Origin возвращает идентификатор процесса.
func (b *Bridge) Origin() string {
	return b.origin
}

// AttachBus подписывает мост на все каналы шины заказа.
func (b *Bridge) AttachBus(orderID string, bus *eventbus.Bus) (func(), error) {
	scope := bus.NewScope()
	for _, channel := range eventbus.Channels() {
		if err := scope.Subscribe(channel, b.forward(orderID)); err != nil {
			scope.Close()
			return nil, err
		}
	}
	return scope.Close, nil
}

func (b *Bridge) forward(orderID string) eventbus.Handler {
	return func(ctx context.Context, msg eventbus.Message) error {
		// Удалённые сообщения уже были в Kafka.
		if eventbus.IsRemote(ctx) || msg.OrderKey() != orderID {
			return nil
		}

		env, err := NewEnvelope(b.origin, msg)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}

		stored, err := b.outbox.Enqueue(domain.OutboxMessage{
			AggregateType: AggregateTypeOrder,
			AggregateID:   orderID,
			EventType:     string(msg.Channel()),
			Payload:       payload,
		})
		if err != nil {
			return fmt.Errorf("enqueue %s for order %s: %w", msg.Channel(), orderID, err)
		}

		b.logger.WithFields(log.Fields{
			"order_id":  orderID,
			"channel":   msg.Channel(),
			"outbox_id": stored.ID,
		}).Debug("bus message enqueued to outbox")
		return nil
	}
}

// HandleMessage реализует MessageHandler для Consumer. Свои сообщения и сообщения
// заказов без открытой сессии пропускаются.
func (b *Bridge) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	env, err := ParseEnvelope(message.Value)
	if err != nil {
		b.metrics.RecordRemoteReceived("unknown", remoteInvalid)
		return err
	}
	channel := string(env.Channel)

	if env.Origin == b.origin {
		b.metrics.RecordRemoteReceived(channel, remoteEcho)
		return nil
	}

	msg, err := env.Message()
	if err != nil {
		b.metrics.RecordRemoteReceived(channel, remoteInvalid)
		return err
	}

	bus, ok := b.resolver.Bus(msg.OrderKey())
	if !ok {
		b.metrics.RecordRemoteReceived(channel, remoteNoSession)
		return nil
	}

	if err := bus.PublishRemote(ctx, msg); err != nil {
		b.metrics.RecordRemoteReceived(channel, remoteFailed)
		return fmt.Errorf("publish remote %s: %w", channel, err)
	}

	b.metrics.RecordRemoteReceived(channel, remoteDelivered)
	b.logger.WithFields(log.Fields{
		"order_id":    msg.OrderKey(),
		"channel":     channel,
		"from_origin": env.Origin,
	}).Debug("remote message delivered")
	return nil
}
