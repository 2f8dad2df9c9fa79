package kafka

import (
	"fmt"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
// Payload уже содержит сериализованный Envelope и отправляется как есть.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicSyncEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if len(event.Payload) == 0 {
		return fmt.Errorf("outbox message %s: %w", event.ID, ErrEmptyPayload)
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return p.producer.PublishRaw(p.topic, key, event.Payload, map[string]string{
		HeaderChannel: event.EventType,
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
