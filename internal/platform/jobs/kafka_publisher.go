package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/storefront/checkout/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventPublisher publishes order and inventory events to a Kafka topic. Messages are keyed
// by order or variant id, so all events of one aggregate land on the same partition.
type KafkaEventPublisher struct {
	writer messageWriter
}

// NewKafkaEventPublisher builds a writer for brokers and topic.
func NewKafkaEventPublisher(brokers []string, topic string) (*KafkaEventPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka event publisher: brokers and topic are required")
	}
	return newKafkaEventPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}), nil
}

func newKafkaEventPublisher(writer messageWriter) *KafkaEventPublisher {
	return &KafkaEventPublisher{writer: writer}
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *KafkaEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, attrs, err := encodeOrderEvent(event)
	if err != nil {
		return err
	}
	if err := p.write(ctx, event.OrderID, data, attrs, event.OccurredAt); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PublishInventoryEvent implements services.InventoryEventPublisher.
func (p *KafkaEventPublisher) PublishInventoryEvent(ctx context.Context, event services.InventoryEvent) error {
	data, attrs, err := encodeInventoryEvent(event)
	if err != nil {
		return err
	}
	if err := p.write(ctx, event.VariantID, data, attrs, event.OccurredAt); err != nil {
		return fmt.Errorf("publish inventory event: %w", err)
	}
	return nil
}

func (p *KafkaEventPublisher) write(ctx context.Context, key string, data []byte, attrs map[string]string, at time.Time) error {
	headers := make([]kafka.Header, 0, len(attrs))
	for name, value := range attrs {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(value)})
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
		Time:    at,
	})
}

// Close flushes and closes the writer.
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}
