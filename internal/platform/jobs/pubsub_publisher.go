package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/storefront/checkout/internal/services"
)

// PubSubEventPublisher publishes order and inventory events to a Pub/Sub topic, ordered per
// order or variant.
type PubSubEventPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubEventPublisher enables message ordering on topic and wraps it.
func NewPubSubEventPublisher(topic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubEventPublisher{topic: topic}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher and waits for the server ack.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, attrs, err := encodeOrderEvent(event)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, event.OrderID, data, attrs); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PublishInventoryEvent implements services.InventoryEventPublisher.
func (p *PubSubEventPublisher) PublishInventoryEvent(ctx context.Context, event services.InventoryEvent) error {
	data, attrs, err := encodeInventoryEvent(event)
	if err != nil {
		return err
	}
	if err := p.publish(ctx, "variant:"+event.VariantID, data, attrs); err != nil {
		return fmt.Errorf("publish inventory event: %w", err)
	}
	return nil
}

func (p *PubSubEventPublisher) publish(ctx context.Context, orderingKey string, data []byte, attrs map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key until resumed.
		p.topic.ResumePublish(orderingKey)
		return err
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubEventPublisher) Stop() {
	p.topic.Stop()
}
