package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/tradein/internal/services"
)

// PubSubTradeInEventPublisher publishes trade-in lifecycle events to a Pub/Sub topic.
type PubSubTradeInEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubTradeInEventPublisher wraps topic.
func NewPubSubTradeInEventPublisher(topic *pubsub.Topic) (*PubSubTradeInEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub trade-in publisher: topic is required")
	}
	return &PubSubTradeInEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishTradeInEvent sends the event as JSON and waits for the server acknowledgement.
func (p *PubSubTradeInEventPublisher) PublishTradeInEvent(ctx context.Context, event services.TradeInLifecycleEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub trade-in publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal trade-in event: %w", err)
	}

	attrs := make(map[string]string, 3)
	setAttr(attrs, "event", event.Type)
	setAttr(attrs, "request_id", event.RequestID)
	setAttr(attrs, "cart_id", event.CartID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish trade-in event %s: %w", event.Type, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.TradeInEventPublisher = (*PubSubTradeInEventPublisher)(nil)
