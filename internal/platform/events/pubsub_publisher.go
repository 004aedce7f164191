// Package events publishes domain events to Pub/Sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/storekit/coupons/internal/services"
)

// RedemptionCommittedEvent is the eventType attribute carried by redemption messages.
const RedemptionCommittedEvent = "coupons.redemption.committed"

// PubSubRedemptionPublisher publishes committed redemption sets to a Pub/Sub topic.
type PubSubRedemptionPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.RedemptionPublisher = (*PubSubRedemptionPublisher)(nil)

// NewPubSubRedemptionPublisher constructs a Pub/Sub backed redemption publisher.
func NewPubSubRedemptionPublisher(topic *pubsub.Topic) (*PubSubRedemptionPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub redemption publisher: topic is required")
	}
	return &PubSubRedemptionPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRedemption sends the event and waits for the server-assigned message id.
// Subscribers dedupe on the eventId attribute.
func (p *PubSubRedemptionPublisher) PublishRedemption(ctx context.Context, event services.RedemptionEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub redemption publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal redemption event: %w", err)
	}

	attrs := map[string]string{"eventType": RedemptionCommittedEvent}
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "storeId", event.StoreID)
	setAttr(attrs, "orderId", event.OrderID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish redemption event: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *PubSubRedemptionPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
