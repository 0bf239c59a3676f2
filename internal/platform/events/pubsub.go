package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/bookhaven/api/internal/services"
)

var _ services.LifecycleEventPublisher = (*PubSubPublisher)(nil)

// PubSubPublisher publishes lifecycle events to a Pub/Sub topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a Pub/Sub backed lifecycle publisher. Message ordering is
// enabled on the topic so events for one order arrive in commit order.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub lifecycle publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishLifecycleEvent blocks until the server acknowledges the message.
func (p *PubSubPublisher) PublishLifecycleEvent(ctx context.Context, event services.LifecycleEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub lifecycle publisher: not initialised")
	}
	event = prepare(event)

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	key := partitionKey(event)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes(event),
		OrderingKey: key,
	})
	if _, err := result.Get(ctx); err != nil {
		p.topic.ResumePublish(key)
		return fmt.Errorf("publish lifecycle event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}
