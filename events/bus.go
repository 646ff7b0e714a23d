package events

import (
	"context"
	"time"
)

// Handler applies one event. Returning nil acknowledges the event; any error
// leaves it unacknowledged so the bus delivers it again.
type Handler func(ctx context.Context, evt Event) error

type Publisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
}

// Subscriber registers a consumer group on a topic. Subscribe returns once
// the consumer is running; it stops when ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// DelayedPublisher is implemented by buses able to hold an event back for a
// fixed delay before delivering it.
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, topic string, evt Event, delay time.Duration) error
}

// DeadLetterSource hands events that exhausted their deliveries to handler.
type DeadLetterSource interface {
	ConsumeDeadLetters(ctx context.Context, handler Handler) error
}

// Publish builds an event and publishes it on the topic owned by its type.
func Publish(ctx context.Context, p Publisher, t Type, key string, payload any, at time.Time) (Event, error) {
	evt, err := NewEvent(t, key, payload, at)
	if err != nil {
		return Event{}, err
	}
	return evt, p.Publish(ctx, t.Topic(), evt)
}
