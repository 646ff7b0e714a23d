package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Published records one event handed to the in-memory bus.
type Published struct {
	Topic string
	Event Event
}

// MemoryBus is an in-process bus with the same delivery contract as the
// brokers: at-least-once, per-key ordering, in-place retry on failure and
// dead-lettering after MaxDeliveries attempts. It backs tests and local runs.
type MemoryBus struct {
	workers       int
	maxDeliveries int
	redeliverWait time.Duration
	logger        *zap.Logger

	mu          sync.Mutex
	closed      bool
	subs        map[string]map[string]*memorySubscription
	published   []Published
	deadLetters []Published
	deadHandler Handler
	timers      sync.WaitGroup
}

type memorySubscription struct {
	topic      string
	group      string
	dispatcher *Dispatcher
}

func NewMemoryBus(workers, maxDeliveries int, logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		workers:       workers,
		maxDeliveries: maxDeliveries,
		redeliverWait: 10 * time.Millisecond,
		logger:        logger,
		subs:          make(map[string]map[string]*memorySubscription),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, evt Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: bus closed", evt.Type)
	}
	b.published = append(b.published, Published{Topic: topic, Event: evt})
	var targets []*memorySubscription
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, evt, 1)
	}
	return nil
}

// PublishDelayed delivers evt after delay.
func (b *MemoryBus) PublishDelayed(ctx context.Context, topic string, evt Event, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("publish %s: bus closed", evt.Type)
	}
	b.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer b.timers.Done()
		if err := b.Publish(context.Background(), topic, evt); err != nil {
			b.logger.Warn("Dropped delayed event", zap.String("event_id", evt.ID), zap.Error(err))
		}
	})
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("subscribe %s/%s: bus closed", topic, group)
	}
	if _, exists := b.subs[topic][group]; exists {
		return fmt.Errorf("subscribe %s/%s: group already subscribed", topic, group)
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*memorySubscription)
	}

	dispatcher := NewDispatcher(group+"@"+topic, b.workers, b.maxDeliveries, handler, b.logger,
		WithRetryBackoff(b.redeliverWait))
	sub := &memorySubscription{
		topic:      topic,
		group:      group,
		dispatcher: dispatcher,
	}
	sub.dispatcher.Start(ctx)
	b.subs[topic][group] = sub

	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
	}()
	return nil
}

func (b *MemoryBus) unsubscribe(sub *memorySubscription) {
	b.mu.Lock()
	if b.subs[sub.topic][sub.group] == sub {
		delete(b.subs[sub.topic], sub.group)
	}
	b.mu.Unlock()
	sub.dispatcher.Close()
}

func (b *MemoryBus) deliver(sub *memorySubscription, evt Event, attempt int) {
	del := Delivery{
		Event:   evt,
		Attempt: attempt,
		Ack:     func() error { return nil },
		Nack: func(requeue bool) error {
			if !requeue {
				b.mu.Lock()
				b.deadLetters = append(b.deadLetters, Published{Topic: sub.topic, Event: evt})
				handler := b.deadHandler
				b.mu.Unlock()
				if handler != nil {
					go func() {
						if err := handler(context.Background(), evt); err != nil {
							b.logger.Warn("Dead-letter handler failed", zap.String("event_id", evt.ID), zap.Error(err))
						}
					}()
				}
				return nil
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return nil
			}
			b.timers.Add(1)
			time.AfterFunc(b.redeliverWait, func() {
				defer b.timers.Done()
				b.deliver(sub, evt, attempt+1)
			})
			return nil
		},
	}
	if err := sub.dispatcher.Dispatch(del); err != nil {
		b.logger.Debug("Subscription closed, dropping delivery",
			zap.String("topic", sub.topic),
			zap.String("group", sub.group),
			zap.String("event_id", evt.ID))
	}
}

// Published returns a copy of every event published so far.
func (b *MemoryBus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedOfType returns the published events of type t in publish order.
func (b *MemoryBus) PublishedOfType(t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, p := range b.published {
		if p.Event.Type == t {
			out = append(out, p.Event)
		}
	}
	return out
}

// ConsumeDeadLetters registers handler for events dead-lettered from now on.
func (b *MemoryBus) ConsumeDeadLetters(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("consume dead letters: bus closed")
	}
	b.deadHandler = handler
	return nil
}

func (b *MemoryBus) DeadLetters() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.deadLetters...)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, byGroup := range b.subs {
		for _, sub := range byGroup {
			subs = append(subs, sub)
		}
	}
	b.subs = make(map[string]map[string]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.dispatcher.Close()
	}
	return nil
}
