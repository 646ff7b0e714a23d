package consumers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-saga/events"
	"order-saga/middlewares"
)

// DeadLetter is an event that exhausted its deliveries.
type DeadLetter struct {
	EventID    string          `json:"event_id"`
	Type       events.Type     `json:"type"`
	Topic      string          `json:"topic"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// DeadLetterConsumer logs dead-lettered events and keeps the most recent ones
// for operators.
type DeadLetterConsumer struct {
	logger   *zap.Logger
	capacity int
	now      func() time.Time

	mu     sync.Mutex
	recent []DeadLetter
}

func NewDeadLetterConsumer(capacity int, logger *zap.Logger) *DeadLetterConsumer {
	if capacity <= 0 {
		capacity = 100
	}
	return &DeadLetterConsumer{
		logger:   logger,
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *DeadLetterConsumer) Start(ctx context.Context, source events.DeadLetterSource) error {
	return source.ConsumeDeadLetters(ctx, c.Handle)
}

// Handle always acknowledges; the event is recorded, not retried.
func (c *DeadLetterConsumer) Handle(ctx context.Context, evt events.Event) error {
	letter := DeadLetter{
		EventID:    evt.ID,
		Type:       evt.Type,
		Topic:      evt.Type.Topic(),
		Key:        evt.Key,
		Payload:    evt.Payload,
		ProducedAt: evt.ProducedAt,
		ReceivedAt: c.now(),
	}
	c.logger.Error("Received dead letter",
		zap.String("event_id", letter.EventID),
		zap.String("type", string(letter.Type)),
		zap.String("key", letter.Key),
		zap.ByteString("payload", letter.Payload))
	middlewares.RecordDeadLetter(letter.Topic, string(letter.Type))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, letter)
	if len(c.recent) > c.capacity {
		c.recent = c.recent[len(c.recent)-c.capacity:]
	}
	return nil
}

// Recent returns the retained dead letters, newest first.
func (c *DeadLetterConsumer) Recent() []DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeadLetter, len(c.recent))
	for i, letter := range c.recent {
		out[len(c.recent)-1-i] = letter
	}
	return out
}
