package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"order-saga/events"
)

const (
	headerType   = "type"
	headerError  = "error"
	headerSource = "source"

	deadLetterGroup = "dead-letters"
)

// Bus is an events.Bus over Kafka topics keyed by partition key, so events of
// one order stay on one partition. A consumer group runs Workers readers that
// each handle their partitions one message at a time, retrying in process and
// parking exhausted events on <topic>.dlq.
type Bus struct {
	brokers       []string
	workers       int
	maxDeliveries int
	retryBackoff  time.Duration
	writer        *kafka.Writer
	logger        *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

func NewBus(brokers []string, workers, maxDeliveries int, logger *zap.Logger) *Bus {
	if workers <= 0 {
		workers = 1
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	return &Bus{
		brokers:       brokers,
		workers:       workers,
		maxDeliveries: maxDeliveries,
		retryBackoff:  200 * time.Millisecond,
		logger:        logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, evt events.Event) error {
	msg, err := messageFor(topic, evt)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Type, topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler events.Handler) error {
	for i := 0; i < b.workers; i++ {
		reader := b.newReader(kafka.ReaderConfig{
			Brokers:  b.brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consume(ctx, reader, topic+"/"+group, handler)
		}()
	}
	b.logger.Info("Consumer started",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.Int("workers", b.workers))
	return nil
}

// ConsumeDeadLetters reads every dead letter topic under one group.
func (b *Bus) ConsumeDeadLetters(ctx context.Context, handler events.Handler) error {
	reader := b.newReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     deadLetterGroup,
		GroupTopics: []string{dlqTopic(events.TopicOrders), dlqTopic(events.TopicPayments)},
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				b.logFetchError(ctx, deadLetterGroup, err)
				return
			}
			evt, err := eventFrom(msg)
			if err == nil {
				err = events.Invoke(ctx, handler, evt)
			}
			if err != nil {
				b.logger.Warn("Dead-letter handler failed",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
			if err := reader.CommitMessages(ctx, msg); err != nil {
				b.logger.Error("Failed to commit dead letter", zap.Error(err))
			}
		}
	}()
	return nil
}

func (b *Bus) newReader(cfg kafka.ReaderConfig) *kafka.Reader {
	reader := kafka.NewReader(cfg)
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()
	return reader
}

func (b *Bus) consume(ctx context.Context, reader *kafka.Reader, name string, handler events.Handler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			b.logFetchError(ctx, name, err)
			return
		}

		if err := b.handle(ctx, name, msg, handler); err != nil {
			// not committed: the group rebalances and resumes from this offset
			b.logger.Error("Stopping consumer", zap.String("consumer", name), zap.Error(err))
			_ = reader.Close()
			return
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Error("Failed to commit offset",
				zap.String("consumer", name),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// handle returns an error only when the message could be neither handled
// nor parked on the dead letter topic.
func (b *Bus) handle(ctx context.Context, name string, msg kafka.Message, handler events.Handler) error {
	evt, err := eventFrom(msg)
	if err != nil {
		b.logger.Error("Malformed message, dead-lettering",
			zap.String("consumer", name),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return b.deadLetter(ctx, msg, name, err)
	}

	for attempt := 1; ; attempt++ {
		err = events.Invoke(ctx, handler, evt)
		if err == nil {
			return nil
		}
		if attempt >= b.maxDeliveries {
			break
		}
		b.logger.Warn("Event handling failed, retrying",
			zap.String("consumer", name),
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryBackoff * time.Duration(attempt)):
		}
	}

	b.logger.Error("Event exhausted deliveries, dead-lettering",
		zap.String("consumer", name),
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.String("key", evt.Key),
		zap.Error(err))
	return b.deadLetter(ctx, msg, name, err)
}

func (b *Bus) deadLetter(ctx context.Context, msg kafka.Message, source string, cause error) error {
	out := kafka.Message{
		Topic: dlqTopic(msg.Topic),
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: headerError, Value: []byte(cause.Error())},
			kafka.Header{Key: headerSource, Value: []byte(source)},
		),
		Time: time.Now().UTC(),
	}
	if err := b.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("dead-letter offset %d of %s: %w", msg.Offset, msg.Topic, err)
	}
	return nil
}

func (b *Bus) logFetchError(ctx context.Context, name string, err error) {
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return
	}
	b.logger.Error("Failed to fetch message", zap.String("consumer", name), zap.Error(err))
}

func (b *Bus) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func dlqTopic(topic string) string {
	return topic + ".dlq"
}

func messageFor(topic string, evt events.Event) (kafka.Message, error) {
	body, err := events.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", evt.Type, err)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(evt.Key),
		Value:   body,
		Headers: []kafka.Header{{Key: headerType, Value: []byte(evt.Type)}},
		Time:    evt.ProducedAt,
	}, nil
}

func eventFrom(msg kafka.Message) (events.Event, error) {
	evt, err := events.Unmarshal(msg.Value)
	if err != nil {
		return events.Event{}, fmt.Errorf("decode offset %d of %s: %w", msg.Offset, msg.Topic, err)
	}
	if evt.Key == "" {
		evt.Key = string(msg.Key)
	}
	return evt, nil
}
