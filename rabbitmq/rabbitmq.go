package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"order-saga/config"
	"order-saga/events"
)

var ErrDelayUnsupported = errors.New("delayed exchange not available")

// routing keys binding the delay exchange to the topic exchanges
var delayedRoutes = map[string]string{
	events.TopicOrders:   "order.#",
	events.TopicPayments: "payment.#",
}

// RabbitMQ is an events.Bus over topic exchanges. Every consumer group gets a
// quorum queue bound to the topic exchange, so a delivery limit and the dead
// letter exchange are enforced by the broker as well.
type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Cfg     *config.Config
	logger  *zap.Logger

	mu      sync.Mutex
	delayed bool
}

func NewRabbitMQ(cfg *config.Config, logger *zap.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: ch,
		Cfg:     cfg,
		logger:  logger,
	}, nil
}

func (r *RabbitMQ) deadLetterExchange() string {
	return r.Cfg.DeadLetterQueue + "_exchange"
}

func (r *RabbitMQ) SetupQueues() error {
	for _, topic := range []string{events.TopicOrders, events.TopicPayments} {
		if err := r.Channel.ExchangeDeclare(
			topic,
			"topic",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, err)
		}
	}

	if err := r.Channel.ExchangeDeclare(
		r.deadLetterExchange(),
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "classic"},
	); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}

	if err := r.Channel.QueueBind(
		r.Cfg.DeadLetterQueue,
		r.Cfg.DeadLetterQueue,
		r.deadLetterExchange(),
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	r.setupDelayExchange()
	return nil
}

// setupDelayExchange needs the rabbitmq_delayed_message_exchange plugin.
// Without it the bus still works but cannot schedule events.
func (r *RabbitMQ) setupDelayExchange() {
	// a failed declare closes the channel, so check on a throwaway one
	ch, err := r.Conn.Channel()
	if err != nil {
		r.logger.Warn("Delayed exchange not supported", zap.Error(err))
		return
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		r.Cfg.DelayExchange,
		"x-delayed-message",
		true,
		false,
		false,
		false,
		amqp.Table{"x-delayed-type": "topic"},
	)
	for topic, route := range delayedRoutes {
		if err != nil {
			break
		}
		err = ch.ExchangeBind(topic, route, r.Cfg.DelayExchange, false, nil)
	}
	if err != nil {
		r.logger.Warn("Delayed exchange not supported", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.delayed = true
	r.mu.Unlock()
}

func (r *RabbitMQ) Publish(ctx context.Context, topic string, evt events.Event) error {
	return r.publish(ctx, topic, evt, nil)
}

// PublishDelayed routes evt through the delay exchange; it reaches topic's
// queues once delay has passed.
func (r *RabbitMQ) PublishDelayed(ctx context.Context, topic string, evt events.Event, delay time.Duration) error {
	r.mu.Lock()
	delayed := r.delayed
	r.mu.Unlock()
	if !delayed {
		return fmt.Errorf("publish %s: %w", evt.Type, ErrDelayUnsupported)
	}
	return r.publish(ctx, r.Cfg.DelayExchange, evt, amqp.Table{
		"x-delay": delay.Milliseconds(),
	})
}

func (r *RabbitMQ) publish(ctx context.Context, exchange string, evt events.Event, headers amqp.Table) error {
	msg, err := publishingFor(evt)
	if err != nil {
		return err
	}
	for k, v := range headers {
		msg.Headers[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Channel.PublishWithContext(ctx,
		exchange,
		string(evt.Type),
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Type, exchange, err)
	}
	return nil
}

func publishingFor(evt events.Event) (amqp.Publishing, error) {
	body, err := events.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal %s: %w", evt.Type, err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.ProducedAt,
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Type:         string(evt.Type),
		Headers:      amqp.Table{"key": evt.Key},
		Body:         body,
	}, nil
}

// Subscribe declares the group's queue on topic and feeds its deliveries to a
// dispatcher. Each subscription consumes on its own channel.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic, group string, handler events.Handler) error {
	queue := queueName(topic, group)

	ch, err := r.Conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel for %s: %w", queue, err)
	}
	if err := r.declareGroupQueue(ch, topic, queue); err != nil {
		_ = ch.Close()
		return err
	}

	workers := r.Cfg.ConsumerWorkers
	if workers <= 0 {
		workers = 1
	}
	if err := ch.Qos(workers*4, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos on %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	dispatcher := events.NewDispatcher(queue, workers, r.Cfg.MaxDeliveries, handler, r.logger)
	dispatcher.Start(ctx)

	go func() {
		defer dispatcher.Close()
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return
			case d, ok := <-deliveries:
				if !ok {
					r.logger.Warn("Delivery channel closed", zap.String("queue", queue))
					return
				}
				r.dispatch(dispatcher, queue, d)
			}
		}
	}()

	r.logger.Info("Consumer started", zap.String("queue", queue), zap.Int("workers", workers))
	return nil
}

func (r *RabbitMQ) declareGroupQueue(ch *amqp.Channel, topic, queue string) error {
	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		queueArgs(r.deadLetterExchange(), r.Cfg.DeadLetterQueue, r.Cfg.MaxDeliveries),
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "#", topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}

func (r *RabbitMQ) dispatch(dispatcher *events.Dispatcher, queue string, d amqp.Delivery) {
	evt, err := events.Unmarshal(d.Body)
	if err != nil {
		r.logger.Error("Malformed message, dead-lettering",
			zap.String("queue", queue),
			zap.String("message_id", d.MessageId),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err = dispatcher.Dispatch(events.Delivery{
		Event:   evt,
		Attempt: deliveryAttempt(d.Headers),
		Ack:     func() error { return d.Ack(false) },
		Nack:    func(requeue bool) error { return d.Nack(false, requeue) },
	})
	if err != nil {
		// the broker redelivers once the channel closes
		r.logger.Debug("Dispatcher closed, leaving delivery unacked",
			zap.String("queue", queue), zap.String("event_id", evt.ID))
	}
}

// ConsumeDeadLetters drains the dead letter queue into handler. A handler
// error requeues the message.
func (r *RabbitMQ) ConsumeDeadLetters(ctx context.Context, handler events.Handler) error {
	ch, err := r.Conn.Channel()
	if err != nil {
		return fmt.Errorf("open dead letter channel: %w", err)
	}
	deliveries, err := ch.Consume(r.Cfg.DeadLetterQueue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", r.Cfg.DeadLetterQueue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				evt, err := events.Unmarshal(d.Body)
				if err != nil {
					r.logger.Error("Dropping unreadable dead letter",
						zap.String("message_id", d.MessageId), zap.ByteString("body", d.Body))
					_ = d.Ack(false)
					continue
				}
				if err := events.Invoke(ctx, handler, evt); err != nil {
					r.logger.Warn("Dead-letter handler failed", zap.String("event_id", evt.ID), zap.Error(err))
					_ = d.Nack(false, true)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()
	return nil
}

func (r *RabbitMQ) Close() error {
	var errs []error
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func queueName(topic, group string) string {
	return topic + "." + group
}

func queueArgs(deadLetterExchange, deadLetterKey string, maxDeliveries int) amqp.Table {
	return amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int32(maxDeliveries),
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": deadLetterKey,
	}
}

// deliveryAttempt reads the quorum queue's x-delivery-count, which counts
// earlier failed deliveries.
func deliveryAttempt(headers amqp.Table) int {
	switch n := headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	default:
		return 1
	}
}
