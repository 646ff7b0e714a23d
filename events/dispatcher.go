package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Delivery is one attempt at handing an event to a handler. Ack and Nack are
// supplied by the transport the event arrived on.
type Delivery struct {
	Event   Event
	Attempt int
	Ack     func() error
	Nack    func(requeue bool) error
}

// Outcome is what the dispatcher did with a delivery after the handler ran.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// DefaultRetryBackoff is the base wait between in-place attempts; the n-th
// retry waits n times as long.
const DefaultRetryBackoff = 100 * time.Millisecond

// Dispatcher fans deliveries out to a fixed set of workers by partition key.
// Deliveries with the same key always land on the same worker and are handled
// one at a time in arrival order; different keys proceed concurrently.
//
// A failed delivery is retried on its worker until it succeeds or runs out of
// attempts, so nothing behind it with the same key overtakes it. It is only
// handed back to the transport for redelivery when ctx ends mid-retry.
type Dispatcher struct {
	name          string
	handler       Handler
	maxDeliveries int
	retryBackoff  time.Duration
	logger        *zap.Logger
	onOutcome     func(Event, Outcome)

	mu      sync.RWMutex
	closed  bool
	workers []chan Delivery
	wg      sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithRetryBackoff(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.retryBackoff = d }
}

// WithOutcomeHook registers a callback invoked after every delivery.
func WithOutcomeHook(fn func(Event, Outcome)) DispatcherOption {
	return func(d *Dispatcher) { d.onOutcome = fn }
}

func NewDispatcher(name string, workers, maxDeliveries int, handler Handler, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	d := &Dispatcher{
		name:          name,
		handler:       handler,
		maxDeliveries: maxDeliveries,
		retryBackoff:  DefaultRetryBackoff,
		logger:        logger,
		workers:       make([]chan Delivery, workers),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := range d.workers {
		d.workers[i] = make(chan Delivery, 64)
	}
	return d
}

// Start launches the workers. Handlers run with ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, ch := range d.workers {
		d.wg.Add(1)
		go func(ch chan Delivery) {
			defer d.wg.Done()
			for del := range ch {
				d.handle(ctx, del)
			}
		}(ch)
	}
}

func (d *Dispatcher) Dispatch(del Delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.workers[Partition(del.Event.Key, len(d.workers))] <- del
	return nil
}

// Close stops accepting deliveries and waits for in-flight ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, del Delivery) {
	attempt := max(del.Attempt, 1)
	var err error
	outcome := OutcomeAcked
	for {
		if err = Invoke(ctx, d.handler, del.Event); err == nil {
			break
		}
		if attempt >= d.maxDeliveries {
			outcome = OutcomeDeadLettered
			break
		}
		d.logger.Warn("Event handling failed, retrying",
			zap.String("consumer", d.name),
			zap.String("event_id", del.Event.ID),
			zap.String("type", string(del.Event.Type)),
			zap.String("key", del.Event.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !sleepCtx(ctx, d.retryBackoff*time.Duration(attempt)) {
			outcome = OutcomeRequeued
			break
		}
		attempt++
	}

	switch outcome {
	case OutcomeAcked:
		if ackErr := del.Ack(); ackErr != nil {
			d.logger.Error("Failed to ack event",
				zap.String("consumer", d.name),
				zap.String("event_id", del.Event.ID),
				zap.Error(ackErr))
		}
	case OutcomeDeadLettered:
		d.logger.Error("Event exhausted deliveries, dead-lettering",
			zap.String("consumer", d.name),
			zap.String("event_id", del.Event.ID),
			zap.String("type", string(del.Event.Type)),
			zap.String("key", del.Event.Key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if nackErr := del.Nack(false); nackErr != nil {
			d.logger.Error("Failed to nack event", zap.String("event_id", del.Event.ID), zap.Error(nackErr))
		}
	case OutcomeRequeued:
		d.logger.Warn("Stopped while retrying, leaving event for redelivery",
			zap.String("consumer", d.name),
			zap.String("event_id", del.Event.ID),
			zap.Int("attempt", attempt))
		if nackErr := del.Nack(true); nackErr != nil {
			d.logger.Error("Failed to nack event", zap.String("event_id", del.Event.ID), zap.Error(nackErr))
		}
	}

	if d.onOutcome != nil {
		d.onOutcome(del.Event, outcome)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Invoke runs handler, turning a panic into an error.
func Invoke(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler(ctx, evt)
}

// Partition maps a key onto one of n partitions.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
