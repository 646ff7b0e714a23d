package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"order-saga/cache"
	"order-saga/events"
	"order-saga/gateway"
	"order-saga/middlewares"
	"order-saga/models"
)

// maxConflictRetries bounds how often a read-modify-write is replayed after a
// version conflict before the conflict is returned to the caller.
const maxConflictRetries = 3

// DefaultProcessingTimeout is well above any gateway timeout, so a payment
// this old in PROCESSING has no charge still running.
const DefaultProcessingTimeout = 10 * time.Minute

// Gateways resolves the gateway serving a payment method.
type Gateways interface {
	For(method models.PaymentMethod) (gateway.Gateway, error)
}

type settings struct {
	now            func() time.Time
	pricing        models.Pricing
	paymentTimeout time.Duration
	fraud          *FraudScorer
	snapshots      cache.SnapshotStore
	retryBatchSize int

	// processingTimeout is how long a payment may stay PROCESSING before the
	// retry sweep recovers it.
	processingTimeout time.Duration
}

type Option func(*settings)

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithPricing(p models.Pricing) Option {
	return func(s *settings) { s.pricing = p }
}

// WithPaymentTimeout schedules an order.payment_check this long after an
// order is created. Zero disables the check.
func WithPaymentTimeout(d time.Duration) Option {
	return func(s *settings) { s.paymentTimeout = d }
}

func WithFraudScorer(f *FraudScorer) Option {
	return func(s *settings) { s.fraud = f }
}

// WithSnapshots gives the payment side a view of order state, used to skip
// retries for orders that are no longer awaiting payment.
func WithSnapshots(store cache.SnapshotStore) Option {
	return func(s *settings) { s.snapshots = store }
}

func WithRetryBatchSize(n int) Option {
	return func(s *settings) { s.retryBatchSize = n }
}

// WithProcessingTimeout sets how long a payment may stay PROCESSING before
// the retry sweep charges it again. Zero disables the recovery.
func WithProcessingTimeout(d time.Duration) Option {
	return func(s *settings) { s.processingTimeout = d }
}

func newSettings(opts []Option) settings {
	s := settings{
		now:               func() time.Time { return time.Now().UTC() },
		pricing:           models.DefaultPricing(),
		fraud:             NewFraudScorer(DefaultFraudThreshold),
		retryBatchSize:    100,
		processingTimeout: DefaultProcessingTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// publish emits an event after its state change has committed. A failure is
// logged and counted; the committed change stands.
func publish(ctx context.Context, bus events.Publisher, logger *zap.Logger, t events.Type, key string, payload any, at time.Time) {
	evt, err := events.Publish(ctx, bus, t, key, payload, at)
	if err != nil {
		logger.Error("Failed to publish event",
			zap.String("type", string(t)),
			zap.String("key", key),
			zap.Error(err))
		middlewares.RecordPublishFailure(string(t))
		return
	}
	logger.Debug("Published event",
		zap.String("type", string(t)),
		zap.String("key", key),
		zap.String("event_id", evt.ID))
}

func isConflict(err error) bool {
	return errors.Is(err, models.ErrConcurrentModification)
}
