package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-saga/cache"
	"order-saga/events"
	"order-saga/gateway"
	"order-saga/models"
	"order-saga/repository"
)

type paymentFixture struct {
	svc   *PaymentService
	store *repository.MemoryPaymentStore
	gw    *fakeGateway
	bus   *events.MemoryBus
}

func newPaymentFixture(t *testing.T, opts ...Option) paymentFixture {
	t.Helper()
	store := repository.NewMemoryPaymentStore()
	gw := &fakeGateway{}
	bus := newTestBus(t)
	opts = append([]Option{fixedClock()}, opts...)
	return paymentFixture{
		svc:   NewPaymentService(store, registryWith(gw), bus, zap.NewNop(), opts...),
		store: store,
		gw:    gw,
		bus:   bus,
	}
}

var errGatewayDown = errors.New("connection reset")

func failingCharge(n int) (gateway.ChargeResult, error) {
	return gateway.ChargeResult{}, errGatewayDown
}

func TestProcessPaymentCompletes(t *testing.T) {
	f := newPaymentFixture(t)

	payment, err := f.svc.ProcessPayment(context.Background(), paymentRequest("ORD-1", "118.80"))
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Regexp(t, `^PAY20260314100000[0-9A-F]{8}$`, payment.PaymentID)
	assert.Equal(t, "txn_"+payment.PaymentID, payment.GatewayTransactionID)
	assert.Equal(t, "ch_"+payment.PaymentID, payment.GatewayPaymentID)
	assert.True(t, payment.FraudScore.IsZero())
	require.NotNil(t, payment.ProcessedAt)
	assert.Equal(t, 1, f.gw.chargeCount())

	completed := f.bus.PublishedOfType(events.PaymentCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "ORD-1", completed[0].Key)

	stored, err := f.svc.GetPaymentByOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, payment.Version, stored.Version)
}

func TestProcessPaymentIsIdempotentPerOrder(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	first, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.NoError(t, err)
	second, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.NoError(t, err)

	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, f.gw.chargeCount())
	assert.Len(t, f.bus.PublishedOfType(events.PaymentCompleted), 1)
}

func TestProcessPaymentDeclined(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(func(n int) (gateway.ChargeResult, error) {
		return gateway.ChargeResult{Succeeded: false, FailureReason: "insufficient funds"}, nil
	})

	payment, err := f.svc.ProcessPayment(context.Background(), paymentRequest("ORD-1", "20.00"))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "insufficient funds", payment.FailureReason)
	assert.Len(t, f.bus.PublishedOfType(events.PaymentFailed), 1)
	assert.Empty(t, f.bus.PublishedOfType(events.PaymentCompleted))
}

func TestProcessPaymentGatewayError(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(failingCharge)

	payment, err := f.svc.ProcessPayment(context.Background(), paymentRequest("ORD-1", "20.00"))
	require.ErrorIs(t, err, models.ErrPaymentProcessingFailed)
	require.ErrorIs(t, err, errGatewayDown)
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)

	stored, err := f.svc.GetPayment(context.Background(), payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "connection reset")

	failed := f.bus.PublishedOfType(events.PaymentFailed)
	require.Len(t, failed, 1)
	var snapshot models.Payment
	require.NoError(t, failed[0].Decode(&snapshot))
	assert.Equal(t, payment.PaymentID, snapshot.PaymentID)
}

func TestProcessPaymentFraudGate(t *testing.T) {
	f := newPaymentFixture(t)
	req := paymentRequest("ORD-1", "12000.00")
	req.IPAddress = ""

	payment, err := f.svc.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, payment.IsFraudulent)
	assert.Equal(t, "0.8", payment.FraudScore.String())
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Zero(t, f.gw.chargeCount())
	assert.Len(t, f.bus.PublishedOfType(events.PaymentFailed), 1)

	retried, err := f.svc.RetryFailedPayments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, retried)
	assert.Zero(t, f.gw.chargeCount())
}

func TestSagaPaymentIsNotPenalisedForMissingClientInfo(t *testing.T) {
	f := newPaymentFixture(t)
	req := paymentRequest("ORD-1", "12000.00")
	req.IPAddress, req.UserAgent = "", ""
	req.FromEvent = true

	payment, err := f.svc.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, payment.IsFraudulent)
	assert.Equal(t, "0.7", payment.FraudScore.String())
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
	assert.Equal(t, 1, f.gw.chargeCount())
}

func TestProcessPaymentMustMatchCachedOrder(t *testing.T) {
	snapshots := cache.NewMemorySnapshots()
	f := newPaymentFixture(t, WithSnapshots(snapshots))
	ctx := context.Background()
	order := &models.Order{
		ID:          9,
		OrderNumber: "ORD-1",
		UserID:      "user-1",
		Status:      models.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("118.80"),
		Currency:    "USD",
		Version:     1,
	}
	_, err := snapshots.Apply(ctx, order)
	require.NoError(t, err)

	_, err = f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "0.01"))
	require.ErrorIs(t, err, models.ErrValidation)

	euros := paymentRequest("ORD-1", "118.80")
	euros.Currency = "EUR"
	_, err = f.svc.ProcessPayment(ctx, euros)
	require.ErrorIs(t, err, models.ErrValidation)

	stranger := paymentRequest("ORD-1", "118.80")
	stranger.UserID = "user-2"
	_, err = f.svc.ProcessPayment(ctx, stranger)
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, f.gw.chargeCount())

	req := paymentRequest("ORD-1", "0")
	req.Amount = decimal.Zero
	req.OrderID = 0
	payment, err := f.svc.ProcessPayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "118.80", payment.Amount.StringFixed(2))
	assert.Equal(t, int64(9), payment.OrderID)
	assert.Equal(t, models.PaymentStatusCompleted, payment.Status)
}

func TestProcessPaymentRefusesSettledOrder(t *testing.T) {
	snapshots := cache.NewMemorySnapshots()
	f := newPaymentFixture(t, WithSnapshots(snapshots))
	ctx := context.Background()
	_, err := snapshots.Apply(ctx, &models.Order{
		OrderNumber: "ORD-1",
		UserID:      "user-1",
		Status:      models.OrderStatusCancelled,
		TotalAmount: decimal.RequireFromString("20.00"),
		Currency:    "USD",
		Version:     2,
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, f.gw.chargeCount())
}

func TestProcessPaymentValidation(t *testing.T) {
	f := newPaymentFixture(t)

	zero := paymentRequest("ORD-1", "0")
	_, err := f.svc.ProcessPayment(context.Background(), zero)
	require.ErrorIs(t, err, models.ErrValidation)

	cash := paymentRequest("ORD-1", "10")
	cash.PaymentMethod = "CASH"
	_, err = f.svc.ProcessPayment(context.Background(), cash)
	require.ErrorIs(t, err, models.ErrUnsupportedPaymentMethod)

	assert.Zero(t, f.gw.chargeCount())
}

func TestFraudScorer(t *testing.T) {
	scorer := NewFraudScorer(DefaultFraudThreshold)
	tests := []struct {
		name       string
		amount     string
		ip, agent  string
		score      string
		fraudulent bool
	}{
		{"small with client info", "10", "1.1.1.1", "ua", "0", false},
		{"large", "1500", "1.1.1.1", "ua", "0.3", false},
		{"very large", "6000", "1.1.1.1", "ua", "0.5", false},
		{"huge", "20000", "1.1.1.1", "ua", "0.7", false},
		{"huge and anonymous", "20000", "", "", "0.9", true},
		{"anonymous", "10", "", "", "0.2", false},
		{"huge from the saga", "20000", "", "", "0.7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := models.PaymentRequest{
				Amount:    decimal.RequireFromString(tt.amount),
				IPAddress: tt.ip,
				UserAgent: tt.agent,
				FromEvent: tt.name == "huge from the saga",
			}
			score := scorer.Score(req)
			assert.True(t, decimal.RequireFromString(tt.score).Equal(score), "score %s", score)
			assert.Equal(t, tt.fraudulent, scorer.Fraudulent(score))
		})
	}
}

func TestRetryStopsAtMaxRetryCount(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(failingCharge)
	ctx := context.Background()

	payment, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.svc.RetryFailedPayments(ctx)
		require.NoError(t, err)
	}

	stored, err := f.svc.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Equal(t, models.MaxRetryCount, stored.RetryCount)
	// first attempt plus three retries
	assert.Equal(t, 1+models.MaxRetryCount, f.gw.chargeCount())
	assert.Len(t, f.bus.PublishedOfType(events.PaymentFailed), 1+models.MaxRetryCount)
}

func TestRetryRecoversPayment(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(func(n int) (gateway.ChargeResult, error) {
		if n == 1 {
			return gateway.ChargeResult{}, errGatewayDown
		}
		return gateway.ChargeResult{TransactionID: "txn-retry", Succeeded: true}, nil
	})
	ctx := context.Background()

	payment, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)

	retried, err := f.svc.RetryFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	stored, err := f.svc.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "txn-retry", stored.GatewayTransactionID)
	assert.Empty(t, stored.FailureReason)

	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	require.Len(t, f.gw.charges, 2)
	assert.Equal(t, f.gw.charges[0].PaymentID, f.gw.charges[1].PaymentID)
}

func TestRetrySweepRecoversStuckProcessingPayment(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	stuck := models.NewPayment("PAY-STUCK", paymentRequest("ORD-1", "20.00"), decimal.Zero, testNow.Add(-time.Hour))
	require.NoError(t, f.store.Create(ctx, stuck))
	require.NoError(t, stuck.TransitionTo(models.PaymentStatusProcessing, testNow.Add(-time.Hour)))
	require.NoError(t, f.store.Update(ctx, stuck, stuck.Version))

	fresh := models.NewPayment("PAY-FRESH", paymentRequest("ORD-2", "20.00"), decimal.Zero, testNow)
	require.NoError(t, f.store.Create(ctx, fresh))
	require.NoError(t, fresh.TransitionTo(models.PaymentStatusProcessing, testNow))
	require.NoError(t, f.store.Update(ctx, fresh, fresh.Version))

	retried, err := f.svc.RetryFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	recovered, err := f.svc.GetPayment(ctx, "PAY-STUCK")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, recovered.Status)
	assert.Equal(t, "txn_PAY-STUCK", recovered.GatewayTransactionID)
	assert.Zero(t, recovered.RetryCount)

	untouched, err := f.svc.GetPayment(ctx, "PAY-FRESH")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, untouched.Status)

	assert.Equal(t, 1, f.gw.chargeCount())
	assert.Len(t, f.bus.PublishedOfType(events.PaymentCompleted), 1)
	assert.Empty(t, f.bus.PublishedOfType(events.PaymentFailed))
}

func TestStuckPaymentRecoveryCanBeDisabled(t *testing.T) {
	f := newPaymentFixture(t, WithProcessingTimeout(0))
	ctx := context.Background()

	stuck := models.NewPayment("PAY-STUCK", paymentRequest("ORD-1", "20.00"), decimal.Zero, testNow.Add(-time.Hour))
	require.NoError(t, f.store.Create(ctx, stuck))
	require.NoError(t, stuck.TransitionTo(models.PaymentStatusProcessing, testNow.Add(-time.Hour)))
	require.NoError(t, f.store.Update(ctx, stuck, stuck.Version))

	retried, err := f.svc.RetryFailedPayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, retried)
	assert.Zero(t, f.gw.chargeCount())
}

func TestRetryCancelsPaymentOfSettledOrder(t *testing.T) {
	snapshots := cache.NewMemorySnapshots()
	f := newPaymentFixture(t, WithSnapshots(snapshots))
	f.gw.setCharge(failingCharge)
	ctx := context.Background()

	payment, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)

	_, err = snapshots.Apply(ctx, &models.Order{OrderNumber: "ORD-1", Status: models.OrderStatusCancelled, Version: 2})
	require.NoError(t, err)

	retried, err := f.svc.RetryFailedPayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, retried)
	assert.Equal(t, 1, f.gw.chargeCount())

	stored, err := f.svc.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, stored.Status)
	assert.Len(t, f.bus.PublishedOfType(events.PaymentCancelled), 1)
}

// stalePaymentStore bumps every listed payment so the sweep works on stale
// copies.
type stalePaymentStore struct {
	*repository.MemoryPaymentStore
}

func (s stalePaymentStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Payment, error) {
	listed, err := s.MemoryPaymentStore.ListRetryable(ctx, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	for _, p := range listed {
		current, err := s.MemoryPaymentStore.GetByPaymentID(ctx, p.PaymentID)
		if err != nil {
			return nil, err
		}
		if err := s.MemoryPaymentStore.Update(ctx, current, current.Version); err != nil {
			return nil, err
		}
	}
	return listed, nil
}

func TestRetrySweepToleratesConcurrentModification(t *testing.T) {
	store := stalePaymentStore{repository.NewMemoryPaymentStore()}
	gw := &fakeGateway{}
	gw.setCharge(failingCharge)
	svc := NewPaymentService(store, registryWith(gw), newTestBus(t), zap.NewNop(), fixedClock())
	ctx := context.Background()

	payment, err := svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)

	retried, err := svc.RetryFailedPayments(ctx)
	require.NoError(t, err)
	assert.Zero(t, retried)
	assert.Equal(t, 1, gw.chargeCount())

	stored, err := svc.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestManualRetry(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(failingCharge)
	ctx := context.Background()

	payment, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)
	for i := 0; i < models.MaxRetryCount; i++ {
		_, err := f.svc.RetryFailedPayments(ctx)
		require.NoError(t, err)
	}

	f.gw.setCharge(nil)
	retried, err := f.svc.RetryPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, retried.Status)
	assert.Equal(t, models.MaxRetryCount+1, retried.RetryCount)

	_, err = f.svc.RetryPayment(ctx, payment.PaymentID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.svc.RetryPayment(ctx, "PAY-missing")
	require.ErrorIs(t, err, models.ErrPaymentNotFound)
}

func TestManualRetryRefusesFraud(t *testing.T) {
	f := newPaymentFixture(t)
	req := paymentRequest("ORD-1", "20000.00")
	req.IPAddress, req.UserAgent = "", ""

	payment, err := f.svc.ProcessPayment(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.RetryPayment(context.Background(), payment.PaymentID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Zero(t, f.gw.chargeCount())
}

func TestCancelPayment(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(failingCharge)
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)

	cancelled, err := f.svc.CancelPayment(ctx, "ORD-1", "order cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, cancelled.Status)

	again, err := f.svc.CancelPayment(ctx, "ORD-1", "order cancelled")
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)
	assert.Len(t, f.bus.PublishedOfType(events.PaymentCancelled), 1)

	_, err = f.svc.CancelPayment(ctx, "ORD-404", "order cancelled")
	require.ErrorIs(t, err, models.ErrPaymentNotFound)
}

func TestCancelPaymentInFlight(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	p := models.NewPayment("PAY-1", paymentRequest("ORD-1", "20.00"), decimal.Zero, testNow)
	require.NoError(t, f.store.Create(ctx, p))
	require.NoError(t, p.TransitionTo(models.PaymentStatusProcessing, testNow))
	require.NoError(t, f.store.Update(ctx, p, p.Version))

	_, err := f.svc.CancelPayment(ctx, "ORD-1", "order cancelled")
	require.ErrorIs(t, err, models.ErrPaymentInFlight)
	assert.True(t, models.IsRetryable(err))

	completed := models.NewPayment("PAY-2", paymentRequest("ORD-2", "20.00"), decimal.Zero, testNow)
	require.NoError(t, f.store.Create(ctx, completed))
	require.NoError(t, completed.TransitionTo(models.PaymentStatusProcessing, testNow))
	require.NoError(t, completed.TransitionTo(models.PaymentStatusCompleted, testNow))
	require.NoError(t, f.store.Update(ctx, completed, completed.Version))

	_, err = f.svc.CancelPayment(ctx, "ORD-2", "order cancelled")
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestPaymentHistory(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	for _, order := range []string{"ORD-1", "ORD-2"} {
		_, err := f.svc.ProcessPayment(ctx, paymentRequest(order, "5.00"))
		require.NoError(t, err)
	}

	history, err := f.svc.PaymentHistory(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ORD-2", history[0].OrderNumber)

	none, err := f.svc.PaymentHistory(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrySweeperRuns(t *testing.T) {
	f := newPaymentFixture(t)
	f.gw.setCharge(func(n int) (gateway.ChargeResult, error) {
		if n == 1 {
			return gateway.ChargeResult{}, errGatewayDown
		}
		return gateway.ChargeResult{TransactionID: "txn-swept", Succeeded: true}, nil
	})
	ctx := context.Background()

	payment, err := f.svc.ProcessPayment(ctx, paymentRequest("ORD-1", "20.00"))
	require.Error(t, err)

	sweeper := NewRetrySweeper(f.svc, 10*time.Millisecond, zap.NewNop())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		p, err := f.svc.GetPayment(ctx, payment.PaymentID)
		return err == nil && p.Status == models.PaymentStatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestRetrySweeperStopWithoutStart(t *testing.T) {
	sweeper := NewRetrySweeper(nil, time.Second, zap.NewNop())
	assert.NotPanics(t, sweeper.Stop)
}
