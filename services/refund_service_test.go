package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"order-saga/events"
	"order-saga/gateway"
	"order-saga/models"
	"order-saga/repository"
)

type refundFixture struct {
	payments *PaymentService
	refunds  *RefundService
	store    *repository.MemoryPaymentStore
	gw       *fakeGateway
	bus      *events.MemoryBus
}

func newRefundFixture(t *testing.T) refundFixture {
	t.Helper()
	store := repository.NewMemoryPaymentStore()
	gw := &fakeGateway{}
	bus := newTestBus(t)
	registry := registryWith(gw)
	return refundFixture{
		payments: NewPaymentService(store, registry, bus, zap.NewNop(), fixedClock()),
		refunds:  NewRefundService(store, registry, bus, zap.NewNop(), fixedClock()),
		store:    store,
		gw:       gw,
		bus:      bus,
	}
}

func (f refundFixture) completedPayment(t *testing.T, amount string) *models.Payment {
	t.Helper()
	p, err := f.payments.ProcessPayment(context.Background(), paymentRequest("ORD-"+amount, amount))
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, p.Status)
	return p
}

func refundOf(amount string) models.RefundRequest {
	return models.RefundRequest{Amount: decimal.RequireFromString(amount), Reason: "customer request", InitiatedBy: "support"}
}

func TestFullRefundThenAnyFurtherRefundExceeds(t *testing.T) {
	f := newRefundFixture(t)
	ctx := context.Background()
	payment := f.completedPayment(t, "100")

	refund, err := f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("100"))
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, refund.Status)
	assert.Regexp(t, `^REF20260314100000[0-9A-F]{8}$`, refund.RefundID)
	assert.Equal(t, "re_"+refund.RefundID, refund.GatewayRefundID)

	stored, err := f.payments.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "100", stored.RefundedAmount.String())
	assert.Equal(t, models.PaymentStatusRefunded, stored.Status)

	_, err = f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("0.01"))
	require.ErrorIs(t, err, models.ErrRefundExceedsAvailable)

	ledger, err := f.refunds.ListRefunds(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
	assert.Equal(t, 1, f.gw.refundCount())

	assert.Len(t, f.bus.PublishedOfType(events.RefundProcessed), 1)
	refunded := f.bus.PublishedOfType(events.PaymentRefunded)
	require.Len(t, refunded, 1)
	assert.Equal(t, payment.OrderNumber, refunded[0].Key)
}

func TestPartialRefunds(t *testing.T) {
	f := newRefundFixture(t)
	ctx := context.Background()
	payment := f.completedPayment(t, "100")

	for _, amount := range []string{"30", "50"} {
		_, err := f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf(amount))
		require.NoError(t, err)
	}
	stored, err := f.payments.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
	assert.Equal(t, "80", stored.RefundedAmount.String())
	assert.Empty(t, f.bus.PublishedOfType(events.PaymentRefunded))

	_, err = f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("30"))
	require.ErrorIs(t, err, models.ErrRefundExceedsAvailable)

	_, err = f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("20"))
	require.NoError(t, err)
	stored, err = f.payments.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, stored.Status)
	assert.Len(t, f.bus.PublishedOfType(events.RefundProcessed), 3)
	assert.Len(t, f.bus.PublishedOfType(events.PaymentRefunded), 1)
}

func TestRefundRejections(t *testing.T) {
	f := newRefundFixture(t)
	ctx := context.Background()
	completed := f.completedPayment(t, "100")

	f.gw.setCharge(func(n int) (gateway.ChargeResult, error) {
		return gateway.ChargeResult{Succeeded: false, FailureReason: "declined"}, nil
	})
	failed, err := f.payments.ProcessPayment(ctx, paymentRequest("ORD-failed", "40"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		paymentID string
		amount    string
		wantErr   error
	}{
		{"unknown payment", "PAY-missing", "10", models.ErrPaymentNotFound},
		{"payment not completed", failed.PaymentID, "10", models.ErrInvalidRefundState},
		{"state checked before amount", failed.PaymentID, "0", models.ErrInvalidRefundState},
		{"zero amount", completed.PaymentID, "0", models.ErrInvalidAmount},
		{"negative amount", completed.PaymentID, "-5", models.ErrInvalidAmount},
		{"over payment amount", completed.PaymentID, "100.01", models.ErrRefundExceedsAvailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.refunds.ProcessRefund(ctx, tt.paymentID, refundOf(tt.amount))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	ledger, err := f.refunds.ListRefunds(ctx, completed.PaymentID)
	require.NoError(t, err)
	assert.Empty(t, ledger)
	assert.Zero(t, f.gw.refundCount())
	assert.Empty(t, f.bus.PublishedOfType(events.RefundFailed))
}

func TestRefundGatewayFailure(t *testing.T) {
	tests := []struct {
		name     string
		refundFn func(n int) (gateway.RefundResult, error)
	}{
		{"gateway error", func(n int) (gateway.RefundResult, error) {
			return gateway.RefundResult{}, errors.Join(models.ErrGateway, errGatewayDown)
		}},
		{"declined", func(n int) (gateway.RefundResult, error) {
			return gateway.RefundResult{Succeeded: false, FailureReason: "card closed"}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRefundFixture(t)
			ctx := context.Background()
			payment := f.completedPayment(t, "100")
			f.gw.mu.Lock()
			f.gw.refundFn = tt.refundFn
			f.gw.mu.Unlock()

			refund, err := f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("60"))
			require.ErrorIs(t, err, models.ErrGateway)
			require.NotNil(t, refund)
			assert.Equal(t, models.RefundStatusFailed, refund.Status)
			assert.NotEmpty(t, refund.FailureReason)

			stored, err := f.payments.GetPayment(ctx, payment.PaymentID)
			require.NoError(t, err)
			assert.True(t, stored.RefundedAmount.IsZero())
			assert.Equal(t, models.PaymentStatusCompleted, stored.Status)
			assert.Len(t, f.bus.PublishedOfType(events.RefundFailed), 1)

			f.gw.mu.Lock()
			f.gw.refundFn = nil
			f.gw.mu.Unlock()
			_, err = f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("100"))
			require.NoError(t, err)
		})
	}
}

func TestRefundRemaining(t *testing.T) {
	f := newRefundFixture(t)
	ctx := context.Background()
	payment := f.completedPayment(t, "100")

	_, err := f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("40"))
	require.NoError(t, err)

	rest, err := f.refunds.RefundRemaining(ctx, payment.PaymentID, "Order cancelled", "system")
	require.NoError(t, err)
	require.NotNil(t, rest)
	assert.Equal(t, "60", rest.Amount.String())
	assert.Equal(t, "system", rest.InitiatedBy)

	stored, err := f.payments.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, stored.Status)

	none, err := f.refunds.RefundRemaining(ctx, payment.PaymentID, "Order cancelled", "system")
	require.NoError(t, err)
	assert.Nil(t, none)

	got, err := f.refunds.GetRefund(ctx, rest.RefundID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, got.Status)
}

func TestConcurrentRefundsNeverExceedPayment(t *testing.T) {
	f := newRefundFixture(t)
	ctx := context.Background()
	payment := f.completedPayment(t, "100")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.refunds.ProcessRefund(ctx, payment.PaymentID, refundOf("20"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrRefundExceedsAvailable) || errors.Is(err, models.ErrConcurrentModification), err.Error())
	}

	stored, err := f.payments.GetPayment(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.LessOrEqual(t, succeeded, 5)
	assert.True(t, decimal.NewFromInt(int64(20*succeeded)).Equal(stored.RefundedAmount))

	ledger, err := f.refunds.ListRefunds(ctx, payment.PaymentID)
	require.NoError(t, err)
	completed, pending := models.LedgerTotals(ledger)
	assert.True(t, completed.Equal(stored.RefundedAmount))
	assert.True(t, pending.IsZero())
	assert.True(t, completed.LessThanOrEqual(payment.Amount))
}
