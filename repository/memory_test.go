package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-saga/models"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newOrder(t *testing.T, number, user string) *models.Order {
	t.Helper()
	item, err := models.NewOrderItem(1, 2, decimal.NewFromInt(25))
	require.NoError(t, err)
	o, err := models.NewOrder(number, user, []models.OrderItem{item}, models.OrderDetails{}, models.DefaultPricing(), testTime)
	require.NoError(t, err)
	return o
}

func newPayment(orderNumber, paymentID string, amount int64) *models.Payment {
	return models.NewPayment(paymentID, models.PaymentRequest{
		OrderNumber:   orderNumber,
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(amount),
		Currency:      "USD",
		PaymentMethod: models.PaymentMethodCreditCard,
	}, decimal.Zero, testTime)
}

func TestMemoryOrderStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()

	o := newOrder(t, "ORD-1", "user-1")
	require.NoError(t, store.Create(ctx, o))
	assert.Equal(t, int64(1), o.ID)
	assert.Equal(t, int64(1), o.Version)
	assert.Error(t, store.Create(ctx, newOrder(t, "ORD-1", "user-1")))

	first, err := store.GetByNumber(ctx, "ORD-1")
	require.NoError(t, err)
	second, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)

	require.NoError(t, first.TransitionTo(models.OrderStatusConfirmed, testTime, models.StatusNote{}))
	require.NoError(t, store.Update(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	require.NoError(t, second.Cancel("changed my mind", testTime))
	err = store.Update(ctx, second, 1)
	assert.ErrorIs(t, err, models.ErrConcurrentModification)
	assert.True(t, models.IsRetryable(err))

	stored, err := store.GetByNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func TestMemoryOrderStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	o := newOrder(t, "ORD-1", "user-1")
	require.NoError(t, store.Create(ctx, o))

	o.Status = models.OrderStatusDelivered
	o.Items[0].Quantity = 99

	stored, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Equal(t, 2, stored.Items[0].Quantity)

	_, err = store.GetByNumber(ctx, "ORD-404")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestMemoryOrderStoreListByUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	require.NoError(t, store.Create(ctx, newOrder(t, "ORD-1", "alice")))
	require.NoError(t, store.Create(ctx, newOrder(t, "ORD-2", "bob")))
	require.NoError(t, store.Create(ctx, newOrder(t, "ORD-3", "alice")))

	orders, err := store.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ORD-3", orders[0].OrderNumber)
	assert.Equal(t, "ORD-1", orders[1].OrderNumber)
}

func TestMemoryPaymentStoreDuplicateOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	require.NoError(t, store.Create(ctx, newPayment("ORD-1", "PAY1", 100)))
	assert.ErrorIs(t, store.Create(ctx, newPayment("ORD-1", "PAY2", 100)), models.ErrDuplicatePayment)

	p, err := store.GetByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY1", p.PaymentID)
}

func TestMemoryPaymentStoreListRetryable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()

	seed := func(order, id string, mutate func(*models.Payment)) {
		p := newPayment(order, id, 10)
		require.NoError(t, store.Create(ctx, p))
		mutate(p)
		require.NoError(t, store.Update(ctx, p, p.Version))
	}
	seed("ORD-1", "PAY1", func(p *models.Payment) { p.Status = models.PaymentStatusFailed })
	seed("ORD-2", "PAY2", func(p *models.Payment) { p.Status = models.PaymentStatusFailed; p.RetryCount = 3 })
	seed("ORD-3", "PAY3", func(p *models.Payment) { p.Status = models.PaymentStatusFailed; p.IsFraudulent = true })
	seed("ORD-4", "PAY4", func(p *models.Payment) { p.Status = models.PaymentStatusCompleted })
	seed("ORD-5", "PAY5", func(p *models.Payment) { p.Status = models.PaymentStatusFailed; p.RetryCount = 2 })

	retryable, err := store.ListRetryable(ctx, models.MaxRetryCount, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	assert.Equal(t, "PAY1", retryable[0].PaymentID)
	assert.Equal(t, "PAY5", retryable[1].PaymentID)

	limited, err := store.ListRetryable(ctx, models.MaxRetryCount, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryPaymentStoreListStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()

	seed := func(order, id string, status models.PaymentStatus, age time.Duration) {
		p := newPayment(order, id, 10)
		require.NoError(t, store.Create(ctx, p))
		p.Status = status
		p.UpdatedAt = testTime.Add(-age)
		require.NoError(t, store.Update(ctx, p, p.Version))
	}
	seed("ORD-1", "PAY1", models.PaymentStatusProcessing, 20*time.Minute)
	seed("ORD-2", "PAY2", models.PaymentStatusProcessing, time.Minute)
	seed("ORD-3", "PAY3", models.PaymentStatusFailed, time.Hour)
	seed("ORD-4", "PAY4", models.PaymentStatusProcessing, time.Hour)

	stale, err := store.ListStaleProcessing(ctx, testTime.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "PAY4", stale[0].PaymentID)
	assert.Equal(t, "PAY1", stale[1].PaymentID)

	limited, err := store.ListStaleProcessing(ctx, testTime.Add(-10*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryPaymentStoreRefundLedger(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	p := newPayment("ORD-1", "PAY1", 100)
	require.NoError(t, store.Create(ctx, p))

	stale := p.Clone()
	r := models.NewRefund("REF1", p, decimal.NewFromInt(40), "damaged", "ops", testTime)
	require.NoError(t, store.BeginRefund(ctx, p, p.Version, r))
	assert.Equal(t, int64(2), p.Version)

	other := models.NewRefund("REF2", stale, decimal.NewFromInt(80), "damaged", "ops", testTime)
	assert.ErrorIs(t, store.BeginRefund(ctx, stale, stale.Version, other), models.ErrConcurrentModification)

	r.Complete("GW-R1", testTime)
	p.RefundedAmount = p.RefundedAmount.Add(r.Amount)
	require.NoError(t, store.CompleteRefund(ctx, r, p, p.Version))

	refunds, err := store.ListRefunds(ctx, "PAY1")
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, models.RefundStatusCompleted, refunds[0].Status)

	stored, err := store.GetByPaymentID(ctx, "PAY1")
	require.NoError(t, err)
	assert.True(t, stored.RefundedAmount.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, int64(3), stored.Version)

	_, err = store.GetRefund(ctx, "REF2")
	assert.ErrorIs(t, err, models.ErrRefundNotFound)
}
