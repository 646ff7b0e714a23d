package repository

import (
	"context"
	"time"

	"order-saga/models"
)

// OrderStore persists orders and their line items. Line items are written
// once on Create; Update only touches the order row.
//
// Update is a compare-and-swap: it succeeds only when the stored version
// equals expectedVersion, and on success the order's Version is advanced.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Order, error)
	Update(ctx context.Context, o *models.Order, expectedVersion int64) error
}

// PaymentStore persists payments and their refund ledger.
type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Payment, error)
	// ListRetryable returns FAILED, non-fraudulent payments retried fewer
	// than maxRetries times, oldest first.
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Payment, error)
	// ListStaleProcessing returns PROCESSING payments last written before
	// updatedBefore, oldest first.
	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Payment, error)
	Update(ctx context.Context, p *models.Payment, expectedVersion int64) error

	// BeginRefund records a PENDING refund and bumps the payment version in
	// one step, so two refunds computed from the same ledger cannot both land.
	BeginRefund(ctx context.Context, p *models.Payment, expectedVersion int64, r *models.Refund) error
	// CompleteRefund stores the refund outcome together with the payment's
	// new refunded amount and status.
	CompleteRefund(ctx context.Context, r *models.Refund, p *models.Payment, expectedVersion int64) error
	UpdateRefund(ctx context.Context, r *models.Refund) error
	GetRefund(ctx context.Context, refundID string) (*models.Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error)
}
