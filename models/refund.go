package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// Refund is one ledger row against a payment. PaymentID references the
// owning payment; the refund does not hold the payment itself.
type Refund struct {
	ID              int64           `json:"id"`
	RefundID        string          `json:"refund_id"`
	PaymentID       string          `json:"payment_id"`
	OrderNumber     string          `json:"order_number"`
	Amount          decimal.Decimal `json:"amount"`
	Status          RefundStatus    `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	InitiatedBy     string          `json:"initiated_by,omitempty"`
	GatewayRefundID string          `json:"gateway_refund_id,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

func NewRefund(refundID string, payment *Payment, amount decimal.Decimal, reason, initiatedBy string, at time.Time) *Refund {
	return &Refund{
		RefundID:    refundID,
		PaymentID:   payment.PaymentID,
		OrderNumber: payment.OrderNumber,
		Amount:      amount,
		Status:      RefundStatusPending,
		Reason:      TruncateReason(reason),
		InitiatedBy: initiatedBy,
		CreatedAt:   at,
	}
}

func (r *Refund) Complete(gatewayRefundID string, at time.Time) {
	r.Status = RefundStatusCompleted
	r.GatewayRefundID = gatewayRefundID
	r.ProcessedAt = &at
}

func (r *Refund) Fail(reason string, at time.Time) {
	r.Status = RefundStatusFailed
	r.FailureReason = TruncateReason(reason)
	r.ProcessedAt = &at
}

func (r *Refund) Clone() *Refund {
	c := *r
	c.ProcessedAt = cloneTime(r.ProcessedAt)
	return &c
}

// LedgerTotals sums the refunds that count against a payment's balance.
func LedgerTotals(refunds []*Refund) (completed, pending decimal.Decimal) {
	completed, pending = decimal.Zero, decimal.Zero
	for _, r := range refunds {
		switch r.Status {
		case RefundStatusCompleted:
			completed = completed.Add(r.Amount)
		case RefundStatusPending:
			pending = pending.Add(r.Amount)
		}
	}
	return completed, pending
}
