package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// MaxRetryCount bounds the automatic retries of a failed payment.
const MaxRetryCount = 3

const DefaultCurrency = "USD"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func ValidCurrency(currency string) bool {
	return currencyPattern.MatchString(currency)
}

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusProcessing        PaymentStatus = "PROCESSING"
	PaymentStatusCompleted         PaymentStatus = "COMPLETED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentStatusCancelled         PaymentStatus = "CANCELLED"
)

// Partial refunds keep a payment COMPLETED; the refund ledger tracks the
// refunded share.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing:        {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusFailed:            {PaymentStatusProcessing, PaymentStatusCancelled},
	PaymentStatusCompleted:         {PaymentStatusRefunded},
	PaymentStatusRefunded:          {},
	PaymentStatusPartiallyRefunded: {},
	PaymentStatusCancelled:         {},
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodPayPal       PaymentMethod = "PAYPAL"
	PaymentMethodWallet       PaymentMethod = "WALLET"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodApplePay     PaymentMethod = "APPLE_PAY"
	PaymentMethodGooglePay    PaymentMethod = "GOOGLE_PAY"
)

func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{
		PaymentMethodCreditCard, PaymentMethodPayPal, PaymentMethodWallet,
		PaymentMethodBankTransfer, PaymentMethodApplePay, PaymentMethodGooglePay,
	}
}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods() {
		if m == known {
			return true
		}
	}
	return false
}

type Payment struct {
	ID                   int64           `json:"id"`
	PaymentID            string          `json:"payment_id"`
	OrderID              int64           `json:"order_id"`
	OrderNumber          string          `json:"order_number"`
	UserID               string          `json:"user_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               PaymentStatus   `json:"status"`
	PaymentMethod        PaymentMethod   `json:"payment_method"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	GatewayPaymentID     string          `json:"gateway_payment_id,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	RetryCount           int             `json:"retry_count"`
	RefundedAmount       decimal.Decimal `json:"refunded_amount"`
	FraudScore           decimal.Decimal `json:"fraud_score"`
	IsFraudulent         bool            `json:"is_fraudulent"`
	IPAddress            string          `json:"ip_address,omitempty"`
	UserAgent            string          `json:"user_agent,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ProcessedAt          *time.Time      `json:"processed_at,omitempty"`
	Version              int64           `json:"version"`
}

// PaymentRequest is the validated input of a new payment.
type PaymentRequest struct {
	OrderID       int64           `json:"order_id"`
	OrderNumber   string          `json:"order_number" binding:"required"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod PaymentMethod   `json:"payment_method" binding:"required"`
	IPAddress     string          `json:"ip_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	// FromEvent marks a payment started by the saga rather than by a client,
	// so it carries no client fingerprint.
	FromEvent     bool            `json:"-"`
}

func (r *PaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}
	if r.OrderNumber == "" {
		return fmt.Errorf("%w: order number is required", ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	if !ValidCurrency(r.Currency) {
		return fmt.Errorf("%w: invalid currency %q", ErrValidation, r.Currency)
	}
	if !r.PaymentMethod.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, r.PaymentMethod)
	}
	return nil
}

// NewPayment creates a PENDING payment from a validated request.
func NewPayment(paymentID string, req PaymentRequest, fraudScore decimal.Decimal, at time.Time) *Payment {
	return &Payment{
		PaymentID:      paymentID,
		OrderID:        req.OrderID,
		OrderNumber:    req.OrderNumber,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         PaymentStatusPending,
		PaymentMethod:  req.PaymentMethod,
		RefundedAmount: decimal.Zero,
		FraudScore:     fraudScore,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func (p *Payment) TransitionTo(next PaymentStatus, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = at
	if next == PaymentStatusCompleted {
		p.ProcessedAt = &at
		p.FailureReason = ""
	}
	return nil
}

func (p *Payment) Fail(reason string, at time.Time) error {
	if err := p.TransitionTo(PaymentStatusFailed, at); err != nil {
		return err
	}
	p.FailureReason = TruncateReason(reason)
	return nil
}

// RefundableAmount is what remains after the refunds already recorded on the
// payment row.
func (p *Payment) RefundableAmount() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// RetryEligible reports whether the background sweep may retry the payment.
func (p *Payment) RetryEligible() bool {
	return p.Status == PaymentStatusFailed && !p.IsFraudulent && p.RetryCount < MaxRetryCount
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.ProcessedAt = cloneTime(p.ProcessedAt)
	return &c
}
