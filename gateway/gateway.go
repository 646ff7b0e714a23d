package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"order-saga/models"
)

// ChargeRequest asks a gateway to take money. PaymentID doubles as the
// idempotency key, so a retried charge for the same payment is not billed
// twice by gateways that honour it.
type ChargeRequest struct {
	PaymentID   string
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
	Method      models.PaymentMethod
	IPAddress   string
}

// ChargeResult is a decided charge. A decline is Succeeded=false with a
// reason, not an error.
type ChargeResult struct {
	TransactionID    string `json:"transaction_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Succeeded        bool   `json:"succeeded"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

type RefundRequest struct {
	RefundID      string
	PaymentID     string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
}

type RefundResult struct {
	GatewayRefundID string `json:"gateway_refund_id"`
	Succeeded       bool   `json:"succeeded"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// Gateway executes charges and refunds for one payment method. Errors mean
// the outcome is unknown (transport failure, timeout, 5xx) and wrap
// models.ErrGateway.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Registry picks the gateway for a payment method.
type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[models.PaymentMethod]Gateway)}
}

func (r *Registry) Register(method models.PaymentMethod, g Gateway) *Registry {
	r.gateways[method] = g
	return r
}

func (r *Registry) For(method models.PaymentMethod) (Gateway, error) {
	g, ok := r.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway for %s", models.ErrUnsupportedPaymentMethod, method)
	}
	return g, nil
}
