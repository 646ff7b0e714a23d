package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"order-saga/models"
)

// Simulated approves every charge and refund, stamping ids with the prefix of
// the processor it stands in for.
type Simulated struct {
	prefix string
}

func NewSimulated(prefix string) *Simulated {
	return &Simulated{prefix: prefix}
}

func (g *Simulated) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{
		TransactionID:    g.prefix + "txn_" + compactUUID(),
		GatewayPaymentID: g.prefix + req.PaymentID,
		Succeeded:        true,
	}, nil
}

func (g *Simulated) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{
		GatewayRefundID: g.prefix + "re_" + compactUUID(),
		Succeeded:       true,
	}, nil
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SimulatedRegistry wires a simulated gateway for every payment method.
func SimulatedRegistry() *Registry {
	prefixes := map[models.PaymentMethod]string{
		models.PaymentMethodCreditCard:   "ch_",
		models.PaymentMethodPayPal:       "PAYID-",
		models.PaymentMethodWallet:       "wallet_",
		models.PaymentMethodBankTransfer: "bt_",
		models.PaymentMethodApplePay:     "ap_",
		models.PaymentMethodGooglePay:    "gp_",
	}
	r := NewRegistry()
	for method, prefix := range prefixes {
		r.Register(method, NewSimulated(prefix))
	}
	return r
}
