package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-saga/models"
)

func TestRegistryFor(t *testing.T) {
	r := SimulatedRegistry()
	for _, method := range models.PaymentMethods() {
		g, err := r.For(method)
		require.NoError(t, err, method)
		assert.NotNil(t, g)
	}

	_, err := NewRegistry().For(models.PaymentMethodPayPal)
	assert.ErrorIs(t, err, models.ErrUnsupportedPaymentMethod)
}

func TestSimulatedGateway(t *testing.T) {
	g, err := SimulatedRegistry().For(models.PaymentMethodWallet)
	require.NoError(t, err)

	res, err := g.Charge(context.Background(), ChargeRequest{PaymentID: "PAY1", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.True(t, strings.HasPrefix(res.TransactionID, "wallet_"))
	assert.Equal(t, "wallet_PAY1", res.GatewayPaymentID)

	refund, err := g.Refund(context.Background(), RefundRequest{RefundID: "REF1", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.True(t, refund.Succeeded)
	assert.NotEmpty(t, refund.GatewayRefundID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Charge(ctx, ChargeRequest{PaymentID: "PAY2"})
	assert.Error(t, err)
}

func TestHTTPGatewayCharge(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		switch r.URL.Path {
		case "/charges":
			if gotBody["amount"] == "999" {
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = w.Write([]byte(`{"succeeded":false,"failure_reason":"insufficient funds"}`))
				return
			}
			_, _ = w.Write([]byte(`{"transaction_id":"txn_1","gateway_payment_id":"gp_1","succeeded":true}`))
		case "/refunds":
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, time.Second)

	res, err := g.Charge(context.Background(), ChargeRequest{
		PaymentID: "PAY1", OrderNumber: "ORD-1", Amount: decimal.RequireFromString("118.80"),
		Currency: "USD", Method: models.PaymentMethodCreditCard,
	})
	require.NoError(t, err)
	assert.Equal(t, "PAY1", gotKey)
	assert.Equal(t, "ORD-1", gotBody["order_number"])
	assert.True(t, res.Succeeded)
	assert.Equal(t, "txn_1", res.TransactionID)

	declined, err := g.Charge(context.Background(), ChargeRequest{PaymentID: "PAY2", Amount: decimal.NewFromInt(999)})
	require.NoError(t, err)
	assert.False(t, declined.Succeeded)
	assert.Equal(t, "insufficient funds", declined.FailureReason)

	_, err = g.Refund(context.Background(), RefundRequest{RefundID: "REF1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, models.ErrGateway)
	assert.Equal(t, "REF1", gotKey)
}

func TestHTTPGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPGateway(url, 200*time.Millisecond).Charge(context.Background(), ChargeRequest{PaymentID: "PAY1"})
	assert.ErrorIs(t, err, models.ErrGateway)
}
