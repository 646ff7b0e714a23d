package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-saga/catalog"
	"order-saga/events"
	"order-saga/gateway"
	"order-saga/models"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func fixedClock() Option {
	return WithClock(func() time.Time { return testNow })
}

func newTestBus(t *testing.T) *events.MemoryBus {
	t.Helper()
	bus := events.NewMemoryBus(4, 3, zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func testCatalog() *catalog.StaticClient {
	return catalog.NewStaticClient(
		catalog.Product{ID: 1, Name: "Keyboard", SKU: "KB-1", Price: decimal.NewFromInt(50)},
		catalog.Product{ID: 2, Name: "Mouse", SKU: "MS-1", Price: decimal.NewFromInt(60)},
		catalog.Product{ID: 3, Name: "Cable", SKU: "CB-1", Price: decimal.RequireFromString("9.99")},
	)
}

type fakeGateway struct {
	mu       sync.Mutex
	charges  []gateway.ChargeRequest
	refunds  []gateway.RefundRequest
	chargeFn func(n int) (gateway.ChargeResult, error)
	refundFn func(n int) (gateway.RefundResult, error)
}

func (g *fakeGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	n, fn := len(g.charges), g.chargeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return gateway.ChargeResult{
		TransactionID:    "txn_" + req.PaymentID,
		GatewayPaymentID: "ch_" + req.PaymentID,
		Succeeded:        true,
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	n, fn := len(g.refunds), g.refundFn
	g.mu.Unlock()
	if fn != nil {
		return fn(n)
	}
	return gateway.RefundResult{GatewayRefundID: "re_" + req.RefundID, Succeeded: true}, nil
}

func (g *fakeGateway) setCharge(fn func(n int) (gateway.ChargeResult, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeFn = fn
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

func registryWith(g gateway.Gateway) *gateway.Registry {
	r := gateway.NewRegistry()
	for _, m := range models.PaymentMethods() {
		r.Register(m, g)
	}
	return r
}

func paymentRequest(orderNumber, amount string) models.PaymentRequest {
	return models.PaymentRequest{
		OrderID:       1,
		OrderNumber:   orderNumber,
		UserID:        "user-1",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		PaymentMethod: models.PaymentMethodCreditCard,
		IPAddress:     "10.0.0.1",
		UserAgent:     "test-agent",
	}
}

func decodeOrder(t *testing.T, evt events.Event) *models.Order {
	t.Helper()
	var o models.Order
	if err := evt.Decode(&o); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return &o
}
