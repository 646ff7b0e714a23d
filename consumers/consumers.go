package consumers

import (
	"context"

	"order-saga/events"
	"order-saga/middlewares"
	"order-saga/models"
)

// Consumer group names. Each group receives its own copy of a topic.
const (
	GroupOrderSaga        = "order-saga"
	GroupPaymentProcessor = "payment-processor"
	GroupOrderTimeouts    = "order-timeouts"
)

// OrderSaga is the order-side surface driven by payment events.
type OrderSaga interface {
	ConfirmPayment(ctx context.Context, payment *models.Payment) (*models.Order, error)
	FailPayment(ctx context.Context, orderNumber, reason string) (*models.Order, error)
	MarkRefunded(ctx context.Context, orderNumber string) (*models.Order, error)
}

type OrderExpirer interface {
	ExpireUnpaidOrder(ctx context.Context, orderNumber string) (*models.Order, error)
}

// PaymentProcessor is the payment-side surface driven by order events.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req models.PaymentRequest) (*models.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderNumber string) (*models.Payment, error)
	CancelPayment(ctx context.Context, orderNumber, reason string) (*models.Payment, error)
}

type Refunder interface {
	RefundRemaining(ctx context.Context, paymentID, reason, initiatedBy string) (*models.Refund, error)
}

// instrument counts every handled event by consumer, type and result.
func instrument(consumer string, handler events.Handler) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		err := handler(ctx, evt)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		middlewares.RecordEvent(consumer, string(evt.Type), outcome)
		return err
	}
}
