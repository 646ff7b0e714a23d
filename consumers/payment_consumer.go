package consumers

import (
	"context"

	"go.uber.org/zap"

	"order-saga/events"
	"order-saga/models"
)

// PaymentEventConsumer is the order saga coordinator. It applies payment
// outcomes to orders; an error makes the bus retry the event.
type PaymentEventConsumer struct {
	orders OrderSaga
	logger *zap.Logger
}

func NewPaymentEventConsumer(orders OrderSaga, logger *zap.Logger) *PaymentEventConsumer {
	return &PaymentEventConsumer{orders: orders, logger: logger}
}

func (c *PaymentEventConsumer) Start(ctx context.Context, bus events.Subscriber) error {
	return bus.Subscribe(ctx, events.TopicPayments, GroupOrderSaga, instrument(GroupOrderSaga, c.Handle))
}

func (c *PaymentEventConsumer) Handle(ctx context.Context, evt events.Event) error {
	switch evt.Type {
	case events.PaymentCompleted, events.PaymentFailed, events.PaymentRefunded:
	case events.PaymentCancelled, events.RefundProcessed, events.RefundFailed:
		c.logger.Debug("Ignoring payment event", zap.String("type", string(evt.Type)), zap.String("key", evt.Key))
		return nil
	default:
		c.logger.Warn("Unknown payment event type, acknowledging",
			zap.String("type", string(evt.Type)),
			zap.String("event_id", evt.ID))
		return nil
	}

	var payment models.Payment
	if err := evt.Decode(&payment); err != nil {
		return err
	}

	c.logger.Info("Processing payment event",
		zap.String("type", string(evt.Type)),
		zap.String("order_number", payment.OrderNumber),
		zap.String("payment_id", payment.PaymentID))

	var err error
	switch evt.Type {
	case events.PaymentCompleted:
		_, err = c.orders.ConfirmPayment(ctx, &payment)
	case events.PaymentFailed:
		_, err = c.orders.FailPayment(ctx, payment.OrderNumber, payment.FailureReason)
	case events.PaymentRefunded:
		_, err = c.orders.MarkRefunded(ctx, payment.OrderNumber)
	}
	if err != nil {
		c.logger.Error("Failed to apply payment event",
			zap.String("type", string(evt.Type)),
			zap.String("order_number", payment.OrderNumber),
			zap.Error(err))
	}
	return err
}
