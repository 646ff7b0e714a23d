package consumers

import (
	"context"

	"go.uber.org/zap"

	"order-saga/events"
)

// PaymentCheckConsumer cancels orders whose payment window closed without a
// payment. It acknowledges every other order event.
type PaymentCheckConsumer struct {
	orders OrderExpirer
	logger *zap.Logger
}

func NewPaymentCheckConsumer(orders OrderExpirer, logger *zap.Logger) *PaymentCheckConsumer {
	return &PaymentCheckConsumer{orders: orders, logger: logger}
}

func (c *PaymentCheckConsumer) Start(ctx context.Context, bus events.Subscriber) error {
	return bus.Subscribe(ctx, events.TopicOrders, GroupOrderTimeouts, instrument(GroupOrderTimeouts, c.Handle))
}

func (c *PaymentCheckConsumer) Handle(ctx context.Context, evt events.Event) error {
	if evt.Type != events.OrderPaymentCheck {
		return nil
	}
	var check events.PaymentCheck
	if err := evt.Decode(&check); err != nil {
		return err
	}
	order, err := c.orders.ExpireUnpaidOrder(ctx, check.OrderNumber)
	if err != nil {
		return err
	}
	c.logger.Info("Payment check done",
		zap.String("order_number", order.OrderNumber),
		zap.String("status", string(order.Status)))
	return nil
}
