package consumers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"order-saga/cache"
	"order-saga/events"
	"order-saga/models"
)

// OrderEventConsumer runs the payment side of the saga: it keeps the order
// snapshot cache current, charges new orders and compensates cancelled ones.
type OrderEventConsumer struct {
	payments  PaymentProcessor
	refunds   Refunder
	snapshots cache.SnapshotStore
	logger    *zap.Logger
}

func NewOrderEventConsumer(payments PaymentProcessor, refunds Refunder, snapshots cache.SnapshotStore, logger *zap.Logger) *OrderEventConsumer {
	return &OrderEventConsumer{
		payments:  payments,
		refunds:   refunds,
		snapshots: snapshots,
		logger:    logger,
	}
}

func (c *OrderEventConsumer) Start(ctx context.Context, bus events.Subscriber) error {
	return bus.Subscribe(ctx, events.TopicOrders, GroupPaymentProcessor, instrument(GroupPaymentProcessor, c.Handle))
}

func (c *OrderEventConsumer) Handle(ctx context.Context, evt events.Event) error {
	switch evt.Type {
	case events.OrderCreated, events.OrderStatusUpdated, events.OrderCancelled:
	case events.OrderPaymentCheck:
		return nil
	default:
		c.logger.Warn("Unknown order event type, acknowledging",
			zap.String("type", string(evt.Type)),
			zap.String("event_id", evt.ID))
		return nil
	}

	var order models.Order
	if err := evt.Decode(&order); err != nil {
		return err
	}
	applied := true
	if c.snapshots != nil {
		var err error
		if applied, err = c.snapshots.Apply(ctx, &order); err != nil {
			return fmt.Errorf("apply snapshot %s: %w", order.OrderNumber, err)
		}
	}

	switch evt.Type {
	case events.OrderCreated:
		if !applied {
			superseded, err := c.superseded(ctx, &order)
			if err != nil {
				return err
			}
			if superseded {
				return nil
			}
		}
		return c.charge(ctx, &order)
	case events.OrderCancelled:
		return c.compensate(ctx, &order)
	}
	return nil
}

// superseded reports whether the cache holds a newer snapshot that has left
// PENDING, in which case the order must not be charged.
func (c *OrderEventConsumer) superseded(ctx context.Context, order *models.Order) (bool, error) {
	current, ok, err := c.snapshots.Get(ctx, order.OrderNumber)
	if err != nil {
		return false, fmt.Errorf("load snapshot %s: %w", order.OrderNumber, err)
	}
	if !ok || current.Version <= order.Version || current.Status == models.OrderStatusPending {
		return false, nil
	}
	c.logger.Warn("Order moved on before it was charged, skipping payment",
		zap.String("order_number", order.OrderNumber),
		zap.String("status", string(current.Status)),
		zap.Int64("snapshot_version", current.Version),
		zap.Int64("event_version", order.Version))
	return true, nil
}

func (c *OrderEventConsumer) charge(ctx context.Context, order *models.Order) error {
	payment, err := c.payments.ProcessPayment(ctx, models.PaymentRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Amount:        order.TotalAmount,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
		FromEvent:     true,
	})
	switch {
	case err == nil:
		c.logger.Info("Payment processed for order",
			zap.String("order_number", order.OrderNumber),
			zap.String("payment_id", payment.PaymentID),
			zap.String("status", string(payment.Status)))
		return nil
	case errors.Is(err, models.ErrPaymentProcessingFailed):
		// recorded as FAILED and announced; the retry sweep owns it now
		return nil
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrUnsupportedPaymentMethod):
		c.logger.Error("Order cannot be charged",
			zap.String("order_number", order.OrderNumber),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

// compensate undoes the payment side of a cancelled order. A payment still
// at the gateway fails the delivery so the bus retries it; a completed one is
// refunded in full of whatever remains.
func (c *OrderEventConsumer) compensate(ctx context.Context, order *models.Order) error {
	payment, err := c.payments.GetPaymentByOrder(ctx, order.OrderNumber)
	if errors.Is(err, models.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	reason := "Order cancelled"
	if order.CancellationReason != "" {
		reason += ": " + order.CancellationReason
	}

	switch payment.Status {
	case models.PaymentStatusPending, models.PaymentStatusFailed:
		_, err = c.payments.CancelPayment(ctx, order.OrderNumber, reason)
	case models.PaymentStatusProcessing:
		err = fmt.Errorf("%w: payment %s", models.ErrPaymentInFlight, payment.PaymentID)
	case models.PaymentStatusCompleted:
		var refund *models.Refund
		refund, err = c.refunds.RefundRemaining(ctx, payment.PaymentID, reason, "system")
		if err == nil && refund != nil {
			c.logger.Info("Refunded cancelled order",
				zap.String("order_number", order.OrderNumber),
				zap.String("refund_id", refund.RefundID),
				zap.String("amount", refund.Amount.StringFixed(2)))
		}
	}
	if err != nil {
		c.logger.Warn("Compensation for cancelled order failed",
			zap.String("order_number", order.OrderNumber),
			zap.String("payment_status", string(payment.Status)),
			zap.Error(err))
	}
	return err
}
