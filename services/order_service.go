package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-saga/catalog"
	"order-saga/events"
	"order-saga/models"
	"order-saga/repository"
	"order-saga/utils"
)

type OrderService struct {
	orders  repository.OrderStore
	catalog catalog.Client
	bus     events.Publisher
	logger  *zap.Logger
	settings
}

func NewOrderService(orders repository.OrderStore, catalog catalog.Client, bus events.Publisher, logger *zap.Logger, opts ...Option) *OrderService {
	return &OrderService{
		orders:   orders,
		catalog:  catalog,
		bus:      bus,
		logger:   logger,
		settings: newSettings(opts),
	}
}

// CreateOrder prices every line from the catalog and stores a PENDING order.
// An unreachable catalog fails the request before anything is written.
func (s *OrderService) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", models.ErrValidation)
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity of product %d must be positive", models.ErrValidation, line.ProductID)
		}
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("lookup product %d: %w", line.ProductID, err)
		}
		item, err := models.NewOrderItem(line.ProductID, line.Quantity, product.Price)
		if err != nil {
			return nil, err
		}
		item.ProductName = product.Name
		item.ProductSKU = product.SKU
		item.ProductImage = product.ImageURL
		items = append(items, item)
	}

	now := s.now()
	order, err := models.NewOrder(utils.NewOrderNumber(now), req.UserID, items, models.OrderDetails{
		Currency:        req.Currency,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		CouponCode:      req.CouponCode,
		Notes:           req.Notes,
	}, s.pricing, now)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("Order created",
		zap.String("order_number", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("total", order.TotalAmount.StringFixed(2)))

	publish(ctx, s.bus, s.logger, events.OrderCreated, order.OrderNumber, order, now)
	s.schedulePaymentCheck(ctx, order, now)
	return order, nil
}

func (s *OrderService) schedulePaymentCheck(ctx context.Context, order *models.Order, now time.Time) {
	delayed, ok := s.bus.(events.DelayedPublisher)
	if !ok || s.paymentTimeout <= 0 {
		return
	}
	evt, err := events.NewEvent(events.OrderPaymentCheck, order.OrderNumber,
		events.PaymentCheck{OrderNumber: order.OrderNumber}, now)
	if err == nil {
		err = delayed.PublishDelayed(ctx, events.TopicOrders, evt, s.paymentTimeout)
	}
	if err != nil {
		s.logger.Error("Failed to schedule payment check",
			zap.String("order_number", order.OrderNumber), zap.Error(err))
	}
}

func (s *OrderService) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *OrderService) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.orders.GetByNumber(ctx, orderNumber)
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.orders.ListByUser(ctx, userID)
}

func (s *OrderService) UpdateOrderStatus(ctx context.Context, id int64, req models.UpdateOrderStatusRequest) (*models.Order, error) {
	if !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, req.Status)
	}
	note := models.StatusNote{Reason: req.Reason, TrackingNumber: req.TrackingNumber}
	return s.mutate(ctx, byID(s.orders, id), func(o *models.Order, at time.Time) (bool, error) {
		return true, o.TransitionTo(req.Status, at, note)
	})
}

func (s *OrderService) CancelOrder(ctx context.Context, id int64, reason string) (*models.Order, error) {
	return s.mutate(ctx, byID(s.orders, id), func(o *models.Order, at time.Time) (bool, error) {
		return true, o.Cancel(reason, at)
	})
}

// ConfirmPayment applies a completed payment to its order. A PENDING order
// is CONFIRMED only when the payment covers its total in its currency; any
// other payment cancels it, which in turn refunds the payment. A payment that
// lands on an already cancelled order re-announces the cancellation for the
// same reason. Orders past PENDING are otherwise left alone, so a redelivered
// payment.completed is harmless.
func (s *OrderService) ConfirmPayment(ctx context.Context, payment *models.Payment) (*models.Order, error) {
	stray := false
	order, err := s.mutate(ctx, byNumber(s.orders, payment.OrderNumber), func(o *models.Order, at time.Time) (bool, error) {
		switch o.Status {
		case models.OrderStatusPending:
			if !payment.Amount.Equal(o.TotalAmount) || payment.Currency != o.Currency {
				s.logger.Error("Payment does not match order total, cancelling order",
					zap.String("order_number", o.OrderNumber),
					zap.String("payment_id", payment.PaymentID),
					zap.String("paid", payment.Amount.StringFixed(2)+" "+payment.Currency),
					zap.String("due", o.TotalAmount.StringFixed(2)+" "+o.Currency))
				return true, o.Cancel(fmt.Sprintf("Payment mismatch: paid %s %s, due %s %s",
					payment.Amount.StringFixed(2), payment.Currency, o.TotalAmount.StringFixed(2), o.Currency), at)
			}
			o.PaymentTransactionID = payment.GatewayTransactionID
			return true, o.TransitionTo(models.OrderStatusConfirmed, at, models.StatusNote{})
		case models.OrderStatusCancelled:
			stray = true
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if stray {
		s.logger.Warn("Payment completed for a cancelled order, requesting compensation",
			zap.String("order_number", order.OrderNumber),
			zap.String("payment_id", payment.PaymentID),
			zap.String("transaction_id", payment.GatewayTransactionID))
		publish(ctx, s.bus, s.logger, events.OrderCancelled, order.OrderNumber, order, s.now())
	}
	return order, nil
}

// FailPayment cancels the order after a failed payment. An order that is
// already cancelled is left alone.
func (s *OrderService) FailPayment(ctx context.Context, orderNumber, reason string) (*models.Order, error) {
	return s.mutate(ctx, byNumber(s.orders, orderNumber), func(o *models.Order, at time.Time) (bool, error) {
		if o.Status == models.OrderStatusCancelled || o.Status == models.OrderStatusRefunded {
			return false, nil
		}
		return true, o.Cancel("Payment failed: "+reason, at)
	})
}

// MarkRefunded moves the order to REFUNDED once its payment is fully refunded.
// A still-active order is cancelled first; a shipped or delivered one is
// recorded as RETURNED on the way.
func (s *OrderService) MarkRefunded(ctx context.Context, orderNumber string) (*models.Order, error) {
	order, err := s.mutate(ctx, byNumber(s.orders, orderNumber), func(o *models.Order, at time.Time) (bool, error) {
		switch {
		case o.Status.Cancellable():
			return true, o.Cancel("Payment refunded", at)
		case o.Status.CanTransitionTo(models.OrderStatusReturned):
			return true, o.TransitionTo(models.OrderStatusReturned, at, models.StatusNote{Reason: "Payment refunded"})
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, byNumber(s.orders, order.OrderNumber), func(o *models.Order, at time.Time) (bool, error) {
		if o.Status == models.OrderStatusRefunded {
			return false, nil
		}
		return true, o.TransitionTo(models.OrderStatusRefunded, at, models.StatusNote{})
	})
}

// ExpireUnpaidOrder cancels an order still PENDING when its payment window
// closes.
func (s *OrderService) ExpireUnpaidOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.mutate(ctx, byNumber(s.orders, orderNumber), func(o *models.Order, at time.Time) (bool, error) {
		if o.Status != models.OrderStatusPending {
			return false, nil
		}
		return true, o.Cancel("Payment not received in time", at)
	})
}

type orderLoader func(ctx context.Context) (*models.Order, error)

func byID(store repository.OrderStore, id int64) orderLoader {
	return func(ctx context.Context) (*models.Order, error) { return store.GetByID(ctx, id) }
}

func byNumber(store repository.OrderStore, orderNumber string) orderLoader {
	return func(ctx context.Context) (*models.Order, error) { return store.GetByNumber(ctx, orderNumber) }
}

// mutate is the single write path for existing orders: load, apply change,
// compare-and-swap, then publish the post-change snapshot. change reports
// false to leave the order untouched. Conflicts are replayed against a fresh
// read a bounded number of times.
func (s *OrderService) mutate(ctx context.Context, load orderLoader, change func(*models.Order, time.Time) (bool, error)) (*models.Order, error) {
	for attempt := 0; ; attempt++ {
		order, err := load(ctx)
		if err != nil {
			return nil, err
		}
		expected := order.Version
		previous := order.Status
		now := s.now()

		changed, err := change(order, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return order, nil
		}

		err = s.orders.Update(ctx, order, expected)
		if isConflict(err) && attempt < maxConflictRetries {
			s.logger.Debug("Order changed concurrently, retrying",
				zap.String("order_number", order.OrderNumber), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Order status changed",
			zap.String("order_number", order.OrderNumber),
			zap.String("from", string(previous)),
			zap.String("to", string(order.Status)),
			zap.Int64("version", order.Version))

		eventType := events.OrderStatusUpdated
		if order.Status == models.OrderStatusCancelled {
			eventType = events.OrderCancelled
		}
		publish(ctx, s.bus, s.logger, eventType, order.OrderNumber, order, now)
		return order, nil
	}
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrOrderNotFound) ||
		errors.Is(err, models.ErrPaymentNotFound) ||
		errors.Is(err, models.ErrRefundNotFound)
}
