package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"order-saga/events"
	"order-saga/gateway"
	"order-saga/middlewares"
	"order-saga/models"
	"order-saga/repository"
	"order-saga/utils"
)

type PaymentService struct {
	payments repository.PaymentStore
	gateways Gateways
	bus      events.Publisher
	logger   *zap.Logger
	settings
}

func NewPaymentService(payments repository.PaymentStore, gateways Gateways, bus events.Publisher, logger *zap.Logger, opts ...Option) *PaymentService {
	return &PaymentService{
		payments: payments,
		gateways: gateways,
		bus:      bus,
		logger:   logger,
		settings: newSettings(opts),
	}
}

// ProcessPayment creates the payment for an order and charges it. It is
// idempotent per order number: a second request for the same order returns
// the existing payment untouched.
//
// When the order snapshot is cached the request must agree with it: same
// owner, same total, same currency. A request without an amount is charged
// the order total.
//
// A declined charge is not an error; the returned payment is FAILED. A
// gateway error also leaves the payment FAILED and is returned wrapped in
// models.ErrPaymentProcessingFailed.
func (s *PaymentService) ProcessPayment(ctx context.Context, req models.PaymentRequest) (*models.Payment, error) {
	order, err := s.cachedOrder(ctx, req.OrderNumber)
	if err != nil {
		return nil, err
	}
	if order != nil {
		if req.Amount.IsZero() {
			req.Amount = order.TotalAmount
		}
		if req.Currency == "" {
			req.Currency = order.Currency
		}
		if req.OrderID == 0 {
			req.OrderID = order.ID
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if order != nil {
		if err := matchOrder(req, order); err != nil {
			return nil, err
		}
	}

	existing, err := s.payments.GetByOrderNumber(ctx, req.OrderNumber)
	switch {
	case err == nil:
		s.logger.Info("Payment already exists for order",
			zap.String("order_number", req.OrderNumber),
			zap.String("payment_id", existing.PaymentID),
			zap.String("status", string(existing.Status)))
		return existing, nil
	case !errors.Is(err, models.ErrPaymentNotFound):
		return nil, err
	}
	if order != nil && order.Status != models.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", models.ErrValidation, order.OrderNumber, order.Status)
	}

	now := s.now()
	score := s.fraud.Score(req)
	payment := models.NewPayment(utils.NewPaymentID(now), req, score, now)
	payment.IsFraudulent = s.fraud.Fraudulent(score)

	if err := s.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, models.ErrDuplicatePayment) {
			return s.payments.GetByOrderNumber(ctx, req.OrderNumber)
		}
		return nil, err
	}
	s.logger.Info("Payment created",
		zap.String("payment_id", payment.PaymentID),
		zap.String("order_number", payment.OrderNumber),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("fraud_score", payment.FraudScore.String()))

	if payment.IsFraudulent {
		return s.rejectFraudulent(ctx, payment)
	}
	return s.attempt(ctx, payment, false)
}

func (s *PaymentService) cachedOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	if s.snapshots == nil || orderNumber == "" {
		return nil, nil
	}
	order, ok, err := s.snapshots.Get(ctx, orderNumber)
	if err != nil {
		return nil, fmt.Errorf("load order snapshot %s: %w", orderNumber, err)
	}
	if !ok {
		return nil, nil
	}
	return order, nil
}

func matchOrder(req models.PaymentRequest, order *models.Order) error {
	if req.UserID != order.UserID {
		return fmt.Errorf("%w: order %s belongs to another user", models.ErrValidation, order.OrderNumber)
	}
	if !req.Amount.Equal(order.TotalAmount) || req.Currency != order.Currency {
		return fmt.Errorf("%w: amount %s %s does not match order total %s %s", models.ErrValidation,
			req.Amount.StringFixed(2), req.Currency, order.TotalAmount.StringFixed(2), order.Currency)
	}
	return nil
}

func (s *PaymentService) rejectFraudulent(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	expected := payment.Version
	now := s.now()
	if err := payment.Fail("Fraud detected: score "+payment.FraudScore.String(), now); err != nil {
		return nil, err
	}
	if err := s.payments.Update(ctx, payment, expected); err != nil {
		return nil, err
	}
	s.logger.Warn("Payment rejected as fraudulent",
		zap.String("payment_id", payment.PaymentID),
		zap.String("fraud_score", payment.FraudScore.String()))
	middlewares.RecordPaymentOutcome(string(payment.PaymentMethod), "fraud")
	publish(ctx, s.bus, s.logger, events.PaymentFailed, payment.OrderNumber, payment, now)
	return payment, nil
}

// attempt moves the payment into PROCESSING, charges the gateway and stores
// the outcome. The PROCESSING write is a compare-and-swap, so a concurrent
// attempt on the same payment loses before any money moves.
func (s *PaymentService) attempt(ctx context.Context, payment *models.Payment, retry bool) (*models.Payment, error) {
	expected := payment.Version
	if retry {
		payment.RetryCount++
	}
	if err := payment.TransitionTo(models.PaymentStatusProcessing, s.now()); err != nil {
		return nil, err
	}
	if err := s.payments.Update(ctx, payment, expected); err != nil {
		return nil, err
	}

	result, chargeErr := s.charge(ctx, payment)
	saved, err := s.saveOutcome(ctx, payment, result, chargeErr)
	if err != nil {
		return nil, err
	}

	now := saved.UpdatedAt
	if saved.Status == models.PaymentStatusCompleted {
		s.logger.Info("Payment completed",
			zap.String("payment_id", saved.PaymentID),
			zap.String("order_number", saved.OrderNumber),
			zap.String("transaction_id", saved.GatewayTransactionID))
		middlewares.RecordPaymentOutcome(string(saved.PaymentMethod), "completed")
		publish(ctx, s.bus, s.logger, events.PaymentCompleted, saved.OrderNumber, saved, now)
		return saved, nil
	}

	publish(ctx, s.bus, s.logger, events.PaymentFailed, saved.OrderNumber, saved, now)
	if chargeErr != nil {
		s.logger.Error("Payment gateway error",
			zap.String("payment_id", saved.PaymentID),
			zap.Int("retry_count", saved.RetryCount),
			zap.Error(chargeErr))
		middlewares.RecordPaymentOutcome(string(saved.PaymentMethod), "error")
		return saved, fmt.Errorf("%w: payment %s: %w", models.ErrPaymentProcessingFailed, saved.PaymentID, chargeErr)
	}
	s.logger.Warn("Payment declined",
		zap.String("payment_id", saved.PaymentID),
		zap.String("reason", saved.FailureReason))
	middlewares.RecordPaymentOutcome(string(saved.PaymentMethod), "declined")
	return saved, nil
}

func (s *PaymentService) charge(ctx context.Context, payment *models.Payment) (gateway.ChargeResult, error) {
	gw, err := s.gateways.For(payment.PaymentMethod)
	if err != nil {
		return gateway.ChargeResult{}, fmt.Errorf("%w: %w", models.ErrGateway, err)
	}
	return gw.Charge(ctx, gateway.ChargeRequest{
		PaymentID:   payment.PaymentID,
		OrderNumber: payment.OrderNumber,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Method:      payment.PaymentMethod,
		IPAddress:   payment.IPAddress,
	})
}

// saveOutcome records the gateway decision. Nothing else moves a PROCESSING
// payment, but a conflicting write is still reloaded and replayed rather than
// losing the gateway's answer.
func (s *PaymentService) saveOutcome(ctx context.Context, payment *models.Payment, result gateway.ChargeResult, chargeErr error) (*models.Payment, error) {
	for attempt := 0; ; attempt++ {
		expected := payment.Version
		now := s.now()
		var err error
		switch {
		case chargeErr != nil:
			err = payment.Fail(chargeErr.Error(), now)
		case result.Succeeded:
			payment.GatewayTransactionID = result.TransactionID
			payment.GatewayPaymentID = result.GatewayPaymentID
			err = payment.TransitionTo(models.PaymentStatusCompleted, now)
		default:
			reason := result.FailureReason
			if reason == "" {
				reason = "declined by gateway"
			}
			err = payment.Fail(reason, now)
		}
		if err != nil {
			return nil, err
		}

		err = s.payments.Update(ctx, payment, expected)
		if err == nil {
			return payment, nil
		}
		if !isConflict(err) || attempt >= maxConflictRetries {
			return nil, err
		}
		fresh, loadErr := s.payments.GetByPaymentID(ctx, payment.PaymentID)
		if loadErr != nil {
			return nil, loadErr
		}
		if fresh.Status != models.PaymentStatusProcessing {
			return nil, fmt.Errorf("%w: payment %s left PROCESSING while charging", models.ErrConcurrentModification, payment.PaymentID)
		}
		payment = fresh
	}
}

// RetryFailedPayments runs one retry sweep and reports how many payments were
// charged again. It first recovers payments stuck in PROCESSING, then retries
// FAILED ones. Payments whose order is no longer awaiting payment are
// cancelled instead. Per-payment errors are logged; only a failed selection is
// returned.
func (s *PaymentService) RetryFailedPayments(ctx context.Context) (int, error) {
	recovered, err := s.recoverStale(ctx)
	if err != nil {
		return 0, err
	}

	candidates, err := s.payments.ListRetryable(ctx, models.MaxRetryCount, s.retryBatchSize)
	if err != nil {
		return recovered, fmt.Errorf("select retryable payments: %w", err)
	}

	retried := recovered
	for _, payment := range candidates {
		if ctx.Err() != nil {
			break
		}
		if stale, status := s.orderSettled(ctx, payment.OrderNumber); stale {
			if _, err := s.CancelPayment(ctx, payment.OrderNumber, "Order "+string(status)); err != nil {
				s.logger.Warn("Failed to cancel payment of settled order",
					zap.String("payment_id", payment.PaymentID), zap.Error(err))
			}
			continue
		}

		_, err := s.attempt(ctx, payment, true)
		switch {
		case err == nil || errors.Is(err, models.ErrPaymentProcessingFailed):
			retried++
		case isConflict(err):
			s.logger.Info("Payment changed during retry sweep, skipping",
				zap.String("payment_id", payment.PaymentID))
		default:
			s.logger.Error("Payment retry failed",
				zap.String("payment_id", payment.PaymentID), zap.Error(err))
		}
	}
	return retried, nil
}

// recoverStale charges again every payment left PROCESSING for longer than
// the processing timeout, which happens when the outcome of a charge could
// not be stored. The gateway call reuses the payment id as its idempotency
// key, so a charge that did go through is answered, not repeated. The payment
// is marked FAILED first without announcing it, since the order must not be
// cancelled for an outcome that is still unknown.
func (s *PaymentService) recoverStale(ctx context.Context) (int, error) {
	if s.processingTimeout <= 0 {
		return 0, nil
	}
	stale, err := s.payments.ListStaleProcessing(ctx, s.now().Add(-s.processingTimeout), s.retryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("select stale payments: %w", err)
	}

	recovered := 0
	for _, payment := range stale {
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("Recovering payment stuck in processing",
			zap.String("payment_id", payment.PaymentID),
			zap.String("order_number", payment.OrderNumber),
			zap.Time("updated_at", payment.UpdatedAt))

		expected := payment.Version
		if err := payment.Fail("Processing timed out", s.now()); err != nil {
			return recovered, err
		}
		if err := s.payments.Update(ctx, payment, expected); err != nil {
			if !isConflict(err) {
				s.logger.Error("Failed to release stale payment",
					zap.String("payment_id", payment.PaymentID), zap.Error(err))
			}
			continue
		}

		_, err := s.attempt(ctx, payment, false)
		switch {
		case err == nil || errors.Is(err, models.ErrPaymentProcessingFailed):
			recovered++
		default:
			s.logger.Error("Stale payment recovery failed",
				zap.String("payment_id", payment.PaymentID), zap.Error(err))
		}
	}
	return recovered, nil
}

// orderSettled reports whether the cached order snapshot shows the order has
// moved past PENDING. Without a snapshot the retry proceeds.
func (s *PaymentService) orderSettled(ctx context.Context, orderNumber string) (bool, models.OrderStatus) {
	if s.snapshots == nil {
		return false, ""
	}
	order, ok, err := s.snapshots.Get(ctx, orderNumber)
	if err != nil {
		s.logger.Warn("Order snapshot lookup failed", zap.String("order_number", orderNumber), zap.Error(err))
		return false, ""
	}
	if !ok || order.Status == models.OrderStatusPending {
		return false, ""
	}
	return true, order.Status
}

// RetryPayment is the operator retry of a FAILED payment. It is not bound by
// models.MaxRetryCount but refuses fraudulent payments.
func (s *PaymentService) RetryPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.payments.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.IsFraudulent {
		return nil, fmt.Errorf("%w: payment %s is flagged as fraudulent", models.ErrInvalidTransition, paymentID)
	}
	if payment.Status != models.PaymentStatusFailed {
		return nil, fmt.Errorf("%w: payment %s is %s", models.ErrInvalidTransition, paymentID, payment.Status)
	}
	s.logger.Info("Manual payment retry", zap.String("payment_id", paymentID), zap.Int("retry_count", payment.RetryCount))
	return s.attempt(ctx, payment, true)
}

// CancelPayment cancels the PENDING or FAILED payment of an order. A payment
// already CANCELLED is returned as is; one still PROCESSING yields
// models.ErrPaymentInFlight.
func (s *PaymentService) CancelPayment(ctx context.Context, orderNumber, reason string) (*models.Payment, error) {
	for attempt := 0; ; attempt++ {
		payment, err := s.payments.GetByOrderNumber(ctx, orderNumber)
		if err != nil {
			return nil, err
		}
		switch payment.Status {
		case models.PaymentStatusCancelled:
			return payment, nil
		case models.PaymentStatusProcessing:
			return nil, fmt.Errorf("%w: payment %s", models.ErrPaymentInFlight, payment.PaymentID)
		}

		expected := payment.Version
		now := s.now()
		if err := payment.TransitionTo(models.PaymentStatusCancelled, now); err != nil {
			return nil, err
		}
		if reason != "" {
			payment.FailureReason = models.TruncateReason(reason)
		}
		err = s.payments.Update(ctx, payment, expected)
		if isConflict(err) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Payment cancelled",
			zap.String("payment_id", payment.PaymentID),
			zap.String("order_number", orderNumber),
			zap.String("reason", reason))
		middlewares.RecordPaymentOutcome(string(payment.PaymentMethod), "cancelled")
		publish(ctx, s.bus, s.logger, events.PaymentCancelled, payment.OrderNumber, payment, now)
		return payment, nil
	}
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	return s.payments.GetByPaymentID(ctx, paymentID)
}

func (s *PaymentService) GetPaymentByOrder(ctx context.Context, orderNumber string) (*models.Payment, error) {
	return s.payments.GetByOrderNumber(ctx, orderNumber)
}

func (s *PaymentService) PaymentHistory(ctx context.Context, userID string) ([]*models.Payment, error) {
	return s.payments.ListByUser(ctx, userID)
}
