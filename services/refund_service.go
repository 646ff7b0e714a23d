package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-saga/events"
	"order-saga/gateway"
	"order-saga/middlewares"
	"order-saga/models"
	"order-saga/repository"
	"order-saga/utils"
)

type RefundService struct {
	payments repository.PaymentStore
	gateways Gateways
	bus      events.Publisher
	logger   *zap.Logger
	settings
}

func NewRefundService(payments repository.PaymentStore, gateways Gateways, bus events.Publisher, logger *zap.Logger, opts ...Option) *RefundService {
	return &RefundService{
		payments: payments,
		gateways: gateways,
		bus:      bus,
		logger:   logger,
		settings: newSettings(opts),
	}
}

// refundable is the set of payment states a refund may be requested from. A
// fully refunded payment is accepted so that a further request is rejected
// for exceeding the available amount rather than for its state.
func refundable(status models.PaymentStatus) bool {
	return status == models.PaymentStatusCompleted || status == models.PaymentStatusRefunded
}

// ProcessRefund refunds part or all of a completed payment.
//
// The refund row is written PENDING together with a payment version bump, so
// two refunds validated against the same ledger cannot both be recorded. A
// gateway error or decline leaves the refund FAILED and is returned wrapping
// models.ErrGateway alongside the refund.
func (s *RefundService) ProcessRefund(ctx context.Context, paymentID string, req models.RefundRequest) (*models.Refund, error) {
	payment, refund, err := s.begin(ctx, paymentID, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Refund started",
		zap.String("refund_id", refund.RefundID),
		zap.String("payment_id", paymentID),
		zap.String("amount", refund.Amount.StringFixed(2)),
		zap.String("initiated_by", refund.InitiatedBy))

	result, refundErr := s.execute(ctx, payment, refund)
	if refundErr != nil || !result.Succeeded {
		return s.fail(ctx, payment, refund, result, refundErr)
	}
	return s.complete(ctx, payment, refund, result)
}

func (s *RefundService) begin(ctx context.Context, paymentID string, req models.RefundRequest) (*models.Payment, *models.Refund, error) {
	for attempt := 0; ; attempt++ {
		payment, err := s.payments.GetByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, nil, err
		}
		if !refundable(payment.Status) {
			return nil, nil, fmt.Errorf("%w: payment %s is %s", models.ErrInvalidRefundState, paymentID, payment.Status)
		}
		if !req.Amount.IsPositive() {
			return nil, nil, fmt.Errorf("%w: refund amount %s", models.ErrInvalidAmount, req.Amount)
		}
		available, err := s.available(ctx, payment)
		if err != nil {
			return nil, nil, err
		}
		if req.Amount.GreaterThan(available) {
			return nil, nil, fmt.Errorf("%w: requested %s, available %s",
				models.ErrRefundExceedsAvailable, req.Amount.StringFixed(2), available.StringFixed(2))
		}

		now := s.now()
		refund := models.NewRefund(utils.NewRefundID(now), payment, req.Amount, req.Reason, req.InitiatedBy, now)
		err = s.payments.BeginRefund(ctx, payment, payment.Version, refund)
		if isConflict(err) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return payment, refund, nil
	}
}

// available is the payment amount less completed and in-flight refunds.
func (s *RefundService) available(ctx context.Context, payment *models.Payment) (decimal.Decimal, error) {
	refunds, err := s.payments.ListRefunds(ctx, payment.PaymentID)
	if err != nil {
		return decimal.Zero, err
	}
	completed, pending := models.LedgerTotals(refunds)
	return payment.Amount.Sub(completed).Sub(pending), nil
}

func (s *RefundService) execute(ctx context.Context, payment *models.Payment, refund *models.Refund) (gateway.RefundResult, error) {
	gw, err := s.gateways.For(payment.PaymentMethod)
	if err != nil {
		return gateway.RefundResult{}, fmt.Errorf("%w: %w", models.ErrGateway, err)
	}
	return gw.Refund(ctx, gateway.RefundRequest{
		RefundID:      refund.RefundID,
		PaymentID:     payment.PaymentID,
		TransactionID: payment.GatewayTransactionID,
		Amount:        refund.Amount,
		Currency:      payment.Currency,
	})
}

func (s *RefundService) complete(ctx context.Context, payment *models.Payment, refund *models.Refund, result gateway.RefundResult) (*models.Refund, error) {
	now := s.now()
	refund.Complete(result.GatewayRefundID, now)

	// The gateway has already moved the money, so conflicts are replayed
	// against a fresh read until the completion lands.
	for {
		expected := payment.Version
		payment.RefundedAmount = payment.RefundedAmount.Add(refund.Amount)
		payment.UpdatedAt = now
		if payment.RefundedAmount.Equal(payment.Amount) {
			if err := payment.TransitionTo(models.PaymentStatusRefunded, now); err != nil {
				return nil, err
			}
		}
		err := s.payments.CompleteRefund(ctx, refund, payment, expected)
		if err == nil {
			break
		}
		if !isConflict(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if payment, err = s.payments.GetByPaymentID(ctx, payment.PaymentID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Refund completed",
		zap.String("refund_id", refund.RefundID),
		zap.String("payment_id", payment.PaymentID),
		zap.String("refunded_amount", payment.RefundedAmount.StringFixed(2)),
		zap.String("payment_status", string(payment.Status)))
	middlewares.RecordRefund(string(models.RefundStatusCompleted))

	publish(ctx, s.bus, s.logger, events.RefundProcessed, payment.OrderNumber,
		events.RefundOutcome{Refund: refund, Payment: payment}, now)
	if payment.Status == models.PaymentStatusRefunded {
		publish(ctx, s.bus, s.logger, events.PaymentRefunded, payment.OrderNumber, payment, now)
	}
	return refund, nil
}

func (s *RefundService) fail(ctx context.Context, payment *models.Payment, refund *models.Refund, result gateway.RefundResult, refundErr error) (*models.Refund, error) {
	now := s.now()
	reason := result.FailureReason
	if refundErr != nil {
		reason = refundErr.Error()
	} else if reason == "" {
		reason = "declined by gateway"
	}
	refund.Fail(reason, now)
	if err := s.payments.UpdateRefund(ctx, refund); err != nil {
		return nil, err
	}

	s.logger.Error("Refund failed",
		zap.String("refund_id", refund.RefundID),
		zap.String("payment_id", payment.PaymentID),
		zap.String("reason", reason))
	middlewares.RecordRefund(string(models.RefundStatusFailed))
	publish(ctx, s.bus, s.logger, events.RefundFailed, payment.OrderNumber,
		events.RefundOutcome{Refund: refund, Payment: payment}, now)

	if refundErr != nil {
		return refund, fmt.Errorf("%w: refund %s: %w", models.ErrGateway, refund.RefundID, refundErr)
	}
	return refund, fmt.Errorf("%w: refund %s declined: %s", models.ErrGateway, refund.RefundID, reason)
}

// RefundRemaining refunds whatever is still available on the payment. It
// returns a nil refund when nothing is left.
func (s *RefundService) RefundRemaining(ctx context.Context, paymentID, reason, initiatedBy string) (*models.Refund, error) {
	payment, err := s.payments.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	available, err := s.available(ctx, payment)
	if err != nil {
		return nil, err
	}
	if !available.IsPositive() {
		return nil, nil
	}
	return s.ProcessRefund(ctx, paymentID, models.RefundRequest{
		Amount:      available,
		Reason:      reason,
		InitiatedBy: initiatedBy,
	})
}

func (s *RefundService) GetRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	return s.payments.GetRefund(ctx, refundID)
}

func (s *RefundService) ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	if _, err := s.payments.GetByPaymentID(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.payments.ListRefunds(ctx, paymentID)
}
