package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"order-saga/middlewares"
)

// RetrySweeper runs RetryFailedPayments on a fixed interval until stopped.
type RetrySweeper struct {
	payments *PaymentService
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetrySweeper(payments *PaymentService, interval time.Duration, logger *zap.Logger) *RetrySweeper {
	return &RetrySweeper{payments: payments, interval: interval, logger: logger}
}

func (r *RetrySweeper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.logger.Info("Payment retry sweep started", zap.Duration("interval", r.interval))
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Payment retry sweep stopped")
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce performs a single sweep.
func (r *RetrySweeper) RunOnce(ctx context.Context) {
	start := time.Now()
	retried, err := r.payments.RetryFailedPayments(ctx)
	middlewares.ObserveRetrySweep(time.Since(start))
	if err != nil {
		r.logger.Error("Payment retry sweep failed", zap.Error(err))
		return
	}
	if retried > 0 {
		r.logger.Info("Payment retry sweep finished", zap.Int("retried", retried))
	}
}

// Stop cancels the sweep and waits for an in-progress run to return.
func (r *RetrySweeper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
