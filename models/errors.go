package models

import "errors"

var (
	ErrValidation = errors.New("validation failed")

	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrRefundNotFound  = errors.New("refund not found")

	// ErrDuplicatePayment is returned when a payment already exists for the
	// order number.
	ErrDuplicatePayment = errors.New("payment already exists for order")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancellable    = errors.New("order cannot be cancelled")

	ErrInvalidRefundState     = errors.New("payment is not in a refundable state")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrRefundExceedsAvailable = errors.New("refund amount exceeds available amount")

	// ErrConcurrentModification is returned when a compare-and-swap update
	// finds a newer version than the one the caller read.
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrGateway                  = errors.New("gateway error")
	ErrPaymentProcessingFailed  = errors.New("payment processing failed")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrPaymentInFlight          = errors.New("payment is being processed")

	ErrProductUnavailable = errors.New("product catalog unavailable")
	ErrProductNotFound    = errors.New("product not found")
)

// IsRetryable reports whether err may succeed when the same operation is
// attempted again without operator intervention.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrGateway),
		errors.Is(err, ErrPaymentInFlight),
		errors.Is(err, ErrProductUnavailable):
		return true
	}
	return false
}
