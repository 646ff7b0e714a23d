package events

import "order-saga/models"

// Order events carry the full post-change models.Order snapshot and payment
// events the post-change models.Payment. The types below cover the rest.

// PaymentCheck asks the order side to cancel the order if it is still unpaid.
type PaymentCheck struct {
	OrderNumber string `json:"order_number"`
}

// RefundOutcome is the payload of payment.refund.processed and
// payment.refund.failed.
type RefundOutcome struct {
	Refund  *models.Refund  `json:"refund"`
	Payment *models.Payment `json:"payment"`
}
