package models

import "github.com/shopspring/decimal"

type CreateOrderRequest struct {
	UserID          string                   `json:"user_id"`
	Items           []CreateOrderItemRequest `json:"items" binding:"required,min=1,dive"`
	Currency        string                   `json:"currency"`
	PaymentMethod   PaymentMethod            `json:"payment_method"`
	ShippingAddress string                   `json:"shipping_address"`
	BillingAddress  string                   `json:"billing_address"`
	CouponCode      string                   `json:"coupon_code"`
	Notes           string                   `json:"notes"`
}

type CreateOrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

type UpdateOrderStatusRequest struct {
	Status         OrderStatus `json:"status" binding:"required"`
	Reason         string      `json:"reason"`
	TrackingNumber string      `json:"tracking_number"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type RefundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	InitiatedBy string          `json:"initiated_by"`
}
