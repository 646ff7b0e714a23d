package models

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
	OrderStatusReturned   OrderStatus = "RETURNED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:  {OrderStatusReturned},
	OrderStatusCancelled:  {OrderStatusRefunded},
	OrderStatusReturned:   {OrderStatusRefunded},
	OrderStatusRefunded:   {},
}

func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded, OrderStatusReturned,
	}
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed || s == OrderStatusProcessing
}

type Order struct {
	ID                   int64           `json:"id"`
	OrderNumber          string          `json:"order_number"`
	UserID               string          `json:"user_id"`
	Status               OrderStatus     `json:"status"`
	Items                []OrderItem     `json:"items"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	TaxAmount            decimal.Decimal `json:"tax_amount"`
	ShippingAmount       decimal.Decimal `json:"shipping_amount"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	Currency             string          `json:"currency"`
	PaymentMethod        PaymentMethod   `json:"payment_method"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
	ShippingAddress      string          `json:"shipping_address,omitempty"`
	BillingAddress       string          `json:"billing_address,omitempty"`
	CouponCode           string          `json:"coupon_code,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	TrackingNumber       string          `json:"tracking_number,omitempty"`
	CancellationReason   string          `json:"cancellation_reason,omitempty"`
	ShippedAt            *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt          *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Version              int64           `json:"version"`
}

type OrderItem struct {
	ID           int64           `json:"id,omitempty"`
	ProductID    int64           `json:"product_id"`
	ProductName  string          `json:"product_name"`
	ProductSKU   string          `json:"product_sku,omitempty"`
	ProductImage string          `json:"product_image,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalPrice   decimal.Decimal `json:"total_price"`
}

// OrderDetails carries the optional checkout attributes of a new order.
type OrderDetails struct {
	Currency        string
	PaymentMethod   PaymentMethod
	ShippingAddress string
	BillingAddress  string
	CouponCode      string
	Notes           string
	Discount        decimal.Decimal
}

// StatusNote is the free-form context attached to a status change.
type StatusNote struct {
	Reason         string
	TrackingNumber string
}

// MaxReasonLength is the width, in characters, of every stored reason column.
const MaxReasonLength = 255

// TruncateReason cuts reason to MaxReasonLength characters.
func TruncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= MaxReasonLength {
		return reason
	}
	return string([]rune(reason)[:MaxReasonLength])
}

func NewOrderItem(productID int64, quantity int, unitPrice decimal.Decimal) (OrderItem, error) {
	if productID <= 0 {
		return OrderItem{}, fmt.Errorf("%w: product id is required", ErrValidation)
	}
	if quantity <= 0 {
		return OrderItem{}, fmt.Errorf("%w: order item quantity must be positive", ErrValidation)
	}
	if !unitPrice.IsPositive() {
		return OrderItem{}, fmt.Errorf("%w: order item unit price must be positive", ErrValidation)
	}
	return OrderItem{
		ProductID:  productID,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}, nil
}

// NewOrder builds a PENDING order with its totals computed from pricing.
func NewOrder(orderNumber, userID string, items []OrderItem, details OrderDetails, pricing Pricing, at time.Time) (*Order, error) {
	if orderNumber == "" {
		return nil, fmt.Errorf("%w: order number is required", ErrValidation)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	if details.Discount.IsNegative() {
		return nil, fmt.Errorf("%w: discount cannot be negative", ErrValidation)
	}
	method := details.PaymentMethod
	if method == "" {
		method = PaymentMethodCreditCard
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPaymentMethod, method)
	}
	currency := details.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	if !ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: invalid currency %q", ErrValidation, currency)
	}

	o := &Order{
		OrderNumber:     orderNumber,
		UserID:          userID,
		Status:          OrderStatusPending,
		Items:           append([]OrderItem(nil), items...),
		DiscountAmount:  details.Discount,
		Currency:        currency,
		PaymentMethod:   method,
		ShippingAddress: details.ShippingAddress,
		BillingAddress:  details.BillingAddress,
		CouponCode:      details.CouponCode,
		Notes:           details.Notes,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	o.RecalculateTotals(pricing)
	return o, nil
}

// RecalculateTotals recomputes the monetary fields from the line items. The
// discount is capped at the gross amount so the total never goes negative.
func (o *Order) RecalculateTotals(pricing Pricing) {
	subtotal := decimal.Zero
	for i := range o.Items {
		item := &o.Items[i]
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(item.TotalPrice)
	}
	o.Subtotal = subtotal
	o.TaxAmount = pricing.Tax(subtotal)
	o.ShippingAmount = pricing.Shipping(subtotal)

	gross := o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount)
	if o.DiscountAmount.GreaterThan(gross) {
		o.DiscountAmount = gross
	}
	o.TotalAmount = gross.Sub(o.DiscountAmount)
}

func (o *Order) TotalsConsistent() bool {
	expected := o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
	return o.TotalAmount.Equal(expected) && !o.TotalAmount.IsNegative()
}

// TransitionTo moves the order to next, stamping the timestamp owned by the
// target status.
func (o *Order) TransitionTo(next OrderStatus, at time.Time, note StatusNote) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = at

	switch next {
	case OrderStatusShipped:
		o.ShippedAt = &at
		if note.TrackingNumber != "" {
			o.TrackingNumber = note.TrackingNumber
		}
	case OrderStatusDelivered:
		o.DeliveredAt = &at
	case OrderStatusCancelled:
		o.CancelledAt = &at
		if note.Reason != "" {
			o.CancellationReason = TruncateReason(note.Reason)
		}
	}
	return nil
}

func (o *Order) Cancel(reason string, at time.Time) error {
	if !o.Status.Cancellable() {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, o.Status)
	}
	return o.TransitionTo(OrderStatusCancelled, at, StatusNote{Reason: reason})
}

// ApplySnapshot replaces o with snapshot when the snapshot is newer. It
// reports whether anything changed, so applying the same snapshot twice is a
// no-op.
func (o *Order) ApplySnapshot(snapshot *Order) bool {
	if snapshot == nil || snapshot.OrderNumber == "" {
		return false
	}
	if o.OrderNumber != "" && o.OrderNumber != snapshot.OrderNumber {
		return false
	}
	if snapshot.Version <= o.Version {
		return false
	}
	*o = *snapshot.Clone()
	return true
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.ShippedAt = cloneTime(o.ShippedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
