package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TopicOrders   = "order-events"
	TopicPayments = "payment-events"
)

// Type identifies the kind of a domain event. Consumers switch on the typed
// constants below and acknowledge anything else as unknown.
type Type string

const (
	OrderCreated       Type = "order.created"
	OrderStatusUpdated Type = "order.status.updated"
	OrderCancelled     Type = "order.cancelled"
	OrderPaymentCheck  Type = "order.payment_check"

	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"
	PaymentRefunded  Type = "payment.refunded"
	PaymentCancelled Type = "payment.cancelled"
	RefundProcessed  Type = "payment.refund.processed"
	RefundFailed     Type = "payment.refund.failed"
)

var topics = map[Type]string{
	OrderCreated:       TopicOrders,
	OrderStatusUpdated: TopicOrders,
	OrderCancelled:     TopicOrders,
	OrderPaymentCheck:  TopicOrders,
	PaymentCompleted:   TopicPayments,
	PaymentFailed:      TopicPayments,
	PaymentRefunded:    TopicPayments,
	PaymentCancelled:   TopicPayments,
	RefundProcessed:    TopicPayments,
	RefundFailed:       TopicPayments,
}

func (t Type) Known() bool {
	_, ok := topics[t]
	return ok
}

// Topic returns the topic the event type is published on.
func (t Type) Topic() string {
	return topics[t]
}

// Event is the envelope carried by the bus. Key is the partition key; events
// sharing a key are delivered in the order they were produced.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

func NewEvent(t Type, key string, payload any, at time.Time) (Event, error) {
	if !t.Known() {
		return Event{}, fmt.Errorf("unknown event type %q", t)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		Payload:    body,
		ProducedAt: at,
	}, nil
}

func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
