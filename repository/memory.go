package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-saga/models"
)

// MemoryOrderStore keeps orders in process. Every read returns a copy.
type MemoryOrderStore struct {
	mu       sync.RWMutex
	nextID   int64
	byID     map[int64]*models.Order
	byNumber map[string]int64
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		byID:     make(map[int64]*models.Order),
		byNumber: make(map[string]int64),
	}
}

func (s *MemoryOrderStore) Create(ctx context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNumber[o.OrderNumber]; exists {
		return fmt.Errorf("%w: order number %s already used", models.ErrValidation, o.OrderNumber)
	}
	s.nextID++
	o.ID = s.nextID
	o.Version = 1
	for i := range o.Items {
		o.Items[i].ID = int64(i + 1)
	}
	s.byID[o.ID] = o.Clone()
	s.byNumber[o.OrderNumber] = o.ID
	return nil
}

func (s *MemoryOrderStore) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[orderNumber]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderNumber)
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryOrderStore) ListByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Order
	for _, o := range s.byID {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryOrderStore) Update(ctx context.Context, o *models.Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[o.ID]
	if !ok {
		return fmt.Errorf("%w: id %d", models.ErrOrderNotFound, o.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: order %s at version %d, expected %d",
			models.ErrConcurrentModification, o.OrderNumber, current.Version, expectedVersion)
	}
	o.Version = expectedVersion + 1
	s.byID[o.ID] = o.Clone()
	return nil
}

// MemoryPaymentStore keeps payments and refunds in process.
type MemoryPaymentStore struct {
	mu            sync.RWMutex
	nextPaymentID int64
	nextRefundID  int64
	payments      map[string]*models.Payment
	byOrder       map[string]string
	refunds       map[string]*models.Refund
	refundOrder   []string
}

func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{
		payments: make(map[string]*models.Payment),
		byOrder:  make(map[string]string),
		refunds:  make(map[string]*models.Refund),
	}
}

func (s *MemoryPaymentStore) Create(ctx context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byOrder[p.OrderNumber]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicatePayment, p.OrderNumber)
	}
	s.nextPaymentID++
	p.ID = s.nextPaymentID
	p.Version = 1
	s.payments[p.PaymentID] = p.Clone()
	s.byOrder[p.OrderNumber] = p.PaymentID
	return nil
}

func (s *MemoryPaymentStore) GetByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, paymentID)
	}
	return p.Clone(), nil
}

func (s *MemoryPaymentStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderNumber]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrPaymentNotFound, orderNumber)
	}
	return s.payments[id].Clone(), nil
}

func (s *MemoryPaymentStore) ListByUser(ctx context.Context, userID string) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryPaymentStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusFailed && !p.IsFraudulent && p.RetryCount < maxRetries {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryPaymentStore) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusProcessing && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryPaymentStore) Update(ctx context.Context, p *models.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersionLocked(p, expectedVersion); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	s.payments[p.PaymentID] = p.Clone()
	return nil
}

func (s *MemoryPaymentStore) BeginRefund(ctx context.Context, p *models.Payment, expectedVersion int64, r *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersionLocked(p, expectedVersion); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	s.payments[p.PaymentID] = p.Clone()

	s.nextRefundID++
	r.ID = s.nextRefundID
	s.refunds[r.RefundID] = r.Clone()
	s.refundOrder = append(s.refundOrder, r.RefundID)
	return nil
}

func (s *MemoryPaymentStore) CompleteRefund(ctx context.Context, r *models.Refund, p *models.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[r.RefundID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrRefundNotFound, r.RefundID)
	}
	if err := s.checkVersionLocked(p, expectedVersion); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	s.payments[p.PaymentID] = p.Clone()
	s.refunds[r.RefundID] = r.Clone()
	return nil
}

func (s *MemoryPaymentStore) UpdateRefund(ctx context.Context, r *models.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[r.RefundID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrRefundNotFound, r.RefundID)
	}
	s.refunds[r.RefundID] = r.Clone()
	return nil
}

func (s *MemoryPaymentStore) GetRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[refundID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrRefundNotFound, refundID)
	}
	return r.Clone(), nil
}

func (s *MemoryPaymentStore) ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Refund
	for _, id := range s.refundOrder {
		if r := s.refunds[id]; r.PaymentID == paymentID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *MemoryPaymentStore) checkVersionLocked(p *models.Payment, expectedVersion int64) error {
	current, ok := s.payments[p.PaymentID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrPaymentNotFound, p.PaymentID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: payment %s at version %d, expected %d",
			models.ErrConcurrentModification, p.PaymentID, current.Version, expectedVersion)
	}
	return nil
}
