package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-saga/models"
)

var (
	_ OrderStore   = (*MySQLOrderStore)(nil)
	_ OrderStore   = (*MemoryOrderStore)(nil)
	_ PaymentStore = (*MySQLPaymentStore)(nil)
	_ PaymentStore = (*MemoryPaymentStore)(nil)
)

const orderColumns = `id, order_number, user_id, status, subtotal, tax_amount, shipping_amount,
	discount_amount, total_amount, currency, payment_method, payment_transaction_id,
	shipping_address, billing_address, coupon_code, notes, tracking_number, cancellation_reason,
	shipped_at, delivered_at, cancelled_at, created_at, updated_at, version`

type MySQLOrderStore struct {
	db *sql.DB
}

func NewMySQLOrderStore(db *sql.DB) *MySQLOrderStore {
	return &MySQLOrderStore{db: db}
}

func (s *MySQLOrderStore) Create(ctx context.Context, o *models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (order_number, user_id, status, subtotal, tax_amount, shipping_amount,
			discount_amount, total_amount, currency, payment_method, payment_transaction_id,
			shipping_address, billing_address, coupon_code, notes, tracking_number, cancellation_reason,
			shipped_at, delivered_at, cancelled_at, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		o.OrderNumber, o.UserID, o.Status, o.Subtotal, o.TaxAmount, o.ShippingAmount,
		o.DiscountAmount, o.TotalAmount, o.Currency, o.PaymentMethod, o.PaymentTransactionID,
		o.ShippingAddress, o.BillingAddress, o.CouponCode, o.Notes, o.TrackingNumber, o.CancellationReason,
		nullTime(o.ShippedAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.OrderNumber, err)
	}
	orderID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("order id: %w", err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, product_sku, product_image,
				quantity, unit_price, total_price)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			orderID, item.ProductID, item.ProductName, item.ProductSKU, item.ProductImage,
			item.Quantity, item.UnitPrice, item.TotalPrice,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("order item id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create order: %w", err)
	}
	o.ID = orderID
	o.Version = 1
	return nil
}

func (s *MySQLOrderStore) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return o, s.loadItems(ctx, o)
}

func (s *MySQLOrderStore) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE order_number = ?", orderNumber)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderNumber)
	}
	if err != nil {
		return nil, err
	}
	return o, s.loadItems(ctx, o)
}

func (s *MySQLOrderStore) ListByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := s.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *MySQLOrderStore) Update(ctx context.Context, o *models.Order, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, subtotal = ?, tax_amount = ?, shipping_amount = ?,
			discount_amount = ?, total_amount = ?, payment_transaction_id = ?, tracking_number = ?,
			cancellation_reason = ?, shipped_at = ?, delivered_at = ?, cancelled_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		o.Status, o.Subtotal, o.TaxAmount, o.ShippingAmount,
		o.DiscountAmount, o.TotalAmount, o.PaymentTransactionID, o.TrackingNumber,
		o.CancellationReason, nullTime(o.ShippedAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt),
		o.UpdatedAt, o.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.OrderNumber, err)
	}
	if err := checkAffected(res, "order "+o.OrderNumber, expectedVersion); err != nil {
		return err
	}
	o.Version = expectedVersion + 1
	return nil
}

func (s *MySQLOrderStore) loadItems(ctx context.Context, o *models.Order) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, product_sku, product_image, quantity, unit_price, total_price
		FROM order_items WHERE order_id = ? ORDER BY id ASC`, o.ID)
	if err != nil {
		return fmt.Errorf("load items of %s: %w", o.OrderNumber, err)
	}
	defer rows.Close()

	o.Items = nil
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.ProductSKU,
			&item.ProductImage, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var shippingAddr, billingAddr, notes sql.NullString
	var shippedAt, deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.Subtotal, &o.TaxAmount,
		&o.ShippingAmount, &o.DiscountAmount, &o.TotalAmount, &o.Currency, &o.PaymentMethod,
		&o.PaymentTransactionID, &shippingAddr, &billingAddr, &o.CouponCode, &notes,
		&o.TrackingNumber, &o.CancellationReason, &shippedAt, &deliveredAt, &cancelledAt,
		&o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return nil, err
	}
	o.ShippingAddress = shippingAddr.String
	o.BillingAddress = billingAddr.String
	o.Notes = notes.String
	o.ShippedAt = timePtr(shippedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CancelledAt = timePtr(cancelledAt)
	return &o, nil
}

func checkAffected(res sql.Result, what string, expectedVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s changed since version %d", models.ErrConcurrentModification, what, expectedVersion)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
