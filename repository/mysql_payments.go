package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"order-saga/models"
)

const paymentColumns = `id, payment_id, order_id, order_number, user_id, amount, currency, status,
	payment_method, gateway_transaction_id, gateway_payment_id, failure_reason, retry_count,
	refunded_amount, fraud_score, is_fraudulent, ip_address, user_agent, created_at, updated_at,
	processed_at, version`

const refundColumns = `id, refund_id, payment_id, order_number, amount, status, reason, initiated_by,
	gateway_refund_id, failure_reason, created_at, processed_at`

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

type MySQLPaymentStore struct {
	db *sql.DB
}

func NewMySQLPaymentStore(db *sql.DB) *MySQLPaymentStore {
	return &MySQLPaymentStore{db: db}
}

func (s *MySQLPaymentStore) Create(ctx context.Context, p *models.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, order_number, user_id, amount, currency, status,
			payment_method, gateway_transaction_id, gateway_payment_id, failure_reason, retry_count,
			refunded_amount, fraud_score, is_fraudulent, ip_address, user_agent, created_at, updated_at,
			processed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		p.PaymentID, p.OrderID, p.OrderNumber, p.UserID, p.Amount, p.Currency, p.Status,
		p.PaymentMethod, p.GatewayTransactionID, p.GatewayPaymentID, p.FailureReason, p.RetryCount,
		p.RefundedAmount, p.FraudScore, p.IsFraudulent, p.IPAddress, p.UserAgent, p.CreatedAt, p.UpdatedAt,
		nullTime(p.ProcessedAt),
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return fmt.Errorf("%w: %s", models.ErrDuplicatePayment, p.OrderNumber)
		}
		return fmt.Errorf("insert payment %s: %w", p.PaymentID, err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("payment id: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *MySQLPaymentStore) GetByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE payment_id = ?", paymentID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrPaymentNotFound, paymentID)
	}
	return p, err
}

func (s *MySQLPaymentStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Payment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE order_number = ?", orderNumber)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", models.ErrPaymentNotFound, orderNumber)
	}
	return p, err
}

func (s *MySQLPaymentStore) ListByUser(ctx context.Context, userID string) ([]*models.Payment, error) {
	return s.queryPayments(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
}

func (s *MySQLPaymentStore) ListRetryable(ctx context.Context, maxRetries, limit int) ([]*models.Payment, error) {
	return s.queryPayments(ctx, "SELECT "+paymentColumns+` FROM payments
		WHERE status = ? AND is_fraudulent = FALSE AND retry_count < ?
		ORDER BY id ASC LIMIT ?`, models.PaymentStatusFailed, maxRetries, limit)
}

func (s *MySQLPaymentStore) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Payment, error) {
	return s.queryPayments(ctx, "SELECT "+paymentColumns+` FROM payments
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, models.PaymentStatusProcessing, updatedBefore, limit)
}

func (s *MySQLPaymentStore) Update(ctx context.Context, p *models.Payment, expectedVersion int64) error {
	if err := updatePayment(ctx, s.db, p, expectedVersion); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	return nil
}

func (s *MySQLPaymentStore) BeginRefund(ctx context.Context, p *models.Payment, expectedVersion int64, r *models.Refund) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback()

	if err := updatePayment(ctx, tx, p, expectedVersion); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO refunds (refund_id, payment_id, order_number, amount, status, reason, initiated_by,
			gateway_refund_id, failure_reason, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RefundID, r.PaymentID, r.OrderNumber, r.Amount, r.Status, r.Reason, r.InitiatedBy,
		r.GatewayRefundID, r.FailureReason, r.CreatedAt, nullTime(r.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert refund %s: %w", r.RefundID, err)
	}
	refundRowID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("refund id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	r.ID = refundRowID
	p.Version = expectedVersion + 1
	return nil
}

func (s *MySQLPaymentStore) CompleteRefund(ctx context.Context, r *models.Refund, p *models.Payment, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete refund: %w", err)
	}
	defer tx.Rollback()

	if err := updatePayment(ctx, tx, p, expectedVersion); err != nil {
		return err
	}
	if err := updateRefund(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete refund: %w", err)
	}
	p.Version = expectedVersion + 1
	return nil
}

func (s *MySQLPaymentStore) UpdateRefund(ctx context.Context, r *models.Refund) error {
	return updateRefund(ctx, s.db, r)
}

func (s *MySQLPaymentStore) GetRefund(ctx context.Context, refundID string) (*models.Refund, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+refundColumns+" FROM refunds WHERE refund_id = ?", refundID)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrRefundNotFound, refundID)
	}
	return r, err
}

func (s *MySQLPaymentStore) ListRefunds(ctx context.Context, paymentID string) ([]*models.Refund, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+refundColumns+" FROM refunds WHERE payment_id = ? ORDER BY id ASC", paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

func (s *MySQLPaymentStore) queryPayments(ctx context.Context, query string, args ...any) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updatePayment(ctx context.Context, db execer, p *models.Payment, expectedVersion int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payments SET status = ?, gateway_transaction_id = ?, gateway_payment_id = ?,
			failure_reason = ?, retry_count = ?, refunded_amount = ?, fraud_score = ?, is_fraudulent = ?,
			updated_at = ?, processed_at = ?, version = version + 1
		WHERE payment_id = ? AND version = ?`,
		p.Status, p.GatewayTransactionID, p.GatewayPaymentID,
		p.FailureReason, p.RetryCount, p.RefundedAmount, p.FraudScore, p.IsFraudulent,
		p.UpdatedAt, nullTime(p.ProcessedAt), p.PaymentID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.PaymentID, err)
	}
	return checkAffected(res, "payment "+p.PaymentID, expectedVersion)
}

func updateRefund(ctx context.Context, db execer, r *models.Refund) error {
	res, err := db.ExecContext(ctx, `
		UPDATE refunds SET status = ?, gateway_refund_id = ?, failure_reason = ?, processed_at = ?
		WHERE refund_id = ?`,
		r.Status, r.GatewayRefundID, r.FailureReason, nullTime(r.ProcessedAt), r.RefundID,
	)
	if err != nil {
		return fmt.Errorf("update refund %s: %w", r.RefundID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrRefundNotFound, r.RefundID)
	}
	return nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var processedAt sql.NullTime
	err := row.Scan(&p.ID, &p.PaymentID, &p.OrderID, &p.OrderNumber, &p.UserID, &p.Amount,
		&p.Currency, &p.Status, &p.PaymentMethod, &p.GatewayTransactionID, &p.GatewayPaymentID,
		&p.FailureReason, &p.RetryCount, &p.RefundedAmount, &p.FraudScore, &p.IsFraudulent,
		&p.IPAddress, &p.UserAgent, &p.CreatedAt, &p.UpdatedAt, &processedAt, &p.Version)
	if err != nil {
		return nil, err
	}
	p.ProcessedAt = timePtr(processedAt)
	return &p, nil
}

func scanRefund(row rowScanner) (*models.Refund, error) {
	var r models.Refund
	var processedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RefundID, &r.PaymentID, &r.OrderNumber, &r.Amount, &r.Status,
		&r.Reason, &r.InitiatedBy, &r.GatewayRefundID, &r.FailureReason, &r.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	r.ProcessedAt = timePtr(processedAt)
	return &r, nil
}
