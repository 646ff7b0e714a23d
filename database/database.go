package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_number VARCHAR(32) NOT NULL UNIQUE,
		user_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		subtotal DECIMAL(12,2) NOT NULL,
		tax_amount DECIMAL(12,2) NOT NULL,
		shipping_amount DECIMAL(12,2) NOT NULL,
		discount_amount DECIMAL(12,2) NOT NULL,
		total_amount DECIMAL(12,2) NOT NULL,
		currency CHAR(3) NOT NULL,
		payment_method VARCHAR(20) NOT NULL,
		payment_transaction_id VARCHAR(64) NOT NULL DEFAULT '',
		shipping_address TEXT,
		billing_address TEXT,
		coupon_code VARCHAR(64) NOT NULL DEFAULT '',
		notes TEXT,
		tracking_number VARCHAR(64) NOT NULL DEFAULT '',
		cancellation_reason VARCHAR(255) NOT NULL DEFAULT '',
		shipped_at DATETIME(6) NULL,
		delivered_at DATETIME(6) NULL,
		cancelled_at DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		INDEX idx_orders_user (user_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id BIGINT NOT NULL,
		product_id BIGINT NOT NULL,
		product_name VARCHAR(255) NOT NULL,
		product_sku VARCHAR(64) NOT NULL DEFAULT '',
		product_image VARCHAR(512) NOT NULL DEFAULT '',
		quantity INT NOT NULL,
		unit_price DECIMAL(12,2) NOT NULL,
		total_price DECIMAL(12,2) NOT NULL,
		FOREIGN KEY (order_id) REFERENCES orders(id)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		payment_id VARCHAR(32) NOT NULL UNIQUE,
		order_id BIGINT NOT NULL,
		order_number VARCHAR(32) NOT NULL UNIQUE,
		user_id VARCHAR(64) NOT NULL,
		amount DECIMAL(12,2) NOT NULL,
		currency CHAR(3) NOT NULL,
		status VARCHAR(20) NOT NULL,
		payment_method VARCHAR(20) NOT NULL,
		gateway_transaction_id VARCHAR(64) NOT NULL DEFAULT '',
		gateway_payment_id VARCHAR(64) NOT NULL DEFAULT '',
		failure_reason VARCHAR(255) NOT NULL DEFAULT '',
		retry_count INT NOT NULL DEFAULT 0,
		refunded_amount DECIMAL(12,2) NOT NULL DEFAULT 0,
		fraud_score DECIMAL(4,2) NOT NULL DEFAULT 0,
		is_fraudulent BOOLEAN NOT NULL DEFAULT FALSE,
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		user_agent VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		processed_at DATETIME(6) NULL,
		version BIGINT NOT NULL DEFAULT 0,
		INDEX idx_payments_user (user_id, created_at),
		INDEX idx_payments_retry (status, is_fraudulent, retry_count),
		INDEX idx_payments_stale (status, updated_at)
	)`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		refund_id VARCHAR(32) NOT NULL UNIQUE,
		payment_id VARCHAR(32) NOT NULL,
		order_number VARCHAR(32) NOT NULL,
		amount DECIMAL(12,2) NOT NULL,
		status VARCHAR(20) NOT NULL,
		reason VARCHAR(255) NOT NULL DEFAULT '',
		initiated_by VARCHAR(64) NOT NULL DEFAULT '',
		gateway_refund_id VARCHAR(64) NOT NULL DEFAULT '',
		failure_reason VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		processed_at DATETIME(6) NULL,
		INDEX idx_refunds_payment (payment_id)
	)`,
}

// Migrate creates the saga tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
