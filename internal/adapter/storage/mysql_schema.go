package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		total_quantity INT NOT NULL DEFAULT 0,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	)`,
	`CREATE TABLE IF NOT EXISTS supply_lots (
		id VARCHAR(64) PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		quantity INT NOT NULL,
		remaining_quantity INT NOT NULL,
		date DATETIME(6) NOT NULL,
		price DECIMAL(18,4) NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_supply_lots_open (product_id, date),
		CHECK (remaining_quantity >= 0 AND remaining_quantity <= quantity)
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id VARCHAR(64) PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		order_id VARCHAR(64) NOT NULL,
		quantity INT NOT NULL,
		date DATETIME(6) NOT NULL,
		price DECIMAL(18,4) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_sales_order (order_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		product_id VARCHAR(64) NOT NULL,
		organization_id VARCHAR(64) NOT NULL DEFAULT '',
		quantity INT NOT NULL,
		price DECIMAL(18,4) NOT NULL,
		date DATETIME(6) NOT NULL,
		type VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		detail TEXT NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		completed_at DATETIME(6) NULL,
		INDEX idx_orders_status (status, archived)
	)`,
}

// EnsureSchema creates the ledger tables when they are missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SeedProduct registers an empty product so supply and sale commands can
// reference it. An existing product is left untouched.
func SeedProduct(ctx context.Context, db *sql.DB, id, name string) error {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO products (id, name, total_quantity, deleted, created_at, updated_at)
		VALUES (?, ?, 0, FALSE, ?, ?)
		ON DUPLICATE KEY UPDATE id = id`, id, name, now, now)
	if err != nil {
		return fmt.Errorf("seed product: %w", err)
	}
	return nil
}
