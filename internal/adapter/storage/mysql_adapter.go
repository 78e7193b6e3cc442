package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

var ErrNoRowsAffected = errors.New("no rows affected")

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Begin(ctx context.Context) (port.LedgerUnitOfWork, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &mysqlUnitOfWork{tx: tx}, nil
}

// mysqlUnitOfWork runs every operation inside one transaction. Rows read with
// FOR UPDATE stay locked until Commit or Rollback.
type mysqlUnitOfWork struct {
	tx      *sql.Tx
	changes int
}

func (u *mysqlUnitOfWork) exec(ctx context.Context, query string, args ...any) error {
	result, err := u.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNoRowsAffected
	}
	u.changes += int(rows)
	return nil
}

func (u *mysqlUnitOfWork) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, name, total_quantity, deleted, created_at, updated_at
		FROM products WHERE id = ? FOR UPDATE`, id,
	).Scan(&p.ID, &p.Name, &p.TotalQuantity, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (u *mysqlUnitOfWork) UpdateProduct(ctx context.Context, p *domain.Product) error {
	err := u.exec(ctx, `
		UPDATE products
		SET name = ?, total_quantity = ?, deleted = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.TotalQuantity, p.Deleted, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

func (u *mysqlUnitOfWork) FindOpenLots(ctx context.Context, productID string, before time.Time) ([]*domain.SupplyLot, error) {
	rows, err := u.tx.QueryContext(ctx, `
		SELECT id, product_id, quantity, remaining_quantity, date, price, deleted, created_at, updated_at
		FROM supply_lots
		WHERE product_id = ? AND remaining_quantity > 0 AND date < ? AND deleted = FALSE
		ORDER BY date ASC, id ASC
		FOR UPDATE`, productID, before,
	)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var lots []*domain.SupplyLot
	for rows.Next() {
		var l domain.SupplyLot
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.RemainingQuantity,
			&l.Date, &l.Price, &l.Deleted, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return lots, nil
}

func (u *mysqlUnitOfWork) UpdateLot(ctx context.Context, l *domain.SupplyLot) error {
	if l.RemainingQuantity < 0 || l.RemainingQuantity > l.Quantity {
		return fmt.Errorf("update lot %s: remaining %d outside [0, %d]", l.ID, l.RemainingQuantity, l.Quantity)
	}
	err := u.exec(ctx, `
		UPDATE supply_lots
		SET remaining_quantity = ?, deleted = ?, updated_at = ?
		WHERE id = ?`,
		l.RemainingQuantity, l.Deleted, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update lot: %w", err)
	}
	return nil
}

func (u *mysqlUnitOfWork) AppendSupply(ctx context.Context, l *domain.SupplyLot) error {
	err := u.exec(ctx, `
		INSERT INTO supply_lots (id, product_id, quantity, remaining_quantity, date, price, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProductID, l.Quantity, l.RemainingQuantity, l.Date, l.Price, l.Deleted,
		l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (u *mysqlUnitOfWork) AppendSale(ctx context.Context, s *domain.Sale) error {
	err := u.exec(ctx, `
		INSERT INTO sales (id, product_id, order_id, quantity, date, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProductID, s.OrderID, s.Quantity, s.Date, s.Price, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (u *mysqlUnitOfWork) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var (
		o         domain.Order
		completed sql.NullTime
	)
	err := u.tx.QueryRowContext(ctx, `
		SELECT id, product_id, organization_id, quantity, price, date, type, status, detail,
		       archived, created_at, updated_at, completed_at
		FROM orders WHERE id = ? FOR UPDATE`, id,
	).Scan(&o.ID, &o.ProductID, &o.OrganizationID, &o.Quantity, &o.Price, &o.Date, &o.Type,
		&o.Status, &o.Detail, &o.Archived, &o.CreatedAt, &o.UpdatedAt, &completed)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if completed.Valid {
		o.CompletedAt = &completed.Time
	}
	return &o, nil
}

func (u *mysqlUnitOfWork) CreateOrder(ctx context.Context, o *domain.Order) error {
	err := u.exec(ctx, `
		INSERT INTO orders (id, product_id, organization_id, quantity, price, date, type, status, detail,
		                    archived, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ProductID, o.OrganizationID, o.Quantity, o.Price, o.Date, o.Type, o.Status,
		o.Detail, o.Archived, o.CreatedAt, o.UpdatedAt, nullTime(o.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder only writes pending orders, so a terminal state set by a
// concurrent delivery is never overwritten.
func (u *mysqlUnitOfWork) UpdateOrder(ctx context.Context, o *domain.Order) error {
	err := u.exec(ctx, `
		UPDATE orders
		SET status = ?, detail = ?, archived = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		o.Status, o.Detail, o.Archived, o.UpdatedAt, nullTime(o.CompletedAt),
		o.ID, domain.OrderStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (u *mysqlUnitOfWork) Commit(ctx context.Context) (int, error) {
	if err := u.tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return u.changes, nil
}

func (u *mysqlUnitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
