package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// LedgerStore opens units of work over the persisted ledger.
type LedgerStore interface {
	Begin(ctx context.Context) (LedgerUnitOfWork, error)
}

// LedgerUnitOfWork stages reads and writes that Commit persists atomically.
// Getters return nil, nil when the record does not exist.
type LedgerUnitOfWork interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product *domain.Product) error

	// FindOpenLots returns lots with remaining stock dated strictly before the
	// given date, oldest first.
	FindOpenLots(ctx context.Context, productID string, before time.Time) ([]*domain.SupplyLot, error)
	UpdateLot(ctx context.Context, lot *domain.SupplyLot) error
	AppendSupply(ctx context.Context, lot *domain.SupplyLot) error
	AppendSale(ctx context.Context, sale *domain.Sale) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order *domain.Order) error
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// Commit returns the number of records changed.
	Commit(ctx context.Context) (int, error)
	Rollback() error
}
