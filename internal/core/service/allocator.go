package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// LotAllocation is the quantity a sale takes from one lot.
type LotAllocation struct {
	Lot      *domain.SupplyLot
	Quantity int
}

type SalePlan struct {
	Allocations []LotAllocation
	Available   int
}

// PlanSale distributes quantity over lots oldest first. It does not modify the
// lots and fails with ErrInsufficientStock when they cannot cover quantity.
func PlanSale(lots []*domain.SupplyLot, quantity int) (SalePlan, error) {
	open := make([]*domain.SupplyLot, 0, len(lots))
	available := 0
	for _, lot := range lots {
		if lot.Deleted || lot.RemainingQuantity <= 0 {
			continue
		}
		open = append(open, lot)
		available += lot.RemainingQuantity
	}

	if available < quantity {
		return SalePlan{Available: available}, fmt.Errorf("%w: requested %d, available %d",
			ErrInsufficientStock, quantity, available)
	}

	sort.SliceStable(open, func(i, j int) bool {
		if open[i].Date.Equal(open[j].Date) {
			return open[i].ID < open[j].ID
		}
		return open[i].Date.Before(open[j].Date)
	})

	plan := SalePlan{Available: available}
	left := quantity
	for _, lot := range open {
		if left == 0 {
			break
		}
		take := min(left, lot.RemainingQuantity)
		plan.Allocations = append(plan.Allocations, LotAllocation{Lot: lot, Quantity: take})
		left -= take
	}

	return plan, nil
}

// Allocator applies supplies and sales to a product's lots inside a unit of work.
type Allocator struct {
	now   func() time.Time
	newID func() string
}

func NewAllocator() *Allocator {
	return &Allocator{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (a *Allocator) AddSupply(ctx context.Context, uow port.LedgerUnitOfWork, product *domain.Product, cmd domain.SupplyCommand) (*domain.SupplyLot, error) {
	now := a.now()
	lot := &domain.SupplyLot{
		ID:                a.newID(),
		ProductID:         product.ID,
		Quantity:          cmd.Quantity,
		RemainingQuantity: cmd.Quantity,
		Date:              cmd.Date,
		Price:             cmd.Price,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := uow.AppendSupply(ctx, lot); err != nil {
		return nil, fmt.Errorf("append supply: %w", err)
	}

	product.TotalQuantity += cmd.Quantity
	product.UpdatedAt = now
	if err := uow.UpdateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("update product total: %w", err)
	}

	return lot, nil
}

// AddSale consumes stock received before the sale date, oldest lot first. It
// is all or nothing: on ErrInsufficientStock no lot is touched.
func (a *Allocator) AddSale(ctx context.Context, uow port.LedgerUnitOfWork, product *domain.Product, cmd domain.SaleCommand) (*domain.Sale, error) {
	lots, err := uow.FindOpenLots(ctx, product.ID, cmd.Date)
	if err != nil {
		return nil, fmt.Errorf("find open lots: %w", err)
	}

	plan, err := PlanSale(lots, cmd.Quantity)
	if err != nil {
		return nil, err
	}

	now := a.now()
	for _, alloc := range plan.Allocations {
		alloc.Lot.RemainingQuantity -= alloc.Quantity
		alloc.Lot.UpdatedAt = now
		if err := uow.UpdateLot(ctx, alloc.Lot); err != nil {
			return nil, fmt.Errorf("update lot %s: %w", alloc.Lot.ID, err)
		}
	}

	sale := &domain.Sale{
		ID:        a.newID(),
		ProductID: product.ID,
		OrderID:   cmd.OrderID,
		Quantity:  cmd.Quantity,
		Date:      cmd.Date,
		Price:     cmd.Price,
		CreatedAt: now,
	}
	if err := uow.AppendSale(ctx, sale); err != nil {
		return nil, fmt.Errorf("append sale: %w", err)
	}

	product.TotalQuantity -= cmd.Quantity
	product.UpdatedAt = now
	if err := uow.UpdateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("update product total: %w", err)
	}

	return sale, nil
}
