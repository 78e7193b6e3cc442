package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// Recorder moves an order from pending to a terminal state exactly once.
type Recorder struct {
	// ArchiveFailed also archives orders when they fail.
	ArchiveFailed bool
	now           func() time.Time
}

func NewRecorder(archiveFailed bool) *Recorder {
	return &Recorder{ArchiveFailed: archiveFailed, now: time.Now}
}

func (r *Recorder) Succeed(ctx context.Context, uow port.LedgerUnitOfWork, order *domain.Order, detail string) error {
	return r.complete(ctx, uow, order, domain.OrderStatusSucceeded, detail)
}

func (r *Recorder) Fail(ctx context.Context, uow port.LedgerUnitOfWork, order *domain.Order, reason string) error {
	return r.complete(ctx, uow, order, domain.OrderStatusFailed, reason)
}

func (r *Recorder) complete(ctx context.Context, uow port.LedgerUnitOfWork, order *domain.Order, status domain.OrderStatus, detail string) error {
	if order.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, order.ID, order.Status)
	}

	now := r.now()
	order.Status = status
	order.Detail = detail
	order.UpdatedAt = now
	order.CompletedAt = &now
	if status == domain.OrderStatusFailed && r.ArchiveFailed {
		order.Archived = true
	}

	if err := uow.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}
