package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const admissionKeyPrefix = "admission:"

type AdmitRequest struct {
	RequestID      string
	ProductID      string
	OrganizationID string
	Quantity       int
	Price          decimal.Decimal
	Date           time.Time
}

// AdmissionService is the synchronous request path: it records a pending
// order and hands the command to the message channel. The caller only learns
// that the command was accepted.
type AdmissionService struct {
	store     port.LedgerStore
	cache     port.CacheRepository
	publisher port.Publisher
	recorder  *Recorder
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewAdmissionService(store port.LedgerStore, cache port.CacheRepository, publisher port.Publisher, logger *zap.Logger) *AdmissionService {
	return &AdmissionService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		recorder:  NewRecorder(false),
		logger:    logger.Named("admission"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (s *AdmissionService) AdmitSupply(ctx context.Context, req AdmitRequest) (*domain.Order, error) {
	return s.admit(ctx, domain.OrderTypeSupply, req)
}

func (s *AdmissionService) AdmitSale(ctx context.Context, req AdmitRequest) (*domain.Order, error) {
	return s.admit(ctx, domain.OrderTypeSale, req)
}

func (s *AdmissionService) admit(ctx context.Context, orderType domain.OrderType, req AdmitRequest) (*domain.Order, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrValidation)
	}

	idempotencyKey := admissionKeyPrefix + req.RequestID
	ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateRequest
	}

	now := s.now()
	order := &domain.Order{
		ID:             s.newID(),
		ProductID:      req.ProductID,
		OrganizationID: req.OrganizationID,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Date:           req.Date,
		Type:           orderType,
		Status:         domain.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.createOrder(ctx, order); err != nil {
		s.release(ctx, idempotencyKey)
		return nil, err
	}

	fields := domain.CommandFields{
		OrderID:        order.ID,
		ProductID:      req.ProductID,
		OrganizationID: req.OrganizationID,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Date:           req.Date,
	}
	var cmd domain.Command = domain.SaleCommand{CommandFields: fields}
	if orderType == domain.OrderTypeSupply {
		cmd = domain.SupplyCommand{CommandFields: fields}
	}

	if err := s.publisher.Publish(ctx, cmd.Topic(), cmd); err != nil {
		s.logger.Error("failed to dispatch command", zap.String("order_id", order.ID), zap.Error(err))
		if ferr := s.failOrder(ctx, order.ID, "dispatch failed: "+err.Error()); ferr != nil {
			s.logger.Error("failed to mark undispatched order failed", zap.String("order_id", order.ID), zap.Error(ferr))
		}
		s.release(ctx, idempotencyKey)
		return nil, fmt.Errorf("publish command: %w", err)
	}

	s.logger.Info("command accepted",
		zap.String("order_id", order.ID),
		zap.String("type", string(orderType)),
		zap.String("product_id", req.ProductID))

	return order, nil
}

func (s *AdmissionService) createOrder(ctx context.Context, order *domain.Order) error {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Rollback()

	if err := uow.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	if _, err := uow.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *AdmissionService) failOrder(ctx context.Context, orderID, reason string) error {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	order, err := uow.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if err := s.recorder.Fail(ctx, uow, order, reason); err != nil {
		if errors.Is(err, ErrOrderTerminal) {
			return nil
		}
		return err
	}
	_, err = uow.Commit(ctx)
	return err
}

func (s *AdmissionService) release(ctx context.Context, key string) {
	if err := s.cache.ClearIdempotency(ctx, key); err != nil {
		s.logger.Warn("failed to clear idempotency key", zap.String("key", key), zap.Error(err))
	}
}
