package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	lockEntity = "product"

	releaseTimeout = 5 * time.Second
)

// LockKey names the lease that serializes stock mutations of one product.
func LockKey(productID string) string {
	return fmt.Sprintf("%s-lock:%s", lockEntity, productID)
}

type ProcessorConfig struct {
	Lock port.LockOptions
	// Timeout bounds the critical section. It is not cut short by shutdown.
	Timeout             time.Duration
	ArchiveFailedOrders bool
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Lock: port.LockOptions{
			Lease:         30 * time.Second,
			MaxWait:       5 * time.Second,
			RetryInterval: 100 * time.Millisecond,
		},
		Timeout: 20 * time.Second,
	}
}

// Processor handles one supply or sale command to a terminal order outcome.
type Processor struct {
	store     port.LedgerStore
	locker    port.Locker
	publisher port.Publisher
	allocator *Allocator
	recorder  *Recorder
	cfg       ProcessorConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   processorMetrics
}

type processorMetrics struct {
	completed metric.Int64Counter
	abandoned metric.Int64Counter
	duration  metric.Float64Histogram
}

func newProcessorMetrics(meter metric.Meter) (processorMetrics, error) {
	var m processorMetrics
	var err error
	if m.completed, err = meter.Int64Counter("ledger.orders.completed",
		metric.WithDescription("Orders moved to a terminal status")); err != nil {
		return m, err
	}
	if m.abandoned, err = meter.Int64Counter("ledger.deliveries.abandoned",
		metric.WithDescription("Deliveries left for redelivery")); err != nil {
		return m, err
	}
	m.duration, err = meter.Float64Histogram("ledger.process.duration",
		metric.WithDescription("Time spent processing one command"),
		metric.WithUnit("s"))
	return m, err
}

// NewProcessor creates a processor. publisher may be nil, in which case no
// outcome events are sent.
func NewProcessor(store port.LedgerStore, locker port.Locker, publisher port.Publisher, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	logger = logger.Named("processor")
	metrics, err := newProcessorMetrics(otel.Meter("github.com/rl1809/stock-ledger/processor"))
	if err != nil {
		logger.Warn("failed to create processor metrics", zap.Error(err))
	}

	return &Processor{
		store:     store,
		locker:    locker,
		publisher: publisher,
		allocator: NewAllocator(),
		recorder:  NewRecorder(cfg.ArchiveFailedOrders),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/rl1809/stock-ledger/processor"),
		metrics:   metrics,
	}
}

// errSkip ends processing without recording anything and without a retry.
var errSkip = errors.New("skip")

// Process never lets a panic escape. A nil return means the delivery is done,
// either with a recorded outcome or because there was nothing to record. A
// port.RetryableError means the order was left pending and the command may be
// delivered again.
func (p *Processor) Process(ctx context.Context, cmd domain.Command) (err error) {
	if cmd == nil {
		return nil
	}

	log := p.logger.With(
		zap.String("topic", cmd.Topic()),
		zap.String("product_id", cmd.Product()),
		zap.String("order_id", cmd.Order()),
	)

	ctx, span := p.tracer.Start(ctx, "ledger.process", trace.WithAttributes(
		attribute.String("ledger.topic", cmd.Topic()),
		attribute.String("ledger.product_id", cmd.Product()),
		attribute.String("ledger.order_id", cmd.Order()),
	))
	start := time.Now()
	defer func() {
		topic := attribute.String("topic", cmd.Topic())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if p.metrics.abandoned != nil {
				p.metrics.abandoned.Add(ctx, 1, metric.WithAttributes(topic))
			}
		}
		if p.metrics.duration != nil {
			p.metrics.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(topic))
		}
		span.End()
	}()

	lease, err := p.locker.Acquire(ctx, LockKey(cmd.Product()), p.cfg.Lock)
	if err != nil {
		log.Error("failed to acquire lock", zap.Error(err))
		return port.Retryable(fmt.Errorf("acquire lock: %w", err))
	}
	defer func() {
		// Runs after shutdown too, but never waits on Redis forever.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := lease.Release(rctx); rerr != nil {
			log.Warn("failed to release lock", zap.Error(rerr))
		}
	}()
	if !lease.Acquired() {
		log.Warn("lock not acquired within wait window, abandoning delivery",
			zap.Duration("max_wait", p.cfg.Lock.MaxWait))
		return port.Retryable(ErrLockNotAcquired)
	}

	// Shutdown must not interrupt a started mutation.
	critical := context.WithoutCancel(ctx)
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		critical, cancel = context.WithTimeout(critical, p.cfg.Timeout)
		defer cancel()
	}

	var validated bool
	order, err := p.execute(critical, cmd, &validated, log)
	switch {
	case err == nil:
	case errors.Is(err, errSkip):
		return nil
	case !validated:
		log.Error("failed to process command, order left pending", zap.Error(err))
		return port.Retryable(err)
	default:
		log.Error("failed to process command after validation", zap.Error(err))
		order, err = p.failAfterError(critical, cmd, err)
		if err != nil {
			log.Error("failed to record order failure", zap.Error(err))
			return port.Retryable(err)
		}
	}

	if order != nil {
		span.SetAttributes(attribute.String("ledger.order_status", string(order.Status)))
		if p.metrics.completed != nil {
			p.metrics.completed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("topic", cmd.Topic()),
				attribute.String("status", string(order.Status))))
		}
		log.Info("order completed",
			zap.String("status", string(order.Status)),
			zap.String("detail", order.Detail))
		p.publishOutcome(critical, order, log)
	}
	return nil
}

// execute runs the critical section. validated is set once the command has
// passed validation; errors after that point fail the order.
func (p *Processor) execute(ctx context.Context, cmd domain.Command, validated *bool, log *zap.Logger) (order *domain.Order, err error) {
	defer func() {
		if r := recover(); r != nil {
			order, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	uow, err := p.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Rollback()

	result := Validate(cmd)

	// The order is the only dedup anchor, so a command without one is never
	// applied.
	if cmd.Order() == "" {
		log.Warn("command without order, dropping", zap.String("reason", result.Message))
		return nil, errSkip
	}
	order, err = uow.GetOrder(ctx, cmd.Order())
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil {
		log.Warn("order not found, dropping command")
		return nil, errSkip
	}
	if order.IsTerminal() {
		log.Info("order already completed, ignoring redelivery",
			zap.String("status", string(order.Status)))
		return nil, errSkip
	}
	if reason := mismatch(order, cmd); reason != "" {
		log.Warn("command does not belong to order, dropping", zap.String("reason", reason))
		return nil, errSkip
	}

	if !result.Valid {
		if err := p.recorder.Fail(ctx, uow, order, result.Message); err != nil {
			return nil, err
		}
		return order, p.commit(ctx, uow, log)
	}
	*validated = true

	product, err := uow.GetProduct(ctx, cmd.Product())
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil || product.Deleted {
		if err := p.recorder.Fail(ctx, uow, order, ErrProductNotFound.Error()); err != nil {
			return nil, err
		}
		return order, p.commit(ctx, uow, log)
	}

	var detail string
	switch c := cmd.(type) {
	case domain.SupplyCommand:
		lot, err := p.allocator.AddSupply(ctx, uow, product, c)
		if err != nil {
			return nil, err
		}
		detail = fmt.Sprintf("supply of %d units recorded as lot %s", lot.Quantity, lot.ID)
	case domain.SaleCommand:
		sale, err := p.allocator.AddSale(ctx, uow, product, c)
		if errors.Is(err, ErrInsufficientStock) {
			if err := p.recorder.Fail(ctx, uow, order, err.Error()); err != nil {
				return nil, err
			}
			return order, p.commit(ctx, uow, log)
		}
		if err != nil {
			return nil, err
		}
		detail = fmt.Sprintf("sale of %d units recorded as %s", sale.Quantity, sale.ID)
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}

	if err := p.recorder.Succeed(ctx, uow, order, detail); err != nil {
		return nil, err
	}
	return order, p.commit(ctx, uow, log)
}

// mismatch reports why cmd cannot complete order, or "" when it can. The lock
// held is the one of cmd's product, so the order must name the same product.
// An empty product is left to validation, which fails the order.
func mismatch(order *domain.Order, cmd domain.Command) string {
	var want domain.OrderType
	switch cmd.(type) {
	case domain.SupplyCommand:
		want = domain.OrderTypeSupply
	case domain.SaleCommand:
		want = domain.OrderTypeSale
	}
	if order.Type != want {
		return fmt.Sprintf("order %s is a %s order, command is %s", order.ID, order.Type, cmd.Topic())
	}
	if cmd.Product() != "" && order.ProductID != cmd.Product() {
		return fmt.Sprintf("order %s is for product %s, command is for %s", order.ID, order.ProductID, cmd.Product())
	}
	return ""
}

func (p *Processor) commit(ctx context.Context, uow port.LedgerUnitOfWork, log *zap.Logger) error {
	n, err := uow.Commit(ctx)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Debug("unit of work committed", zap.Int("changes", n))
	return nil
}

// failAfterError records err on the order in a fresh unit of work so a
// validated command never leaves an orphaned pending order.
func (p *Processor) failAfterError(ctx context.Context, cmd domain.Command, cause error) (*domain.Order, error) {
	if cmd.Order() == "" {
		return nil, nil
	}

	uow, err := p.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Rollback()

	order, err := uow.GetOrder(ctx, cmd.Order())
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order == nil || order.IsTerminal() {
		return nil, nil
	}

	if err := p.recorder.Fail(ctx, uow, order, cause.Error()); err != nil {
		return nil, err
	}
	if _, err := uow.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return order, nil
}

func (p *Processor) publishOutcome(ctx context.Context, order *domain.Order, log *zap.Logger) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, domain.TopicOrderOutcome, domain.NewOrderOutcome(order)); err != nil {
		log.Warn("failed to publish order outcome", zap.Error(err))
	}
}
