package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

var (
	ErrBusClosed = errors.New("bus closed")
	ErrBusFull   = errors.New("bus queue full")
)

// MemoryBus is an in-process channel with the same delivery contract as the
// Kafka adapter. It backs the stress tool and local runs without a broker.
type MemoryBus struct {
	mu              sync.Mutex
	queues          map[string]chan domain.Envelope
	size            int
	maxRedeliveries int
	closed          bool
	done            chan struct{}
	logger          *zap.Logger
}

func NewMemoryBus(queueSize, maxRedeliveries int, logger *zap.Logger) *MemoryBus {
	if maxRedeliveries < 0 {
		maxRedeliveries = defaultMaxRedeliveries
	}
	return &MemoryBus{
		queues:          make(map[string]chan domain.Envelope),
		size:            queueSize,
		maxRedeliveries: maxRedeliveries,
		done:            make(chan struct{}),
		logger:          logger.Named("bus"),
	}
}

// queue returns the channel of topic, or ErrBusClosed once Close was called.
// Queues are never closed, so a send racing Close cannot panic.
func (b *MemoryBus) queue(topic string) (chan domain.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan domain.Envelope, b.size)
		b.queues[topic] = q
	}
	return q, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return b.send(ctx, domain.Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Attempt:   1,
		Payload:   data,
	}, true)
}

// send waits for room in the queue until ctx is done or the bus closes. A
// non-blocking send fails with ErrBusFull instead of waiting.
func (b *MemoryBus) send(ctx context.Context, env domain.Envelope, block bool) error {
	q, err := b.queue(env.Topic)
	if err != nil {
		return err
	}

	if !block {
		select {
		case q <- env:
			return nil
		default:
			return ErrBusFull
		}
	}
	select {
	case q <- env:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe consumes topic until ctx is done or the bus is closed. Several
// subscribers on one topic share its messages. After Close, messages already
// queued are still delivered once.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler port.MessageHandler) error {
	q, err := b.queue(topic)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			b.drain(ctx, q, handler)
			return nil
		case env := <-q:
			b.deliver(ctx, env, handler)
		}
	}
}

func (b *MemoryBus) drain(ctx context.Context, q chan domain.Envelope, handler port.MessageHandler) {
	for {
		select {
		case env := <-q:
			b.deliver(ctx, env, handler)
		default:
			return
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, env domain.Envelope, handler port.MessageHandler) {
	err := handler(ctx, env)
	if err == nil {
		return
	}

	log := b.logger.With(zap.String("topic", env.Topic), zap.String("envelope_id", env.ID),
		zap.Int("attempt", attemptOf(env)))

	var retryable *port.RetryableError
	if !errors.As(err, &retryable) {
		log.Error("handler failed, dropping message", zap.Error(err))
		return
	}
	if !shouldRedeliver(attemptOf(env), b.maxRedeliveries) {
		log.Error("giving up after max redeliveries", zap.Error(err))
		return
	}

	env.Attempt = attemptOf(env) + 1
	// A subscriber blocking on its own full queue would never drain it.
	if err := b.send(ctx, env, false); err != nil {
		log.Error("failed to redeliver message", zap.Error(err))
	}
}

// Pending reports how many messages wait on topic.
func (b *MemoryBus) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

// Close rejects new sends, wakes blocked publishers and stops every
// subscriber once its queue drains. It never waits on a send in progress.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
