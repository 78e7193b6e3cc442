package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

// Mock LedgerStore. Writes are staged per unit of work and applied on Commit.
type mockLedger struct {
	mu       sync.Mutex
	products map[string]domain.Product
	lots     map[string]domain.SupplyLot
	sales    []domain.Sale
	orders   map[string]domain.Order
	commits  int

	// failures injects an error for the named unit-of-work method.
	failures map[string]error
	// panics makes the named method panic.
	panics map[string]bool
	// onFindLots runs inside FindOpenLots, before lots are returned.
	onFindLots func()
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		products: make(map[string]domain.Product),
		lots:     make(map[string]domain.SupplyLot),
		orders:   make(map[string]domain.Order),
		failures: make(map[string]error),
		panics:   make(map[string]bool),
	}
}

func (m *mockLedger) addProduct(id string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = domain.Product{ID: id, Name: "product " + id, TotalQuantity: total}
}

func (m *mockLedger) addLot(lot domain.SupplyLot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lots[lot.ID] = lot
}

func (m *mockLedger) addOrder(order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	m.orders[order.ID] = order
}

func (m *mockLedger) order(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *mockLedger) lot(id string) domain.SupplyLot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lots[id]
}

func (m *mockLedger) product(id string) domain.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

func (m *mockLedger) lotsOf(productID string) []domain.SupplyLot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SupplyLot
	for _, l := range m.lots {
		if l.ProductID == productID {
			out = append(out, l)
		}
	}
	return out
}

func (m *mockLedger) salesCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sales)
}

func (m *mockLedger) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *mockLedger) Begin(ctx context.Context) (port.LedgerUnitOfWork, error) {
	if err := m.failures["Begin"]; err != nil {
		return nil, err
	}
	return &mockUnitOfWork{
		ledger:   m,
		products: make(map[string]domain.Product),
		lots:     make(map[string]domain.SupplyLot),
		orders:   make(map[string]domain.Order),
	}, nil
}

type mockUnitOfWork struct {
	ledger   *mockLedger
	products map[string]domain.Product
	lots     map[string]domain.SupplyLot
	sales    []domain.Sale
	orders   map[string]domain.Order
	done     bool
}

func (u *mockUnitOfWork) check(method string) error {
	if u.ledger.panics[method] {
		panic(method + " exploded")
	}
	return u.ledger.failures[method]
}

func (u *mockUnitOfWork) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if err := u.check("GetProduct"); err != nil {
		return nil, err
	}
	if p, ok := u.products[id]; ok {
		return &p, nil
	}
	u.ledger.mu.Lock()
	defer u.ledger.mu.Unlock()
	p, ok := u.ledger.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (u *mockUnitOfWork) UpdateProduct(ctx context.Context, product *domain.Product) error {
	if err := u.check("UpdateProduct"); err != nil {
		return err
	}
	u.products[product.ID] = *product
	return nil
}

func (u *mockUnitOfWork) FindOpenLots(ctx context.Context, productID string, before time.Time) ([]*domain.SupplyLot, error) {
	if err := u.check("FindOpenLots"); err != nil {
		return nil, err
	}
	u.ledger.mu.Lock()
	var out []*domain.SupplyLot
	for _, l := range u.ledger.lots {
		if staged, ok := u.lots[l.ID]; ok {
			l = staged
		}
		if l.ProductID == productID && !l.Deleted && l.RemainingQuantity > 0 && l.Date.Before(before) {
			lot := l
			out = append(out, &lot)
		}
	}
	u.ledger.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	if u.ledger.onFindLots != nil {
		u.ledger.onFindLots()
	}
	return out, nil
}

func (u *mockUnitOfWork) UpdateLot(ctx context.Context, lot *domain.SupplyLot) error {
	if err := u.check("UpdateLot"); err != nil {
		return err
	}
	u.lots[lot.ID] = *lot
	return nil
}

func (u *mockUnitOfWork) AppendSupply(ctx context.Context, lot *domain.SupplyLot) error {
	if err := u.check("AppendSupply"); err != nil {
		return err
	}
	u.lots[lot.ID] = *lot
	return nil
}

func (u *mockUnitOfWork) AppendSale(ctx context.Context, sale *domain.Sale) error {
	if err := u.check("AppendSale"); err != nil {
		return err
	}
	u.sales = append(u.sales, *sale)
	return nil
}

func (u *mockUnitOfWork) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if err := u.check("GetOrder"); err != nil {
		return nil, err
	}
	if o, ok := u.orders[id]; ok {
		return &o, nil
	}
	u.ledger.mu.Lock()
	defer u.ledger.mu.Unlock()
	o, ok := u.ledger.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (u *mockUnitOfWork) CreateOrder(ctx context.Context, order *domain.Order) error {
	if err := u.check("CreateOrder"); err != nil {
		return err
	}
	u.orders[order.ID] = *order
	return nil
}

func (u *mockUnitOfWork) UpdateOrder(ctx context.Context, order *domain.Order) error {
	if err := u.check("UpdateOrder"); err != nil {
		return err
	}
	u.orders[order.ID] = *order
	return nil
}

func (u *mockUnitOfWork) Commit(ctx context.Context) (int, error) {
	if err := u.check("Commit"); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if u.done {
		return 0, errors.New("unit of work already finished")
	}
	u.done = true

	m := u.ledger
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range u.products {
		m.products[id] = p
	}
	for id, l := range u.lots {
		m.lots[id] = l
	}
	m.sales = append(m.sales, u.sales...)
	for id, o := range u.orders {
		m.orders[id] = o
	}
	m.commits++
	return len(u.products) + len(u.lots) + len(u.sales) + len(u.orders), nil
}

func (u *mockUnitOfWork) Rollback() error {
	u.done = true
	return nil
}

// Mock Locker with one in-process semaphore per resource.
type mockLocker struct {
	mu       sync.Mutex
	sems     map[string]chan struct{}
	err      error
	acquires []string
	leases   []*mockLease
}

func newMockLocker() *mockLocker {
	return &mockLocker{sems: make(map[string]chan struct{})}
}

func (m *mockLocker) sem(resource string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires = append(m.acquires, resource)
	s, ok := m.sems[resource]
	if !ok {
		s = make(chan struct{}, 1)
		m.sems[resource] = s
	}
	return s
}

// hold takes the lock for resource until the returned func is called.
func (m *mockLocker) hold(resource string) func() {
	s := m.sem(resource)
	s <- struct{}{}
	return func() { <-s }
}

func (m *mockLocker) Acquire(ctx context.Context, resource string, opts port.LockOptions) (port.Lease, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := m.sem(resource)
	timer := time.NewTimer(opts.MaxWait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		lease := &mockLease{sem: s, acquired: true}
		m.mu.Lock()
		m.leases = append(m.leases, lease)
		m.mu.Unlock()
		return lease, nil
	case <-timer.C:
		return &mockLease{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mockLease struct {
	sem      chan struct{}
	acquired bool
	released bool
	// releaseCtx is the context Release was called with, releaseErr its
	// error at that time.
	releaseCtx context.Context
	releaseErr error
}

func (l *mockLease) Acquired() bool { return l.acquired }

func (l *mockLease) Release(ctx context.Context) error {
	if !l.acquired || l.released {
		return nil
	}
	l.released = true
	l.releaseCtx = ctx
	l.releaseErr = ctx.Err()
	<-l.sem
	return nil
}

// Mock Publisher
type mockPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

type publishedMessage struct {
	topic   string
	payload any
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMessage{topic: topic, payload: payload})
	return nil
}

func (m *mockPublisher) published() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.messages...)
}

// Mock CacheRepository
type mockCacheRepo struct {
	idempotencySet map[string]bool
	mu             sync.Mutex
	err            error
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{idempotencySet: make(map[string]bool)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}
