package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	// Cleared key can be set again
	if err := adapter.ClearIdempotency(ctx, "test-idem-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ = adapter.SetIdempotency(ctx, "test-idem-key")
	if !ok {
		t.Error("expected set after clear to succeed")
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}

func lockOpts(wait time.Duration) port.LockOptions {
	return port.LockOptions{
		Lease:         2 * time.Second,
		MaxWait:       wait,
		RetryInterval: 20 * time.Millisecond,
	}
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	locker := NewRedisLocker(client)
	client.Del(ctx, "product-lock:test")

	lease, err := locker.Acquire(ctx, "product-lock:test", lockOpts(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lease.Acquired() {
		t.Fatal("expected lock acquired")
	}

	ttl, _ := client.PTTL(ctx, "product-lock:test").Result()
	if ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("expected lease ttl within 2s, got %v", ttl)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if n, _ := client.Exists(ctx, "product-lock:test").Result(); n != 0 {
		t.Error("expected key removed after release")
	}

	// Second release is a no-op
	if err := lease.Release(ctx); err != nil {
		t.Errorf("expected idempotent release, got %v", err)
	}
}

func TestRedisLocker_Contention(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	locker := NewRedisLocker(client)
	client.Del(ctx, "product-lock:contended")

	held, err := locker.Acquire(ctx, "product-lock:contended", lockOpts(time.Second))
	if err != nil || !held.Acquired() {
		t.Fatalf("setup failed: %v", err)
	}
	defer held.Release(ctx)

	start := time.Now()
	lease, err := locker.Acquire(ctx, "product-lock:contended", lockOpts(150*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lease.Acquired() {
		t.Fatal("expected second acquire to time out")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected to wait before giving up, waited %v", elapsed)
	}
	if err := lease.Release(ctx); err != nil {
		t.Errorf("releasing an unacquired lease should be a no-op: %v", err)
	}

	// The holder's key must survive the failed attempt
	if n, _ := client.Exists(ctx, "product-lock:contended").Result(); n != 1 {
		t.Error("expected holder's lock to remain")
	}
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	locker := NewRedisLocker(client)
	client.Del(ctx, "product-lock:handoff")

	held, _ := locker.Acquire(ctx, "product-lock:handoff", lockOpts(time.Second))
	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release(ctx)
	}()

	lease, err := locker.Acquire(ctx, "product-lock:handoff", lockOpts(2*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lease.Acquired() {
		t.Error("expected lock after holder released")
	}
	lease.Release(ctx)
}

func TestRedisLocker_ExpiredLeaseDoesNotReleaseNewOwner(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	locker := NewRedisLocker(client)
	key := "product-lock:expiry"
	client.Del(ctx, key)

	opts := lockOpts(time.Second)
	opts.Lease = 50 * time.Millisecond
	stale, _ := locker.Acquire(ctx, key, opts)
	time.Sleep(100 * time.Millisecond)

	fresh, err := locker.Acquire(ctx, key, lockOpts(time.Second))
	if err != nil || !fresh.Acquired() {
		t.Fatalf("expected new owner to acquire expired lock: %v", err)
	}
	defer fresh.Release(ctx)

	if err := stale.Release(ctx); err == nil {
		t.Error("expected error releasing expired lease")
	}
	if n, _ := client.Exists(ctx, key).Result(); n != 1 {
		t.Error("stale release removed the new owner's lock")
	}
}

func TestRedisLocker_ContextCancelled(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	locker := NewRedisLocker(client)
	client.Del(context.Background(), "product-lock:cancel")
	held, _ := locker.Acquire(context.Background(), "product-lock:cancel", lockOpts(time.Second))
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := locker.Acquire(ctx, "product-lock:cancel", lockOpts(5*time.Second))
	if err == nil {
		t.Error("expected context error")
	}
}
