package port

import (
	"context"
	"time"
)

type LockOptions struct {
	Lease         time.Duration // how long the lock is held without release
	MaxWait       time.Duration // how long Acquire keeps retrying
	RetryInterval time.Duration
}

// Locker grants named, time-bounded mutual exclusion across processes.
type Locker interface {
	// Acquire returns a lease whose Acquired reports false when MaxWait elapsed
	// without obtaining the lock. A non-nil error means the lock backend failed.
	Acquire(ctx context.Context, resource string, opts LockOptions) (Lease, error)
}

type Lease interface {
	Acquired() bool
	// Release is safe to call on a lease that was never acquired.
	Release(ctx context.Context) error
}
