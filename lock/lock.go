// Package lock provides keyed mutual exclusion used to serialize work per
// tenant and to keep scheduled jobs from overlapping across replicas.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Locker obtains named locks. Release functions are idempotent.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is cancelled.
	// A positive ttl releases the lock automatically if the holder forgets.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire returns acquired=false immediately if key is already held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// TenantKey is the lock key that serializes billing writes for a tenant.
func TenantKey(tenantID string) string { return "tenant:" + tenantID }

// InMemoryLock is a Locker for tests and single-replica deployments.
type InMemoryLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewInMemoryLock creates an empty InMemoryLock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{slots: make(map[string]chan struct{})}
}

// slot returns the single-token semaphore for key.
func (l *InMemoryLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return l.releaser(ch, ttl), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
	}
}

func (l *InMemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return l.releaser(ch, ttl), true, nil
	default:
		return nil, false, nil
	}
}

func (l *InMemoryLock) releaser(ch chan struct{}, ttl time.Duration) func() {
	var once sync.Once
	done := make(chan struct{})
	release := func() {
		once.Do(func() {
			close(done)
			<-ch
		})
	}
	if ttl > 0 {
		go func() {
			timer := time.NewTimer(ttl)
			defer timer.Stop()
			select {
			case <-timer.C:
				release()
			case <-done:
			}
		}()
	}
	return release
}

// hashToInt64 maps a key onto a non-negative advisory lock id (FNV-1a).
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // masked to non-negative range
}

var _ Locker = (*InMemoryLock)(nil)
