package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is a process-local Manager with the same lease semantics
// as the SQL-backed one. Useful for single-node runs and tests.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memLease
}

type memLease struct {
	holder  string
	expires time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]memLease)}
}

func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	holder := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		if m.tryAcquire(key, holder, ttl) {
			return &Lease{
				Key:    key,
				Holder: holder,
				release: func(context.Context) error {
					m.release(key, holder)
					return nil
				},
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *MemoryManager) tryAcquire(key, holder string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if cur, ok := m.leases[key]; ok && cur.expires.After(now) {
		return false
	}
	m.leases[key] = memLease{holder: holder, expires: now.Add(ttl)}
	return true
}

func (m *MemoryManager) release(key, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && cur.holder == holder {
		delete(m.leases, key)
	}
}
