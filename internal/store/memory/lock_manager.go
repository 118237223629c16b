package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kmangutov/vordex/internal/domain"
)

// LockManager implements domain.LockManager in process. Expired entries are
// swept on each Acquire.
type LockManager struct {
	mu    sync.Mutex
	now   func() time.Time
	held  map[string]lease
	token uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager creates an empty LockManager. now may be nil.
func NewLockManager(now func() time.Time) *LockManager {
	if now == nil {
		now = time.Now
	}
	return &LockManager{now: now, held: make(map[string]lease)}
}

// Acquire obtains the lock for key or returns domain.ErrLockHeld. The
// returned unlock function only releases the lease it was issued for.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	for k, l := range lm.held {
		if !now.Before(l.expires) {
			delete(lm.held, k)
		}
	}
	if _, ok := lm.held[key]; ok {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}

	lm.token++
	token := lm.token
	lm.held[key] = lease{token: token, expires: now.Add(ttl)}

	return func() {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		if l, ok := lm.held[key]; ok && l.token == token {
			delete(lm.held, key)
		}
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
