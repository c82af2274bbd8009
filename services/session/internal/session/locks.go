package session

import (
	"context"
	"sync"
	"time"
)

// LockRegistry hands out one lock per session id. The registry mutex only
// guards the map; documents are guarded by the per-session locks.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
	now   func() time.Time
}

type sessionLock struct {
	sem        chan struct{}
	refs       int
	lastAccess time.Time
}

// LockHandle is a held session lock. Release must be called exactly once;
// extra calls are ignored.
type LockHandle struct {
	registry  *LockRegistry
	sessionID string
	lock      *sessionLock
	once      sync.Once
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		locks: make(map[string]*sessionLock),
		now:   time.Now,
	}
}

// Acquire blocks until the session lock is held or ctx is done. Concurrent
// callers for the same id share the same lock instance.
func (r *LockRegistry) Acquire(ctx context.Context, sessionID string) (*LockHandle, error) {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{sem: make(chan struct{}, 1)}
		r.locks[sessionID] = l
	}
	// The reference is taken before waiting so cleanup cannot drop a lock a
	// waiter is about to use.
	l.refs++
	l.lastAccess = r.now()
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return &LockHandle{registry: r, sessionID: sessionID, lock: l}, nil
	case <-ctx.Done():
		r.unref(l)
		return nil, ctx.Err()
	}
}

// Release unlocks, drops the reference and stamps the last access time.
func (h *LockHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		<-h.lock.sem
		h.registry.unref(h.lock)
	})
}

func (h *LockHandle) SessionID() string {
	return h.sessionID
}

func (r *LockRegistry) unref(l *sessionLock) {
	r.mu.Lock()
	l.refs--
	l.lastAccess = r.now()
	r.mu.Unlock()
}

// CleanupExpired removes locks that nobody holds or waits on and whose last
// access is at least maxAge old. It returns the number removed.
func (r *LockRegistry) CleanupExpired(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, l := range r.locks {
		if l.refs > 0 {
			continue
		}
		if now.Sub(l.lastAccess) < maxAge {
			continue
		}
		delete(r.locks, id)
		removed++
	}
	return removed
}

// Len returns the number of tracked session locks.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
