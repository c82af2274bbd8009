package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultTTL is how long an untouched session survives in stores that evict.
const DefaultTTL = 12 * time.Hour

// Store is pure data access keyed by session id. Put is a compare-and-set on
// Document.Revision: it succeeds only if the stored revision equals the one the
// caller read (0 for a new document) and bumps the caller's revision on success.
// A rejected Put returns an error matching ErrConcurrentModification.
type Store interface {
	Get(ctx context.Context, sessionID string) (*Document, error)
	Put(ctx context.Context, sessionID string, doc *Document) error
	Delete(ctx context.Context, sessionID string) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps documents in process with per-key TTL eviction.
type MemoryStore struct {
	mu    sync.Mutex
	items *cache.Cache
	ttl   time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		items: cache.New(ttl, ttl/4),
		ttl:   ttl,
	}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.items.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return Migrate(v.(*Document)), nil
}

func (s *MemoryStore) Put(ctx context.Context, sessionID string, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("put %s: nil document", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if v, ok := s.items.Get(sessionID); ok {
		stored = v.(*Document).Revision
	}
	if stored != doc.Revision {
		return newError(KindConcurrentModification, "store.put", sessionID,
			fmt.Sprintf("revision %d, stored %d", doc.Revision, stored), nil)
	}

	next := doc.Clone()
	next.SessionID = sessionID
	next.Revision++
	s.items.Set(sessionID, next, s.ttl)
	doc.Revision = next.Revision
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items.Delete(sessionID)
	s.mu.Unlock()
	return nil
}
