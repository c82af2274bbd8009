package session

import (
	"context"
	"errors"
	"sync"
)

type scopeKey struct{}

// Scope is a request-scoped write-coalescing cache for one session. Reads
// after the first hit memory, writes only mark the cached document dirty and
// Exit persists it with a single store write.
type Scope struct {
	engine    *Engine
	sessionID string

	mu      sync.Mutex
	doc     *Document
	loaded  bool
	dirty   bool
	writes  int
	pending []Change
	closed  bool
}

// Enter opens a batch scope and returns a context marked with it. A context
// that already carries a scope is refused with ErrNestedScope.
func (e *Engine) Enter(ctx context.Context, sessionID string) (context.Context, *Scope, error) {
	if open, ok := ScopeFrom(ctx); ok {
		return ctx, nil, newError(KindNestedScope, "enter", sessionID, "scope already open for "+open.sessionID, nil)
	}
	s := &Scope{engine: e, sessionID: sessionID}
	return context.WithValue(ctx, scopeKey{}, s), s, nil
}

// ScopeFrom returns the scope carried by ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// WithBatch runs fn inside a fresh scope. A nil result flushes, an error or
// panic discards. The flush uses a context that ignores cancellation so work
// that finished before a client went away still commits.
func (e *Engine) WithBatch(ctx context.Context, sessionID string, fn func(ctx context.Context, s *Scope) error) error {
	scopedCtx, s, err := e.Enter(ctx, sessionID)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			s.Discard()
		}
	}()

	if err := fn(scopedCtx, s); err != nil {
		return err
	}
	committed = true
	return s.Exit(context.WithoutCancel(scopedCtx))
}

func (s *Scope) SessionID() string {
	return s.sessionID
}

// Writes returns the number of buffered writes since the scope opened.
func (s *Scope) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Dirty reports whether Exit would write to the store.
func (s *Scope) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Scope) load(ctx context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	if !s.loaded {
		doc, err := s.engine.fetch(ctx, s.sessionID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		s.doc = doc
		s.loaded = true
	}
	if s.doc == nil {
		return nil, ErrSessionNotFound
	}
	return s.doc.Clone(), nil
}

func (s *Scope) save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScopeClosed
	}
	s.doc = doc.Clone()
	s.loaded = true
	s.dirty = true
	s.writes++
	return nil
}

func (s *Scope) deliver(_ context.Context, changes []Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, changes...)
}

// Exit flushes the cached document once if dirty, under the session lock,
// then tears the scope down. Only the first Exit or Discard has an effect.
// The scope is closed even when the flush fails.
func (s *Scope) Exit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	doc, dirty, pending := s.doc, s.dirty, s.pending
	s.doc, s.pending = nil, nil
	s.mu.Unlock()

	if !dirty {
		return nil
	}

	lock, err := s.engine.locks.Acquire(ctx, s.sessionID)
	if err != nil {
		return newError(KindStoreFailure, "exit", s.sessionID, "acquire lock", err)
	}
	err = s.engine.persist(ctx, "exit", doc)
	lock.Release()
	if err != nil {
		s.engine.logger.Info("batch flush rejected", "session_id", s.sessionID, "error", err)
		return err
	}

	s.engine.deliver(ctx, pending)
	return nil
}

// Discard drops buffered mutations and notifications.
func (s *Scope) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.doc, s.pending = nil, nil
	s.dirty = false
}
