package session

import (
	"context"
	"errors"
)

// Backend is the explicit access strategy an engine call runs against:
// DirectBackend reads and writes the store on every call, *Scope buffers the
// request's mutations and writes once on Exit.
type Backend interface {
	SessionID() string
	load(ctx context.Context) (*Document, error)
	save(ctx context.Context, doc *Document) error
	deliver(ctx context.Context, changes []Change)
}

// DirectBackend talks to the store on every read and write.
type DirectBackend struct {
	engine    *Engine
	sessionID string
}

var (
	_ Backend = (*DirectBackend)(nil)
	_ Backend = (*Scope)(nil)
)

// Direct returns a backend that bypasses any batch scope.
func (e *Engine) Direct(sessionID string) *DirectBackend {
	return &DirectBackend{engine: e, sessionID: sessionID}
}

func (d *DirectBackend) SessionID() string {
	return d.sessionID
}

func (d *DirectBackend) load(ctx context.Context) (*Document, error) {
	return d.engine.fetch(ctx, d.sessionID)
}

func (d *DirectBackend) save(ctx context.Context, doc *Document) error {
	return d.engine.persist(ctx, "direct.save", doc)
}

func (d *DirectBackend) deliver(ctx context.Context, changes []Change) {
	d.engine.deliver(ctx, changes)
}

// fetch reads a working copy from the store. Missing sessions come back as
// ErrSessionNotFound so callers can decide between creating and failing.
func (e *Engine) fetch(ctx context.Context, sessionID string) (*Document, error) {
	doc, err := e.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, newError(KindStoreFailure, "store.get", sessionID, "", err)
	}
	return doc, nil
}

func (e *Engine) persist(ctx context.Context, op string, doc *Document) error {
	err := e.store.Put(ctx, doc.SessionID, doc)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrentModification) {
		return err
	}
	return newError(KindStoreFailure, op, doc.SessionID, "", err)
}

func (e *Engine) deliver(ctx context.Context, changes []Change) {
	for _, c := range changes {
		if err := e.notifier.Notify(ctx, c); err != nil {
			e.logger.Error("payment change notification failed", "session_id", c.SessionID, "type", c.Type, "error", err)
		}
	}
}
