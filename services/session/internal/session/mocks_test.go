package session

import (
	"context"
	"sync"
	"time"
)

// CountingStore wraps a MemoryStore and counts calls.
type CountingStore struct {
	*MemoryStore
	mu      sync.Mutex
	gets    int
	puts    int
	GetFunc func(ctx context.Context, id string) (*Document, error)
	PutFunc func(ctx context.Context, id string, doc *Document) error
}

func NewCountingStore() *CountingStore {
	return &CountingStore{MemoryStore: NewMemoryStore(time.Hour)}
}

func (s *CountingStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	if s.GetFunc != nil {
		return s.GetFunc(ctx, id)
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *CountingStore) Put(ctx context.Context, id string, doc *Document) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	if s.PutFunc != nil {
		return s.PutFunc(ctx, id, doc)
	}
	return s.MemoryStore.Put(ctx, id, doc)
}

func (s *CountingStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *CountingStore) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// RecordingNotifier keeps every change it is told about.
type RecordingNotifier struct {
	mu      sync.Mutex
	changes []Change
	Err     error
}

func (n *RecordingNotifier) Notify(_ context.Context, c Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return n.Err
}

func (n *RecordingNotifier) Types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]string, len(n.changes))
	for i, c := range n.changes {
		types[i] = c.Type
	}
	return types
}

// MockPaymentFlow is a test double for PaymentFlow.
type MockPaymentFlow struct {
	StartFunc func(ctx context.Context, sessionID string) (PaymentState, error)
	AwaitFunc func(ctx context.Context, sessionID string) (PaymentState, error)
}

func (m *MockPaymentFlow) Start(ctx context.Context, sessionID string) (PaymentState, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, sessionID)
	}
	return PaymentState{}, nil
}

func (m *MockPaymentFlow) Await(ctx context.Context, sessionID string) (PaymentState, error) {
	if m.AwaitFunc != nil {
		return m.AwaitFunc(ctx, sessionID)
	}
	return PaymentState{}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(store Store, opts ...Option) *Engine {
	opts = append([]Option{WithClock(newFakeClock().Now)}, opts...)
	return NewEngine(store, NewLockRegistry(), opts...)
}

func initSession(e *Engine, id string, balance float64) *Document {
	e.initialBalance = balance
	doc, err := e.InitializeState(context.Background(), e.Direct(id))
	if err != nil {
		panic(err)
	}
	return doc
}

func intPtr(v int) *int {
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}
