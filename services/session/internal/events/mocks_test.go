package events

import (
	"context"

	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm/events"
)

// MockSubscriber implements events.Subscriber for testing
type MockSubscriber struct {
	SubscribeFunc func(ctx context.Context, topic string, handler events.HandlerFunc) error
	Topic         string
	Handler       events.HandlerFunc
}

func (m *MockSubscriber) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	m.Topic, m.Handler = topic, handler
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, topic, handler)
	}
	return nil
}

// MockPublisher implements events.Publisher for testing
type MockPublisher struct {
	PublishedEvents []struct {
		Topic string
		Data  []byte
	}
	PublishFunc func(ctx context.Context, topic string, data []byte) error
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, data)
	}
	m.PublishedEvents = append(m.PublishedEvents, struct {
		Topic string
		Data  []byte
	}{Topic: topic, Data: data})
	return nil
}

// FlakyStore rejects the first Conflicts puts as concurrent modifications.
type FlakyStore struct {
	*session.MemoryStore
	Conflicts int
	Puts      int
}

func (s *FlakyStore) Put(ctx context.Context, sessionID string, doc *session.Document) error {
	s.Puts++
	if s.Conflicts > 0 {
		s.Conflicts--
		return session.ErrConcurrentModification
	}
	return s.MemoryStore.Put(ctx, sessionID, doc)
}
