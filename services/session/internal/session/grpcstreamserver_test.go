package session

import (
	"context"
	"testing"
	"time"

	"github.com/aquamarinepk/aqm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakePaymentStream collects sent messages until its context is cancelled.
type fakePaymentStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent chan *structpb.Struct
}

func (f *fakePaymentStream) Context() context.Context     { return f.ctx }
func (f *fakePaymentStream) Send(m *structpb.Struct) error { f.sent <- m; return nil }
func (f *fakePaymentStream) SetHeader(metadata.MD) error   { return nil }
func (f *fakePaymentStream) SendHeader(metadata.MD) error  { return nil }
func (f *fakePaymentStream) SetTrailer(metadata.MD)        {}

func TestNewEventStreamServer(t *testing.T) {
	tests := []struct {
		name   string
		logger aqm.Logger
	}{
		{name: "withLogger", logger: aqm.NewNoopLogger()},
		{name: "withNilLogger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewEventStreamServer(nil, tt.logger)
			if s.subscribers == nil || s.logger == nil {
				t.Fatal("server not initialized")
			}
		})
	}
}

func TestEventStreamServerNotifyFilters(t *testing.T) {
	s := NewEventStreamServer(nil, aqm.NewNoopLogger())
	all := &streamSubscriber{events: make(chan *structpb.Struct, 1)}
	onlyS1 := &streamSubscriber{sessionID: "s1", events: make(chan *structpb.Struct, 1)}
	onlyS2 := &streamSubscriber{sessionID: "s2", events: make(chan *structpb.Struct, 1)}
	s.subscribers["all"] = all
	s.subscribers["s1"] = onlyS1
	s.subscribers["s2"] = onlyS2

	change := Change{Type: "session.payment.order_added", SessionID: "s1", Payment: PaymentState{Version: 4, TabTotal: 12, TipPercentage: intPtr(10), TipAmount: 1.2}, OccurredAt: time.Now()}
	if err := s.Notify(context.Background(), change); err != nil {
		t.Fatal(err)
	}

	if len(all.events) != 1 || len(onlyS1.events) != 1 {
		t.Fatal("matching subscribers missed the event")
	}
	if len(onlyS2.events) != 0 {
		t.Error("filtered subscriber received another session's event")
	}

	msg := <-onlyS1.events
	fields := msg.GetFields()
	if fields["version"].GetNumberValue() != 4 || fields["tip_percentage"].GetNumberValue() != 10 {
		t.Errorf("message = %v", msg)
	}

	// Full buffers drop instead of blocking.
	if err := s.Notify(context.Background(), change); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(context.Background(), change); err != nil {
		t.Fatal(err)
	}
	if len(all.events) != 1 {
		t.Errorf("buffer len = %d, want 1", len(all.events))
	}
}

func TestEventStreamServerStreamPaymentEvents(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(0))
	initSession(engine, "s1", 100)
	server := NewEventStreamServer(func(ctx context.Context, id string) (PaymentState, error) {
		return engine.GetPaymentState(ctx, engine.Direct(id))
	}, aqm.NewNoopLogger())
	engine.notifier = server

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakePaymentStream{ctx: ctx, sent: make(chan *structpb.Struct, 10)}
	req, _ := structpb.NewStruct(map[string]interface{}{"session_id": "s1"})

	done := make(chan error, 1)
	go func() { done <- server.StreamPaymentEvents(req, stream) }()

	snapshot := receive(t, stream.sent)
	if snapshot.GetFields()["event_type"].GetStringValue() != EventPaymentSnapshot {
		t.Fatalf("first message = %v", snapshot)
	}

	waitFor(t, func() bool { return server.Subscribers() == 1 })
	if _, err := engine.AtomicOrderUpdate(context.Background(), engine.Direct("s1"), 8, nil); err != nil {
		t.Fatal(err)
	}
	update := receive(t, stream.sent)
	if update.GetFields()["tab_total"].GetNumberValue() != 8 {
		t.Errorf("update = %v", update)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on cancel")
	}
	if server.Subscribers() != 0 {
		t.Errorf("subscribers = %d after disconnect", server.Subscribers())
	}
}

func receive(t *testing.T, ch <-chan *structpb.Struct) *structpb.Struct {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
