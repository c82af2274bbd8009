package session

import (
	"context"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	SessionEventsService = "bartab.session.v1.SessionEvents"
	EventPaymentSnapshot = "session.payment.snapshot"

	subscriberBuffer = 100
)

// PaymentEventsStream is the server side of StreamPaymentEvents.
type PaymentEventsStream = grpc.ServerStreamingServer[structpb.Struct]

type sessionEventsServer interface {
	StreamPaymentEvents(req *structpb.Struct, stream PaymentEventsStream) error
}

var sessionEventsServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionEventsService,
	HandlerType: (*sessionEventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamPaymentEvents",
			Handler:       streamPaymentEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "bartab/session/v1/events.proto",
}

func streamPaymentEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(sessionEventsServer).StreamPaymentEvents(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// SnapshotFunc reads the current payment state of a session.
type SnapshotFunc func(ctx context.Context, sessionID string) (PaymentState, error)

// EventStreamServer pushes committed payment changes to gRPC subscribers.
// It is a Notifier, so the engine feeds it directly.
type EventStreamServer struct {
	snapshot SnapshotFunc
	logger   aqm.Logger

	mu          sync.RWMutex
	subscribers map[string]*streamSubscriber
}

type streamSubscriber struct {
	sessionID string
	events    chan *structpb.Struct
}

var _ Notifier = (*EventStreamServer)(nil)

func NewEventStreamServer(snapshot SnapshotFunc, logger aqm.Logger) *EventStreamServer {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &EventStreamServer{
		snapshot:    snapshot,
		logger:      logger,
		subscribers: make(map[string]*streamSubscriber),
	}
}

// SetSnapshot replaces the snapshot source. Call it before serving.
func (s *EventStreamServer) SetSnapshot(snapshot SnapshotFunc) {
	s.snapshot = snapshot
}

// RegisterGRPCService registers this service with the gRPC server.
func (s *EventStreamServer) RegisterGRPCService(server *grpc.Server) {
	server.RegisterService(&sessionEventsServiceDesc, s)
}

// StreamPaymentEvents streams payment changes, optionally for a single
// session_id. A filtered stream starts with the current payment snapshot.
func (s *EventStreamServer) StreamPaymentEvents(req *structpb.Struct, stream PaymentEventsStream) error {
	ctx := stream.Context()
	sessionID := req.GetFields()["session_id"].GetStringValue()

	sub := &streamSubscriber{sessionID: sessionID, events: make(chan *structpb.Struct, subscriberBuffer)}
	subscriberID := uuid.NewString()

	s.mu.Lock()
	s.subscribers[subscriberID] = sub
	s.mu.Unlock()
	s.logger.Info("new payment events subscriber", "subscriber_id", subscriberID, "session_filter", sessionID)

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, subscriberID)
		s.mu.Unlock()
		s.logger.Info("payment events subscriber disconnected", "subscriber_id", subscriberID)
	}()

	if sessionID != "" && s.snapshot != nil {
		payment, err := s.snapshot(ctx, sessionID)
		if err == nil {
			msg, err := paymentMessage(Change{Type: EventPaymentSnapshot, SessionID: sessionID, Payment: payment, OccurredAt: time.Now()})
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				s.logger.Errorf("failed to send payment snapshot: %v", err)
				return err
			}
		} else {
			s.logger.Debug("no payment snapshot for subscriber", "session_id", sessionID, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.events:
			if err := stream.Send(msg); err != nil {
				s.logger.Errorf("failed to send payment event: %v", err)
				return err
			}
		}
	}
}

// Notify fans a change out to matching subscribers. Subscribers whose buffer
// is full miss the event.
func (s *EventStreamServer) Notify(_ context.Context, change Change) error {
	msg, err := paymentMessage(change)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for subscriberID, sub := range s.subscribers {
		if sub.sessionID != "" && sub.sessionID != change.SessionID {
			continue
		}
		select {
		case sub.events <- msg:
		default:
			s.logger.Info("subscriber channel full, dropping event", "subscriber_id", subscriberID)
		}
	}
	return nil
}

// Subscribers returns the number of connected streams.
func (s *EventStreamServer) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func paymentMessage(c Change) (*structpb.Struct, error) {
	p := c.Payment
	var tip interface{}
	if p.TipPercentage != nil {
		tip = float64(*p.TipPercentage)
	}
	return structpb.NewStruct(map[string]interface{}{
		"event_type":           c.Type,
		"occurred_at":          c.OccurredAt.UTC().Format(time.RFC3339Nano),
		"session_id":           c.SessionID,
		"version":              float64(p.Version),
		"balance":              p.Balance,
		"tab_total":            p.TabTotal,
		"tip_percentage":       tip,
		"tip_amount":           p.TipAmount,
		"payment_status":       p.Status,
		"stripe_payment_id":    p.PaymentID,
		"idempotency_key":      p.IdempotencyKey,
		"needs_reconciliation": p.NeedsReconciliation,
	})
}
