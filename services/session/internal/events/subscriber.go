package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/event"
	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
)

const defaultMaxAttempts = 3

// PaymentStatusSubscriber applies provider status reports to session tabs.
// Reports carry the idempotency key of the attempt they belong to, so late
// reports for superseded attempts are dropped by the engine.
type PaymentStatusSubscriber struct {
	subscriber  events.Subscriber
	engine      *session.Engine
	logger      aqm.Logger
	maxAttempts int
}

func NewPaymentStatusSubscriber(subscriber events.Subscriber, engine *session.Engine, logger aqm.Logger) *PaymentStatusSubscriber {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &PaymentStatusSubscriber{
		subscriber:  subscriber,
		engine:      engine,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
	}
}

func (s *PaymentStatusSubscriber) Start(ctx context.Context) error {
	s.logger.Info("Starting PaymentStatusSubscriber", "topic", event.PaymentStatusTopic)

	if err := s.subscriber.Subscribe(ctx, event.PaymentStatusTopic, s.handleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", event.PaymentStatusTopic, err)
	}

	s.logger.Info("PaymentStatusSubscriber started successfully")
	return nil
}

func (s *PaymentStatusSubscriber) handleEvent(ctx context.Context, msg []byte) error {
	var evt event.PaymentStatusEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		s.logger.Errorf("Failed to unmarshal payment status: %v", err)
		return nil
	}
	if evt.SessionID == "" || evt.IdempotencyKey == "" {
		s.logger.Infof("Ignoring payment status without session or key: %+v", evt)
		return nil
	}

	var apply func(ctx context.Context, b session.Backend, key string) (bool, error)
	switch evt.Status {
	case paymentstatus.Statuses.Succeeded.Code():
		apply = s.engine.ConfirmPayment
	case paymentstatus.Statuses.Failed.Code():
		apply = s.engine.MarkPaymentFailed
	default:
		return nil
	}

	b := s.engine.Direct(evt.SessionID)
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var applied bool
		applied, err = apply(ctx, b, evt.IdempotencyKey)
		if err == nil {
			if !applied {
				s.logger.Debug("stale payment status ignored", "session_id", evt.SessionID, "status", evt.Status)
			}
			return nil
		}
		if !errors.Is(err, session.ErrConcurrentModification) {
			break
		}
	}

	if errors.Is(err, session.ErrInvalidSession) {
		s.logger.Infof("Payment status for unknown session %s dropped", evt.SessionID)
		return nil
	}
	s.logger.Error("failed to apply payment status", "session_id", evt.SessionID, "status", evt.Status, "error", err)
	return err
}
