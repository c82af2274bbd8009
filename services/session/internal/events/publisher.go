package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/appetiteclub/bartab/pkg/event"
	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
)

// PaymentPublisher relays committed payment changes to the session payments topic.
type PaymentPublisher struct {
	publisher events.Publisher
	logger    aqm.Logger
}

var _ session.Notifier = (*PaymentPublisher)(nil)

func NewPaymentPublisher(publisher events.Publisher, logger aqm.Logger) *PaymentPublisher {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &PaymentPublisher{publisher: publisher, logger: logger}
}

func (p *PaymentPublisher) Notify(ctx context.Context, change session.Change) error {
	payload := event.PaymentChangedEvent{
		EventType:           change.Type,
		OccurredAt:          change.OccurredAt.UTC(),
		SessionID:           change.SessionID,
		Version:             change.Payment.Version,
		Balance:             change.Payment.Balance,
		TabTotal:            change.Payment.TabTotal,
		TipPercentage:       change.Payment.TipPercentage,
		TipAmount:           change.Payment.TipAmount,
		PaymentStatus:       change.Payment.Status,
		PaymentID:           change.Payment.PaymentID,
		IdempotencyKey:      change.Payment.IdempotencyKey,
		NeedsReconciliation: change.Payment.NeedsReconciliation,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", change.Type, err)
	}

	if err := p.publisher.Publish(ctx, event.SessionPaymentsTopic, data); err != nil {
		p.logger.Errorf("Failed to publish %s for session %s: %v", change.Type, change.SessionID, err)
		return err
	}
	return nil
}
