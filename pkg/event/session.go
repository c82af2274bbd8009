package event

import "time"

const (
	// SessionPaymentsTopic carries payment state changes committed by the session service.
	SessionPaymentsTopic = "sessions.payments"
	// PaymentStatusTopic delivers status reports relayed from the payment-link provider.
	PaymentStatusTopic = "payments.status"

	EventPaymentOrderAdded     = "session.payment.order_added"
	EventPaymentTipChanged     = "session.payment.tip_changed"
	EventPaymentPending        = "session.payment.pending"
	EventPaymentCompleted      = "session.payment.completed"
	EventPaymentFailed         = "session.payment.failed"
	EventPaymentReconciliation = "session.payment.reconciliation"
	EventPaymentReset          = "session.payment.reset"

	EventPaymentStatusReported = "payment.status.reported"
)

// PaymentChangedEvent is published after a payment mutation has been persisted.
type PaymentChangedEvent struct {
	EventType           string    `json:"event_type"`
	OccurredAt          time.Time `json:"occurred_at"`
	SessionID           string    `json:"session_id"`
	Version             int64     `json:"version"`
	Balance             float64   `json:"balance"`
	TabTotal            float64   `json:"tab_total"`
	TipPercentage       *int      `json:"tip_percentage"`
	TipAmount           float64   `json:"tip_amount"`
	PaymentStatus       string    `json:"payment_status"`
	PaymentID           string    `json:"stripe_payment_id,omitempty"`
	IdempotencyKey      string    `json:"idempotency_key,omitempty"`
	NeedsReconciliation bool      `json:"needs_reconciliation"`
}

// PaymentStatusEvent is a provider-side status report for a payment link.
// The idempotency key ties the report to the attempt that created the link.
type PaymentStatusEvent struct {
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	SessionID      string    `json:"session_id"`
	PaymentID      string    `json:"payment_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"`
}
