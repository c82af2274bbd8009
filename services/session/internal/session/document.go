package session

import (
	"math"
	"time"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/enums/phase"
	"github.com/google/uuid"
)

// CurrentSchemaVersion is stamped on every document written by this build.
// 1: conversation and orders only. 2: adds the payment tab. 3: adds payment
// status, optimistic version and reconciliation flag.
const CurrentSchemaVersion = 3

// DefaultInitialBalance is credited to new sessions when no balance is configured.
const DefaultInitialBalance = 1000.0

// Document is the root session entity persisted by a Store.
type Document struct {
	SessionID     string            `bson:"_id" json:"session_id"`
	SchemaVersion int               `bson:"schema_version" json:"schema_version"`
	Revision      int64             `bson:"revision" json:"revision"`
	Conversation  ConversationState `bson:"conversation" json:"conversation"`
	OrderHistory  []OrderRecord     `bson:"order_history" json:"order_history"`
	CurrentOrder  []OrderItem       `bson:"current_order" json:"current_order"`
	Payment       PaymentState      `bson:"payment" json:"payment"`
	CreatedAt     time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at" json:"updated_at"`
}

type ConversationState struct {
	TurnCount      int       `bson:"turn_count" json:"turn_count"`
	Phase          string    `bson:"phase" json:"phase"`
	SmallTalkCount int       `bson:"small_talk_count" json:"small_talk_count"`
	LastActivity   time.Time `bson:"last_activity" json:"last_activity"`
}

// OrderItem is a line of the in-progress order.
type OrderItem struct {
	Name      string    `bson:"name" json:"name"`
	Modifiers []string  `bson:"modifiers,omitempty" json:"modifiers,omitempty"`
	Quantity  int       `bson:"quantity" json:"quantity"`
	Price     float64   `bson:"price" json:"price"`
	AddedAt   time.Time `bson:"added_at" json:"added_at"`
}

// OrderRecord is an immutable entry of the order history.
type OrderRecord struct {
	ID            uuid.UUID  `bson:"id" json:"id"`
	Item          string     `bson:"item" json:"item"`
	Modifiers     []string   `bson:"modifiers,omitempty" json:"modifiers,omitempty"`
	Quantity      int        `bson:"quantity" json:"quantity"`
	Price         float64    `bson:"price" json:"price"`
	OrderedAt     time.Time  `bson:"ordered_at" json:"ordered_at"`
	Paid          bool       `bson:"paid" json:"paid"`
	PaidAt        *time.Time `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	TipPercentage *int       `bson:"tip_percentage,omitempty" json:"tip_percentage,omitempty"`
	TipAmount     float64    `bson:"tip_amount" json:"tip_amount"`
}

// OrderState groups the order views the orchestrator edits together.
type OrderState struct {
	Current []OrderItem   `json:"current_order"`
	History []OrderRecord `json:"order_history"`
}

// PaymentState is the tab of a session. Version is the optimistic lock token
// and grows by one on every committed payment mutation. CoveredTabTotal and
// CoveredRecords snapshot the part of the tab the current attempt pays for.
type PaymentState struct {
	Balance             float64 `bson:"balance" json:"balance"`
	TabTotal            float64 `bson:"tab_total" json:"tab_total"`
	TipPercentage       *int    `bson:"tip_percentage" json:"tip_percentage"`
	TipAmount           float64 `bson:"tip_amount" json:"tip_amount"`
	PaymentID           string  `bson:"stripe_payment_id,omitempty" json:"stripe_payment_id,omitempty"`
	PaymentURL          string  `bson:"payment_url,omitempty" json:"payment_url,omitempty"`
	PaymentAmount       float64 `bson:"payment_amount,omitempty" json:"payment_amount,omitempty"`
	IdempotencyKey      string  `bson:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	CoveredTabTotal     float64 `bson:"covered_tab_total,omitempty" json:"covered_tab_total,omitempty"`
	CoveredRecords      int     `bson:"covered_records,omitempty" json:"covered_records,omitempty"`
	Status              string  `bson:"payment_status" json:"payment_status"`
	Version             int64   `bson:"version" json:"version"`
	NeedsReconciliation bool    `bson:"needs_reconciliation" json:"needs_reconciliation"`
}

// AmountDue is the tab plus the selected tip.
func (p PaymentState) AmountDue() float64 {
	return roundCents(p.TabTotal + p.TipAmount)
}

// NewDocument returns a session document populated with defaults.
func NewDocument(sessionID string, balance float64, now time.Time) *Document {
	return &Document{
		SessionID:     sessionID,
		SchemaVersion: CurrentSchemaVersion,
		Conversation:  defaultConversation(now),
		OrderHistory:  []OrderRecord{},
		CurrentOrder:  []OrderItem{},
		Payment:       defaultPayment(balance),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func defaultConversation(now time.Time) ConversationState {
	return ConversationState{
		Phase:        phase.Phases.Greeting.Code(),
		LastActivity: now,
	}
}

func defaultPayment(balance float64) PaymentState {
	return PaymentState{
		Balance: roundCents(balance),
		Status:  paymentstatus.Statuses.None.Code(),
	}
}

// Clone returns a deep copy so callers never share slices or pointers with a
// cached or stored document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Payment.TipPercentage = cloneInt(d.Payment.TipPercentage)

	if d.OrderHistory != nil {
		c.OrderHistory = make([]OrderRecord, len(d.OrderHistory))
		for i, rec := range d.OrderHistory {
			rec.Modifiers = cloneStrings(rec.Modifiers)
			rec.TipPercentage = cloneInt(rec.TipPercentage)
			if rec.PaidAt != nil {
				t := *rec.PaidAt
				rec.PaidAt = &t
			}
			c.OrderHistory[i] = rec
		}
	}

	c.CurrentOrder = cloneItems(d.CurrentOrder)
	return &c
}

func cloneItems(items []OrderItem) []OrderItem {
	if items == nil {
		return nil
	}
	out := make([]OrderItem, len(items))
	for i, item := range items {
		item.Modifiers = cloneStrings(item.Modifiers)
		out[i] = item
	}
	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// tipFor computes the tip for a tab at the given percentage.
func tipFor(tabTotal float64, pct *int) float64 {
	if pct == nil {
		return 0
	}
	return roundCents(tabTotal * float64(*pct) / 100)
}
