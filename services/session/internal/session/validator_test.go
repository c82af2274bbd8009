package session

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validDoc() *Document {
	doc := NewDocument("s1", 100, time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC))
	doc.Payment.TabTotal = 40
	doc.Payment.TipPercentage = intPtr(15)
	doc.Payment.TipAmount = 6
	doc.OrderHistory = []OrderRecord{{ID: uuid.New(), Item: "Negroni", Quantity: 1, Price: 40}}
	return doc
}

func TestValidatorValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Document)
		field  string
	}{
		{name: "valid", mutate: func(d *Document) {}},
		{name: "missingSessionID", mutate: func(d *Document) { d.SessionID = "" }, field: "session_id"},
		{name: "oldSchema", mutate: func(d *Document) { d.SchemaVersion = 2 }, field: "schema_version"},
		{name: "negativeBalance", mutate: func(d *Document) { d.Payment.Balance = -0.01 }, field: "payment.balance"},
		{name: "nanTab", mutate: func(d *Document) { d.Payment.TabTotal = math.NaN() }, field: "payment.tab_total"},
		{name: "infiniteBalance", mutate: func(d *Document) { d.Payment.Balance = math.Inf(1) }, field: "payment.balance"},
		{name: "unknownStatus", mutate: func(d *Document) { d.Payment.Status = "refunded" }, field: "payment.payment_status"},
		{name: "unknownPhase", mutate: func(d *Document) { d.Conversation.Phase = "dessert" }, field: "conversation.phase"},
		{name: "negativeTurns", mutate: func(d *Document) { d.Conversation.TurnCount = -1 }, field: "conversation.turn_count"},
		{name: "unofferedTip", mutate: func(d *Document) { d.Payment.TipPercentage = intPtr(12) }, field: "payment.tip_percentage"},
		{name: "inconsistentTip", mutate: func(d *Document) { d.Payment.TipAmount = 5 }, field: "payment.tip_amount"},
		{name: "tipWithoutPercentage", mutate: func(d *Document) { d.Payment.TipPercentage = nil }, field: "payment.tip_amount"},
		{name: "pendingWithoutKey", mutate: func(d *Document) { d.Payment.Status = "pending" }, field: "payment.idempotency_key"},
		{name: "zeroQuantity", mutate: func(d *Document) { d.OrderHistory[0].Quantity = 0 }, field: "order_history[0].quantity"},
		{name: "unnamedItem", mutate: func(d *Document) {
			d.CurrentOrder = []OrderItem{{Quantity: 1, Price: 3}}
		}, field: "current_order[0].name"},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDoc()
			tt.mutate(doc)
			before := doc.Clone()

			err := v.Validate(doc)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("ValidationError does not match ErrValidation")
			}
			if before.Payment.TipAmount != doc.Payment.TipAmount || before.SessionID != doc.SessionID {
				t.Error("Validate() mutated the document")
			}
		})
	}
}

func TestValidatorValidateTransition(t *testing.T) {
	pending := func(d *Document, key string) {
		d.Payment.Status = "pending"
		d.Payment.IdempotencyKey = key
	}

	tests := []struct {
		name    string
		prev    func(d *Document)
		next    func(d *Document)
		wantErr string
	}{
		{
			name: "noneToPendingWithVersionStep",
			next: func(d *Document) { pending(d, "k1"); d.Payment.Version = 1 },
		},
		{
			name:    "versionNotBumped",
			next:    func(d *Document) { pending(d, "k1") },
			wantErr: "payment.version",
		},
		{
			name:    "versionSkipped",
			next:    func(d *Document) { pending(d, "k1"); d.Payment.Version = 2 },
			wantErr: "payment.version",
		},
		{
			name:    "versionBumpedWithoutChange",
			next:    func(d *Document) { d.Payment.Version = 1 },
			wantErr: "payment.version",
		},
		{
			name:    "noneToSucceeded",
			next:    func(d *Document) { d.Payment.Status = "succeeded"; d.Payment.Version = 1 },
			wantErr: "payment.payment_status",
		},
		{
			name:    "failedToSucceeded",
			prev:    func(d *Document) { d.Payment.Status = "failed" },
			next:    func(d *Document) { d.Payment.Status = "succeeded"; d.Payment.Version = 1 },
			wantErr: "payment.payment_status",
		},
		{
			name: "failedToPendingRetry",
			prev: func(d *Document) { d.Payment.Status = "failed" },
			next: func(d *Document) { pending(d, "k2"); d.Payment.Version = 1 },
		},
		{
			name:    "pendingKeyChanged",
			prev:    func(d *Document) { pending(d, "k1") },
			next:    func(d *Document) { pending(d, "k2"); d.Payment.Version = 1 },
			wantErr: "payment.idempotency_key",
		},
		{
			name: "pendingToSucceeded",
			prev: func(d *Document) { pending(d, "k1") },
			next: func(d *Document) { d.Payment.Status = "succeeded"; d.Payment.Version = 1 },
		},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := validDoc()
			if tt.prev != nil {
				tt.prev(prev)
			}
			next := prev.Clone()
			tt.next(next)

			err := v.ValidateTransition(prev, next)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateTransition() error = %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.wantErr {
				t.Errorf("ValidateTransition() error = %v, want field %q", err, tt.wantErr)
			}
		})
	}
}

func TestPaymentChangedIgnoresVersion(t *testing.T) {
	a := PaymentState{Balance: 10, TipPercentage: intPtr(10), Version: 1}
	b := PaymentState{Balance: 10, TipPercentage: intPtr(10), Version: 7}
	if paymentChanged(a, b) {
		t.Error("equal payments reported as changed")
	}
	b.TipPercentage = intPtr(15)
	if !paymentChanged(a, b) {
		t.Error("tip change not detected")
	}
	b.TipPercentage = nil
	if !paymentChanged(a, b) {
		t.Error("cleared tip not detected")
	}
}
