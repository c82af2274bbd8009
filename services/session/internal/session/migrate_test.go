package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValidateMigratedLegacyDocuments(t *testing.T) {
	updated := time.Date(2025, 11, 2, 21, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		doc   *Document
		check func(t *testing.T, d *Document)
	}{
		{
			name: "unversionedEmpty",
			doc:  &Document{SessionID: "legacy-0"},
			check: func(t *testing.T, d *Document) {
				if d.Payment.Balance != DefaultInitialBalance {
					t.Errorf("balance = %v", d.Payment.Balance)
				}
			},
		},
		{
			name: "unversionedKeepsExistingPayment",
			doc: &Document{
				SessionID: "legacy-0b",
				OrderHistory: []OrderRecord{
					{Item: "Margarita", Price: 11},
				},
				Payment: PaymentState{Balance: 50, TabTotal: 20, Version: 6},
			},
			check: func(t *testing.T, d *Document) {
				if d.Payment.Balance != 50 || d.Payment.TabTotal != 20 || d.Payment.Version != 6 {
					t.Errorf("payment overwritten: %+v", d.Payment)
				}
				if d.Payment.Status != "none" {
					t.Errorf("status = %q, want none", d.Payment.Status)
				}
			},
		},
		{
			name: "v1ConversationAndOrders",
			doc: &Document{
				SessionID:     "legacy-1",
				SchemaVersion: 1,
				UpdatedAt:     updated,
				Conversation:  ConversationState{TurnCount: 4, Phase: "small_talk", SmallTalkCount: 2},
				OrderHistory: []OrderRecord{
					{Item: "Margarita", Price: 11},
					{Item: "Nachos", Price: 9, Quantity: 1, Paid: true},
				},
			},
			check: func(t *testing.T, d *Document) {
				if d.Conversation.TurnCount != 4 || d.Conversation.Phase != "small_talk" {
					t.Errorf("conversation lost: %+v", d.Conversation)
				}
				if !d.Conversation.LastActivity.Equal(updated) {
					t.Errorf("last_activity = %v", d.Conversation.LastActivity)
				}
				if d.Payment.TabTotal != 11 {
					t.Errorf("tab_total = %v, want unpaid total 11", d.Payment.TabTotal)
				}
				if d.OrderHistory[0].ID == uuid.Nil || d.OrderHistory[0].Quantity != 1 {
					t.Errorf("record not filled: %+v", d.OrderHistory[0])
				}
			},
		},
		{
			name: "v2WithTipAmountOnly",
			doc: &Document{
				SessionID:     "legacy-2",
				SchemaVersion: 2,
				Conversation:  ConversationState{Phase: "order_taking"},
				Payment:       PaymentState{Balance: 70, TabTotal: 30, TipAmount: 4.5},
			},
			check: func(t *testing.T, d *Document) {
				if d.Payment.TipPercentage == nil || *d.Payment.TipPercentage != 15 {
					t.Errorf("tip_percentage = %v, want 15", d.Payment.TipPercentage)
				}
				if d.Payment.Status != "none" {
					t.Errorf("status = %q", d.Payment.Status)
				}
			},
		},
		{
			name: "v2WithOddTip",
			doc: &Document{
				SessionID:     "legacy-3",
				SchemaVersion: 2,
				Payment:       PaymentState{Balance: 70, TabTotal: 30, TipPercentage: intPtr(18), TipAmount: 5.4},
			},
			check: func(t *testing.T, d *Document) {
				if d.Payment.TipPercentage != nil || d.Payment.TipAmount != 0 {
					t.Errorf("unoffered tip kept: %+v", d.Payment)
				}
			},
		},
		{
			name: "v2WithUnconfirmedLink",
			doc: &Document{
				SessionID:     "legacy-4",
				SchemaVersion: 2,
				Payment:       PaymentState{Balance: 50, TabTotal: 50, PaymentID: "pay_9"},
			},
			check: func(t *testing.T, d *Document) {
				if !d.Payment.NeedsReconciliation {
					t.Error("unconfirmed link not flagged for reconciliation")
				}
			},
		},
	}

	v := NewValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.doc.Clone()

			migrated := Migrate(tt.doc)
			if err := v.Validate(migrated); err != nil {
				t.Fatalf("Validate(Migrate()) error = %v", err)
			}
			if migrated.SchemaVersion != CurrentSchemaVersion {
				t.Errorf("schema_version = %d", migrated.SchemaVersion)
			}
			if tt.doc.SchemaVersion != original.SchemaVersion {
				t.Error("Migrate() modified its input")
			}
			tt.check(t, migrated)

			again := Migrate(migrated)
			if len(again.OrderHistory) > 0 && again.OrderHistory[0].ID != migrated.OrderHistory[0].ID {
				t.Error("record ids are not stable across migrations")
			}
		})
	}
}

func TestMigrateKeepsNewerSchema(t *testing.T) {
	doc := &Document{SessionID: "future", SchemaVersion: CurrentSchemaVersion + 1}
	if got := Migrate(doc); got.SchemaVersion != CurrentSchemaVersion+1 {
		t.Errorf("schema_version = %d", got.SchemaVersion)
	}
	if err := NewValidator(nil).Validate(Migrate(doc)); err == nil {
		t.Error("newer schema accepted")
	}
}
