package session

import (
	"fmt"
	"math"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/enums/phase"
	"github.com/google/uuid"
)

// Migrate upgrades a document written by an older schema to the current one.
// Existing values are kept, missing ones get current defaults. The input is
// not modified. Documents from a newer schema are returned unchanged so that
// Validate rejects them.
func Migrate(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	if out.SchemaVersion > CurrentSchemaVersion {
		return out
	}

	if out.SchemaVersion < 1 {
		out.SchemaVersion = 1
	}
	fillConversation(out)
	fillOrders(out)

	// A payment block already present on an unversioned document is kept.
	if out.SchemaVersion < 2 {
		if out.Payment == (PaymentState{}) {
			out.Payment = defaultPayment(DefaultInitialBalance)
			out.Payment.TabTotal = unpaidTotal(out.OrderHistory)
		}
		out.SchemaVersion = 2
	}
	if out.SchemaVersion < 3 {
		upgradePaymentV3(&out.Payment)
		out.SchemaVersion = 3
	}
	fillPayment(&out.Payment)
	return out
}

func fillConversation(doc *Document) {
	c := &doc.Conversation
	if c.Phase == "" || !phase.Valid(c.Phase) {
		c.Phase = phase.Phases.Greeting.Code()
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = doc.UpdatedAt
	}
}

func fillOrders(doc *Document) {
	if doc.CurrentOrder == nil {
		doc.CurrentOrder = []OrderItem{}
	}
	if doc.OrderHistory == nil {
		doc.OrderHistory = []OrderRecord{}
	}
	for i := range doc.CurrentOrder {
		if doc.CurrentOrder[i].Quantity < 1 {
			doc.CurrentOrder[i].Quantity = 1
		}
	}
	for i := range doc.OrderHistory {
		rec := &doc.OrderHistory[i]
		if rec.ID == uuid.Nil {
			rec.ID = legacyRecordID(doc.SessionID, i)
		}
		if rec.Quantity < 1 {
			rec.Quantity = 1
		}
		if rec.TipAmount < 0 || math.IsNaN(rec.TipAmount) {
			rec.TipAmount = 0
		}
	}
}

// legacyRecordID is stable so that migrating the same document twice yields
// the same record ids.
func legacyRecordID(sessionID string, index int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("bartab/%s/%d", sessionID, index)))
}

func unpaidTotal(records []OrderRecord) float64 {
	total := 0.0
	for _, rec := range records {
		if !rec.Paid {
			total += rec.Price
		}
	}
	return roundCents(total)
}

// upgradePaymentV3 derives status fields for tabs written before the payment
// status machine existed. A link that was never confirmed is parked for
// reconciliation instead of being guessed.
func upgradePaymentV3(p *PaymentState) {
	if p.Status != "" {
		return
	}
	p.Status = paymentstatus.Statuses.None.Code()
	if p.PaymentID != "" {
		p.NeedsReconciliation = true
	}
	p.IdempotencyKey = ""
}

func fillPayment(p *PaymentState) {
	if !paymentstatus.Valid(p.Status) {
		p.Status = paymentstatus.Statuses.None.Code()
	}
	if p.Status == paymentstatus.Statuses.Pending.Code() && p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.NewSHA1(uuid.NameSpaceOID, []byte("bartab/legacy/"+p.PaymentID)).String()
	}
	if p.Version < 0 {
		p.Version = 0
	}

	if p.TipPercentage == nil && p.TipAmount > 0 {
		p.TipPercentage = inferTipPercentage(p.TabTotal, p.TipAmount)
	}
	if p.TipPercentage != nil && !allowedDefaultTip(*p.TipPercentage) {
		p.TipPercentage = nil
	}
	p.TipAmount = tipFor(p.TabTotal, p.TipPercentage)
}

func inferTipPercentage(tabTotal, tipAmount float64) *int {
	for _, pct := range DefaultTipPercentages {
		pct := pct
		if math.Abs(tipFor(tabTotal, &pct)-tipAmount) <= moneyTolerance {
			return &pct
		}
	}
	return nil
}

func allowedDefaultTip(pct int) bool {
	for _, p := range DefaultTipPercentages {
		if p == pct {
			return true
		}
	}
	return false
}
