package session

import (
	"fmt"
	"math"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/enums/phase"
)

// DefaultTipPercentages are the tip options offered by the UI.
var DefaultTipPercentages = []int{0, 10, 15, 20}

const moneyTolerance = 0.005

// Validator is the only gate between a computed document and a store write.
// It never mutates the document it checks.
type Validator struct {
	tips map[int]bool
}

func NewValidator(tipPercentages []int) *Validator {
	if len(tipPercentages) == 0 {
		tipPercentages = DefaultTipPercentages
	}
	tips := make(map[int]bool, len(tipPercentages))
	for _, pct := range tipPercentages {
		tips[pct] = true
	}
	return &Validator{tips: tips}
}

// AllowsTip reports whether pct is one of the configured tip options.
func (v *Validator) AllowsTip(pct int) bool {
	return v.tips[pct]
}

// Validate checks field types, ranges, enums and cross-field consistency.
func (v *Validator) Validate(doc *Document) error {
	if doc == nil {
		return &ValidationError{Field: "document", Reason: "is nil"}
	}
	if doc.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "is required"}
	}
	if doc.SchemaVersion != CurrentSchemaVersion {
		return &ValidationError{Field: "schema_version", Reason: fmt.Sprintf("must be %d, got %d", CurrentSchemaVersion, doc.SchemaVersion)}
	}
	if doc.Revision < 0 {
		return &ValidationError{Field: "revision", Reason: "cannot be negative"}
	}
	if err := v.validateConversation(doc.Conversation); err != nil {
		return err
	}
	for i, item := range doc.CurrentOrder {
		if err := validateLine(fmt.Sprintf("current_order[%d]", i), item.Name, item.Quantity, item.Price); err != nil {
			return err
		}
	}
	for i, rec := range doc.OrderHistory {
		field := fmt.Sprintf("order_history[%d]", i)
		if err := validateLine(field, rec.Item, rec.Quantity, rec.Price); err != nil {
			return err
		}
		if !finiteNonNegative(rec.TipAmount) {
			return &ValidationError{Field: field + ".tip_amount", Reason: "must be a non-negative amount"}
		}
	}
	return v.validatePayment(doc.Payment)
}

func (v *Validator) validateConversation(c ConversationState) error {
	if c.TurnCount < 0 {
		return &ValidationError{Field: "conversation.turn_count", Reason: "cannot be negative"}
	}
	if c.SmallTalkCount < 0 {
		return &ValidationError{Field: "conversation.small_talk_count", Reason: "cannot be negative"}
	}
	if !phase.Valid(c.Phase) {
		return &ValidationError{Field: "conversation.phase", Reason: fmt.Sprintf("unknown phase %q", c.Phase)}
	}
	return nil
}

func validateLine(field, name string, quantity int, price float64) error {
	if name == "" {
		return &ValidationError{Field: field + ".name", Reason: "is required"}
	}
	if quantity < 1 {
		return &ValidationError{Field: field + ".quantity", Reason: "must be at least 1"}
	}
	if !finiteNonNegative(price) {
		return &ValidationError{Field: field + ".price", Reason: "must be a non-negative amount"}
	}
	return nil
}

func (v *Validator) validatePayment(p PaymentState) error {
	if !finiteNonNegative(p.Balance) {
		return &ValidationError{Field: "payment.balance", Reason: "must be a non-negative amount"}
	}
	if !finiteNonNegative(p.TabTotal) {
		return &ValidationError{Field: "payment.tab_total", Reason: "must be a non-negative amount"}
	}
	if !finiteNonNegative(p.TipAmount) {
		return &ValidationError{Field: "payment.tip_amount", Reason: "must be a non-negative amount"}
	}
	if !finiteNonNegative(p.PaymentAmount) {
		return &ValidationError{Field: "payment.payment_amount", Reason: "must be a non-negative amount"}
	}
	if !finiteNonNegative(p.CoveredTabTotal) {
		return &ValidationError{Field: "payment.covered_tab_total", Reason: "must be a non-negative amount"}
	}
	if p.CoveredRecords < 0 {
		return &ValidationError{Field: "payment.covered_records", Reason: "cannot be negative"}
	}
	if p.Version < 0 {
		return &ValidationError{Field: "payment.version", Reason: "cannot be negative"}
	}
	if !paymentstatus.Valid(p.Status) {
		return &ValidationError{Field: "payment.payment_status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}

	if p.TipPercentage == nil {
		if p.TipAmount != 0 {
			return &ValidationError{Field: "payment.tip_amount", Reason: "must be zero when no tip is selected"}
		}
	} else {
		if !v.tips[*p.TipPercentage] {
			return &ValidationError{Field: "payment.tip_percentage", Reason: fmt.Sprintf("%d is not an offered tip", *p.TipPercentage)}
		}
		if math.Abs(p.TipAmount-tipFor(p.TabTotal, p.TipPercentage)) > moneyTolerance {
			return &ValidationError{Field: "payment.tip_amount", Reason: "does not match tip_percentage of tab_total"}
		}
	}

	if p.Status == paymentstatus.Statuses.Pending.Code() && p.IdempotencyKey == "" {
		return &ValidationError{Field: "payment.idempotency_key", Reason: "is required while a payment is pending"}
	}
	return nil
}

// ValidateTransition checks the rules that relate a document to its
// predecessor: the payment status graph, the version step and the stability
// of a pending idempotency key.
func (v *Validator) ValidateTransition(prev, next *Document) error {
	return v.validateTransition(prev, next, mutateOptions{})
}

// validateTransition also accepts a superseded pending key and, for resets,
// any move back to none.
func (v *Validator) validateTransition(prev, next *Document, opts mutateOptions) error {
	if prev == nil || next == nil {
		return nil
	}
	from, to := prev.Payment.Status, next.Payment.Status
	none := paymentstatus.Statuses.None.Code()
	reopened := opts.reopen && paymentstatus.CanTransition(from, none) && paymentstatus.CanTransition(none, to)
	if !paymentstatus.CanTransition(from, to) && !(opts.reset && to == none) && !reopened {
		return &ValidationError{Field: "payment.payment_status", Reason: fmt.Sprintf("cannot move from %s to %s", from, to)}
	}

	want := prev.Payment.Version
	if paymentChanged(prev.Payment, next.Payment) {
		want++
	}
	if next.Payment.Version != want {
		return &ValidationError{Field: "payment.version", Reason: fmt.Sprintf("must be %d, got %d", want, next.Payment.Version)}
	}

	pending := paymentstatus.Statuses.Pending.Code()
	if from == pending && to == pending && prev.Payment.IdempotencyKey != next.Payment.IdempotencyKey && !opts.supersede {
		return &ValidationError{Field: "payment.idempotency_key", Reason: "cannot change while the payment is pending"}
	}
	return nil
}

// paymentChanged compares everything but the version token.
func paymentChanged(a, b PaymentState) bool {
	a.Version, b.Version = 0, 0
	ap, bp := a.TipPercentage, b.TipPercentage
	a.TipPercentage, b.TipPercentage = nil, nil
	if a != b {
		return true
	}
	if (ap == nil) != (bp == nil) {
		return true
	}
	return ap != nil && *ap != *bp
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
