package session

import (
	"context"
	"fmt"
	"math"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/event"
	"github.com/google/uuid"
)

// LineTotal is the charge for an order line.
func (i OrderItem) LineTotal() float64 {
	return roundCents(i.Price * float64(i.Quantity))
}

// AtomicOrderUpdate deducts price from the balance and adds it to the tab.
// When expectedVersion is set and no longer matches, nothing is written.
func (e *Engine) AtomicOrderUpdate(ctx context.Context, b Backend, price float64, expectedVersion *int64) (float64, error) {
	doc, err := e.mutate(ctx, b, "atomic_order_update", mutateOptions{}, func(doc *Document) (string, error) {
		if err := e.charge(doc, "atomic_order_update", price, expectedVersion); err != nil {
			return "", err
		}
		return event.EventPaymentOrderAdded, nil
	})
	if err != nil {
		return 0, err
	}
	return doc.Payment.Balance, nil
}

// AddItem charges an order line and records it in the history in a single
// locked mutation.
func (e *Engine) AddItem(ctx context.Context, b Backend, item OrderItem, expectedVersion *int64) (OrderRecord, float64, error) {
	item = e.normalizeItem(item)
	var rec OrderRecord
	doc, err := e.mutate(ctx, b, "add_item", mutateOptions{}, func(doc *Document) (string, error) {
		if err := e.charge(doc, "add_item", item.LineTotal(), expectedVersion); err != nil {
			return "", err
		}
		rec = e.record(item)
		doc.OrderHistory = append(doc.OrderHistory, rec)
		return event.EventPaymentOrderAdded, nil
	})
	if err != nil {
		return OrderRecord{}, 0, err
	}
	return rec, doc.Payment.Balance, nil
}

// PlaceOrder charges every line of the current order at once, moves the lines
// to the history and clears the working order.
func (e *Engine) PlaceOrder(ctx context.Context, b Backend, expectedVersion *int64) ([]OrderRecord, error) {
	var placed []OrderRecord
	_, err := e.mutate(ctx, b, "place_order", mutateOptions{}, func(doc *Document) (string, error) {
		if len(doc.CurrentOrder) == 0 {
			return "", newError(KindValidationFailure, "place_order", doc.SessionID, "",
				&ValidationError{Field: "current_order", Reason: "is empty"})
		}
		total := 0.0
		for _, item := range doc.CurrentOrder {
			total += item.LineTotal()
		}
		if err := e.charge(doc, "place_order", roundCents(total), expectedVersion); err != nil {
			return "", err
		}
		placed = make([]OrderRecord, 0, len(doc.CurrentOrder))
		for _, item := range doc.CurrentOrder {
			placed = append(placed, e.record(item))
		}
		doc.OrderHistory = append(doc.OrderHistory, placed...)
		doc.CurrentOrder = []OrderItem{}
		return event.EventPaymentOrderAdded, nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// charge is the shared deduction rule. A settled tab is reopened by the first
// charge after it.
func (e *Engine) charge(doc *Document, op string, price float64, expectedVersion *int64) error {
	p := &doc.Payment
	if expectedVersion != nil && *expectedVersion != p.Version {
		return newError(KindConcurrentModification, op, doc.SessionID,
			fmt.Sprintf("expected version %d, current %d", *expectedVersion, p.Version), nil)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return newError(KindValidationFailure, op, doc.SessionID, "",
			&ValidationError{Field: "price", Reason: "must be a positive amount"})
	}
	price = roundCents(price)
	if price <= 0 {
		return newError(KindValidationFailure, op, doc.SessionID, "",
			&ValidationError{Field: "price", Reason: "must be at least one cent"})
	}
	if p.Balance < price {
		return newError(KindInsufficientFunds, op, doc.SessionID,
			fmt.Sprintf("balance %.2f, price %.2f", p.Balance, price), nil)
	}

	if p.Status == paymentstatus.Statuses.Succeeded.Code() {
		reopen(p)
	}
	p.Balance = roundCents(p.Balance - price)
	p.TabTotal = roundCents(p.TabTotal + price)
	p.TipAmount = tipFor(p.TabTotal, p.TipPercentage)
	return nil
}

func reopen(p *PaymentState) {
	p.Status = paymentstatus.Statuses.None.Code()
	p.PaymentID = ""
	p.PaymentURL = ""
	p.PaymentAmount = 0
	p.IdempotencyKey = ""
	p.CoveredTabTotal = 0
	p.CoveredRecords = 0
}

func (e *Engine) record(item OrderItem) OrderRecord {
	return OrderRecord{
		ID:        uuid.New(),
		Item:      item.Name,
		Modifiers: cloneStrings(item.Modifiers),
		Quantity:  item.Quantity,
		Price:     item.LineTotal(),
		OrderedAt: e.now(),
	}
}

// AtomicPaymentComplete settles a pending payment: the part of the tab the
// attempt covers is cleared and its history records are marked paid. Completing a tab that is already
// settled or has no attempt is a successful no-op; completing a failed
// attempt is rejected.
func (e *Engine) AtomicPaymentComplete(ctx context.Context, b Backend) (PaymentState, error) {
	doc, err := e.mutate(ctx, b, "atomic_payment_complete", mutateOptions{}, func(doc *Document) (string, error) {
		return e.complete(doc, "atomic_payment_complete")
	})
	if err != nil {
		return PaymentState{}, err
	}
	return doc.Payment, nil
}

// ConfirmPayment completes the attempt identified by key. Reports for any
// other attempt are ignored and applied is false.
func (e *Engine) ConfirmPayment(ctx context.Context, b Backend, key string) (applied bool, err error) {
	_, err = e.mutate(ctx, b, "confirm_payment", mutateOptions{}, func(doc *Document) (string, error) {
		if doc.Payment.IdempotencyKey != key || doc.Payment.Status != paymentstatus.Statuses.Pending.Code() {
			return "", errUnchanged
		}
		applied = true
		return e.complete(doc, "confirm_payment")
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (e *Engine) complete(doc *Document, op string) (string, error) {
	p := &doc.Payment
	switch p.Status {
	case paymentstatus.Statuses.None.Code(), paymentstatus.Statuses.Succeeded.Code():
		return "", errUnchanged
	case paymentstatus.Statuses.Failed.Code():
		return "", newError(KindPaymentRejected, op, doc.SessionID, "payment attempt failed", nil)
	}

	// Attempts written before coverage was tracked pay for the whole tab.
	covered, records := p.CoveredTabTotal, p.CoveredRecords
	if covered == 0 && records == 0 {
		covered, records = p.TabTotal, len(doc.OrderHistory)
	}
	if records > len(doc.OrderHistory) {
		records = len(doc.OrderHistory)
	}

	now := e.now()
	for i := range doc.OrderHistory[:records] {
		rec := &doc.OrderHistory[i]
		if rec.Paid {
			continue
		}
		rec.Paid = true
		paidAt := now
		rec.PaidAt = &paidAt
		rec.TipPercentage = cloneInt(p.TipPercentage)
		rec.TipAmount = tipFor(rec.Price, p.TipPercentage)
	}

	// Charges taken while the attempt was pending stay on the tab.
	remaining := roundCents(p.TabTotal - covered)
	if remaining < moneyTolerance {
		remaining = 0
		p.TipPercentage = nil
	}
	p.TabTotal = remaining
	p.TipAmount = tipFor(remaining, p.TipPercentage)
	p.Status = paymentstatus.Statuses.Succeeded.Code()
	p.NeedsReconciliation = false
	return event.EventPaymentCompleted, nil
}

// SetTip selects a tip percentage. Selecting the current percentage again
// clears it, nil clears it outright.
func (e *Engine) SetTip(ctx context.Context, b Backend, pct *int) (PaymentState, error) {
	if pct != nil && !e.validator.AllowsTip(*pct) {
		return PaymentState{}, newError(KindValidationFailure, "set_tip", b.SessionID(), "",
			&ValidationError{Field: "tip_percentage", Reason: fmt.Sprintf("%d is not an offered tip", *pct)})
	}
	doc, err := e.mutate(ctx, b, "set_tip", mutateOptions{}, func(doc *Document) (string, error) {
		p := &doc.Payment
		switch {
		case pct == nil && p.TipPercentage == nil:
			return "", errUnchanged
		case pct == nil, p.TipPercentage != nil && *p.TipPercentage == *pct:
			p.TipPercentage = nil
		default:
			p.TipPercentage = cloneInt(pct)
		}
		p.TipAmount = tipFor(p.TabTotal, p.TipPercentage)
		return event.EventPaymentTipChanged, nil
	})
	if err != nil {
		return PaymentState{}, err
	}
	return doc.Payment, nil
}

// BeginPayment moves the tab to pending under a fresh idempotency key. A
// pending attempt for the same amount is returned as is; one for a different
// amount is superseded by a new key. A settled tab that still carries charges
// taken during its last attempt opens the next attempt directly.
func (e *Engine) BeginPayment(ctx context.Context, b Backend) (PaymentState, error) {
	doc, err := e.mutate(ctx, b, "begin_payment", mutateOptions{supersede: true, reopen: true}, func(doc *Document) (string, error) {
		p := &doc.Payment
		due := p.AmountDue()
		if due <= 0 {
			return "", newError(KindPaymentRejected, "begin_payment", doc.SessionID, "nothing to pay", nil)
		}
		if p.Status == paymentstatus.Statuses.Pending.Code() && p.PaymentAmount == due {
			return "", errUnchanged
		}
		p.Status = paymentstatus.Statuses.Pending.Code()
		p.IdempotencyKey = e.newKey()
		p.PaymentAmount = due
		p.CoveredTabTotal = p.TabTotal
		p.CoveredRecords = len(doc.OrderHistory)
		p.PaymentID = ""
		p.PaymentURL = ""
		return event.EventPaymentPending, nil
	})
	if err != nil {
		return PaymentState{}, err
	}
	return doc.Payment, nil
}

// AttachPaymentLink stores the provider link for the pending attempt key.
func (e *Engine) AttachPaymentLink(ctx context.Context, b Backend, key, paymentID, url string) (PaymentState, error) {
	doc, err := e.mutate(ctx, b, "attach_payment_link", mutateOptions{}, func(doc *Document) (string, error) {
		p := &doc.Payment
		if p.Status != paymentstatus.Statuses.Pending.Code() || p.IdempotencyKey != key {
			return "", newError(KindPaymentRejected, "attach_payment_link", doc.SessionID, "attempt is no longer pending", nil)
		}
		if p.PaymentID == paymentID && p.PaymentURL == url {
			return "", errUnchanged
		}
		p.PaymentID = paymentID
		p.PaymentURL = url
		return "", nil
	})
	if err != nil {
		return PaymentState{}, err
	}
	return doc.Payment, nil
}

// MarkPaymentFailed fails the pending attempt identified by key. Stale keys
// are ignored and applied is false.
func (e *Engine) MarkPaymentFailed(ctx context.Context, b Backend, key string) (applied bool, err error) {
	_, err = e.mutate(ctx, b, "mark_payment_failed", mutateOptions{}, func(doc *Document) (string, error) {
		p := &doc.Payment
		if p.Status != paymentstatus.Statuses.Pending.Code() || p.IdempotencyKey != key {
			return "", errUnchanged
		}
		applied = true
		p.Status = paymentstatus.Statuses.Failed.Code()
		return event.EventPaymentFailed, nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// FlagReconciliation marks the tab for later reconciliation after an attempt
// could not be confirmed in time.
func (e *Engine) FlagReconciliation(ctx context.Context, b Backend) (PaymentState, error) {
	doc, err := e.mutate(ctx, b, "flag_reconciliation", mutateOptions{}, func(doc *Document) (string, error) {
		if doc.Payment.NeedsReconciliation {
			return "", errUnchanged
		}
		doc.Payment.NeedsReconciliation = true
		return event.EventPaymentReconciliation, nil
	})
	if err != nil {
		return PaymentState{}, err
	}
	return doc.Payment, nil
}
