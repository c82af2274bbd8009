package session

import (
	"context"
	"errors"
	"time"
)

// Change describes a committed payment mutation. Type is one of the
// event.EventPayment* constants.
type Change struct {
	Type       string
	SessionID  string
	Payment    PaymentState
	OccurredAt time.Time
}

// Notifier is told about changes after they are persisted.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, change Change) error

func (f NotifierFunc) Notify(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Notifiers fans a change out to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, change Change) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Change) error { return nil }
