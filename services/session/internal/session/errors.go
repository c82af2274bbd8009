package session

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can react without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindInsufficientFunds
	KindConcurrentModification
	KindInvalidSession
	KindValidationFailure
	KindPaymentTimeout
	KindNestedScope
	KindPaymentRejected
	KindStoreFailure
)

func (k Kind) String() string {
	switch k {
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindConcurrentModification:
		return "concurrent_modification"
	case KindInvalidSession:
		return "invalid_session"
	case KindValidationFailure:
		return "validation_failure"
	case KindPaymentTimeout:
		return "payment_timeout"
	case KindNestedScope:
		return "nested_scope"
	case KindPaymentRejected:
		return "payment_rejected"
	case KindStoreFailure:
		return "store_failure"
	default:
		return "unknown"
	}
}

// Sentinels match any *Error of the same kind through errors.Is.
var (
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrInvalidSession         = &Error{Kind: KindInvalidSession}
	ErrValidation             = &Error{Kind: KindValidationFailure}
	ErrPaymentTimeout         = &Error{Kind: KindPaymentTimeout}
	ErrNestedScope            = &Error{Kind: KindNestedScope}
	ErrPaymentRejected        = &Error{Kind: KindPaymentRejected}
	ErrStoreFailure           = &Error{Kind: KindStoreFailure}
)

// ErrSessionNotFound is returned by stores for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrPaymentUnavailable is returned when the payment-link provider cannot be reached.
var ErrPaymentUnavailable = errors.New("payment provider unavailable")

// ErrScopeClosed is returned when a scope is used after Exit or Discard.
var ErrScopeClosed = errors.New("batch scope already closed")

type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SessionID != "" {
		msg += " (session " + e.SessionID + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind so wrapped engine errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, sessionID, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Msg: msg, Err: err}
}

// ValidationError names the document field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindValidationFailure
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidationFailure
	}
	return KindUnknown
}
