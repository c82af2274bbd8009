package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/pkg/enums/phase"
	"github.com/appetiteclub/bartab/pkg/event"
	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
)

// Engine owns every validated read and write of session documents. All
// mutations for one session run under that session's lock and pass through
// the validator before reaching a backend.
type Engine struct {
	store          Store
	locks          *LockRegistry
	validator      *Validator
	notifier       Notifier
	logger         aqm.Logger
	now            func() time.Time
	newKey         func() string
	initialBalance float64
}

type Option func(*Engine)

func WithInitialBalance(balance float64) Option {
	return func(e *Engine) { e.initialBalance = balance }
}

func WithValidator(v *Validator) Option {
	return func(e *Engine) { e.validator = v }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(logger aqm.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithKeyGenerator sets how idempotency keys are minted.
func WithKeyGenerator(gen func() string) Option {
	return func(e *Engine) { e.newKey = gen }
}

func NewEngine(store Store, locks *LockRegistry, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		locks:          locks,
		now:            time.Now,
		newKey:         uuid.NewString,
		initialBalance: DefaultInitialBalance,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = NewLockRegistry()
	}
	if e.validator == nil {
		e.validator = NewValidator(nil)
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	if e.logger == nil {
		e.logger = aqm.NewNoopLogger()
	}
	return e
}

func (e *Engine) Locks() *LockRegistry {
	return e.locks
}

func (e *Engine) Validator() *Validator {
	return e.validator
}

// errUnchanged lets a mutation report that nothing needs to be written.
var errUnchanged = errors.New("unchanged")

type mutateOptions struct {
	supersede bool
	reset     bool
	reopen    bool
}

type mutateFunc func(doc *Document) (changeType string, err error)

// mutate runs one locked load, compute, validate and save cycle. The payment
// version is bumped here, once, whenever the payment sub-document changed.
func (e *Engine) mutate(ctx context.Context, b Backend, op string, opts mutateOptions, fn mutateFunc) (*Document, error) {
	id := b.SessionID()
	if id == "" {
		return nil, newError(KindInvalidSession, op, id, "session id is required", nil)
	}

	lock, err := e.locks.Acquire(ctx, id)
	if err != nil {
		return nil, newError(KindStoreFailure, op, id, "acquire lock", err)
	}
	doc, changes, err := e.apply(ctx, b, op, opts, fn)
	lock.Release()
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		b.deliver(ctx, changes)
	}
	return doc, nil
}

func (e *Engine) apply(ctx context.Context, b Backend, op string, opts mutateOptions, fn mutateFunc) (*Document, []Change, error) {
	id := b.SessionID()
	doc, err := b.load(ctx)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil, newError(KindInvalidSession, op, id, "", err)
	}
	if err != nil {
		return nil, nil, err
	}

	prev := doc.Clone()
	changeType, err := fn(doc)
	if errors.Is(err, errUnchanged) {
		return prev, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if paymentChanged(prev.Payment, doc.Payment) {
		doc.Payment.Version = prev.Payment.Version + 1
	}
	doc.UpdatedAt = e.now()

	if err := e.check(prev, doc, opts); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			e.logger.Info("session write rejected", "session_id", id, "op", op, "field", ve.Field, "reason", ve.Reason)
		}
		return nil, nil, newError(KindValidationFailure, op, id, "", err)
	}

	if err := b.save(ctx, doc); err != nil {
		return nil, nil, err
	}

	var changes []Change
	if changeType != "" {
		changes = append(changes, Change{
			Type:       changeType,
			SessionID:  id,
			Payment:    clonePayment(doc.Payment),
			OccurredAt: doc.UpdatedAt,
		})
	}
	return doc.Clone(), changes, nil
}

func (e *Engine) check(prev, next *Document, opts mutateOptions) error {
	if err := e.validator.Validate(next); err != nil {
		return err
	}
	return e.validator.validateTransition(prev, next, opts)
}

func clonePayment(p PaymentState) PaymentState {
	p.TipPercentage = cloneInt(p.TipPercentage)
	return p
}

// InitializeState creates the default document if the session is new and
// returns the current document either way.
func (e *Engine) InitializeState(ctx context.Context, b Backend) (*Document, error) {
	id := b.SessionID()
	if id == "" {
		return nil, newError(KindInvalidSession, "initialize", id, "session id is required", nil)
	}

	lock, err := e.locks.Acquire(ctx, id)
	if err != nil {
		return nil, newError(KindStoreFailure, "initialize", id, "acquire lock", err)
	}
	defer lock.Release()

	doc, err := b.load(ctx)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	doc = NewDocument(id, e.initialBalance, e.now())
	if err := e.validator.Validate(doc); err != nil {
		return nil, newError(KindValidationFailure, "initialize", id, "", err)
	}
	if err := b.save(ctx, doc); err != nil {
		return nil, err
	}
	e.logger.Debug("session initialized", "session_id", id)
	return doc.Clone(), nil
}

func (e *Engine) GetState(ctx context.Context, b Backend) (*Document, error) {
	doc, err := b.load(ctx)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, newError(KindInvalidSession, "get_state", b.SessionID(), "", err)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (e *Engine) GetConversationState(ctx context.Context, b Backend) (ConversationState, error) {
	doc, err := e.GetState(ctx, b)
	if err != nil {
		return ConversationState{}, err
	}
	return doc.Conversation, nil
}

// GetCurrentOrderState returns the working order together with the history.
func (e *Engine) GetCurrentOrderState(ctx context.Context, b Backend) (OrderState, error) {
	doc, err := e.GetState(ctx, b)
	if err != nil {
		return OrderState{}, err
	}
	return OrderState{Current: doc.CurrentOrder, History: doc.OrderHistory}, nil
}

func (e *Engine) GetOrderHistory(ctx context.Context, b Backend) ([]OrderRecord, error) {
	doc, err := e.GetState(ctx, b)
	if err != nil {
		return nil, err
	}
	return doc.OrderHistory, nil
}

func (e *Engine) GetPaymentState(ctx context.Context, b Backend) (PaymentState, error) {
	doc, err := e.GetState(ctx, b)
	if err != nil {
		return PaymentState{}, err
	}
	return doc.Payment, nil
}

// UpdateConversationState applies fn to a copy of the conversation state and
// writes it back when fn succeeds.
func (e *Engine) UpdateConversationState(ctx context.Context, b Backend, fn func(*ConversationState) error) (ConversationState, error) {
	doc, err := e.mutate(ctx, b, "update_conversation", mutateOptions{}, func(doc *Document) (string, error) {
		c := doc.Conversation
		if err := fn(&c); err != nil {
			return "", err
		}
		doc.Conversation = c
		return "", nil
	})
	if err != nil {
		return ConversationState{}, err
	}
	return doc.Conversation, nil
}

// RecordTurn counts a conversational turn in the given phase. Consecutive
// small talk is counted and the count resets when ordering resumes.
func (e *Engine) RecordTurn(ctx context.Context, b Backend, turnPhase string) (ConversationState, error) {
	if !phase.Valid(turnPhase) {
		return ConversationState{}, newError(KindValidationFailure, "record_turn", b.SessionID(), "",
			&ValidationError{Field: "conversation.phase", Reason: "unknown phase " + turnPhase})
	}
	now := e.now()
	return e.UpdateConversationState(ctx, b, func(c *ConversationState) error {
		c.TurnCount++
		c.Phase = turnPhase
		switch turnPhase {
		case phase.Phases.SmallTalk.Code():
			c.SmallTalkCount++
		case phase.Phases.OrderTaking.Code():
			c.SmallTalkCount = 0
		}
		c.LastActivity = now
		return nil
	})
}

// UpdateOrderState applies fn to copies of the current order and history.
// The payment tab is not touched; charging goes through the atomic operations.
func (e *Engine) UpdateOrderState(ctx context.Context, b Backend, fn func(*OrderState) error) (OrderState, error) {
	doc, err := e.mutate(ctx, b, "update_order", mutateOptions{}, func(doc *Document) (string, error) {
		cp := doc.Clone()
		state := OrderState{Current: cp.CurrentOrder, History: cp.OrderHistory}
		if err := fn(&state); err != nil {
			return "", err
		}
		doc.CurrentOrder = nonNilItems(state.Current)
		doc.OrderHistory = nonNilRecords(state.History)
		return "", nil
	})
	if err != nil {
		return OrderState{}, err
	}
	return OrderState{Current: doc.CurrentOrder, History: doc.OrderHistory}, nil
}

// AddToCurrentOrder appends an uncharged line to the working order.
func (e *Engine) AddToCurrentOrder(ctx context.Context, b Backend, item OrderItem) (OrderState, error) {
	item = e.normalizeItem(item)
	return e.UpdateOrderState(ctx, b, func(s *OrderState) error {
		s.Current = append(s.Current, item)
		return nil
	})
}

// ClearOrderHistory empties the history. The tab is left as is.
func (e *Engine) ClearOrderHistory(ctx context.Context, b Backend) error {
	_, err := e.UpdateOrderState(ctx, b, func(s *OrderState) error {
		s.History = []OrderRecord{}
		return nil
	})
	return err
}

// ResetSession puts the document back to defaults. The payment version keeps
// growing so stale expected versions stay stale. A pending payment blocks it.
func (e *Engine) ResetSession(ctx context.Context, b Backend) (*Document, error) {
	return e.mutate(ctx, b, "reset", mutateOptions{reset: true}, func(doc *Document) (string, error) {
		if doc.Payment.Status == paymentstatus.Statuses.Pending.Code() {
			return "", newError(KindPaymentRejected, "reset", doc.SessionID, "payment is pending", nil)
		}
		fresh := NewDocument(doc.SessionID, e.initialBalance, e.now())
		fresh.Revision = doc.Revision
		fresh.CreatedAt = doc.CreatedAt
		fresh.Payment.Version = doc.Payment.Version
		*doc = *fresh
		return event.EventPaymentReset, nil
	})
}

// CloseSession removes the stored document of a settled session. A pending
// attempt or an unpaid tab keeps the session open.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	lock, err := e.locks.Acquire(ctx, sessionID)
	if err != nil {
		return newError(KindStoreFailure, "close", sessionID, "acquire lock", err)
	}
	defer lock.Release()

	doc, err := e.fetch(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return newError(KindInvalidSession, "close", sessionID, "", err)
	}
	if err != nil {
		return err
	}
	if doc.Payment.Status == paymentstatus.Statuses.Pending.Code() {
		return newError(KindPaymentRejected, "close", sessionID, "payment is pending", nil)
	}
	if due := doc.Payment.AmountDue(); due > 0 {
		return newError(KindPaymentRejected, "close", sessionID, fmt.Sprintf("%.2f still due", due), nil)
	}

	if err := e.store.Delete(ctx, sessionID); err != nil {
		return newError(KindStoreFailure, "close", sessionID, "", err)
	}
	e.logger.Debug("session closed", "session_id", sessionID)
	return nil
}

func (e *Engine) normalizeItem(item OrderItem) OrderItem {
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = e.now()
	}
	item.Price = roundCents(item.Price)
	return item
}

func nonNilItems(items []OrderItem) []OrderItem {
	if items == nil {
		return []OrderItem{}
	}
	return items
}

func nonNilRecords(records []OrderRecord) []OrderRecord {
	if records == nil {
		return []OrderRecord{}
	}
	return records
}
