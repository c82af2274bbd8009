package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
)

const (
	DefaultConfirmTimeout = 30 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// Checkout runs a payment attempt. Every engine step is committed directly,
// so the provider only ever sees attempts that are already stored.
type Checkout struct {
	engine   *session.Engine
	provider Provider
	timeout  time.Duration
	interval time.Duration
	logger   aqm.Logger
}

var _ session.PaymentFlow = (*Checkout)(nil)

func NewCheckout(engine *session.Engine, provider Provider, timeout, interval time.Duration, logger aqm.Logger) *Checkout {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Checkout{
		engine:   engine,
		provider: provider,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}
}

// Start moves the tab to pending and obtains a payment link for it. An
// attempt that already has a link is returned unchanged. When the provider
// is down the attempt is marked failed so it can be retried.
func (c *Checkout) Start(ctx context.Context, sessionID string) (session.PaymentState, error) {
	b := c.engine.Direct(sessionID)
	p, err := c.engine.BeginPayment(ctx, b)
	if err != nil {
		return session.PaymentState{}, err
	}
	if p.PaymentURL != "" {
		return p, nil
	}

	link, err := c.provider.CreatePaymentLink(ctx, p.PaymentAmount, p.IdempotencyKey)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.logger.Info("payment link creation failed", "session_id", b.SessionID(), "error", err)
		if _, ferr := c.engine.MarkPaymentFailed(ctx, b, p.IdempotencyKey); ferr != nil {
			return session.PaymentState{}, errors.Join(err, ferr)
		}
		failed, _ := c.engine.GetPaymentState(ctx, b)
		return failed, err
	}

	return c.engine.AttachPaymentLink(ctx, b, p.IdempotencyKey, link.PaymentID, link.URL)
}

// Await polls the provider until the pending attempt resolves or the confirm
// timeout passes. On timeout the tab is flagged for reconciliation and an
// error matching session.ErrPaymentTimeout is returned.
func (c *Checkout) Await(ctx context.Context, sessionID string) (session.PaymentState, error) {
	b := c.engine.Direct(sessionID)
	p, err := c.engine.GetPaymentState(ctx, b)
	if err != nil {
		return session.PaymentState{}, err
	}
	if p.Status != paymentstatus.Statuses.Pending.Code() {
		return p, nil
	}
	if p.PaymentID == "" {
		return p, &session.Error{Kind: session.KindPaymentRejected, Op: "await", SessionID: b.SessionID(), Msg: "attempt has no payment link"}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		status, err := c.provider.CheckStatus(waitCtx, p.PaymentID)
		if err != nil {
			c.logger.Debug("payment status check failed", "session_id", b.SessionID(), "payment_id", p.PaymentID, "error", err)
		}

		switch status {
		case paymentstatus.Statuses.Succeeded.Code():
			if _, err := c.engine.ConfirmPayment(ctx, b, p.IdempotencyKey); err != nil {
				return session.PaymentState{}, err
			}
			return c.engine.GetPaymentState(ctx, b)
		case paymentstatus.Statuses.Failed.Code():
			if _, err := c.engine.MarkPaymentFailed(ctx, b, p.IdempotencyKey); err != nil {
				return session.PaymentState{}, err
			}
			return c.engine.GetPaymentState(ctx, b)
		}

		select {
		case <-waitCtx.Done():
			return c.timedOut(context.WithoutCancel(ctx), b)
		case <-ticker.C:
		}
	}
}

func (c *Checkout) timedOut(ctx context.Context, b *session.DirectBackend) (session.PaymentState, error) {
	c.logger.Info("payment confirmation timed out", "session_id", b.SessionID(), "timeout", c.timeout.String())
	flagged, err := c.engine.FlagReconciliation(ctx, b)
	if err != nil {
		return session.PaymentState{}, err
	}
	return flagged, &session.Error{
		Kind:      session.KindPaymentTimeout,
		Op:        "await",
		SessionID: b.SessionID(),
		Msg:       "payment not confirmed within " + c.timeout.String(),
	}
}
