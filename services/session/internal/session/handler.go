package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
)

const MaxBodyBytes = 1 << 20

// PaymentFlow drives a payment attempt against the external link provider.
// Each step it takes is committed before the provider is called.
type PaymentFlow interface {
	Start(ctx context.Context, sessionID string) (PaymentState, error)
	Await(ctx context.Context, sessionID string) (PaymentState, error)
}

type Handler struct {
	engine   *Engine
	payments PaymentFlow
	logger   aqm.Logger
	tlm      *telemetry.HTTP
}

func NewHandler(engine *Engine, payments PaymentFlow, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		engine:   engine,
		payments: payments,
		logger:   logger,
		tlm:      telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/{id}", h.InitializeSession)
		r.Get("/{id}", h.GetSession)
		r.Delete("/{id}", h.ResetSession)
		r.Post("/{id}/close", h.CloseSession)
		r.Post("/{id}/turns", h.RecordTurn)
		r.Post("/{id}/items", h.AddItem)
		r.Post("/{id}/current", h.AddToCurrentOrder)
		r.Post("/{id}/orders", h.PlaceOrder)
		r.Get("/{id}/payment", h.GetPayment)
		r.Put("/{id}/tip", h.SetTip)
		r.Post("/{id}/checkout", h.Checkout)
		r.Post("/{id}/payment/complete", h.CompletePayment)
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

type TurnRequest struct {
	Phase string `json:"phase"`
}

type AddItemRequest struct {
	Name            string   `json:"name"`
	Modifiers       []string `json:"modifiers,omitempty"`
	Quantity        int      `json:"quantity"`
	Price           float64  `json:"price"`
	ExpectedVersion *int64   `json:"expected_version,omitempty"`
}

type CurrentItemRequest struct {
	Name      string   `json:"name"`
	Modifiers []string `json:"modifiers,omitempty"`
	Quantity  int      `json:"quantity"`
	Price     float64  `json:"price"`
}

type PlaceOrderRequest struct {
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type TipRequest struct {
	Percentage *int `json:"tip_percentage"`
}

func (h *Handler) InitializeSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.InitializeSession")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}

	var doc *Document
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		doc, err = h.engine.InitializeState(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot initialize session", err)
		return
	}

	aqm.Respond(w, http.StatusOK, doc, nil)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetSession")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}

	var doc *Document
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		doc, err = h.engine.GetState(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot get session", err)
		return
	}

	aqm.Respond(w, http.StatusOK, doc, nil)
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ResetSession")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}

	var doc *Document
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		doc, err = h.engine.ResetSession(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot reset session", err)
		return
	}

	aqm.Respond(w, http.StatusOK, doc, nil)
}

// CloseSession drops the stored document once the tab is settled.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CloseSession")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}

	if err := h.engine.CloseSession(r.Context(), id); err != nil {
		h.respondError(w, log, "cannot close session", err)
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"closed":     true,
	}, nil)
}

func (h *Handler) RecordTurn(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.RecordTurn")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}
	var req TurnRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	var conv ConversationState
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		if _, err := h.engine.InitializeState(ctx, s); err != nil {
			return err
		}
		var err error
		conv, err = h.engine.RecordTurn(ctx, s, req.Phase)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot record turn", err)
		return
	}

	aqm.Respond(w, http.StatusOK, conv, nil)
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.AddItem")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}
	var req AddItemRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	item := OrderItem{Name: req.Name, Modifiers: req.Modifiers, Quantity: req.Quantity, Price: req.Price}
	var (
		rec     OrderRecord
		payment PaymentState
	)
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		if rec, _, err = h.engine.AddItem(ctx, s, item, req.ExpectedVersion); err != nil {
			return err
		}
		payment, err = h.engine.GetPaymentState(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot add item", err)
		return
	}

	aqm.Respond(w, http.StatusCreated, map[string]interface{}{
		"order":   rec,
		"payment": payment,
	}, nil)
}

// AddToCurrentOrder queues an item on the current order without charging.
// PlaceOrder charges everything queued here.
func (h *Handler) AddToCurrentOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.AddToCurrentOrder")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}
	var req CurrentItemRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	item := OrderItem{Name: req.Name, Modifiers: req.Modifiers, Quantity: req.Quantity, Price: req.Price}
	var state OrderState
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		state, err = h.engine.AddToCurrentOrder(ctx, s, item)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot add to current order", err)
		return
	}

	aqm.Respond(w, http.StatusCreated, state, nil)
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.PlaceOrder")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}
	var req PlaceOrderRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	var (
		placed  []OrderRecord
		payment PaymentState
	)
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		if placed, err = h.engine.PlaceOrder(ctx, s, req.ExpectedVersion); err != nil {
			return err
		}
		payment, err = h.engine.GetPaymentState(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot place order", err)
		return
	}

	aqm.Respond(w, http.StatusCreated, map[string]interface{}{
		"orders":  placed,
		"payment": payment,
	}, nil)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetPayment")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}

	var payment PaymentState
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		payment, err = h.engine.GetPaymentState(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot get payment", err)
		return
	}

	aqm.Respond(w, http.StatusOK, payment, nil)
}

func (h *Handler) SetTip(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.SetTip")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}
	var req TipRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	var payment PaymentState
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		payment, err = h.engine.SetTip(ctx, s, req.Percentage)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot set tip", err)
		return
	}

	aqm.Respond(w, http.StatusOK, payment, nil)
}

// Checkout starts a payment attempt. With ?wait=true it also waits for the
// provider to confirm. Provider outages and confirmation timeouts leave the
// failed or flagged attempt stored.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.Checkout")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}
	if h.payments == nil {
		aqm.RespondError(w, http.StatusServiceUnavailable, "Payments are not configured")
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	payment, flowErr := h.payments.Start(r.Context(), id)
	if flowErr == nil && wait {
		payment, flowErr = h.payments.Await(r.Context(), id)
	}
	if flowErr != nil && !errors.Is(flowErr, ErrPaymentUnavailable) && !errors.Is(flowErr, ErrPaymentTimeout) {
		h.respondError(w, log, "cannot check out", flowErr)
		return
	}

	if errors.Is(flowErr, ErrPaymentTimeout) {
		aqm.Respond(w, http.StatusAccepted, payment, nil)
		return
	}
	if flowErr != nil {
		log.Error("payment provider unavailable", "session_id", id, "error", flowErr)
		aqm.RespondError(w, http.StatusBadGateway, "Payment provider unavailable, please try again")
		return
	}

	aqm.Respond(w, http.StatusOK, payment, nil)
}

func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CompletePayment")
	defer finish()
	log := h.log(r)

	id, ok := h.sessionID(w, r, log)
	if !ok {
		return
	}

	var payment PaymentState
	err := h.engine.WithBatch(r.Context(), id, func(ctx context.Context, s *Scope) error {
		var err error
		payment, err = h.engine.AtomicPaymentComplete(ctx, s)
		return err
	})
	if err != nil {
		h.respondError(w, log, "cannot complete payment", err)
		return
	}

	aqm.Respond(w, http.StatusOK, payment, nil)
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request, log aqm.Logger) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		log.Debug("missing id parameter")
		aqm.RespondError(w, http.StatusBadRequest, "Missing id parameter")
		return "", false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log aqm.Logger, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Debug("failed to read request body", "error", err)
		aqm.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		log.Debug("failed to decode request body", "error", err)
		aqm.RespondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

// StatusFor maps an engine error to the HTTP status returned to clients.
func StatusFor(err error) int {
	switch KindOf(err) {
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindConcurrentModification, KindPaymentRejected:
		return http.StatusConflict
	case KindInvalidSession:
		return http.StatusNotFound
	case KindValidationFailure:
		return http.StatusUnprocessableEntity
	case KindPaymentTimeout:
		return http.StatusAccepted
	case KindStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, log aqm.Logger, msg string, err error) {
	status := StatusFor(err)
	switch KindOf(err) {
	case KindInsufficientFunds:
		aqm.RespondError(w, status, "Insufficient funds, please check your total")
	case KindConcurrentModification:
		aqm.RespondError(w, status, "Session changed concurrently, please retry")
	case KindInvalidSession:
		aqm.RespondError(w, status, "Session not found")
	case KindValidationFailure:
		aqm.RespondError(w, status, err.Error())
	case KindPaymentRejected:
		aqm.RespondError(w, status, err.Error())
	default:
		log.Errorf("%s: %v", msg, err)
		aqm.RespondError(w, status, "Could not process session request")
	}
}
