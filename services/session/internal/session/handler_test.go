package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aquamarinepk/aqm"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(engine *Engine, flow PaymentFlow) http.Handler {
	h := NewHandler(engine, flow, aqm.NewNoopLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler(t *testing.T) {
	tests := []struct {
		name   string
		flow   PaymentFlow
		logger aqm.Logger
	}{
		{name: "withAllDependencies", flow: &MockPaymentFlow{}, logger: aqm.NewNoopLogger()},
		{name: "withNilLogger", flow: &MockPaymentFlow{}},
		{name: "withNilPayments", logger: aqm.NewNoopLogger()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(newTestEngine(NewMemoryStore(0)), tt.flow, tt.logger)
			if h == nil || h.logger == nil {
				t.Fatal("NewHandler() returned an incomplete handler")
			}
			h.RegisterRoutes(chi.NewRouter())
		})
	}
}

func TestHandlerSessionFlow(t *testing.T) {
	store := NewCountingStore()
	engine := newTestEngine(store)
	router := newTestRouter(engine, nil)

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "unknownSession", method: http.MethodGet, path: "/sessions/t1", status: http.StatusNotFound},
		{name: "initialize", method: http.MethodPost, path: "/sessions/t1", status: http.StatusOK},
		{name: "initializeAgain", method: http.MethodPost, path: "/sessions/t1", status: http.StatusOK},
		{name: "recordTurn", method: http.MethodPost, path: "/sessions/t1/turns", body: `{"phase":"order_taking"}`, status: http.StatusOK},
		{name: "unknownPhase", method: http.MethodPost, path: "/sessions/t1/turns", body: `{"phase":"dessert"}`, status: http.StatusUnprocessableEntity},
		{name: "addItem", method: http.MethodPost, path: "/sessions/t1/items", body: `{"name":"Spritz","price":9.5,"quantity":2}`, status: http.StatusCreated},
		{name: "staleVersion", method: http.MethodPost, path: "/sessions/t1/items", body: `{"name":"Spritz","price":9.5,"expected_version":0}`, status: http.StatusConflict},
		{name: "tooExpensive", method: http.MethodPost, path: "/sessions/t1/items", body: `{"name":"Champagne","price":5000}`, status: http.StatusPaymentRequired},
		{name: "badJSON", method: http.MethodPost, path: "/sessions/t1/items", body: `{"name":`, status: http.StatusBadRequest},
		{name: "setTip", method: http.MethodPut, path: "/sessions/t1/tip", body: `{"tip_percentage":20}`, status: http.StatusOK},
		{name: "unofferedTip", method: http.MethodPut, path: "/sessions/t1/tip", body: `{"tip_percentage":7}`, status: http.StatusUnprocessableEntity},
		{name: "getPayment", method: http.MethodGet, path: "/sessions/t1/payment", status: http.StatusOK},
		{name: "checkoutWithoutProvider", method: http.MethodPost, path: "/sessions/t1/checkout", status: http.StatusServiceUnavailable},
		{name: "completeWithoutAttempt", method: http.MethodPost, path: "/sessions/t1/payment/complete", status: http.StatusOK},
		{name: "reset", method: http.MethodDelete, path: "/sessions/t1", status: http.StatusOK},
	}

	for _, st := range steps {
		rec := doRequest(router, st.method, st.path, st.body)
		if rec.Code != st.status {
			t.Fatalf("%s: status = %d, want %d (body %s)", st.name, rec.Code, st.status, rec.Body.String())
		}
	}

	doc, err := engine.GetState(context.Background(), engine.Direct("t1"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Payment.Balance != DefaultInitialBalance || len(doc.OrderHistory) != 0 {
		t.Errorf("reset document = %+v", doc.Payment)
	}
	if doc.Payment.Version != 3 {
		t.Errorf("version after reset = %d, want 3", doc.Payment.Version)
	}
}

func TestHandlerCurrentOrderFlow(t *testing.T) {
	engine := newTestEngine(NewMemoryStore(0))
	initSession(engine, "t1", 100)
	router := newTestRouter(engine, nil)

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "placeEmptyOrder", method: http.MethodPost, path: "/sessions/t1/orders", status: http.StatusUnprocessableEntity},
		{name: "queueNachos", method: http.MethodPost, path: "/sessions/t1/current", body: `{"name":"Nachos","price":8}`, status: http.StatusCreated},
		{name: "queueBeers", method: http.MethodPost, path: "/sessions/t1/current", body: `{"name":"Lager","price":5,"quantity":2}`, status: http.StatusCreated},
		{name: "queueUnnamed", method: http.MethodPost, path: "/sessions/t1/current", body: `{"price":5}`, status: http.StatusUnprocessableEntity},
		{name: "queueUnknownSession", method: http.MethodPost, path: "/sessions/t2/current", body: `{"name":"Lager","price":5}`, status: http.StatusNotFound},
		{name: "placeOrder", method: http.MethodPost, path: "/sessions/t1/orders", status: http.StatusCreated},
		{name: "closeWithOpenTab", method: http.MethodPost, path: "/sessions/t1/close", status: http.StatusConflict},
		{name: "closeUnknown", method: http.MethodPost, path: "/sessions/t2/close", status: http.StatusNotFound},
	}

	for _, st := range steps {
		rec := doRequest(router, st.method, st.path, st.body)
		if rec.Code != st.status {
			t.Fatalf("%s: status = %d, want %d (body %s)", st.name, rec.Code, st.status, rec.Body.String())
		}
	}

	doc, err := engine.GetState(context.Background(), engine.Direct("t1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.CurrentOrder) != 0 || len(doc.OrderHistory) != 2 {
		t.Errorf("current=%d history=%d", len(doc.CurrentOrder), len(doc.OrderHistory))
	}
	if doc.Payment.TabTotal != 18 || doc.Payment.Balance != 82 || doc.Payment.Version != 1 {
		t.Errorf("payment = %+v", doc.Payment)
	}
}

func TestHandlerWritesOncePerRequest(t *testing.T) {
	store := NewCountingStore()
	engine := newTestEngine(store)
	initSession(engine, "t1", 100)
	router := newTestRouter(engine, nil)
	before := store.Puts()

	rec := doRequest(router, http.MethodPost, "/sessions/t1/items", `{"name":"Lager","price":6}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := store.Puts() - before; got != 1 {
		t.Errorf("store puts = %d, want 1", got)
	}
}

func TestHandlerCheckout(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		flow   *MockPaymentFlow
		status int
	}{
		{
			name: "startsAttempt",
			flow: &MockPaymentFlow{StartFunc: func(ctx context.Context, sessionID string) (PaymentState, error) {
				if sessionID != "t1" {
					return PaymentState{}, fmt.Errorf("unexpected session %q", sessionID)
				}
				return PaymentState{Status: "pending"}, nil
			}},
			status: http.StatusOK,
		},
		{
			name:  "timeoutIsAccepted",
			query: "?wait=true",
			flow: &MockPaymentFlow{
				AwaitFunc: func(ctx context.Context, sessionID string) (PaymentState, error) {
					return PaymentState{}, fmt.Errorf("await: %w", ErrPaymentTimeout)
				},
			},
			status: http.StatusAccepted,
		},
		{
			name: "providerDown",
			flow: &MockPaymentFlow{StartFunc: func(ctx context.Context, sessionID string) (PaymentState, error) {
				return PaymentState{}, ErrPaymentUnavailable
			}},
			status: http.StatusBadGateway,
		},
		{
			name: "nothingToPay",
			flow: &MockPaymentFlow{StartFunc: func(ctx context.Context, sessionID string) (PaymentState, error) {
				return PaymentState{}, newError(KindPaymentRejected, "begin_payment", sessionID, "nothing to pay", nil)
			}},
			status: http.StatusConflict,
		},
		{
			name: "storeDown",
			flow: &MockPaymentFlow{StartFunc: func(ctx context.Context, sessionID string) (PaymentState, error) {
				return PaymentState{}, newError(KindStoreFailure, "store.get", sessionID, "", errors.New("connection refused"))
			}},
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(NewMemoryStore(0))
			initSession(engine, "t1", 100)
			router := newTestRouter(engine, tt.flow)

			rec := doRequest(router, http.MethodPost, "/sessions/t1/checkout"+tt.query, "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "insufficientFunds", err: ErrInsufficientFunds, want: http.StatusPaymentRequired},
		{name: "concurrentModification", err: fmt.Errorf("wrapped: %w", ErrConcurrentModification), want: http.StatusConflict},
		{name: "invalidSession", err: ErrInvalidSession, want: http.StatusNotFound},
		{name: "validation", err: &ValidationError{Field: "x", Reason: "y"}, want: http.StatusUnprocessableEntity},
		{name: "paymentRejected", err: ErrPaymentRejected, want: http.StatusConflict},
		{name: "paymentTimeout", err: ErrPaymentTimeout, want: http.StatusAccepted},
		{name: "nestedScope", err: ErrNestedScope, want: http.StatusInternalServerError},
		{name: "storeFailure", err: ErrStoreFailure, want: http.StatusServiceUnavailable},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
