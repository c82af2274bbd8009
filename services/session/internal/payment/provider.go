package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/appetiteclub/bartab/pkg/enums/paymentstatus"
	"github.com/appetiteclub/bartab/services/session/internal/session"
	"github.com/aquamarinepk/aqm"
)

// ErrUnavailable is returned when the provider cannot be reached or refuses
// the request.
var ErrUnavailable = session.ErrPaymentUnavailable

// Link is a hosted payment page created by the provider.
type Link struct {
	PaymentID string `json:"payment_id"`
	URL       string `json:"url"`
}

// Provider is the external payment-link capability.
type Provider interface {
	CreatePaymentLink(ctx context.Context, amount float64, idempotencyKey string) (Link, error)
	CheckStatus(ctx context.Context, paymentID string) (string, error)
}

// Requester is the part of aqm.ServiceClient the provider uses.
type Requester interface {
	Request(ctx context.Context, method, path string, body interface{}) (*aqm.SuccessResponse, error)
}

// HTTPProvider talks to the payments service through an aqm service client.
type HTTPProvider struct {
	client Requester
}

var _ Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(client Requester) *HTTPProvider {
	return &HTTPProvider{client: client}
}

type createLinkRequest struct {
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func (p *HTTPProvider) CreatePaymentLink(ctx context.Context, amount float64, idempotencyKey string) (Link, error) {
	resp, err := p.client.Request(ctx, "POST", "/payment-links", createLinkRequest{
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var link Link
	if err := decodeSuccessResponse(resp, &link); err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if link.PaymentID == "" || link.URL == "" {
		return Link{}, fmt.Errorf("%w: incomplete payment link", ErrUnavailable)
	}
	return link, nil
}

func (p *HTTPProvider) CheckStatus(ctx context.Context, paymentID string) (string, error) {
	resp, err := p.client.Request(ctx, "GET", "/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := decodeSuccessResponse(resp, &body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !paymentstatus.Valid(body.Status) {
		return "", fmt.Errorf("unknown payment status %q", body.Status)
	}
	return body.Status, nil
}

func decodeSuccessResponse(resp *aqm.SuccessResponse, target interface{}) error {
	if resp == nil {
		return fmt.Errorf("nil success response")
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, target)
}
