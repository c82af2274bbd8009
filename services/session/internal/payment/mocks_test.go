package payment

import (
	"context"
	"sync"

	"github.com/aquamarinepk/aqm"
)

// MockProvider is a scripted Provider.
type MockProvider struct {
	mu         sync.Mutex
	CreateFunc func(ctx context.Context, amount float64, key string) (Link, error)
	Statuses   []string
	StatusErr  error
	creates    int
	checks     int
}

func (m *MockProvider) CreatePaymentLink(ctx context.Context, amount float64, key string) (Link, error) {
	m.mu.Lock()
	m.creates++
	m.mu.Unlock()
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, amount, key)
	}
	return Link{PaymentID: "pay_" + key, URL: "https://pay.example/" + key}, nil
}

// CheckStatus returns the scripted statuses in order and repeats the last one.
func (m *MockProvider) CheckStatus(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	if m.StatusErr != nil {
		return "", m.StatusErr
	}
	if len(m.Statuses) == 0 {
		return "pending", nil
	}
	status := m.Statuses[0]
	if len(m.Statuses) > 1 {
		m.Statuses = m.Statuses[1:]
	}
	return status, nil
}

func (m *MockProvider) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// MockRequester records service client calls.
type MockRequester struct {
	RequestFunc func(ctx context.Context, method, path string, body interface{}) (*aqm.SuccessResponse, error)
	Method      string
	Path        string
	Body        interface{}
}

func (m *MockRequester) Request(ctx context.Context, method, path string, body interface{}) (*aqm.SuccessResponse, error) {
	m.Method, m.Path, m.Body = method, path, body
	return m.RequestFunc(ctx, method, path, body)
}
