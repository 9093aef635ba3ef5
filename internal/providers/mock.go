package providers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// MockAdapter is an in-process Adapter for tests and for the daemon's dry-run
// provider. Responses and failures are scripted: FailNext queues errors per
// key id that are consumed one call at a time, everything else succeeds with
// a canned response.
type MockAdapter struct {
	ProviderID string
	Pricing    map[string]ModelPricing
	Fallback   ModelPricing

	mu        sync.Mutex
	failQueue map[string][]*domain.DomainError
	calls     []MockCall
	usage     domain.TokenUsage
}

// MockCall records one ExecuteRequest invocation.
type MockCall struct {
	KeyID string
	Model string
}

// NewMockAdapter builds a MockAdapter with a small default pricing table.
func NewMockAdapter(providerID string) *MockAdapter {
	return &MockAdapter{
		ProviderID: providerID,
		Pricing: map[string]ModelPricing{
			"mock-small": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"mock-large": {InputPer1K: 0.01, OutputPer1K: 0.03},
		},
		Fallback:  ModelPricing{InputPer1K: 0.001, OutputPer1K: 0.002},
		failQueue: make(map[string][]*domain.DomainError),
		usage:     domain.TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}
}

// FailNext queues an error for the next call made with keyID.
func (m *MockAdapter) FailNext(keyID string, err *domain.DomainError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failQueue[keyID] = append(m.failQueue[keyID], err)
}

// SetUsage overrides the token usage reported on success.
func (m *MockAdapter) SetUsage(u domain.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = u
}

// Calls returns a copy of all recorded calls.
func (m *MockAdapter) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockAdapter) ExecuteRequest(ctx context.Context, intent domain.Intent, cred Credential) (*domain.SystemResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.DomainError{Category: domain.ErrCategoryProvider, Message: "request cancelled", Retryable: false, Err: err}
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{KeyID: cred.KeyID, Model: intent.Model})
	if queue := m.failQueue[cred.KeyID]; len(queue) > 0 {
		err := queue[0]
		m.failQueue[cred.KeyID] = queue[1:]
		m.mu.Unlock()
		return nil, err
	}
	usage := m.usage
	m.mu.Unlock()

	return &domain.SystemResponse{
		RequestID:  intent.RequestID,
		ProviderID: m.ProviderID,
		Model:      intent.Model,
		KeyUsed:    cred.KeyID,
		Content:    "mock response",
		Usage:      usage,
	}, nil
}

func (m *MockAdapter) NormalizeResponse(raw []byte) (*domain.SystemResponse, error) {
	var resp domain.SystemResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.DomainError{Category: domain.ErrCategoryValidation, Message: "unparseable mock response", Retryable: false, Err: err}
	}
	return &resp, nil
}

func (m *MockAdapter) MapError(err error) *domain.DomainError {
	return MapStatusError(m.ProviderID, err)
}

func (m *MockAdapter) GetCapabilities() Capabilities {
	return Capabilities{SupportsStreaming: false, SupportsTools: false, SupportsImages: false, MaxTokens: 4096}
}

func (m *MockAdapter) EstimateCost(intent domain.Intent) (domain.CostEstimate, error) {
	return EstimateCostFromTable(intent, m.Pricing, m.Fallback)
}

func (m *MockAdapter) GetHealth(ctx context.Context) Health {
	return Health{Status: "ok", LastCheck: time.Now().UTC()}
}
