// Package vllm adapts self-hosted vLLM (OpenAI-compatible) endpoints to the
// providers.Adapter contract. Self-hosted inference is metered by tokens,
// not dollars, so cost estimates are near-zero with low confidence.
package vllm

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/providers"
)

// Self-hosted models carry no vendor price; a nominal amortized-hardware
// rate keeps cost-objective scoring meaningful without dominating it.
var fallbackPricing = providers.ModelPricing{InputPer1K: 0.0001, OutputPer1K: 0.0001}

// Adapter implements providers.Adapter for vLLM-style servers.
type Adapter struct {
	id      string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// New creates a new vLLM adapter. baseURL is required (there is no public
// default for a self-hosted server).
func New(id, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ExecuteRequest(ctx context.Context, intent domain.Intent, cred providers.Credential) (*domain.SystemResponse, error) {
	payload := map[string]any{
		"model":    intent.Model,
		"messages": intent.Messages,
	}
	for k, v := range intent.Parameters {
		payload[k] = v
	}

	// vLLM servers often run without auth; send the bearer only when the
	// key material is non-empty.
	headers := map[string]string{}
	if cred.Material != "" {
		headers["Authorization"] = "Bearer " + cred.Material
	}
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, headers)
	if err != nil {
		return nil, a.MapError(err)
	}

	resp, nerr := a.NormalizeResponse(body)
	if nerr != nil {
		return nil, nerr
	}
	resp.RequestID = intent.RequestID
	resp.ProviderID = a.id
	resp.KeyUsed = cred.KeyID
	return resp, nil
}

func (a *Adapter) NormalizeResponse(raw []byte) (*domain.SystemResponse, error) {
	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &domain.DomainError{
			Category:  domain.ErrCategoryProvider,
			Message:   "unparseable provider response",
			Retryable: false,
			Err:       err,
		}
	}

	resp := &domain.SystemResponse{
		Model: parsed.Model,
		Usage: domain.TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
		Raw: json.RawMessage(raw),
	}
	if len(parsed.Choices) > 0 {
		resp.Content = parsed.Choices[0].Message.Content
	}
	return resp, nil
}

func (a *Adapter) MapError(err error) *domain.DomainError {
	return providers.MapStatusError(a.id, err)
}

func (a *Adapter) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		SupportsStreaming: true,
		SupportsTools:     false,
		SupportsImages:    false,
	}
}

func (a *Adapter) EstimateCost(intent domain.Intent) (domain.CostEstimate, error) {
	return providers.EstimateCostFromTable(intent, nil, fallbackPricing)
}

// GetHealth probes vLLM's /health endpoint.
func (a *Adapter) GetHealth(ctx context.Context) providers.Health {
	h := providers.Health{Status: "unknown", LastCheck: time.Now().UTC()}
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/health", nil)
	if err != nil {
		return h
	}
	resp, err := a.client.Do(req)
	if err != nil {
		h.Status = "down"
		return h
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		h.Status = "ok"
	} else {
		h.Status = "degraded"
	}
	return h
}
