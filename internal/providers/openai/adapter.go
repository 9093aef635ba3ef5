// Package openai adapts OpenAI-compatible chat-completions endpoints to the
// providers.Adapter contract.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/providers"
)

const defaultBaseURL = "https://api.openai.com"

// pricing is USD per 1K tokens. Kept deliberately coarse: the cost
// controller reconciles estimates against actuals after the fact.
var pricing = map[string]providers.ModelPricing{
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
}

var fallbackPricing = providers.ModelPricing{InputPer1K: 0.0025, OutputPer1K: 0.01}

// Adapter implements providers.Adapter for OpenAI.
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

// WithHTTPClient replaces the HTTP client entirely (for tracing transports).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

// New creates a new OpenAI adapter. An empty baseURL defaults to the public
// API endpoint.
func New(id, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
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

	headers := map[string]string{"Authorization": "Bearer " + cred.Material}
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
		SupportsTools:     true,
		SupportsImages:    true,
		MaxTokens:         128000,
	}
}

func (a *Adapter) EstimateCost(intent domain.Intent) (domain.CostEstimate, error) {
	return providers.EstimateCostFromTable(intent, pricing, fallbackPricing)
}

// GetHealth probes the models listing endpoint. Any HTTP response proves
// reachability; auth failures still mean the provider itself is up.
func (a *Adapter) GetHealth(ctx context.Context) providers.Health {
	h := providers.Health{Status: "unknown", LastCheck: time.Now().UTC()}
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v1/models", nil)
	if err != nil {
		return h
	}
	resp, err := a.client.Do(req)
	if err != nil {
		h.Status = "down"
		return h
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		h.Status = "degraded"
	} else {
		h.Status = "ok"
	}
	return h
}
