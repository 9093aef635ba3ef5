// Package anthropic adapts the Anthropic Messages API to the
// providers.Adapter contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/providers"
)

const defaultBaseURL = "https://api.anthropic.com"

var pricing = map[string]providers.ModelPricing{
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
}

var fallbackPricing = providers.ModelPricing{InputPer1K: 0.003, OutputPer1K: 0.015}

// Adapter implements providers.Adapter for Anthropic.
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

// New creates a new Anthropic adapter. An empty baseURL defaults to the
// public API endpoint.
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
		"model":      intent.Model,
		"messages":   intent.Messages,
		"max_tokens": 4096,
	}
	for k, v := range intent.Parameters {
		payload[k] = v
	}

	headers := map[string]string{
		"x-api-key":         cred.Material,
		"anthropic-version": "2023-06-01",
	}
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, headers)
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
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
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
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Raw: json.RawMessage(raw),
	}
	if len(parsed.Content) > 0 {
		resp.Content = parsed.Content[0].Text
	}
	return resp, nil
}

// MapError classifies Anthropic errors. Oversized prompts come back as 400s
// with a recognizable body; those are validation errors, not provider faults.
func (a *Adapter) MapError(err error) *domain.DomainError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		if strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long") {
			return &domain.DomainError{
				Category:  domain.ErrCategoryValidation,
				Message:   "prompt exceeds model context window",
				Retryable: false,
				Err:       err,
			}
		}
	}
	return providers.MapStatusError(a.id, err)
}

func (a *Adapter) GetCapabilities() providers.Capabilities {
	return providers.Capabilities{
		SupportsStreaming: true,
		SupportsTools:     true,
		SupportsImages:    true,
		MaxTokens:         200000,
	}
}

func (a *Adapter) EstimateCost(intent domain.Intent) (domain.CostEstimate, error) {
	return providers.EstimateCostFromTable(intent, pricing, fallbackPricing)
}

// GetHealth probes the messages endpoint. A GET returns 405 (Method Not
// Allowed), which proves reachability.
func (a *Adapter) GetHealth(ctx context.Context) providers.Health {
	h := providers.Health{Status: "unknown", LastCheck: time.Now().UTC()}
	req, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v1/messages", nil)
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
