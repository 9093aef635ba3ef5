package domain

import "encoding/json"

// Message is a single chat message with a role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Intent is a caller-supplied description of a request: which provider to
// route within, the model and messages to send, and tuning parameters. The
// routing engine never inspects message content; adapters translate the
// intent into provider-specific API calls.
type Intent struct {
	RequestID  string `json:"request_id,omitempty"`
	ProviderID string `json:"provider_id"`

	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// Parameters forwarded to the provider (temperature, max_tokens, top_p,
	// etc.). These are merged directly into the provider request payload.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Optional: known/estimated token counts from the client, used for cost
	// estimation when present.
	EstimatedInputTokens  int64 `json:"estimated_input_tokens,omitempty"`
	EstimatedOutputTokens int64 `json:"estimated_output_tokens,omitempty"`

	// Arbitrary metadata for policy and tracing; NOT forwarded to providers.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TokenUsage is the token accounting a provider reports for one request.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// SystemResponse is the normalized response returned by route(). Raw holds
// the provider's response body verbatim for callers that need it; Content is
// the extracted assistant text.
type SystemResponse struct {
	RequestID  string            `json:"request_id"`
	ProviderID string            `json:"provider_id"`
	Model      string            `json:"model,omitempty"`
	KeyUsed    string            `json:"key_used"`
	Content    string            `json:"content,omitempty"`
	Usage      TokenUsage        `json:"usage"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Raw        json.RawMessage   `json:"raw,omitempty"`
}
