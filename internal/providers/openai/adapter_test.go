package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/providers"
)

const chatResponse = `{
	"model": "gpt-4o-mini",
	"choices": [{"message": {"content": "hello there"}}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

func TestExecuteRequestSuccess(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse))
	}))
	defer srv.Close()

	a := New("openai", srv.URL)
	resp, err := a.ExecuteRequest(context.Background(), domain.Intent{
		RequestID:  "r1",
		ProviderID: "openai",
		Model:      "gpt-4o-mini",
		Messages:   []domain.Message{{Role: "user", Content: "hi"}},
	}, providers.Credential{KeyID: "k1", Material: "sk-live-test"})

	require.NoError(t, err)
	require.Equal(t, "Bearer sk-live-test", gotAuth)
	require.Equal(t, "/v1/chat/completions", gotPath)
	require.Equal(t, "hello there", resp.Content)
	require.Equal(t, "k1", resp.KeyUsed)
	require.Equal(t, "r1", resp.RequestID)
	require.Equal(t, int64(16), resp.Usage.TotalTokens)
}

func TestExecuteRequest429MapsToRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New("openai", srv.URL)
	_, err := a.ExecuteRequest(context.Background(), domain.Intent{Model: "gpt-4o"},
		providers.Credential{KeyID: "k1", Material: "sk-live-test"})

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	require.Equal(t, domain.ErrCategoryRateLimit, de.Category)
	require.True(t, de.Retryable)

	var se *providers.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 30, se.RetryAfterSecs)
}

func TestNormalizeResponseMalformed(t *testing.T) {
	a := New("openai", "")
	_, err := a.NormalizeResponse([]byte("not json"))
	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	require.False(t, de.Retryable)
}

func TestEstimateCostKnownAndUnknownModels(t *testing.T) {
	a := New("openai", "")

	known, err := a.EstimateCost(domain.Intent{Model: "gpt-4", EstimatedInputTokens: 1000, EstimatedOutputTokens: 1000})
	require.NoError(t, err)
	require.InDelta(t, 0.09, known.Amount.Float64(), 1e-6)

	unknown, err := a.EstimateCost(domain.Intent{Model: "gpt-99", EstimatedInputTokens: 1000})
	require.NoError(t, err)
	require.Equal(t, "pricing_fallback", unknown.EstimationMethod)
}

func TestGetHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New("openai", srv.URL)
	h := a.GetHealth(context.Background())
	require.Equal(t, "ok", h.Status, "an auth error still proves the provider is reachable")
}
