package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routekeeper/routekeeper"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/providers"
	"github.com/routekeeper/routekeeper/internal/store"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	bus := observability.NewBus()
	sink := observability.NewBusSink(bus, slog.New(slog.DiscardHandler))

	router, err := routekeeper.New(routekeeper.Options{
		EncryptionSecret: "httpapi-test-secret",
		Sink:             sink,
	})
	require.NoError(t, err)
	require.NoError(t, router.RegisterProvider("p", providers.NewMockAdapter("p"), false))

	srv := NewServer(router, slog.New(slog.DiscardHandler), bus, observability.NewMetrics())
	return srv, srv.Routes()
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func registerTestKey(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := postJSON(t, handler, "/v1/keys", map[string]any{
		"provider_id": "p",
		"material":    "sk-httpapi-test-material-123",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var key struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	require.NotEmpty(t, key.ID)
	return key.ID
}

func TestRegisterAndListKeys(t *testing.T) {
	_, handler := newTestServer(t)
	keyID := registerTestKey(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys?provider=p", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Keys, 1)
	require.Equal(t, keyID, out.Keys[0]["id"])
	require.NotContains(t, rec.Body.String(), "sk-httpapi-test-material", "material never leaves the daemon")
	require.NotContains(t, out.Keys[0], "encrypted_material")
}

func TestRegisterKeyRejectsUnknownProvider(t *testing.T) {
	_, handler := newTestServer(t)
	rec := postJSON(t, handler, "/v1/keys", map[string]any{
		"provider_id": "ghost",
		"material":    "sk-httpapi-test-material-123",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteEndpoint(t *testing.T) {
	_, handler := newTestServer(t)
	keyID := registerTestKey(t, handler)

	rec := postJSON(t, handler, "/v1/route", map[string]any{
		"provider_id": "p",
		"model":       "mock-small",
		"messages":    []map[string]string{{"role": "user", "content": "hi"}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		KeyUsed  string            `json:"key_used"`
		Metadata map[string]string `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, keyID, resp.KeyUsed)
	require.NotEmpty(t, resp.Metadata["correlation_id"])
}

func TestRouteEndpointNoKeys(t *testing.T) {
	_, handler := newTestServer(t)

	rec := postJSON(t, handler, "/v1/route", map[string]any{"provider_id": "p"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouteEndpointIdempotentReplay(t *testing.T) {
	_, handler := newTestServer(t)
	registerTestKey(t, handler)

	body := map[string]any{"provider_id": "p", "model": "mock-small"}
	headers := map[string]string{"Idempotency-Key": "idem-1"}

	first := postJSON(t, handler, "/v1/route", body, headers)
	require.Equal(t, http.StatusOK, first.Code)
	require.Empty(t, first.Header().Get("Idempotency-Replay"))

	second := postJSON(t, handler, "/v1/route", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotency-Replay"))
	require.Equal(t, first.Body.String(), second.Body.String())
}

func TestRevokeAndRotate(t *testing.T) {
	_, handler := newTestServer(t)
	keyID := registerTestKey(t, handler)

	rec := postJSON(t, handler, "/v1/keys/"+keyID+"/rotate", map[string]any{
		"material": "sk-rotated-material-987654321",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodDelete, "/v1/keys/"+keyID, nil)
	del := httptest.NewRecorder()
	handler.ServeHTTP(del, req)
	require.Equal(t, http.StatusNoContent, del.Code)

	// A revoked key is out of rotation: routing now has no candidates.
	route := postJSON(t, handler, "/v1/route", map[string]any{"provider_id": "p"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, route.Code)
}

func TestExplainDecisionEndpoint(t *testing.T) {
	srv, handler := newTestServer(t)
	registerTestKey(t, handler)

	rec := postJSON(t, handler, "/v1/route", map[string]any{"provider_id": "p", "model": "mock-small"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	decisions, err := srv.router.Store().ListRoutingDecisions(context.Background(), store.StateQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, decisions)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions/"+decisions[0].ID+"/explain", nil)
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	require.Contains(t, out.Body.String(), "Routing Decision Explanation")

	missing := httptest.NewRequest(http.MethodGet, "/v1/decisions/nope/explain", nil)
	notFound := httptest.NewRecorder()
	handler.ServeHTTP(notFound, missing)
	require.Equal(t, http.StatusNotFound, notFound.Code)
}

func TestHealthz(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"p"`)
}
