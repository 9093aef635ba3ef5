package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func countingHandler(counter *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*counter++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"n":` + strconv.Itoa(*counter) + `}`))
	})
}

func TestMiddlewareReplaysCachedResponse(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Stop()

	var calls int
	handler := Middleware(cache)(countingHandler(&calls))

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/route", nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("idem-1")
	require.Equal(t, 1, calls)
	require.Empty(t, first.Header().Get("Idempotency-Replay"))

	second := send("idem-1")
	require.Equal(t, 1, calls, "replay must not re-invoke the handler")
	require.Equal(t, "true", second.Header().Get("Idempotency-Replay"))
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))

	third := send("idem-2")
	require.Equal(t, 2, calls, "a new key is a new request")
	require.NotEqual(t, first.Body.String(), third.Body.String())
}

func TestMiddlewarePassThroughWithoutKey(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Stop()

	var calls int
	handler := Middleware(cache)(countingHandler(&calls))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/route", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	require.Equal(t, 3, calls, "requests without the header are never cached")
}

func TestMiddlewareCachesClientErrors(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Stop()

	var calls int
	handler := Middleware(cache)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "budget exceeded", http.StatusPaymentRequired)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/route", nil)
		req.Header.Set("Idempotency-Key", "idem-err")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	send()
	replay := send()
	require.Equal(t, 1, calls, "a deterministic rejection replays from cache")
	require.Equal(t, http.StatusPaymentRequired, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotency-Replay"))
}

func TestMiddlewareSkipsServerErrors(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Stop()

	var calls int
	handler := Middleware(cache)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "transient", http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/v1/route", nil)
		req.Header.Set("Idempotency-Key", "idem-5xx")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadGateway, rec.Code)
		require.Empty(t, rec.Header().Get("Idempotency-Replay"))
	}
	require.Equal(t, 2, calls, "server errors are retried, never replayed")
}
