package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowHonorsBurst(t *testing.T) {
	l := New(5, 5, time.Second)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("client"), "request %d within burst", i+1)
	}
	require.False(t, l.Allow("client"), "burst exhausted")
}

func TestRefillAfterInterval(t *testing.T) {
	l := New(10, 10, 50*time.Millisecond)
	defer l.Stop()

	for i := 0; i < 10; i++ {
		l.Allow("client")
	}
	require.False(t, l.Allow("client"))

	time.Sleep(60 * time.Millisecond)
	require.True(t, l.Allow("client"), "tokens refill after the interval")
}

func TestBucketsArePerKey(t *testing.T) {
	l := New(1, 1, time.Second)
	defer l.Stop()

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	require.True(t, l.Allow("b"), "each client gets its own bucket")
}

func TestMiddlewareReturns429(t *testing.T) {
	l := New(2, 2, time.Second)
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/route", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	require.Equal(t, http.StatusOK, send().Code)

	limited := send()
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "1", limited.Header().Get("Retry-After"))
}

func TestLRUEviction(t *testing.T) {
	l := New(1, 1, time.Hour, WithMaxKeys(2))
	defer l.Stop()

	l.Allow("x")
	l.Allow("y")
	l.Allow("x") // x becomes most recently used; y is now the LRU
	l.Allow("z") // evicts y

	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.buckets, 2)
	require.NotContains(t, l.buckets, "y")
	require.Contains(t, l.buckets, "x")
	require.Contains(t, l.buckets, "z")
}
