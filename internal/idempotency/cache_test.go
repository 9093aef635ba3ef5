package idempotency

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Stop()

	c.Set("k", []byte(`{"ok":true}`), 200, map[string]string{"Content-Type": "application/json"})

	e, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 200, e.StatusCode)
	require.Equal(t, []byte(`{"ok":true}`), e.Response)
	require.Equal(t, "application/json", e.Headers["Content-Type"])

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Stop()

	c.Set("k", []byte("v"), 200, nil)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok, "expired entries are not served")
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Stop()

	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), 200, nil)
		time.Sleep(time.Millisecond)
	}

	_, ok := c.Get("k0")
	require.False(t, ok, "oldest entry evicted at capacity")
	for i := 1; i < 4; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		require.True(t, ok)
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Stop()

	c.Set("a", []byte("1"), 200, nil)
	c.Set("b", []byte("2"), 200, nil)
	c.Set("a", []byte("3"), 201, nil)

	e, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 201, e.StatusCode)
	_, ok = c.Get("b")
	require.True(t, ok)
}
