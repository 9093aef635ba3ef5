package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routekeeper/routekeeper/internal/domain"
)

func TestMemoryStoreDecisionRingBounded(t *testing.T) {
	s := NewMemoryStore(3, 3)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		d := domain.RoutingDecision{
			ID:                "dec",
			RequestID:         "req",
			SelectedKeyID:     "key-1",
			DecisionTimestamp: now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveRoutingDecision(ctx, d))
	}

	out, err := s.ListRoutingDecisions(ctx, StateQuery{})
	require.NoError(t, err)
	require.Len(t, out, 3, "ring buffer should retain only the most recent maxDecisions entries")
}

func TestMemoryStoreKeyLifecycle(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()

	key := domain.APIKey{ID: "key-1", ProviderID: "openai", State: domain.KeyAvailable}
	require.NoError(t, s.SaveKey(ctx, key))

	got, err := s.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.KeyAvailable, got.State)

	require.NoError(t, s.DeleteKey(ctx, "key-1"))
	got, err = s.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryStoreQuotaStateLastWriteWins(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()

	require.NoError(t, s.SaveQuotaState(ctx, domain.QuotaState{KeyID: "key-1", CapacityState: domain.CapacityAbundant}))
	require.NoError(t, s.SaveQuotaState(ctx, domain.QuotaState{KeyID: "key-1", CapacityState: domain.CapacityConstrained}))

	got, err := s.GetQuotaState(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, domain.CapacityConstrained, got.CapacityState)
}
