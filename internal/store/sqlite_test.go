package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routekeeper/routekeeper/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestKeyCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	key := domain.APIKey{
		ID:                "key-1",
		ProviderID:        "openai",
		EncryptedMaterial: []byte("ciphertext"),
		State:             domain.KeyAvailable,
		Metadata:          map[string]string{"owner": "team-a"},
		CreatedAt:         now,
		StateUpdatedAt:    now,
		UsageCount:        0,
		FailureCount:      0,
	}
	require.NoError(t, s.SaveKey(ctx, key))

	got, err := s.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.KeyAvailable, got.State)
	require.Equal(t, "team-a", got.Metadata["owner"])

	key.State = domain.KeyThrottled
	cooldown := now.Add(30 * time.Second)
	key.CooldownUntil = &cooldown
	key.StateUpdatedAt = now.Add(time.Second)
	require.NoError(t, s.SaveKey(ctx, key))

	got, err = s.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, domain.KeyThrottled, got.State)
	require.NotNil(t, got.CooldownUntil)

	keys, err := s.ListKeys(ctx, "openai")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	keys, err = s.ListKeys(ctx, "anthropic")
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, s.DeleteKey(ctx, "key-1"))
	got, err = s.GetKey(ctx, "key-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStateTransitionAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t1 := domain.StateTransition{
		EntityType:          "api_key",
		EntityID:            "key-1",
		FromState:           string(domain.KeyAvailable),
		ToState:             string(domain.KeyThrottled),
		Trigger:             "quota_response",
		Context:             map[string]any{"retry_after": 30},
		TransitionTimestamp: now,
	}
	require.NoError(t, s.SaveStateTransition(ctx, t1))

	out, err := s.ListStateTransitions(ctx, StateQuery{EntityType: "api_key", KeyID: "key-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "quota_response", out[0].Trigger)
}

func TestQuotaStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	qs := domain.QuotaState{
		KeyID:             "key-1",
		CapacityState:     domain.CapacityAbundant,
		CapacityUnit:      domain.UnitRequests,
		RemainingCapacity: domain.Unknown("initial"),
		UsedCapacity:      0,
		TimeWindow:        domain.WindowDaily,
		ResetAt:           now.Add(24 * time.Hour),
		UpdatedAt:         now,
	}
	require.NoError(t, s.SaveQuotaState(ctx, qs))

	got, err := s.GetQuotaState(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, domain.CapacityAbundant, got.CapacityState)
	require.Equal(t, domain.EstimateUnknown, got.RemainingCapacity.Kind)

	missing, err := s.GetQuotaState(ctx, "no-such-key")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRoutingDecisionPersistAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d := domain.RoutingDecision{
		ID:                 "dec-1",
		RequestID:          "req-1",
		SelectedKeyID:      "key-1",
		SelectedProviderID: "openai",
		DecisionTimestamp:  now,
		Objective:          domain.RoutingObjective{Primary: domain.ObjectiveCost},
		EligibleKeys:       []string{"key-1", "key-2"},
		EvaluationResults: map[string]domain.EvaluationResult{
			"key-1": {Score: 0.9},
			"key-2": {Score: 0.4},
		},
		Explanation: "lowest cost",
		Confidence:  0.9,
	}
	require.NoError(t, s.SaveRoutingDecision(ctx, d))

	out, err := s.ListRoutingDecisions(ctx, StateQuery{KeyID: "key-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "req-1", out[0].RequestID)
	require.Len(t, out[0].EligibleKeys, 2)
	require.InDelta(t, 0.9, out[0].EvaluationResults["key-1"].Score, 0.0001)
}

func TestBudgetCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b := domain.Budget{
		ID:              "budget-1",
		Scope:           domain.ScopeGlobal,
		LimitAmount:     domain.NewMoneyFromFloat(1.00),
		CurrentSpend:    domain.NewMoneyFromFloat(0.50),
		Period:          domain.WindowDaily,
		EnforcementMode: domain.EnforcementHard,
		ResetAt:         now.Add(24 * time.Hour),
		CreatedAt:       now,
	}
	require.NoError(t, s.SaveBudget(ctx, b))

	got, err := s.GetBudget(ctx, "budget-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.InDelta(t, 0.50, got.CurrentSpend.Float64(), 0.0001)

	b.CurrentSpend = domain.NewMoneyFromFloat(0.80)
	b.WarningCount = 1
	require.NoError(t, s.SaveBudget(ctx, b))

	got, err = s.GetBudget(ctx, "budget-1")
	require.NoError(t, err)
	require.InDelta(t, 0.80, got.CurrentSpend.Float64(), 0.0001)
	require.Equal(t, 1, got.WarningCount)

	list, err := s.ListBudgets(ctx, domain.ScopeGlobal, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestReconciliationQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := domain.CostReconciliation{
		RequestID:       "req-1",
		EstimatedCost:   domain.NewMoneyFromFloat(0.10),
		ActualCost:      domain.NewMoneyFromFloat(0.12),
		ErrorAmount:     domain.NewMoneyFromFloat(0.02),
		ErrorPercentage: 20.0,
		ProviderID:      "openai",
		KeyID:           "key-1",
		ReconciledAt:    now,
	}
	require.NoError(t, s.SaveReconciliation(ctx, r))

	out, err := s.QueryReconciliations(ctx, StateQuery{KeyID: "key-1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.InDelta(t, 20.0, out[0].ErrorPercentage, 0.0001)
}
