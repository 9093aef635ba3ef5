package cost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/providers"
	"github.com/routekeeper/routekeeper/internal/store"
)

type controllerFixture struct {
	controller *Controller
	store      *store.MemoryStore
	sink       *observability.BusSink
	sub        *observability.Subscriber
	registry   *providers.Registry
	now        time.Time
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		store:    store.NewMemoryStore(0, 0),
		sink:     observability.NewTestSink(),
		registry: providers.NewRegistry(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sub = f.sink.Bus().Subscribe(128)
	require.NoError(t, f.registry.Register("p", providers.NewMockAdapter("p"), false))
	f.controller = NewController(f.store, f.registry, f.sink, WithNowFunc(func() time.Time { return f.now }))
	return f
}

func (f *controllerFixture) drainEvents() []observability.Event {
	var out []observability.Event
	for {
		select {
		case e := <-f.sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (f *controllerFixture) eventsOfType(tp observability.EventType) []observability.Event {
	var out []observability.Event
	for _, e := range f.drainEvents() {
		if e.Type == tp {
			out = append(out, e)
		}
	}
	return out
}

func usd(v float64) domain.Money { return domain.NewMoneyFromFloat(v) }

func TestEstimateRequestCost(t *testing.T) {
	f := newControllerFixture(t)

	intent := domain.Intent{ProviderID: "p", Model: "mock-small", EstimatedInputTokens: 1000}
	est, err := f.controller.EstimateRequestCost(context.Background(), intent, "p", "k1")
	require.NoError(t, err)
	require.Equal(t, "USD", est.Currency)
	require.Greater(t, est.Amount.Float64(), 0.0)

	_, err = f.controller.EstimateRequestCost(context.Background(), intent, "unknown", "k1")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreateBudgetValidation(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	_, err := f.controller.CreateBudget(ctx, domain.ScopePerKey, usd(1), domain.WindowDaily, "", domain.EnforcementHard)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr, "non-global scope requires a scope id")

	b, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(1), domain.WindowDaily, "", "")
	require.NoError(t, err)
	require.Equal(t, domain.EnforcementHard, b.EnforcementMode, "enforcement defaults to hard")
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), b.ResetAt)
}

func TestUpdateSpendingMonotonicWithinWindow(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	b, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(10), domain.WindowDaily, "", domain.EnforcementHard)
	require.NoError(t, err)

	_, err = f.controller.UpdateSpending(ctx, b.ID, usd(-1))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	prev := domain.Money(0)
	for _, amount := range []float64{1, 2.5, 0, 3} {
		updated, err := f.controller.UpdateSpending(ctx, b.ID, usd(amount))
		require.NoError(t, err)
		require.GreaterOrEqual(t, int64(updated.CurrentSpend), int64(prev))
		require.Equal(t, updated.LimitAmount.Sub(updated.CurrentSpend), updated.RemainingBudget())
		prev = updated.CurrentSpend
	}
}

func TestUpdateSpendingResetsWindow(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	b, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(10), domain.WindowHourly, "", domain.EnforcementSoft)
	require.NoError(t, err)
	_, err = f.controller.UpdateSpending(ctx, b.ID, usd(9))
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)

	updated, err := f.controller.UpdateSpending(ctx, b.ID, usd(1))
	require.NoError(t, err)
	require.Equal(t, usd(1), updated.CurrentSpend, "window reset zeroes spend before applying")
	require.Zero(t, updated.WarningCount)
	require.True(t, updated.ResetAt.After(f.now))
}

func TestCheckBudgetNoApplicableBudgets(t *testing.T) {
	f := newControllerFixture(t)

	result, err := f.controller.CheckBudget(context.Background(), domain.Intent{}, domain.CostEstimate{Amount: usd(5)}, "p", "k1")
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, unboundedRemaining, result.RemainingBudget)
}

func TestEnforceBudgetHardRejects(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	b, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(1.00), domain.WindowDaily, "", domain.EnforcementHard)
	require.NoError(t, err)
	_, err = f.controller.UpdateSpending(ctx, b.ID, usd(0.50))
	require.NoError(t, err)
	f.drainEvents()

	intent := domain.Intent{ProviderID: "p", Model: "mock-small"}
	_, err = f.controller.EnforceBudget(ctx, &intent, domain.CostEstimate{Amount: usd(0.60)}, "p", "k1", false)

	var exceeded *domain.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, usd(0.50), exceeded.RemainingBudget)
	require.Equal(t, []string{b.ID}, exceeded.ViolatedBudgets)
	require.Equal(t, usd(0.60), exceeded.CostEstimate)
	require.Equal(t, usd(1.00), exceeded.BudgetLimit)

	violations := f.eventsOfType(observability.EventBudgetViolation)
	require.Len(t, violations, 1)
}

func TestEnforceBudgetSoftWarns(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	b, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(2.00), domain.WindowDaily, "", domain.EnforcementSoft)
	require.NoError(t, err)
	_, err = f.controller.UpdateSpending(ctx, b.ID, usd(1.80))
	require.NoError(t, err)
	f.drainEvents()

	intent := domain.Intent{ProviderID: "p", Model: "mock-small"}
	result, err := f.controller.EnforceBudget(ctx, &intent, domain.CostEstimate{Amount: usd(0.30)}, "p", "k1", false)
	require.NoError(t, err, "soft violations never raise")
	require.True(t, result.Allowed)

	updated, err := f.store.GetBudget(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.WarningCount)

	warnings := f.eventsOfType(observability.EventBudgetWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, 1, warnings[0].Payload["warning_count"])
	require.Equal(t, false, warnings[0].Payload["downgrade_attempted"])
}

func TestEnforceBudgetAllowedPassesThrough(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	_, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(100), domain.WindowDaily, "", domain.EnforcementHard)
	require.NoError(t, err)

	intent := domain.Intent{ProviderID: "p", Model: "mock-small"}
	result, err := f.controller.EnforceBudget(ctx, &intent, domain.CostEstimate{Amount: usd(1)}, "p", "k1", false)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Empty(t, result.ViolatedBudgets)
}

func TestEnforceBudgetDowngrade(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	// The mock adapter prices gpt-4 via fallback; the table maps gpt-4 to
	// gpt-3.5-turbo, also fallback-priced. What matters is the model swap
	// and the event annotations.
	b, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(0.10), domain.WindowDaily, "", domain.EnforcementSoft)
	require.NoError(t, err)
	_, err = f.controller.UpdateSpending(ctx, b.ID, usd(0.09))
	require.NoError(t, err)
	f.drainEvents()

	intent := domain.Intent{ProviderID: "p", Model: "gpt-4", EstimatedInputTokens: 1000}
	result, err := f.controller.EnforceBudget(ctx, &intent, domain.CostEstimate{Amount: usd(0.05)}, "p", "k1", true)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, "gpt-3.5-turbo", intent.Model, "soft overrun with downgrade enabled swaps the model")

	warnings := f.eventsOfType(observability.EventBudgetWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, true, warnings[0].Payload["downgrade_attempted"])
	require.Equal(t, true, warnings[0].Payload["downgrade_successful"])
	require.Equal(t, "gpt-4", warnings[0].Payload["original_model"])
	require.Equal(t, "gpt-3.5-turbo", warnings[0].Payload["downgrade_model"])
}

func TestRecordActualCostReconciliation(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.controller.RecordEstimatedCost("r1", domain.CostEstimate{Amount: usd(1.00), Currency: "USD"}, "p", "mock-small", "k1")

	rec, err := f.controller.RecordActualCost(ctx, "r1", usd(1.05), "p", "mock-small", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, usd(0.05), rec.ErrorAmount)
	require.InDelta(t, 5.0, rec.ErrorPercentage, 1e-6)
	require.Equal(t, rec.ActualCost, rec.EstimatedCost.Add(rec.ErrorAmount), "error_amount + estimated = actual")

	persisted, err := f.store.QueryReconciliations(ctx, store.StateQuery{})
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	// Cache evicted: a second reconciliation finds no estimate.
	rec, err = f.controller.RecordActualCost(ctx, "r1", usd(1.05), "p", "mock-small", "k1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRecordActualCostZeroEdges(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.controller.RecordEstimatedCost("zz", domain.CostEstimate{Amount: 0}, "p", "m", "k1")
	rec, err := f.controller.RecordActualCost(ctx, "zz", 0, "p", "m", "k1")
	require.NoError(t, err)
	require.Equal(t, 0.0, rec.ErrorPercentage, "estimated=0 actual=0 is 0%")

	f.controller.RecordEstimatedCost("zp", domain.CostEstimate{Amount: 0}, "p", "m", "k1")
	rec, err = f.controller.RecordActualCost(ctx, "zp", usd(0.42), "p", "m", "k1")
	require.NoError(t, err)
	require.Equal(t, 100.0, rec.ErrorPercentage, "estimated=0 actual>0 is 100%")
}

func TestRecordActualCostLargeErrorEmitsAnalysis(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.controller.RecordEstimatedCost("big", domain.CostEstimate{Amount: usd(1.00)}, "p", "m", "k1")
	_, err := f.controller.RecordActualCost(ctx, "big", usd(2.00), "p", "m", "k1")
	require.NoError(t, err)

	analysis := f.eventsOfType(observability.EventCostModelAnalysis)
	require.Len(t, analysis, 1)
}

func TestRecordActualCostFallsBackToDecisions(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	est := domain.CostEstimate{Amount: usd(0.80)}
	require.NoError(t, f.store.SaveRoutingDecision(ctx, domain.RoutingDecision{
		ID:                "d1",
		RequestID:         "r-fallback",
		SelectedKeyID:     "k1",
		DecisionTimestamp: f.now,
		EvaluationResults: map[string]domain.EvaluationResult{
			"k1": {CostEstimate: &est},
		},
	}))

	rec, err := f.controller.RecordActualCost(ctx, "r-fallback", usd(0.88), "p", "m", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, usd(0.80), rec.EstimatedCost)
}

func TestCheckBudgetScopeCollection(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	_, err := f.controller.CreateBudget(ctx, domain.ScopeGlobal, usd(100), domain.WindowDaily, "", domain.EnforcementHard)
	require.NoError(t, err)
	perKey, err := f.controller.CreateBudget(ctx, domain.ScopePerKey, usd(0.10), domain.WindowDaily, "k1", domain.EnforcementHard)
	require.NoError(t, err)
	_, err = f.controller.CreateBudget(ctx, domain.ScopePerKey, usd(0.10), domain.WindowDaily, "other", domain.EnforcementHard)
	require.NoError(t, err)

	result, err := f.controller.CheckBudget(ctx, domain.Intent{}, domain.CostEstimate{Amount: usd(0.50)}, "p", "k1")
	require.NoError(t, err)
	require.False(t, result.Allowed, "the per-key budget for k1 is breached")
	require.Equal(t, []string{perKey.ID}, result.ViolatedBudgets)
	require.Equal(t, perKey.RemainingBudget(), result.RemainingBudget, "tightest applicable remaining wins")

	// A different key sees only its own and the global budget.
	result, err = f.controller.CheckBudget(ctx, domain.Intent{}, domain.CostEstimate{Amount: usd(0.50)}, "p", "k2")
	require.NoError(t, err)
	require.True(t, result.Allowed)
}
