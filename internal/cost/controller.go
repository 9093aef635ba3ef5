// Package cost converts request intents into expected spend, polices
// multi-scope budgets with hard and soft enforcement, and reconciles
// estimates against the costs providers actually report.
package cost

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/providers"
	"github.com/routekeeper/routekeeper/internal/store"
)

// unboundedRemaining is the sentinel returned when no budget applies: large
// enough that callers comparing against any realistic estimate always pass.
var unboundedRemaining = domain.NewMoneyFromFloat(1_000_000_000)

// reconciliationAlertPct is the estimate-vs-actual error percentage beyond
// which the cost model itself is flagged for analysis.
const reconciliationAlertPct = 10.0

type recordedEstimate struct {
	estimate   domain.CostEstimate
	providerID string
	model      string
	keyID      string
}

// Controller estimates request costs, enforces budgets, and reconciles.
type Controller struct {
	store    store.Store
	sink     observability.Sink
	registry *providers.Registry

	nowFunc func() time.Time

	mu          sync.Mutex
	budgetLocks map[string]*sync.Mutex
	estimates   map[string]recordedEstimate // request_id -> pre-flight estimate
}

// Option configures a Controller.
type Option func(*Controller)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Controller) {
		c.nowFunc = fn
	}
}

// NewController creates a cost controller. The registry supplies per-provider
// cost estimation; it may be shared with the routing engine.
func NewController(s store.Store, registry *providers.Registry, sink observability.Sink, opts ...Option) *Controller {
	if sink == nil {
		sink = observability.NopSink{}
	}
	c := &Controller{
		store:       s,
		sink:        sink,
		registry:    registry,
		nowFunc:     time.Now,
		budgetLocks: make(map[string]*sync.Mutex),
		estimates:   make(map[string]recordedEstimate),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) budgetLock(budgetID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.budgetLocks[budgetID]
	if !ok {
		l = &sync.Mutex{}
		c.budgetLocks[budgetID] = l
	}
	return l
}

// EstimateRequestCost delegates to the provider adapter. Adapter failures
// are wrapped as non-retryable validation errors: a request whose cost
// cannot be estimated is malformed from the budget pipeline's perspective.
func (c *Controller) EstimateRequestCost(ctx context.Context, intent domain.Intent, providerID, keyID string) (domain.CostEstimate, error) {
	adapter, ok := c.registry.Get(providerID)
	if !ok {
		return domain.CostEstimate{}, &domain.ValidationError{Field: "provider_id", Reason: "unknown provider"}
	}

	estimate, err := adapter.EstimateCost(intent)
	if err != nil {
		c.sink.Log(slog.LevelWarn, "cost estimation failed",
			slog.String("provider_id", providerID),
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
		return domain.CostEstimate{}, &domain.ValidationError{Field: "intent", Reason: "cost estimation failed"}
	}

	observability.EmitOrWarn(c.sink, observability.Event{
		Type: observability.EventCostEstimated,
		Payload: map[string]any{
			"provider_id": providerID,
			"key_id":      keyID,
			"model":       intent.Model,
			"amount_usd":  estimate.Amount.Float64(),
			"method":      estimate.EstimationMethod,
		},
	})
	return estimate, nil
}

// CreateBudget validates and persists a new budget with a fresh window.
func (c *Controller) CreateBudget(ctx context.Context, scope domain.BudgetScope, limit domain.Money, period domain.TimeWindow, scopeID string, mode domain.EnforcementMode) (*domain.Budget, error) {
	if !scope.IsValid() {
		return nil, &domain.ValidationError{Field: "scope", Reason: "unknown scope"}
	}
	if scope != domain.ScopeGlobal && scopeID == "" {
		return nil, &domain.ValidationError{Field: "scope_id", Reason: "required for non-global scopes"}
	}
	if limit < 0 {
		return nil, &domain.ValidationError{Field: "limit_amount", Reason: "must be non-negative"}
	}
	if !period.IsValid() {
		return nil, &domain.ValidationError{Field: "period", Reason: "unknown time window"}
	}
	if mode == "" {
		mode = domain.EnforcementHard
	}
	if !mode.IsValid() {
		return nil, &domain.ValidationError{Field: "enforcement_mode", Reason: "unknown mode"}
	}

	now := c.nowFunc().UTC()
	budget := domain.Budget{
		ID:              uuid.NewString(),
		Scope:           scope,
		ScopeID:         scopeID,
		LimitAmount:     limit,
		Period:          period,
		EnforcementMode: mode,
		ResetAt:         nextBudgetReset(period, now),
		CreatedAt:       now,
	}
	if err := c.store.SaveBudget(ctx, budget); err != nil {
		return nil, &domain.StateStoreError{Op: "save_budget", Err: err}
	}

	observability.EmitOrWarn(c.sink, observability.Event{
		Type: observability.EventBudgetCreated,
		Payload: map[string]any{
			"budget_id":        budget.ID,
			"scope":            string(scope),
			"scope_id":         scopeID,
			"limit_usd":        limit.Float64(),
			"period":           string(period),
			"enforcement_mode": string(mode),
		},
	})
	return &budget, nil
}

// UpdateSpending adds amount to a budget's current spend, resetting the
// window first when due. Serialized per budget.
func (c *Controller) UpdateSpending(ctx context.Context, budgetID string, amount domain.Money) (*domain.Budget, error) {
	if amount < 0 {
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be non-negative"}
	}

	lock := c.budgetLock(budgetID)
	lock.Lock()
	defer lock.Unlock()

	budget, err := c.getBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	now := c.nowFunc().UTC()
	c.resetIfDue(budget, now)
	budget.CurrentSpend = budget.CurrentSpend.Add(amount)

	if err := c.store.SaveBudget(ctx, *budget); err != nil {
		return nil, &domain.StateStoreError{Op: "save_budget", Err: err}
	}

	observability.EmitOrWarn(c.sink, observability.Event{
		Type: observability.EventBudgetSpendingUpdated,
		Payload: map[string]any{
			"budget_id":     budgetID,
			"amount_usd":    amount.Float64(),
			"current_spend": budget.CurrentSpend.Float64(),
			"utilization":   budget.UtilizationPercent(),
		},
	})

	if budget.IsExceeded() {
		c.sink.Log(slog.LevelWarn, "budget exceeded after spending update",
			slog.String("budget_id", budgetID),
			slog.Float64("current_spend_usd", budget.CurrentSpend.Float64()),
			slog.Float64("limit_usd", budget.LimitAmount.Float64()),
		)
	}
	return budget, nil
}

// CheckBudget evaluates a cost estimate against every applicable budget:
// Global always, PerProvider and PerKey when ids are given. The result's
// remaining budget is the tightest remaining before the request.
func (c *Controller) CheckBudget(ctx context.Context, intent domain.Intent, estimate domain.CostEstimate, providerID, keyID string) (*domain.BudgetCheckResult, error) {
	applicable, err := c.applicableBudgets(ctx, providerID, keyID)
	if err != nil {
		return nil, err
	}

	if len(applicable) == 0 {
		return &domain.BudgetCheckResult{Allowed: true, RemainingBudget: unboundedRemaining}, nil
	}

	now := c.nowFunc().UTC()
	result := &domain.BudgetCheckResult{Allowed: true, RemainingBudget: unboundedRemaining}
	for i := range applicable {
		b := &applicable[i]
		if c.resetIfDue(b, now) {
			if err := c.store.SaveBudget(ctx, *b); err != nil {
				c.sink.Log(slog.LevelWarn, "budget reset persistence failed during check",
					slog.String("budget_id", b.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		remainingBefore := b.RemainingBudget()
		if remainingBefore < result.RemainingBudget {
			result.RemainingBudget = remainingBefore
		}
		if remainingBefore.Sub(estimate.Amount) < 0 {
			result.Allowed = false
			result.ViolatedBudgets = append(result.ViolatedBudgets, b.ID)
			if b.EnforcementMode == domain.EnforcementHard {
				result.HardViolations = append(result.HardViolations, b.ID)
			} else {
				result.SoftViolations = append(result.SoftViolations, b.ID)
			}
		}
	}

	observability.EmitOrWarn(c.sink, observability.Event{
		Type: observability.EventBudgetChecked,
		Payload: map[string]any{
			"provider_id":      providerID,
			"key_id":           keyID,
			"estimate_usd":     estimate.Amount.Float64(),
			"allowed":          result.Allowed,
			"violated_budgets": result.ViolatedBudgets,
		},
	})
	if !result.Allowed {
		c.sink.Log(slog.LevelWarn, "budget check found violations",
			slog.String("provider_id", providerID),
			slog.Int("violated_count", len(result.ViolatedBudgets)),
		)
	}
	return result, nil
}

// EnforceBudget applies hard/soft enforcement to a check result. Hard
// violations reject with BudgetExceededError; soft violations warn,
// increment warning counts, and optionally downgrade the intent's model in
// place.
func (c *Controller) EnforceBudget(ctx context.Context, intent *domain.Intent, estimate domain.CostEstimate, providerID, keyID string, enableDowngrade bool) (*domain.BudgetCheckResult, error) {
	result, err := c.CheckBudget(ctx, *intent, estimate, providerID, keyID)
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		return result, nil
	}

	var hard, soft []domain.Budget
	for _, id := range result.ViolatedBudgets {
		budget, err := c.getBudget(ctx, id)
		if err != nil {
			c.sink.Log(slog.LevelWarn, "violated budget vanished during enforcement",
				slog.String("budget_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if budget.EnforcementMode == domain.EnforcementHard {
			hard = append(hard, *budget)
		} else {
			soft = append(soft, *budget)
		}
	}

	if len(hard) > 0 {
		hardIDs := make([]string, len(hard))
		for i, b := range hard {
			hardIDs[i] = b.ID
		}
		observability.EmitOrWarn(c.sink, observability.Event{
			Type: observability.EventBudgetViolation,
			Payload: map[string]any{
				"provider_id":      providerID,
				"key_id":           keyID,
				"violated_budgets": hardIDs,
				"estimate_usd":     estimate.Amount.Float64(),
			},
		})
		c.sink.Log(slog.LevelError, "hard budget violation, rejecting request",
			slog.String("provider_id", providerID),
			slog.Float64("estimate_usd", estimate.Amount.Float64()),
			slog.Float64("remaining_usd", result.RemainingBudget.Float64()),
		)
		return nil, &domain.BudgetExceededError{
			Message:         "request would exceed hard budget",
			RemainingBudget: result.RemainingBudget,
			ViolatedBudgets: hardIDs,
			CostEstimate:    estimate.Amount,
			BudgetLimit:     hard[0].LimitAmount,
		}
	}

	downgrade := downgradeOutcome{}
	if enableDowngrade && providerID != "" {
		downgrade = c.attemptDowngrade(ctx, intent, estimate, providerID, keyID)
	}

	for _, budget := range soft {
		updated, err := c.incrementWarningCount(ctx, budget.ID)
		if err != nil {
			c.sink.Log(slog.LevelWarn, "warning count update failed",
				slog.String("budget_id", budget.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.WarningsRaised = append(result.WarningsRaised, budget.ID)

		payload := map[string]any{
			"budget_id":           budget.ID,
			"warning_count":       updated.WarningCount,
			"estimate_usd":        estimate.Amount.Float64(),
			"downgrade_attempted": downgrade.attempted,
		}
		downgrade.annotate(payload)
		observability.EmitOrWarn(c.sink, observability.Event{
			Type:    observability.EventBudgetWarning,
			Payload: payload,
		})
		c.sink.Log(slog.LevelWarn, "soft budget violation",
			slog.String("budget_id", budget.ID),
			slog.Int("warning_count", updated.WarningCount),
		)
	}

	result.Allowed = true
	return result, nil
}

// incrementWarningCount bumps a soft budget's warning counter under its
// per-budget lock and persists.
func (c *Controller) incrementWarningCount(ctx context.Context, budgetID string) (*domain.Budget, error) {
	lock := c.budgetLock(budgetID)
	lock.Lock()
	defer lock.Unlock()

	budget, err := c.getBudget(ctx, budgetID)
	if err != nil {
		return nil, err
	}
	budget.WarningCount++
	if err := c.store.SaveBudget(ctx, *budget); err != nil {
		return nil, &domain.StateStoreError{Op: "save_budget", Err: err}
	}
	return budget, nil
}

// RecordEstimatedCost caches a pre-flight estimate for later reconciliation.
func (c *Controller) RecordEstimatedCost(requestID string, estimate domain.CostEstimate, providerID, model, keyID string) {
	c.mu.Lock()
	c.estimates[requestID] = recordedEstimate{
		estimate:   estimate,
		providerID: providerID,
		model:      model,
		keyID:      keyID,
	}
	c.mu.Unlock()

	observability.EmitOrWarn(c.sink, observability.Event{
		Type: observability.EventCostEstimateRecorded,
		Payload: map[string]any{
			"request_id":   requestID,
			"provider_id":  providerID,
			"model":        model,
			"key_id":       keyID,
			"estimate_usd": estimate.Amount.Float64(),
		},
	})
}

// RecordActualCost reconciles an observed cost against the recorded
// estimate. With no estimate in the cache it falls back to the persisted
// routing decision; with none at all it warns and returns nil.
func (c *Controller) RecordActualCost(ctx context.Context, requestID string, actual domain.Money, providerID, model, keyID string) (*domain.CostReconciliation, error) {
	c.mu.Lock()
	recorded, ok := c.estimates[requestID]
	c.mu.Unlock()

	estimated := recorded.estimate.Amount
	if !ok {
		if est, found := c.estimateFromDecisions(ctx, requestID); found {
			estimated = est
			ok = true
		}
	}
	if !ok {
		c.sink.Log(slog.LevelWarn, "no recorded estimate for reconciliation",
			slog.String("request_id", requestID),
		)
		return nil, nil
	}

	errorAmount := actual.Sub(estimated)
	var errorPct float64
	switch {
	case estimated == 0 && actual == 0:
		errorPct = 0
	case estimated == 0:
		errorPct = 100
	default:
		errorPct = errorAmount.Float64() / estimated.Float64() * 100
	}

	reconciliation := domain.CostReconciliation{
		RequestID:       requestID,
		EstimatedCost:   estimated,
		ActualCost:      actual,
		ErrorAmount:     errorAmount,
		ErrorPercentage: errorPct,
		ProviderID:      providerID,
		Model:           model,
		KeyID:           keyID,
		ReconciledAt:    c.nowFunc().UTC(),
	}

	// Reconciliations are audit records; a persistence failure degrades to
	// a warning rather than failing the accounting path.
	if err := c.store.SaveReconciliation(ctx, reconciliation); err != nil {
		c.sink.Log(slog.LevelWarn, "reconciliation persistence failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}

	c.mu.Lock()
	delete(c.estimates, requestID)
	c.mu.Unlock()

	observability.EmitOrWarn(c.sink, observability.Event{
		Type: observability.EventCostReconciled,
		Payload: map[string]any{
			"request_id":      requestID,
			"provider_id":     providerID,
			"model":           model,
			"estimated_usd":   estimated.Float64(),
			"actual_cost_usd": actual.Float64(),
			"error_pct":       errorPct,
		},
	})

	if math.Abs(errorPct) > reconciliationAlertPct {
		observability.EmitOrWarn(c.sink, observability.Event{
			Type: observability.EventCostModelAnalysis,
			Payload: map[string]any{
				"request_id":  requestID,
				"provider_id": providerID,
				"model":       model,
				"error_pct":   errorPct,
			},
		})
		c.sink.Log(slog.LevelWarn, "cost model error above threshold",
			slog.String("request_id", requestID),
			slog.Float64("error_pct", errorPct),
		)
	}
	return &reconciliation, nil
}

// estimateFromDecisions scans recent routing decisions for one carrying the
// request's estimate. Best-effort: store failures return not-found.
func (c *Controller) estimateFromDecisions(ctx context.Context, requestID string) (domain.Money, bool) {
	decisions, err := c.store.ListRoutingDecisions(ctx, store.StateQuery{Limit: 1000})
	if err != nil {
		return 0, false
	}
	for _, d := range decisions {
		if d.RequestID != requestID {
			continue
		}
		if res, ok := d.EvaluationResults[d.SelectedKeyID]; ok && res.CostEstimate != nil {
			return res.CostEstimate.Amount, true
		}
	}
	return 0, false
}

func (c *Controller) getBudget(ctx context.Context, budgetID string) (*domain.Budget, error) {
	budget, err := c.store.GetBudget(ctx, budgetID)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_budget", Err: err}
	}
	if budget == nil {
		return nil, &domain.ValidationError{Field: "budget_id", Reason: "unknown budget"}
	}
	return budget, nil
}

// applicableBudgets collects the budgets governing one request.
func (c *Controller) applicableBudgets(ctx context.Context, providerID, keyID string) ([]domain.Budget, error) {
	var out []domain.Budget

	global, err := c.store.ListBudgets(ctx, domain.ScopeGlobal, "")
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_budgets", Err: err}
	}
	out = append(out, global...)

	if providerID != "" {
		perProvider, err := c.store.ListBudgets(ctx, domain.ScopePerProvider, providerID)
		if err != nil {
			return nil, &domain.StateStoreError{Op: "list_budgets", Err: err}
		}
		out = append(out, perProvider...)
	}
	if keyID != "" {
		perKey, err := c.store.ListBudgets(ctx, domain.ScopePerKey, keyID)
		if err != nil {
			return nil, &domain.StateStoreError{Op: "list_budgets", Err: err}
		}
		out = append(out, perKey...)
	}
	return out, nil
}

// resetIfDue zeroes a budget's window when its reset time has passed.
// Reports whether a reset happened; the caller persists.
func (c *Controller) resetIfDue(b *domain.Budget, now time.Time) bool {
	if now.Before(b.ResetAt) {
		return false
	}
	b.CurrentSpend = 0
	b.WarningCount = 0
	b.ResetAt = nextBudgetReset(b.Period, now)
	return true
}

// nextBudgetReset computes the next window boundary after now, in UTC.
func nextBudgetReset(period domain.TimeWindow, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case domain.WindowHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case domain.WindowMonthly:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}
