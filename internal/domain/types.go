package domain

import "time"

// APIKey is a single provider credential under Key Manager control.
// Mutated only by the key manager; never deleted, only transitioned to
// Disabled.
type APIKey struct {
	ID                string
	ProviderID        string // lowercased
	EncryptedMaterial []byte
	State             KeyState
	Metadata          map[string]string
	CreatedAt         time.Time
	StateUpdatedAt    time.Time
	LastUsedAt        *time.Time
	CooldownUntil     *time.Time
	UsageCount        int64
	FailureCount      int64
}

// QuotaState is the capacity-tracking record for one APIKey.
type QuotaState struct {
	KeyID             string
	CapacityState     CapacityState
	CapacityUnit      CapacityUnit
	RemainingCapacity CapacityEstimate
	TotalCapacity     *int64
	UsedCapacity      int64
	RemainingTokens   *int64
	TotalTokens       *int64
	UsedTokens        int64
	UsedRequests      int64
	TimeWindow        TimeWindow
	ResetAt           time.Time
	UpdatedAt         time.Time
}

// UsageRate is a short-window observed request/token rate for one key,
// computed from persisted routing decisions.
type UsageRate struct {
	RequestsPerHour float64
	TokensPerHour   *float64
	WindowHours     float64
	CalculatedAt    time.Time
	Confidence      float64
}

// ExhaustionPrediction is the Quota Awareness Engine's forecast of when a
// key's remaining capacity will hit zero.
type ExhaustionPrediction struct {
	KeyID                 string
	PredictedExhaustionAt *time.Time
	Confidence            float64
	CalculationMethod     string
	CurrentUsageRate      UsageRate
	RemainingCapacity     CapacityEstimate
	CalculatedAt          time.Time
	UncertaintyLevel      UncertaintyLevel
}

// Budget is a spending cap over a scope (global, per-provider, per-key, or
// per-route) enforced hard (reject) or soft (warn).
type Budget struct {
	ID              string
	Scope           BudgetScope
	ScopeID         string // empty for Global
	LimitAmount     Money
	CurrentSpend    Money
	Period          TimeWindow
	EnforcementMode EnforcementMode
	ResetAt         time.Time
	CreatedAt       time.Time
	WarningCount    int
}

// RemainingBudget returns limit - current spend.
func (b Budget) RemainingBudget() Money { return b.LimitAmount.Sub(b.CurrentSpend) }

// UtilizationPercent returns current/limit * 100, or 0 if the limit is zero.
func (b Budget) UtilizationPercent() float64 {
	if b.LimitAmount == 0 {
		return 0
	}
	return b.CurrentSpend.Float64() / b.LimitAmount.Float64() * 100
}

// IsExceeded reports whether current spend has reached or passed the limit.
func (b Budget) IsExceeded() bool { return b.CurrentSpend >= b.LimitAmount }

// CostEstimate is a provider adapter's pre-flight cost prediction for a
// single request.
type CostEstimate struct {
	Amount               Money
	Currency             string
	Confidence           float64
	EstimationMethod     string
	InputTokensEstimate  int64
	OutputTokensEstimate int64
}

// CostReconciliation compares an estimated cost against the actual cost
// reported after a request completed.
type CostReconciliation struct {
	RequestID       string
	EstimatedCost   Money
	ActualCost      Money
	ErrorAmount     Money // actual - estimated
	ErrorPercentage float64
	ProviderID      string
	Model           string
	KeyID           string
	ReconciledAt    time.Time
}

// RoutingObjective describes how the Routing Engine should weigh candidate
// keys for one request. A non-empty Weights map puts the engine into
// multi-objective (weighted composite) mode, in which Primary, Secondary and
// the weighted objectives are all scored; otherwise Primary alone governs
// single-objective scoring. Secondary is not used to break ties.
type RoutingObjective struct {
	Primary     ObjectiveType
	Secondary   []ObjectiveType
	Weights     map[ObjectiveType]float64
	Constraints map[string]any
}

// EvaluationResult is the per-key scoring detail recorded alongside a
// RoutingDecision for each key that was scored. Keys filtered out before
// scoring have no entry; they appear only in RoutingDecision.EligibleKeys.
type EvaluationResult struct {
	Score           float64
	QuotaState      *QuotaState
	CostEstimate    *CostEstimate
	BudgetCheck     *BudgetCheckResult
	ObjectiveScores map[ObjectiveType]float64

	// TokensConsumed is filled in after execution for the selected key, so
	// usage-rate calculations can aggregate token throughput from history.
	TokensConsumed *int64
}

// RoutingDecision is the append-only record of a single routing choice.
type RoutingDecision struct {
	ID                     string
	RequestID              string
	SelectedKeyID          string
	SelectedProviderID     string
	DecisionTimestamp      time.Time
	Objective              RoutingObjective
	EligibleKeys           []string // includes filtered keys, see evaluation_results
	EvaluationResults      map[string]EvaluationResult
	Explanation            string
	Confidence             float64
	AlternativesConsidered []string
}

// StateTransition is an append-only audit record for any entity's state
// change (APIKey lifecycle, provider health breaker, etc).
type StateTransition struct {
	EntityType          string
	EntityID            string
	FromState           string
	ToState             string
	Trigger             string
	Context             map[string]any
	TransitionTimestamp time.Time
}

// BudgetCheckResult is the outcome of evaluating a cost estimate against
// one or more applicable budgets.
type BudgetCheckResult struct {
	Allowed         bool
	ViolatedBudgets []string
	HardViolations  []string
	SoftViolations  []string
	RemainingBudget Money
	WarningsRaised  []string
}
