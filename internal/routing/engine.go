// Package routing combines key eligibility, quota capacity, and budget
// signals into a scored key selection under a caller-chosen objective, and
// produces an auditable explanation for every decision. Scoring itself is
// pure; only the surrounding filters and the decision write touch I/O.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/keymanager"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/store"
)

// Quota multipliers applied to base scores: abundant keys get a boost,
// constrained and recovering keys a haircut. Results may exceed 1.0; the
// headroom is deliberate so the boost stays visible in evaluation results.
const (
	abundantBoost     = 1.20
	constrainedFactor = 0.85
	recoveringFactor  = 0.95

	softBudgetPenalty = 0.70

	decisionConfidence = 0.9

	scoreEpsilon = 1e-9
)

// KeySource supplies eligible keys; satisfied by keymanager.Manager.
type KeySource interface {
	GetEligibleKeys(ctx context.Context, providerID string, policy keymanager.PolicyFilter) ([]domain.APIKey, error)
}

// QuotaSource supplies capacity state; satisfied by quota.Engine. Optional.
type QuotaSource interface {
	GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error)
}

// CostSource supplies estimates and budget checks; satisfied by
// cost.Controller. Optional.
type CostSource interface {
	EstimateRequestCost(ctx context.Context, intent domain.Intent, providerID, keyID string) (domain.CostEstimate, error)
	CheckBudget(ctx context.Context, intent domain.Intent, estimate domain.CostEstimate, providerID, keyID string) (*domain.BudgetCheckResult, error)
}

// HealthSource gates whole providers; satisfied by providerhealth.Tracker.
// Optional.
type HealthSource interface {
	Allow(providerID string) bool
}

// PolicyHook is the pluggable policy surface. Evaluate is called once per
// candidate key; keep=false drops the key, returned constraints are merged
// into a copy of the objective, and an error rejects the whole request.
type PolicyHook interface {
	Evaluate(ctx context.Context, key domain.APIKey, objective domain.RoutingObjective) (keep bool, constraints map[string]any, err error)
}

// Engine scores eligible keys and selects one per request.
type Engine struct {
	keys   KeySource
	quota  QuotaSource
	costs  CostSource
	health HealthSource
	policy PolicyHook
	store  store.Store
	sink   observability.Sink

	nowFunc func() time.Time

	// Round-robin cursor for fairness tie-breaks, one slot per provider.
	mu       sync.Mutex
	rrCursor map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuota wires the quota engine as an eligibility and scoring signal.
func WithQuota(q QuotaSource) Option {
	return func(e *Engine) { e.quota = q }
}

// WithCosts wires the cost controller for estimation and budget filtering.
func WithCosts(c CostSource) Option {
	return func(e *Engine) { e.costs = c }
}

// WithHealth wires provider-level circuit breaking.
func WithHealth(h HealthSource) Option {
	return func(e *Engine) { e.health = h }
}

// WithPolicy wires the policy hook.
func WithPolicy(p PolicyHook) Option {
	return func(e *Engine) { e.policy = p }
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = fn }
}

// NewEngine creates a routing engine over the key source and store. Quota,
// cost, health, and policy signals are optional; the engine degrades to
// state-filtered scoring without them.
func NewEngine(keys KeySource, s store.Store, sink observability.Sink, opts ...Option) *Engine {
	if sink == nil {
		sink = observability.NopSink{}
	}
	e := &Engine{
		keys:     keys,
		store:    s,
		sink:     sink,
		nowFunc:  time.Now,
		rrCursor: make(map[string]int),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// defaultObjective is used when the caller names none.
func defaultObjective() domain.RoutingObjective {
	return domain.RoutingObjective{Primary: domain.ObjectiveFairness}
}

// RouteRequest runs the full selection pipeline for one intent and persists
// the resulting decision. It never executes the request; the router facade
// owns execution and retry.
func (e *Engine) RouteRequest(ctx context.Context, intent domain.Intent, objective *domain.RoutingObjective) (*domain.RoutingDecision, error) {
	if strings.TrimSpace(intent.ProviderID) == "" {
		return nil, &domain.ValidationError{Field: "provider_id", Reason: "required"}
	}
	if intent.RequestID == "" {
		intent.RequestID = uuid.NewString()
	}
	obj := defaultObjective()
	if objective != nil {
		obj = *objective
	}

	providerID := intent.ProviderID

	if e.health != nil && !e.health.Allow(providerID) {
		e.emitRoutingFailed(intent, "provider_circuit_open")
		return nil, &domain.NoEligibleKeysError{ProviderID: providerID, Reason: "provider circuit open"}
	}

	eligible, err := e.keys.GetEligibleKeys(ctx, providerID, nil)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		e.emitRoutingFailed(intent, "no_eligible_keys")
		return nil, &domain.NoEligibleKeysError{ProviderID: providerID, Reason: "no eligible keys"}
	}

	eligibleIDs := make([]string, len(eligible))
	for i, k := range eligible {
		eligibleIDs[i] = k.ID
	}

	// Quota filter: drop keys with no capacity left or about to run out.
	candidates := eligible
	quotaStates := make(map[string]*domain.QuotaState)
	if e.quota != nil {
		candidates = candidates[:0:0]
		for _, k := range eligible {
			qs, err := e.quota.GetQuotaState(ctx, k.ID)
			if err != nil {
				e.sink.Log(slog.LevelWarn, "quota lookup failed, keeping key",
					slog.String("key_id", k.ID),
					slog.String("error", err.Error()),
				)
				candidates = append(candidates, k)
				continue
			}
			switch qs.CapacityState {
			case domain.CapacityExhausted, domain.CapacityCritical:
				continue
			}
			quotaStates[k.ID] = qs
			candidates = append(candidates, k)
		}
		if len(candidates) == 0 {
			e.emitRoutingFailed(intent, "all_keys_quota_filtered")
			return nil, &domain.NoEligibleKeysError{ProviderID: providerID, Reason: "all keys quota-exhausted or critical"}
		}
	}

	// Budget filter: drop keys whose estimated cost would breach a hard
	// budget; remember soft violators for the scoring penalty.
	estimates := make(map[string]*domain.CostEstimate)
	budgetResults := make(map[string]*domain.BudgetCheckResult)
	softViolators := make(map[string]bool)
	if e.costs != nil && estimable(intent) {
		filtered := candidates[:0:0]
		for _, k := range candidates {
			est, err := e.costs.EstimateRequestCost(ctx, intent, providerID, k.ID)
			if err != nil {
				e.sink.Log(slog.LevelWarn, "cost estimate failed, keeping key",
					slog.String("key_id", k.ID),
					slog.String("error", err.Error()),
				)
				filtered = append(filtered, k)
				continue
			}
			estimates[k.ID] = &est

			check, err := e.costs.CheckBudget(ctx, intent, est, providerID, k.ID)
			if err != nil {
				e.sink.Log(slog.LevelWarn, "budget check failed, keeping key",
					slog.String("key_id", k.ID),
					slog.String("error", err.Error()),
				)
				filtered = append(filtered, k)
				continue
			}
			budgetResults[k.ID] = check
			if len(check.HardViolations) > 0 {
				continue
			}
			if len(check.SoftViolations) > 0 {
				softViolators[k.ID] = true
			}
			filtered = append(filtered, k)
		}
		if len(filtered) == 0 {
			e.emitRoutingFailed(intent, "all_keys_budget_filtered")
			return nil, &domain.NoEligibleKeysError{ProviderID: providerID, Reason: "all keys would breach a hard budget"}
		}
		candidates = filtered
	}

	// Policy hook: per-key keep/drop plus constraint merging. Objectives
	// are immutable; constraints land on a copy.
	var policyNotes []string
	if e.policy != nil {
		obj = cloneObjective(obj)
		filtered := candidates[:0:0]
		for _, k := range candidates {
			keep, constraints, err := e.policy.Evaluate(ctx, k, obj)
			if err != nil {
				e.emitRoutingFailed(intent, "policy_reject")
				return nil, &domain.NoEligibleKeysError{ProviderID: providerID, Reason: "rejected by policy"}
			}
			if !keep {
				policyNotes = append(policyNotes, fmt.Sprintf("policy filtered key %s", k.ID))
				continue
			}
			for ck, cv := range constraints {
				obj.Constraints[ck] = cv
			}
			filtered = append(filtered, k)
		}
		if len(filtered) == 0 {
			e.emitRoutingFailed(intent, "all_keys_policy_filtered")
			return nil, &domain.NoEligibleKeysError{ProviderID: providerID, Reason: "all keys filtered by policy"}
		}
		candidates = filtered
	}

	// Score survivors, then layer on the budget penalty and quota
	// multipliers.
	multiObjective := len(obj.Weights) > 0
	var scores map[string]float64
	var breakdown map[string]map[domain.ObjectiveType]float64
	var effectiveWeights map[domain.ObjectiveType]float64
	if multiObjective {
		scores, breakdown, effectiveWeights = compositeScores(candidates, obj, estimates)
	} else {
		scores = scoreObjective(obj.Primary, candidates, estimates)
	}

	for id := range scores {
		if softViolators[id] {
			scores[id] *= softBudgetPenalty
		}
		if qs, ok := quotaStates[id]; ok {
			switch qs.CapacityState {
			case domain.CapacityAbundant:
				scores[id] *= abundantBoost
			case domain.CapacityConstrained:
				scores[id] *= constrainedFactor
			case domain.CapacityRecovering:
				scores[id] *= recoveringFactor
			}
		}
		if scores[id] < 0 {
			scores[id] = 0
		}
	}

	winnerIdx := e.pickWinner(providerID, candidates, scores, obj, multiObjective)
	winner := candidates[winnerIdx]

	evaluation := make(map[string]domain.EvaluationResult, len(candidates))
	for _, k := range candidates {
		res := domain.EvaluationResult{
			Score:        scores[k.ID],
			QuotaState:   quotaStates[k.ID],
			CostEstimate: estimates[k.ID],
			BudgetCheck:  budgetResults[k.ID],
		}
		if multiObjective {
			res.ObjectiveScores = breakdown[k.ID]
		}
		evaluation[k.ID] = res
	}

	alternatives := make([]string, 0, len(candidates)-1)
	for _, k := range candidates {
		if k.ID != winner.ID {
			alternatives = append(alternatives, k.ID)
		}
	}

	explanation := buildExplanation(winner, obj, scores, breakdown, effectiveWeights, softViolators, quotaStates, policyNotes)

	decision := domain.RoutingDecision{
		ID:                     uuid.NewString(),
		RequestID:              intent.RequestID,
		SelectedKeyID:          winner.ID,
		SelectedProviderID:     providerID,
		DecisionTimestamp:      e.nowFunc().UTC(),
		Objective:              obj,
		EligibleKeys:           eligibleIDs,
		EvaluationResults:      evaluation,
		Explanation:            explanation,
		Confidence:             decisionConfidence,
		AlternativesConsidered: alternatives,
	}

	if err := e.store.SaveRoutingDecision(ctx, decision); err != nil {
		return nil, &domain.StateStoreError{Op: "save_routing_decision", Err: err}
	}

	observability.EmitOrWarn(e.sink, observability.Event{
		Type: observability.EventRoutingDecision,
		Payload: map[string]any{
			"decision_id":     decision.ID,
			"request_id":      intent.RequestID,
			"provider_id":     providerID,
			"selected_key_id": winner.ID,
			"objective":       string(obj.Primary),
			"candidates":      len(candidates),
		},
	})
	return &decision, nil
}

// pickWinner selects the argmax score. Ties under the fairness objective
// rotate through the tied keys in cyclic registration order, one step per
// decision; ties under any other objective resolve to the first candidate.
func (e *Engine) pickWinner(providerID string, candidates []domain.APIKey, scores map[string]float64, obj domain.RoutingObjective, multiObjective bool) int {
	best := math.Inf(-1)
	for _, k := range candidates {
		if s := scores[k.ID]; s > best {
			best = s
		}
	}
	var tied []int
	for i, k := range candidates {
		if math.Abs(scores[k.ID]-best) <= scoreEpsilon {
			tied = append(tied, i)
		}
	}

	fairness := !multiObjective && obj.Primary == domain.ObjectiveFairness
	if !fairness || len(tied) == 1 {
		return tied[0]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.rrCursor[providerID]
	if !ok {
		last = -1
	}
	chosen := tied[0]
	for _, idx := range tied {
		if idx > last {
			chosen = idx
			break
		}
	}
	e.rrCursor[providerID] = chosen
	return chosen
}

// estimable reports whether an intent carries enough content for a cost
// estimate to mean anything.
func estimable(intent domain.Intent) bool {
	return intent.Model != "" || len(intent.Messages) > 0 || intent.EstimatedInputTokens > 0
}

func cloneObjective(obj domain.RoutingObjective) domain.RoutingObjective {
	out := domain.RoutingObjective{
		Primary:     obj.Primary,
		Secondary:   append([]domain.ObjectiveType(nil), obj.Secondary...),
		Constraints: make(map[string]any, len(obj.Constraints)),
	}
	if obj.Weights != nil {
		out.Weights = make(map[domain.ObjectiveType]float64, len(obj.Weights))
		for k, v := range obj.Weights {
			out.Weights[k] = v
		}
	}
	for k, v := range obj.Constraints {
		out.Constraints[k] = v
	}
	return out
}

func (e *Engine) emitRoutingFailed(intent domain.Intent, reason string) {
	observability.EmitOrWarn(e.sink, observability.Event{
		Type: observability.EventRoutingFailed,
		Payload: map[string]any{
			"request_id":  intent.RequestID,
			"provider_id": intent.ProviderID,
			"reason":      reason,
		},
	})
}

// buildExplanation renders the per-decision rationale recorded on the
// decision itself. The objective drives the lead sentence; budget, quota,
// and policy annotations follow.
func buildExplanation(winner domain.APIKey, obj domain.RoutingObjective, scores map[string]float64, breakdown map[string]map[domain.ObjectiveType]float64, weights map[domain.ObjectiveType]float64, softViolators map[string]bool, quotaStates map[string]*domain.QuotaState, policyNotes []string) string {
	var b strings.Builder

	if len(obj.Weights) > 0 {
		fmt.Fprintf(&b, "Selected key %s by weighted multi-objective score %.4f.", winner.ID, scores[winner.ID])
		objectives := make([]domain.ObjectiveType, 0, len(weights))
		for o := range weights {
			objectives = append(objectives, o)
		}
		sort.Slice(objectives, func(i, j int) bool { return objectives[i] < objectives[j] })
		for _, o := range objectives {
			fmt.Fprintf(&b, " %s: weight %.2f, score %.4f.", o, weights[o], breakdown[winner.ID][o])
		}
	} else {
		switch obj.Primary {
		case domain.ObjectiveCost:
			fmt.Fprintf(&b, "Selected key %s under the cost objective: lowest expected cost among candidates (score %.4f).", winner.ID, scores[winner.ID])
		case domain.ObjectiveReliability, domain.ObjectiveQuality:
			fmt.Fprintf(&b, "Selected key %s under the reliability objective: best observed success rate and state (score %.4f).", winner.ID, scores[winner.ID])
		default:
			fmt.Fprintf(&b, "Selected key %s under the fairness objective: least-used candidate, round-robin on ties (score %.4f).", winner.ID, scores[winner.ID])
		}
	}

	if qs, ok := quotaStates[winner.ID]; ok {
		fmt.Fprintf(&b, " Quota state %s.", qs.CapacityState)
	}
	if softViolators[winner.ID] {
		b.WriteString(" Score penalized for soft-budget overrun.")
	}
	for _, note := range policyNotes {
		b.WriteString(" ")
		b.WriteString(note)
		b.WriteString(".")
	}
	return b.String()
}
