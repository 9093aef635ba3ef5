package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// ExplainDecision formats a stable multi-section report for a persisted
// routing decision, suitable for operators and audit review. It is pure:
// everything it needs is on the decision record.
func ExplainDecision(d *domain.RoutingDecision) string {
	var b strings.Builder

	b.WriteString("=== Routing Decision Explanation ===\n\n")

	b.WriteString("Objective:\n")
	fmt.Fprintf(&b, "  primary: %s\n", d.Objective.Primary)
	if len(d.Objective.Secondary) > 0 {
		parts := make([]string, len(d.Objective.Secondary))
		for i, o := range d.Objective.Secondary {
			parts[i] = string(o)
		}
		fmt.Fprintf(&b, "  secondary: %s\n", strings.Join(parts, ", "))
	}
	if len(d.Objective.Weights) > 0 {
		b.WriteString("  weights:\n")
		for _, o := range sortedObjectives(d.Objective.Weights) {
			fmt.Fprintf(&b, "    %s: %.2f\n", o, d.Objective.Weights[o])
		}
	}

	b.WriteString("\nSelected Key:\n")
	fmt.Fprintf(&b, "  key: %s\n", d.SelectedKeyID)
	fmt.Fprintf(&b, "  provider: %s\n", d.SelectedProviderID)
	fmt.Fprintf(&b, "  decided at: %s\n", d.DecisionTimestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "  confidence: %.0f%%\n", d.Confidence*100)

	ranked := rankedResults(d)

	b.WriteString("\nReasoning:\n")
	if selected, ok := d.EvaluationResults[d.SelectedKeyID]; ok {
		fmt.Fprintf(&b, "  score: %.4f\n", selected.Score)
		if len(ranked) > 1 {
			margin := selected.Score - d.EvaluationResults[ranked[1]].Score
			fmt.Fprintf(&b, "  margin over closest alternative (%s): %.4f\n", ranked[1], margin)
		}
		if selected.QuotaState != nil {
			fmt.Fprintf(&b, "  quota: %s (%s)\n", selected.QuotaState.CapacityState, quotaInterpretation(selected.QuotaState.CapacityState))
		}
	}
	fmt.Fprintf(&b, "  %s\n", d.Explanation)

	b.WriteString("\nEvaluation Results (ranked):\n")
	for i, id := range ranked {
		res := d.EvaluationResults[id]
		fmt.Fprintf(&b, "  %d. %s score=%.4f", i+1, id, res.Score)
		if res.QuotaState != nil {
			fmt.Fprintf(&b, " quota=%s", res.QuotaState.CapacityState)
		}
		if res.CostEstimate != nil {
			fmt.Fprintf(&b, " est_cost=%s %s", res.CostEstimate.Amount, res.CostEstimate.Currency)
		}
		if res.BudgetCheck != nil && !res.BudgetCheck.Allowed {
			fmt.Fprintf(&b, " budget_violations=%d", len(res.BudgetCheck.ViolatedBudgets))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nAlternatives Considered:\n")
	if len(d.AlternativesConsidered) == 0 {
		b.WriteString("  none\n")
	}
	for _, id := range d.AlternativesConsidered {
		fmt.Fprintf(&b, "  %s\n", id)
	}

	b.WriteString("\nEligible Keys:\n")
	for _, id := range d.EligibleKeys {
		fmt.Fprintf(&b, "  %s\n", id)
	}

	filtered := filteredKeys(d)
	b.WriteString("\nQuota Filtering:\n")
	if len(filtered) == 0 {
		b.WriteString("  no keys filtered\n")
	}
	for _, id := range filtered {
		fmt.Fprintf(&b, "  %s (eligible but excluded before scoring)\n", id)
	}

	b.WriteString("\nSummary:\n")
	fmt.Fprintf(&b, "  request %s routed to key %s on provider %s; %d of %d eligible keys scored.\n",
		d.RequestID, d.SelectedKeyID, d.SelectedProviderID, len(d.EvaluationResults), len(d.EligibleKeys))

	return b.String()
}

// rankedResults orders evaluated key ids by descending score, id ascending
// on ties for stable output.
func rankedResults(d *domain.RoutingDecision) []string {
	ids := make([]string, 0, len(d.EvaluationResults))
	for id := range d.EvaluationResults {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := d.EvaluationResults[ids[i]].Score, d.EvaluationResults[ids[j]].Score
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// filteredKeys returns keys that were eligible but never scored: excluded by
// the quota, budget, or policy filters.
func filteredKeys(d *domain.RoutingDecision) []string {
	var out []string
	for _, id := range d.EligibleKeys {
		if _, ok := d.EvaluationResults[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func quotaInterpretation(state domain.CapacityState) string {
	switch state {
	case domain.CapacityAbundant:
		return "plenty of window capacity remaining"
	case domain.CapacityConstrained:
		return "capacity reduced, still serviceable"
	case domain.CapacityCritical:
		return "nearly exhausted, normally filtered"
	case domain.CapacityExhausted:
		return "no capacity remaining"
	case domain.CapacityRecovering:
		return "window recently reset, ramping back up"
	default:
		return "unknown"
	}
}

func sortedObjectives(weights map[domain.ObjectiveType]float64) []domain.ObjectiveType {
	out := make([]domain.ObjectiveType, 0, len(weights))
	for o := range weights {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
