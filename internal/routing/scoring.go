package routing

import (
	"sort"
	"strconv"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// metadataCostHint is the key metadata field consulted for cost scoring
// when no cost controller is wired.
const metadataCostHint = "estimated_cost_per_request"

// defaultReliability is the assumed success rate for a key with no history.
const defaultReliability = 0.95

// stateCostDefaults are the fallback per-request cost assumptions when
// neither a cost controller nor metadata hints exist. Healthier keys are
// assumed marginally cheaper so scoring still discriminates.
var stateCostDefaults = map[domain.KeyState]float64{
	domain.KeyAvailable:  0.01,
	domain.KeyRecovering: 0.012,
	domain.KeyThrottled:  0.015,
}

// scoreCost scores keys by expected cost: cheapest 1.0, priciest 0.0.
// Estimates from the cost controller win; metadata hints and state-derived
// defaults fill the gaps. Equal costs score 1.0 across the board.
func scoreCost(keys []domain.APIKey, estimates map[string]*domain.CostEstimate) map[string]float64 {
	costs := make(map[string]float64, len(keys))
	for _, k := range keys {
		switch {
		case estimates[k.ID] != nil:
			costs[k.ID] = estimates[k.ID].Amount.Float64()
		default:
			if hint, ok := k.Metadata[metadataCostHint]; ok {
				if v, err := strconv.ParseFloat(hint, 64); err == nil && v >= 0 {
					costs[k.ID] = v
					continue
				}
			}
			if d, ok := stateCostDefaults[k.State]; ok {
				costs[k.ID] = d
			} else {
				costs[k.ID] = stateCostDefaults[domain.KeyThrottled]
			}
		}
	}

	minCost, maxCost := minMax(costs)
	scores := make(map[string]float64, len(keys))
	if maxCost == minCost {
		for id := range costs {
			scores[id] = 1.0
		}
		return scores
	}
	for id, c := range costs {
		scores[id] = 1.0 - (c-minCost)/(maxCost-minCost)
	}
	return scores
}

// scoreReliability scores keys by observed success rate plus a small state
// bonus. The bonus can push a perfect key past 1.0; that headroom is local
// to candidate comparison and folded back into [0,1] by multi-objective
// normalization.
func scoreReliability(keys []domain.APIKey) map[string]float64 {
	scores := make(map[string]float64, len(keys))
	for _, k := range keys {
		rate := defaultReliability
		if total := k.UsageCount + k.FailureCount; total > 0 {
			rate = float64(k.UsageCount) / float64(total)
		}
		switch k.State {
		case domain.KeyAvailable:
			rate += 0.10
		case domain.KeyThrottled:
			rate += 0.05
		}
		if rate > 1.1 {
			rate = 1.1
		}
		if rate < 0 {
			rate = 0
		}
		scores[k.ID] = rate
	}
	return scores
}

// scoreFairness scores keys by inverse usage so lightly used keys win.
// Equal usage across the set scores 1.0 everywhere.
func scoreFairness(keys []domain.APIKey) map[string]float64 {
	inverses := make(map[string]float64, len(keys))
	for _, k := range keys {
		inverses[k.ID] = 1.0 / float64(1+k.UsageCount)
	}
	_, maxInv := minMax(inverses)
	scores := make(map[string]float64, len(keys))
	for id, inv := range inverses {
		if maxInv > 0 {
			scores[id] = inv / maxInv
		} else {
			scores[id] = 1.0
		}
	}
	return scores
}

// scoreObjective dispatches one objective dimension. Quality has no
// dedicated signal yet and routes to reliability.
func scoreObjective(objective domain.ObjectiveType, keys []domain.APIKey, estimates map[string]*domain.CostEstimate) map[string]float64 {
	switch objective {
	case domain.ObjectiveCost:
		return scoreCost(keys, estimates)
	case domain.ObjectiveReliability, domain.ObjectiveQuality:
		return scoreReliability(keys)
	case domain.ObjectiveFairness:
		return scoreFairness(keys)
	default:
		return scoreFairness(keys)
	}
}

// normalizeWeights scales a weight map to sum to 1. All-zero (or empty
// against the referenced objectives) weights become uniform.
func normalizeWeights(weights map[domain.ObjectiveType]float64, objectives []domain.ObjectiveType) map[domain.ObjectiveType]float64 {
	out := make(map[domain.ObjectiveType]float64, len(objectives))
	var sum float64
	for _, o := range objectives {
		w := weights[o]
		if w < 0 {
			w = 0
		}
		out[o] = w
		sum += w
	}
	if sum == 0 {
		uniform := 1.0 / float64(len(objectives))
		for _, o := range objectives {
			out[o] = uniform
		}
		return out
	}
	for o, w := range out {
		out[o] = w / sum
	}
	return out
}

// referencedObjectives collects the distinct objectives named by the
// primary, secondaries, and weight keys, in stable order.
func referencedObjectives(objective domain.RoutingObjective) []domain.ObjectiveType {
	seen := make(map[domain.ObjectiveType]bool)
	var out []domain.ObjectiveType
	add := func(o domain.ObjectiveType) {
		if o.IsValid() && !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	add(objective.Primary)
	for _, o := range objective.Secondary {
		add(o)
	}
	weightKeys := make([]domain.ObjectiveType, 0, len(objective.Weights))
	for o := range objective.Weights {
		weightKeys = append(weightKeys, o)
	}
	sort.Slice(weightKeys, func(i, j int) bool { return weightKeys[i] < weightKeys[j] })
	for _, o := range weightKeys {
		add(o)
	}
	return out
}

// compositeScores blends per-objective scores under normalized weights and
// min-max normalizes the result back into [0,1]. All-equal positive
// composites are kept as-is; an all-zero set gets a uniform floor so the
// tie-break still has something to rank.
func compositeScores(keys []domain.APIKey, objective domain.RoutingObjective, estimates map[string]*domain.CostEstimate) (map[string]float64, map[string]map[domain.ObjectiveType]float64, map[domain.ObjectiveType]float64) {
	objectives := referencedObjectives(objective)
	if len(objectives) == 0 {
		objectives = []domain.ObjectiveType{domain.ObjectiveFairness}
	}
	weights := normalizeWeights(objective.Weights, objectives)

	perObjective := make(map[domain.ObjectiveType]map[string]float64, len(objectives))
	for _, o := range objectives {
		perObjective[o] = scoreObjective(o, keys, estimates)
	}

	composites := make(map[string]float64, len(keys))
	breakdown := make(map[string]map[domain.ObjectiveType]float64, len(keys))
	for _, k := range keys {
		var total float64
		parts := make(map[domain.ObjectiveType]float64, len(objectives))
		for _, o := range objectives {
			s := perObjective[o][k.ID]
			parts[o] = s
			total += weights[o] * s
		}
		composites[k.ID] = total
		breakdown[k.ID] = parts
	}

	lo, hi := minMax(composites)
	switch {
	case hi == lo && hi > 0:
		// Keep equal positive composites untouched.
	case hi == lo:
		for id := range composites {
			composites[id] = 0.1
		}
	default:
		for id, v := range composites {
			composites[id] = (v - lo) / (hi - lo)
		}
	}
	return composites, breakdown, weights
}

func minMax(values map[string]float64) (lo, hi float64) {
	first := true
	for _, v := range values {
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
