package quota

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/store"
)

const (
	defaultWindowHours   = 1.0
	defaultMinDataPoints = 3
	maxWindowHours       = 24.0
)

// CalculateUsageRate derives a request/token rate for a key from its
// persisted routing decisions. With too few samples in the window, the
// window doubles (capped at 24h) before giving up and returning nil.
func (e *Engine) CalculateUsageRate(ctx context.Context, keyID string, windowHours float64, minDataPoints int) (*domain.UsageRate, error) {
	if windowHours <= 0 {
		windowHours = defaultWindowHours
	}
	if minDataPoints <= 0 {
		minDataPoints = defaultMinDataPoints
	}

	now := e.nowFunc().UTC()
	for {
		from := now.Add(-time.Duration(windowHours * float64(time.Hour)))
		decisions, err := e.store.ListRoutingDecisions(ctx, store.StateQuery{
			KeyID:         keyID,
			TimestampFrom: &from,
			TimestampTo:   &now,
		})
		if err != nil {
			return nil, &domain.StateStoreError{Op: "list_routing_decisions", Err: err}
		}

		count := len(decisions)
		if count < minDataPoints {
			if windowHours < maxWindowHours {
				windowHours = math.Min(windowHours*2, maxWindowHours)
				continue
			}
			e.sink.Log(slog.LevelDebug, "insufficient routing history for usage rate",
				slog.String("key_id", keyID),
				slog.Int("samples", count),
				slog.Float64("window_hours", windowHours),
			)
			return nil, nil
		}

		rate := &domain.UsageRate{
			RequestsPerHour: float64(count) / windowHours,
			WindowHours:     windowHours,
			CalculatedAt:    now,
		}

		var tokensTotal int64
		var tokensSeen bool
		for _, d := range decisions {
			if res, ok := d.EvaluationResults[keyID]; ok && res.TokensConsumed != nil {
				tokensTotal += *res.TokensConsumed
				tokensSeen = true
			}
		}
		if tokensSeen {
			tph := float64(tokensTotal) / windowHours
			rate.TokensPerHour = &tph
		}

		confidence := math.Min(1.0, float64(count)/float64(max(minDataPoints*2, 10)))
		if windowHours < 1 {
			confidence *= 0.8
		}
		rate.Confidence = confidence
		return rate, nil
	}
}

// PredictExhaustion forecasts when a key's remaining capacity hits zero,
// with a conservative adjustment proportional to uncertainty. Returns nil
// when no meaningful forecast exists: no usage, unknown capacity, or
// nothing left to exhaust.
func (e *Engine) PredictExhaustion(ctx context.Context, keyID string) (*domain.ExhaustionPrediction, error) {
	now := e.nowFunc().UTC()
	if cached := e.freshPrediction(keyID, now); cached != nil {
		return cached, nil
	}

	qs, err := e.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, err
	}

	rate, err := e.CalculateUsageRate(ctx, keyID, defaultWindowHours, defaultMinDataPoints)
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.RequestsPerHour <= 0 {
		return nil, nil
	}

	remaining, perHour, ok := remainingAndRate(*qs, *rate)
	if !ok || remaining <= 0 || perHour <= 0 {
		return nil, nil
	}

	rawHours := float64(remaining) / perHour
	if rawHours < 0 {
		return nil, nil
	}

	uncertainty := CalculateUncertainty(*qs, rate)
	adjustedHours := rawHours * conservativeMultiplier(uncertainty)
	predictedAt := now.Add(time.Duration(adjustedHours * float64(time.Hour)))

	confidence := rate.Confidence * qs.RemainingCapacity.ConfidenceWeight()
	switch uncertainty {
	case domain.UncertaintyMedium:
		confidence *= 0.85
	case domain.UncertaintyHigh:
		confidence *= 0.7
	case domain.UncertaintyUnknown:
		confidence *= 0.5
	}
	confidence = math.Max(0, math.Min(1, confidence))

	prediction := domain.ExhaustionPrediction{
		KeyID:                 keyID,
		PredictedExhaustionAt: &predictedAt,
		Confidence:            confidence,
		CalculationMethod:     "linear_consumption",
		CurrentUsageRate:      *rate,
		RemainingCapacity:     qs.RemainingCapacity,
		CalculatedAt:          now,
		UncertaintyLevel:      uncertainty,
	}

	e.cacheMu.Lock()
	e.predictions[keyID] = cachedPrediction{prediction: prediction, expiresAt: now.Add(e.predictionTTL)}
	e.cacheMu.Unlock()

	return &prediction, nil
}

// remainingAndRate selects the capacity figure and consumption rate that
// match the quota's unit. Token-side units fall back to a rough
// 1000-tokens-per-request equivalence when no token rate was observed.
func remainingAndRate(qs domain.QuotaState, rate domain.UsageRate) (int64, float64, bool) {
	switch qs.CapacityUnit {
	case domain.UnitRequests:
		remaining, ok := qs.RemainingCapacity.PointValue()
		return remaining, rate.RequestsPerHour, ok
	case domain.UnitTokens, domain.UnitMixed:
		var remaining int64
		var ok bool
		if qs.CapacityUnit == domain.UnitMixed && qs.RemainingTokens != nil {
			remaining, ok = *qs.RemainingTokens, true
		} else {
			remaining, ok = qs.RemainingCapacity.PointValue()
		}
		if rate.TokensPerHour != nil {
			return remaining, *rate.TokensPerHour, ok
		}
		if rate.RequestsPerHour > 0 {
			return remaining, rate.RequestsPerHour * 1000, ok
		}
		return 0, 0, false
	}
	return 0, 0, false
}

// CalculateUncertainty grades prediction uncertainty from the capacity
// estimate's shape, promoted one level when the usage-rate or capacity
// confidence is weak.
func CalculateUncertainty(qs domain.QuotaState, rate *domain.UsageRate) domain.UncertaintyLevel {
	level := qs.RemainingCapacity.BaseUncertainty()
	if rate == nil || rate.Confidence < 0.5 || qs.RemainingCapacity.Confidence < 0.5 {
		level = level.Promote()
	}
	return level
}

func conservativeMultiplier(level domain.UncertaintyLevel) float64 {
	switch level {
	case domain.UncertaintyLow:
		return 1.0
	case domain.UncertaintyMedium:
		return 0.9
	case domain.UncertaintyHigh:
		return 0.75
	default:
		return 0.5
	}
}

// freshPrediction returns the cached prediction for a key if it has not
// expired. Stale reads are acceptable; eviction happens lazily.
func (e *Engine) freshPrediction(keyID string, now time.Time) *domain.ExhaustionPrediction {
	e.cacheMu.RLock()
	cached, ok := e.predictions[keyID]
	e.cacheMu.RUnlock()
	if !ok || now.After(cached.expiresAt) {
		return nil
	}
	p := cached.prediction
	return &p
}

// decideCapacityState computes the coarse capacity band. A fresh exhaustion
// prediction overrides the percentage bands; without one, the bands are open
// intervals above (a key at exactly 80% remaining is Constrained).
func decideCapacityState(qs domain.QuotaState, prediction *domain.ExhaustionPrediction, now time.Time) domain.CapacityState {
	if prediction != nil && prediction.PredictedExhaustionAt != nil {
		hours := prediction.PredictedExhaustionAt.Sub(now).Hours()
		switch {
		case hours < 4:
			return domain.CapacityCritical
		case hours < 24:
			return domain.CapacityConstrained
		default:
			return domain.CapacityAbundant
		}
	}

	remaining, haveRemaining := qs.RemainingCapacity.PointValue()
	haveTotal := qs.TotalCapacity != nil

	switch {
	case haveTotal && *qs.TotalCapacity == 0:
		return domain.CapacityExhausted
	case haveRemaining && remaining == 0:
		return domain.CapacityExhausted
	case !haveRemaining || !haveTotal:
		// Optimistic: missing information is not the same as no capacity.
		return domain.CapacityAbundant
	}

	pct := float64(remaining) / float64(*qs.TotalCapacity)
	switch {
	case pct > 0.80:
		return domain.CapacityAbundant
	case pct > 0.50:
		return domain.CapacityConstrained
	case pct > 0.20:
		return domain.CapacityCritical
	default:
		return domain.CapacityExhausted
	}
}
