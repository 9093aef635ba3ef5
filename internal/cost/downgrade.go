package cost

import (
	"context"
	"log/slog"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// downgradeTable maps expensive models to their provider's cheaper
// alternative. Static by design: downgrade is a pressure valve for soft
// budget overruns, not a second routing engine.
var downgradeTable = map[string]string{
	"gpt-4":             "gpt-3.5-turbo",
	"gpt-4-turbo":       "gpt-3.5-turbo",
	"gpt-4o":            "gpt-4o-mini",
	"claude-3-opus":     "claude-3-5-haiku",
	"claude-3-5-sonnet": "claude-3-5-haiku",
}

type downgradeOutcome struct {
	attempted     bool
	successful    bool
	originalModel string
	newModel      string
	originalCost  domain.Money
	newCost       domain.Money
}

// annotate merges the outcome into a budget_warning event payload.
func (d downgradeOutcome) annotate(payload map[string]any) {
	if !d.attempted {
		return
	}
	payload["downgrade_successful"] = d.successful
	payload["original_model"] = d.originalModel
	if d.successful {
		payload["downgrade_model"] = d.newModel
		payload["original_cost_usd"] = d.originalCost.Float64()
		payload["downgrade_cost_usd"] = d.newCost.Float64()
	}
}

// attemptDowngrade swaps the intent's model for a cheaper one from the
// static table and re-estimates. A failed re-estimate reverts the model so
// the caller's intent is never left half-mutated.
func (c *Controller) attemptDowngrade(ctx context.Context, intent *domain.Intent, estimate domain.CostEstimate, providerID, keyID string) downgradeOutcome {
	outcome := downgradeOutcome{
		attempted:     true,
		originalModel: intent.Model,
		originalCost:  estimate.Amount,
	}

	cheaper, ok := downgradeTable[intent.Model]
	if !ok || cheaper == intent.Model {
		return outcome
	}

	intent.Model = cheaper
	newEstimate, err := c.EstimateRequestCost(ctx, *intent, providerID, keyID)
	if err != nil {
		intent.Model = outcome.originalModel
		c.sink.Log(slog.LevelWarn, "downgrade re-estimate failed, reverting model",
			slog.String("provider_id", providerID),
			slog.String("original_model", outcome.originalModel),
			slog.String("error", err.Error()),
		)
		return outcome
	}

	outcome.successful = true
	outcome.newModel = cheaper
	outcome.newCost = newEstimate.Amount
	return outcome
}
