package providers

import (
	"errors"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// ModelPricing is the per-1K-token USD price pair for one model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultOutputTokens is assumed when the caller gives no output estimate.
const defaultOutputTokens = 512

// EstimateInputTokens estimates the input token count for an intent using
// the chars/4 heuristic. An explicit EstimatedInputTokens wins.
func EstimateInputTokens(intent domain.Intent) int64 {
	if intent.EstimatedInputTokens > 0 {
		return intent.EstimatedInputTokens
	}
	var total int64
	for _, msg := range intent.Messages {
		total += int64(len(msg.Content)) / 4
	}
	return total
}

// EstimateCostFromTable builds a CostEstimate for an intent against a model
// pricing table. Unknown models fall back to fallback pricing with reduced
// confidence.
func EstimateCostFromTable(intent domain.Intent, table map[string]ModelPricing, fallback ModelPricing) (domain.CostEstimate, error) {
	inTokens := EstimateInputTokens(intent)
	outTokens := intent.EstimatedOutputTokens
	if outTokens <= 0 {
		outTokens = defaultOutputTokens
	}

	pricing, known := table[intent.Model]
	confidence := 0.8
	method := "pricing_table"
	if !known {
		pricing = fallback
		confidence = 0.5
		method = "pricing_fallback"
	}

	usd := (float64(inTokens)/1000.0)*pricing.InputPer1K + (float64(outTokens)/1000.0)*pricing.OutputPer1K
	return domain.CostEstimate{
		Amount:               domain.NewMoneyFromFloat(usd),
		Currency:             "USD",
		Confidence:           confidence,
		EstimationMethod:     method,
		InputTokensEstimate:  inTokens,
		OutputTokensEstimate: outTokens,
	}, nil
}

// MapStatusError converts a wire-layer error into a classified DomainError.
// It is the shared MapError implementation for the bundled HTTP adapters.
func MapStatusError(providerID string, err error) *domain.DomainError {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return de
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429 || se.StatusCode == 529:
			return &domain.DomainError{
				Category:  domain.ErrCategoryRateLimit,
				Message:   "provider rate limit exceeded",
				Retryable: true,
				Err:       err,
			}
		case se.StatusCode == 401 || se.StatusCode == 403:
			return &domain.DomainError{
				Category:  domain.ErrCategoryAuthentication,
				Message:   "provider rejected credentials",
				Retryable: false,
				Err:       err,
			}
		case se.StatusCode >= 500:
			return &domain.DomainError{
				Category:  domain.ErrCategoryProviderDown,
				Message:   "provider unavailable",
				Retryable: true,
				Err:       err,
			}
		case se.StatusCode == 400 || se.StatusCode == 422:
			return &domain.DomainError{
				Category:  domain.ErrCategoryValidation,
				Message:   "provider rejected request shape",
				Retryable: false,
				Err:       err,
			}
		}
	}
	return &domain.DomainError{
		Category:  domain.ErrCategoryProvider,
		Message:   "provider call failed: " + providerID,
		Retryable: false,
		Err:       err,
	}
}
