// Package routekeeper is an API-key routing engine for multi-provider LLM
// fleets. Applications register provider adapters and keys, then submit
// request intents with a routing objective; the router selects a key by
// lifecycle state, quota capacity, cost budgets, and a scored objective,
// executes through the provider adapter, and accounts for the outcome.
package routekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/routekeeper/routekeeper/internal/cost"
	"github.com/routekeeper/routekeeper/internal/cryptomaterial"
	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/keymanager"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/providerhealth"
	"github.com/routekeeper/routekeeper/internal/providers"
	"github.com/routekeeper/routekeeper/internal/quota"
	"github.com/routekeeper/routekeeper/internal/routing"
	"github.com/routekeeper/routekeeper/internal/store"
)

// defaultMaxAttempts bounds the retry loop in Route: the initial attempt
// plus retries against different keys on retryable failures.
const defaultMaxAttempts = 3

// Options configures a Router. The zero value plus an EncryptionSecret is a
// working in-memory configuration.
type Options struct {
	// EncryptionSecret keys material encryption at rest. Required.
	EncryptionSecret string

	// Store backs all persistence. Defaults to a bounded in-memory store.
	Store store.Store

	// Sink receives events and logs. Defaults to a bus-backed sink with
	// the process-default logger.
	Sink observability.Sink

	// MaxAttempts bounds the Route retry loop. Values below 2 are raised
	// to the default.
	MaxAttempts int

	// DefaultCooldown applies when a key is throttled without an explicit
	// cooldown.
	DefaultCooldown time.Duration

	// QuotaCooldownSeconds applies when a 429 carries no Retry-After.
	QuotaCooldownSeconds int

	// PredictionTTL bounds the exhaustion-prediction cache.
	PredictionTTL time.Duration
}

// Router composes the key manager, quota engine, cost controller, routing
// engine, and provider registry behind the minimal public API.
type Router struct {
	store    store.Store
	sink     observability.Sink
	registry *providers.Registry
	keys     *keymanager.Manager
	quota    *quota.Engine
	costs    *cost.Controller
	engine   *routing.Engine
	health   *providerhealth.Tracker

	maxAttempts int
}

// New wires a Router from options. It fails if the encryption secret is
// absent: running without material encryption is never acceptable.
func New(opts Options) (*Router, error) {
	cipher, err := cryptomaterial.NewCipher(opts.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("init encryption: %w", err)
	}

	s := opts.Store
	if s == nil {
		s = store.NewMemoryStore(0, 0)
	}
	sink := opts.Sink
	if sink == nil {
		sink = observability.NewBusSink(observability.NewBus(), slog.Default())
	}

	registry := providers.NewRegistry()
	health := providerhealth.NewTracker()

	var keyOpts []keymanager.Option
	if opts.DefaultCooldown > 0 {
		keyOpts = append(keyOpts, keymanager.WithDefaultCooldown(opts.DefaultCooldown))
	}
	keys := keymanager.NewManager(s, cipher, sink, keyOpts...)

	quotaOpts := []quota.Option{quota.WithKeyManager(keys)}
	if opts.QuotaCooldownSeconds > 0 {
		quotaOpts = append(quotaOpts, quota.WithDefaultCooldown(opts.QuotaCooldownSeconds))
	}
	if opts.PredictionTTL > 0 {
		quotaOpts = append(quotaOpts, quota.WithPredictionTTL(opts.PredictionTTL))
	}
	quotaEngine := quota.NewEngine(s, sink, quotaOpts...)

	costs := cost.NewController(s, registry, sink)

	engine := routing.NewEngine(keys, s, sink,
		routing.WithQuota(quotaEngine),
		routing.WithCosts(costs),
		routing.WithHealth(health),
	)

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 2 {
		maxAttempts = defaultMaxAttempts
	}

	return &Router{
		store:       s,
		sink:        sink,
		registry:    registry,
		keys:        keys,
		quota:       quotaEngine,
		costs:       costs,
		engine:      engine,
		health:      health,
		maxAttempts: maxAttempts,
	}, nil
}

// RegisterProvider binds an adapter to a provider id. The id is trimmed but
// case-preserved; duplicates are rejected unless overwrite is set.
func (r *Router) RegisterProvider(providerID string, adapter providers.Adapter, overwrite bool) error {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return &domain.ValidationError{Field: "provider_id", Reason: "empty"}
	}
	if adapter == nil {
		return &domain.ValidationError{Field: "adapter", Reason: "nil adapter"}
	}
	if err := r.registry.Register(providerID, adapter, overwrite); err != nil {
		return &domain.ValidationError{Field: "provider_id", Reason: err.Error()}
	}

	observability.EmitOrWarn(r.sink, observability.Event{
		Type:    observability.EventProviderRegistered,
		Payload: map[string]any{"provider_id": providerID},
	})
	return nil
}

// RegisterKey registers key material for an already-registered provider and
// initializes its quota record.
func (r *Router) RegisterKey(ctx context.Context, material, providerID string, metadata map[string]string) (*domain.APIKey, error) {
	providerID = strings.TrimSpace(providerID)
	if _, ok := r.registry.Get(providerID); !ok {
		return nil, &domain.ValidationError{Field: "provider_id", Reason: "provider not registered"}
	}

	key, err := r.keys.RegisterKey(ctx, material, providerID, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := r.quota.GetQuotaState(ctx, key.ID); err != nil {
		r.sink.Log(slog.LevelWarn, "quota initialization failed for new key",
			slog.String("key_id", key.ID),
			slog.String("error", err.Error()),
		)
	}
	return key, nil
}

// Route selects a key for the intent, executes through the provider
// adapter, and accounts for the outcome. Retryable provider failures
// (rate limits, outages) re-enter selection with refreshed eligibility, up
// to the configured attempt budget. The correlation id spans all attempts
// and lands in the response metadata.
func (r *Router) Route(ctx context.Context, intent domain.Intent, objective *domain.RoutingObjective) (*domain.SystemResponse, error) {
	if intent.RequestID == "" {
		intent.RequestID = uuid.NewString()
	}
	correlationID := uuid.NewString()
	ctx = providers.WithRequestID(ctx, intent.RequestID)
	ctx = providers.WithCorrelationID(ctx, correlationID)

	ctx, span := otel.Tracer("routekeeper").Start(ctx, "routekeeper.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", intent.RequestID),
		attribute.String("correlation_id", correlationID),
		attribute.String("provider_id", intent.ProviderID),
	)

	r.sink.Log(slog.LevelInfo, "request_routing_started",
		slog.String("request_id", intent.RequestID),
		slog.String("correlation_id", correlationID),
		slog.String("provider_id", intent.ProviderID),
	)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		decision, err := r.engine.RouteRequest(ctx, intent, objective)
		if err != nil {
			var noKeys *domain.NoEligibleKeysError
			if errors.As(err, &noKeys) {
				r.sink.Log(slog.LevelWarn, "routing found no eligible keys",
					slog.String("request_id", intent.RequestID),
					slog.String("correlation_id", correlationID),
					slog.Int("attempt", attempt),
				)
			}
			span.SetStatus(codes.Error, "routing failed")
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		span.SetAttributes(attribute.String("selected_key_id", decision.SelectedKeyID))

		resp, err := r.executeAttempt(ctx, intent, decision, correlationID)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
		lastErr = err

		var de *domain.DomainError
		if !errors.As(err, &de) || !de.Retryable || attempt == r.maxAttempts {
			span.SetStatus(codes.Error, "execution failed")
			return nil, err
		}
		r.sink.Log(slog.LevelWarn, "retrying with refreshed eligible keys",
			slog.String("request_id", intent.RequestID),
			slog.String("correlation_id", correlationID),
			slog.String("failed_key_id", decision.SelectedKeyID),
			slog.Int("attempt", attempt),
		)
	}
	span.SetStatus(codes.Error, "attempts exhausted")
	return nil, lastErr
}

// executeAttempt runs one selected key through its adapter and performs the
// success/failure accounting.
func (r *Router) executeAttempt(ctx context.Context, intent domain.Intent, decision *domain.RoutingDecision, correlationID string) (*domain.SystemResponse, error) {
	keyID := decision.SelectedKeyID
	providerID := decision.SelectedProviderID

	adapter, ok := r.registry.Get(providerID)
	if !ok {
		return nil, &domain.ValidationError{Field: "provider_id", Reason: "provider not registered"}
	}

	material, err := r.keys.GetKeyMaterial(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("load key material: %w", err)
	}

	if r.costs != nil {
		if res, ok := decision.EvaluationResults[keyID]; ok && res.CostEstimate != nil {
			r.costs.RecordEstimatedCost(intent.RequestID, *res.CostEstimate, providerID, intent.Model, keyID)
		}
	}

	resp, err := adapter.ExecuteRequest(ctx, intent, providers.Credential{KeyID: keyID, Material: material})
	if err != nil {
		r.recordFailure(ctx, intent, keyID, providerID, correlationID, adapter, err)
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, adapter.MapError(err)
	}

	r.health.RecordSuccess(providerID)
	r.accountSuccess(ctx, intent, decision, resp)

	if resp.Metadata == nil {
		resp.Metadata = make(map[string]string, 2)
	}
	resp.Metadata["correlation_id"] = correlationID
	resp.Metadata["request_id"] = intent.RequestID

	observability.EmitOrWarn(r.sink, observability.Event{
		Type: observability.EventRequestCompleted,
		Payload: map[string]any{
			"request_id":  intent.RequestID,
			"provider_id": providerID,
			"key_id":      keyID,
		},
		Metadata: map[string]string{"correlation_id": correlationID},
	})
	return resp, nil
}

// recordFailure updates health, counters, and quota state after a failed
// adapter call, and emits request_failed. Rate-limit failures feed the
// quota engine so the key is throttled out of the next attempt.
func (r *Router) recordFailure(ctx context.Context, intent domain.Intent, keyID, providerID, correlationID string, adapter providers.Adapter, execErr error) {
	r.health.RecordFailure(providerID)

	// Failure accounting must survive caller cancellation.
	acctCtx := context.WithoutCancel(ctx)

	if err := r.keys.MarkFailed(acctCtx, keyID); err != nil {
		r.sink.Log(slog.LevelWarn, "failure count update failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}

	var de *domain.DomainError
	if !errors.As(execErr, &de) {
		de = adapter.MapError(execErr)
	}

	if de.Category == domain.ErrCategoryRateLimit {
		headers := map[string]string{}
		var se *providers.StatusError
		if errors.As(execErr, &se) && se.RetryAfterSecs > 0 {
			headers["Retry-After"] = strconv.Itoa(se.RetryAfterSecs)
		}
		if _, err := r.quota.HandleQuotaResponse(acctCtx, keyID, quota.RateLimitResponse{
			StatusCode: 429,
			Headers:    headers,
		}, providerID); err != nil {
			r.sink.Log(slog.LevelWarn, "quota 429 handling failed",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
	}

	observability.EmitOrWarn(r.sink, observability.Event{
		Type: observability.EventRequestFailed,
		Payload: map[string]any{
			"request_id":  intent.RequestID,
			"provider_id": providerID,
			"key_id":      keyID,
			"category":    string(de.Category),
			"retryable":   de.Retryable,
		},
		Metadata: map[string]string{"correlation_id": correlationID},
	})
}

// accountSuccess performs post-success accounting: usage counters, quota
// decrement (token-aware), actual-cost reconciliation, and enriching the
// persisted decision with consumed tokens. Best-effort by contract: the
// response is already won, so failures here degrade to warnings and must
// not be cancellable by the caller.
func (r *Router) accountSuccess(ctx context.Context, intent domain.Intent, decision *domain.RoutingDecision, resp *domain.SystemResponse) {
	acctCtx := context.WithoutCancel(ctx)
	keyID := decision.SelectedKeyID

	if err := r.keys.MarkUsed(acctCtx, keyID); err != nil {
		r.sink.Log(slog.LevelWarn, "usage count update failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}

	var tokens *int64
	if resp.Usage.TotalTokens > 0 {
		t := resp.Usage.TotalTokens
		tokens = &t
	}
	if _, err := r.quota.UpdateCapacity(acctCtx, keyID, 1, tokens); err != nil {
		r.sink.Log(slog.LevelWarn, "capacity decrement failed",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}

	if tokens != nil {
		if res, ok := decision.EvaluationResults[keyID]; ok {
			res.TokensConsumed = tokens
			decision.EvaluationResults[keyID] = res
			if err := r.store.SaveRoutingDecision(acctCtx, *decision); err != nil {
				r.sink.Log(slog.LevelWarn, "decision token enrichment failed",
					slog.String("decision_id", decision.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if r.costs != nil {
		if actual, ok := r.actualCost(intent, resp); ok {
			if _, err := r.costs.RecordActualCost(acctCtx, intent.RequestID, actual, decision.SelectedProviderID, resp.Model, keyID); err != nil {
				r.sink.Log(slog.LevelWarn, "actual cost recording failed",
					slog.String("request_id", intent.RequestID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// actualCost prices the response's reported token usage through the
// adapter's own cost model. Providers do not return a dollar figure on the
// wire; re-pricing observed tokens is the closest observable actual.
func (r *Router) actualCost(intent domain.Intent, resp *domain.SystemResponse) (domain.Money, bool) {
	if resp.Usage.TotalTokens == 0 {
		return 0, false
	}
	adapter, ok := r.registry.Get(resp.ProviderID)
	if !ok {
		return 0, false
	}
	priced := intent
	priced.EstimatedInputTokens = resp.Usage.InputTokens
	priced.EstimatedOutputTokens = resp.Usage.OutputTokens
	if resp.Model != "" {
		priced.Model = resp.Model
	}
	estimate, err := adapter.EstimateCost(priced)
	if err != nil {
		return 0, false
	}
	return estimate.Amount, true
}

// RecoverThrottledKeys sweeps throttled keys whose cooldown has elapsed
// back to Available. Intended for a periodic daemon loop.
func (r *Router) RecoverThrottledKeys(ctx context.Context) (int, error) {
	return r.keys.CheckAndRecoverStates(ctx)
}

// ExplainDecision formats the audit report for a persisted decision.
func (r *Router) ExplainDecision(d *domain.RoutingDecision) string {
	return routing.ExplainDecision(d)
}

// Component accessors for advanced integration and tests.

// Keys returns the key manager.
func (r *Router) Keys() *keymanager.Manager { return r.keys }

// Quota returns the quota awareness engine.
func (r *Router) Quota() *quota.Engine { return r.quota }

// Costs returns the cost controller.
func (r *Router) Costs() *cost.Controller { return r.costs }

// Engine returns the routing engine.
func (r *Router) Engine() *routing.Engine { return r.engine }

// Registry returns the provider adapter registry.
func (r *Router) Registry() *providers.Registry { return r.registry }

// Health returns the provider health tracker.
func (r *Router) Health() *providerhealth.Tracker { return r.health }

// Store returns the backing state store.
func (r *Router) Store() store.Store { return r.store }

// Sink returns the observability sink.
func (r *Router) Sink() observability.Sink { return r.sink }
