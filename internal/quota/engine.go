// Package quota maintains a forward-looking capacity model per key: how much
// window capacity remains, when the window resets, and when the key is
// predicted to exhaust. It is the routing engine's second eligibility signal
// after key lifecycle state.
package quota

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/store"
)

const (
	defaultCooldownSecs  = 60
	defaultPredictionTTL = 300 * time.Second
)

// KeyThrottler is the key-manager hook the engine calls when a 429 should
// throttle the key itself, not just its quota record. Wired optionally to
// avoid a hard dependency cycle.
type KeyThrottler interface {
	UpdateKeyState(ctx context.Context, id string, newState domain.KeyState, trigger string, cooldownSeconds int, transitionContext map[string]any) (*domain.StateTransition, error)
}

// RateLimitResponse is the slice of a provider response the engine needs to
// process a 429: the status code and headers.
type RateLimitResponse struct {
	StatusCode int
	Headers    map[string]string
}

// Engine tracks QuotaState per key, detects window resets, reacts to 429s,
// and predicts exhaustion with uncertainty.
type Engine struct {
	store store.Store
	sink  observability.Sink

	keyManager KeyThrottler // optional

	cooldownSecs  int
	predictionTTL time.Duration
	nowFunc       func() time.Time

	// Two-level lock: mu guards creation of the per-key mutexes that
	// serialize initialization and capacity updates for a single key.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	cacheMu     sync.RWMutex
	predictions map[string]cachedPrediction
}

type cachedPrediction struct {
	prediction domain.ExhaustionPrediction
	expiresAt  time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeyManager wires the key-manager hook for 429 throttling.
func WithKeyManager(km KeyThrottler) Option {
	return func(e *Engine) {
		e.keyManager = km
	}
}

// WithDefaultCooldown sets the cooldown used when a 429 carries no parseable
// Retry-After.
func WithDefaultCooldown(seconds int) Option {
	return func(e *Engine) {
		if seconds > 0 {
			e.cooldownSecs = seconds
		}
	}
}

// WithPredictionTTL sets how long exhaustion predictions are cached.
func WithPredictionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.predictionTTL = ttl
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(e *Engine) {
		e.nowFunc = fn
	}
}

// NewEngine creates a quota engine over the given store.
func NewEngine(s store.Store, sink observability.Sink, opts ...Option) *Engine {
	if sink == nil {
		sink = observability.NopSink{}
	}
	e := &Engine{
		store:         s,
		sink:          sink,
		cooldownSecs:  defaultCooldownSecs,
		predictionTTL: defaultPredictionTTL,
		nowFunc:       time.Now,
		locks:         make(map[string]*sync.Mutex),
		predictions:   make(map[string]cachedPrediction),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// keyLock returns the mutex serializing operations for one key, creating it
// under the outer lock on first use.
func (e *Engine) keyLock(keyID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[keyID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[keyID] = l
	}
	return l
}

// GetQuotaState returns the quota record for a key, creating an optimistic
// initial record on first sight. Initialization is serialized per key so
// concurrent first readers cannot double-create.
func (e *Engine) GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	qs, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_quota_state", Err: err}
	}
	if qs != nil {
		return qs, nil
	}

	lock := e.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()
	return e.getOrInitLocked(ctx, keyID)
}

// getOrInitLocked loads or initializes a quota record. The caller must hold
// the key's lock.
func (e *Engine) getOrInitLocked(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	qs, err := e.store.GetQuotaState(ctx, keyID)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_quota_state", Err: err}
	}
	if qs != nil {
		return qs, nil
	}

	now := e.nowFunc().UTC()
	initial := domain.QuotaState{
		KeyID:             keyID,
		CapacityState:     domain.CapacityAbundant,
		CapacityUnit:      domain.UnitRequests,
		RemainingCapacity: domain.Unknown("initial"),
		TimeWindow:        domain.WindowDaily,
		ResetAt:           nextReset(domain.WindowDaily, now),
		UpdatedAt:         now,
	}
	if err := e.store.SaveQuotaState(ctx, initial); err != nil {
		return nil, &domain.StateStoreError{Op: "save_quota_state", Err: err}
	}
	return &initial, nil
}

// UpdateCapacity applies consumption to a key's quota record: decrements
// remaining capacity, increments used counters, performs a window reset
// first when due, and recomputes the coarse capacity state.
func (e *Engine) UpdateCapacity(ctx context.Context, keyID string, consumed int64, tokensConsumed *int64) (*domain.QuotaState, error) {
	if consumed < 0 || (tokensConsumed != nil && *tokensConsumed < 0) {
		return nil, &domain.ValidationError{Field: "consumed", Reason: "must be non-negative"}
	}

	lock := e.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	qs, err := e.getOrInitLocked(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := e.nowFunc().UTC()
	if !now.Before(qs.ResetAt) {
		e.reset(qs, now)
	}

	switch qs.CapacityUnit {
	case domain.UnitRequests:
		decrementEstimate(&qs.RemainingCapacity, consumed)
		qs.UsedCapacity += consumed
		qs.UsedRequests += consumed
	case domain.UnitTokens:
		tokens := consumed
		if tokensConsumed != nil {
			tokens = *tokensConsumed
		}
		decrementEstimate(&qs.RemainingCapacity, tokens)
		qs.UsedCapacity += consumed
		qs.UsedTokens += tokens
	case domain.UnitMixed:
		if tokensConsumed == nil {
			return nil, &domain.ValidationError{Field: "tokens_consumed", Reason: "required for mixed-unit quota"}
		}
		decrementEstimate(&qs.RemainingCapacity, consumed)
		if qs.RemainingTokens != nil {
			remaining := *qs.RemainingTokens - *tokensConsumed
			if remaining < 0 {
				remaining = 0
			}
			qs.RemainingTokens = &remaining
		}
		qs.UsedCapacity += consumed
		qs.UsedRequests += consumed
		qs.UsedTokens += *tokensConsumed
	}
	qs.UpdatedAt = now

	previous := qs.CapacityState
	qs.CapacityState = decideCapacityState(*qs, e.freshPrediction(keyID, now), now)

	if qs.CapacityState != previous {
		trigger := "capacity_update"
		if e.freshPrediction(keyID, now) != nil {
			trigger = "exhaustion_prediction"
		}
		transition := domain.StateTransition{
			EntityType:          "quota_state",
			EntityID:            keyID,
			FromState:           string(previous),
			ToState:             string(qs.CapacityState),
			Trigger:             trigger,
			TransitionTimestamp: now,
		}
		if err := e.store.SaveStateTransition(ctx, transition); err != nil {
			e.sink.Log(slog.LevelWarn, "quota state transition append failed",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
		observability.EmitOrWarn(e.sink, observability.Event{
			Type: observability.EventStateTransition,
			Payload: map[string]any{
				"key_id":      keyID,
				"entity_type": "quota_state",
				"from_state":  string(previous),
				"to_state":    string(qs.CapacityState),
				"trigger":     trigger,
			},
		})
	}

	if err := e.store.SaveQuotaState(ctx, *qs); err != nil {
		return nil, &domain.StateStoreError{Op: "save_quota_state", Err: err}
	}

	observability.EmitOrWarn(e.sink, observability.Event{
		Type: observability.EventCapacityUpdated,
		Payload: map[string]any{
			"key_id":         keyID,
			"consumed":       consumed,
			"capacity_state": string(qs.CapacityState),
		},
	})
	return qs, nil
}

// reset restores a quota record to the top of a fresh window. With a known
// total, remaining snaps back to it exactly; with an unknown total the
// estimate stays unknown. Used counters zero and reset_at advances once.
func (e *Engine) reset(qs *domain.QuotaState, now time.Time) {
	if qs.TotalCapacity != nil {
		qs.RemainingCapacity = domain.Exact(*qs.TotalCapacity, "window_reset")
	} else {
		qs.RemainingCapacity = domain.Unknown("window_reset")
	}
	if qs.TotalTokens != nil {
		t := *qs.TotalTokens
		qs.RemainingTokens = &t
	}
	qs.UsedCapacity = 0
	qs.UsedTokens = 0
	qs.UsedRequests = 0
	qs.CapacityState = domain.CapacityAbundant
	if qs.TimeWindow != domain.WindowCustom {
		qs.ResetAt = nextReset(qs.TimeWindow, now)
	}
	qs.UpdatedAt = now

	observability.EmitOrWarn(e.sink, observability.Event{
		Type: observability.EventQuotaReset,
		Payload: map[string]any{
			"key_id":   qs.KeyID,
			"window":   string(qs.TimeWindow),
			"reset_at": qs.ResetAt,
		},
	})
}

// HandleQuotaResponse processes a provider 429: marks the key's quota
// exhausted with full confidence, honors Retry-After, and (when wired)
// throttles the key through the key manager.
func (e *Engine) HandleQuotaResponse(ctx context.Context, keyID string, resp RateLimitResponse, providerID string) (*domain.QuotaState, error) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return nil, &domain.ValidationError{Field: "status_code", Reason: "not a 429 response"}
	}

	retryAfter := e.parseRetryAfter(resp.Headers)

	lock := e.keyLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	qs, err := e.getOrInitLocked(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := e.nowFunc().UTC()
	qs.RemainingCapacity = domain.CapacityEstimate{
		Kind:       domain.EstimateExact,
		Value:      ptrInt64(0),
		Confidence: 1.0,
		Method:     "429_response",
	}
	if qs.RemainingTokens != nil {
		qs.RemainingTokens = ptrInt64(0)
	}
	qs.CapacityState = domain.CapacityExhausted
	qs.UpdatedAt = now

	if err := e.store.SaveQuotaState(ctx, *qs); err != nil {
		return nil, &domain.StateStoreError{Op: "save_quota_state", Err: err}
	}

	if e.keyManager != nil {
		_, err := e.keyManager.UpdateKeyState(ctx, keyID, domain.KeyThrottled, "quota_429", retryAfter, map[string]any{
			"provider_id":         providerID,
			"retry_after_seconds": retryAfter,
		})
		if err != nil {
			e.sink.Log(slog.LevelWarn, "key throttle after 429 failed",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
	}

	observability.EmitOrWarn(e.sink, observability.Event{
		Type: observability.EventQuotaExhausted,
		Payload: map[string]any{
			"key_id":              keyID,
			"provider_id":         providerID,
			"retry_after_seconds": retryAfter,
			"cooldown_seconds":    retryAfter,
		},
	})
	return qs, nil
}

// parseRetryAfter reads a Retry-After header case-insensitively: integer
// seconds, then HTTP-date, then the configured default with a warning.
func (e *Engine) parseRetryAfter(headers map[string]string) int {
	var raw string
	for k, v := range headers {
		if strings.EqualFold(k, "Retry-After") {
			raw = strings.TrimSpace(v)
			break
		}
	}
	if raw == "" {
		return e.cooldownSecs
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return secs
	}
	if t, err := http.ParseTime(raw); err == nil {
		if delta := t.Sub(e.nowFunc()); delta > 0 {
			return int(delta.Seconds())
		}
		return 0
	}
	e.sink.Log(slog.LevelWarn, "unparseable Retry-After header, using default cooldown",
		slog.String("value", raw),
		slog.Int("default_seconds", e.cooldownSecs),
	)
	return e.cooldownSecs
}

// decrementEstimate lowers a capacity estimate by n, clamping at zero.
// Unknown estimates stay unknown; bounded estimates shift both bounds.
func decrementEstimate(est *domain.CapacityEstimate, n int64) {
	switch est.Kind {
	case domain.EstimateExact, domain.EstimateEstimated:
		if est.Value != nil {
			v := *est.Value - n
			if v < 0 {
				v = 0
			}
			est.Value = &v
		}
	case domain.EstimateBounded:
		if est.Min != nil {
			lo := *est.Min - n
			if lo < 0 {
				lo = 0
			}
			est.Min = &lo
		}
		if est.Max != nil {
			hi := *est.Max - n
			if hi < 0 {
				hi = 0
			}
			est.Max = &hi
		}
	}
}

// nextReset computes the next window boundary after now, in UTC.
func nextReset(window domain.TimeWindow, now time.Time) time.Time {
	now = now.UTC()
	switch window {
	case domain.WindowHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case domain.WindowDaily:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case domain.WindowMonthly:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		// Custom windows are caller-managed; fall back to daily cadence if
		// a caller never set one.
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}

func ptrInt64(v int64) *int64 { return &v }
