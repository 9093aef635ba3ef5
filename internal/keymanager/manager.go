// Package keymanager is the sole authority on APIKey identity, lifecycle
// state, and material secrecy. All other components treat keys as opaque
// records; only this package ever sees plaintext material, and only long
// enough to encrypt or hand it to a provider adapter.
package keymanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/routekeeper/routekeeper/internal/cryptomaterial"
	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/store"
)

const defaultCooldown = 60 * time.Second

// PolicyFilter narrows an eligible-key set beyond state filtering. A filter
// that errors is ignored: the state-filtered set is used and a warning
// logged.
type PolicyFilter func(keys []domain.APIKey) ([]domain.APIKey, error)

// Manager handles key registration, rotation, revocation, state transitions,
// and eligibility filtering.
type Manager struct {
	store  store.Store
	cipher *cryptomaterial.Cipher
	sink   observability.Sink

	cooldown time.Duration
	nowFunc  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultCooldown sets the cooldown applied on transition to Throttled
// when the caller gives none. The default is 60 seconds.
func WithDefaultCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = fn
	}
}

// NewManager creates a key manager. The cipher is required: a Manager
// without encryption would store plaintext material.
func NewManager(s store.Store, cipher *cryptomaterial.Cipher, sink observability.Sink, opts ...Option) *Manager {
	if sink == nil {
		sink = observability.NopSink{}
	}
	m := &Manager{
		store:    s,
		cipher:   cipher,
		sink:     sink,
		cooldown: defaultCooldown,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterKey validates and encrypts material, then persists a new key in
// the Available state. Event emission failure degrades to a warning; the
// registration itself still succeeds.
func (m *Manager) RegisterKey(ctx context.Context, material, providerID string, metadata map[string]string) (*domain.APIKey, error) {
	providerID = strings.ToLower(strings.TrimSpace(providerID))

	if err := validateMaterial(material); err != nil {
		return nil, &domain.KeyRegistrationError{ProviderID: providerID, Reason: err.Error()}
	}
	if err := validateProviderID(providerID); err != nil {
		return nil, &domain.KeyRegistrationError{ProviderID: providerID, Reason: err.Error()}
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, &domain.KeyRegistrationError{ProviderID: providerID, Reason: err.Error()}
	}

	encrypted, err := m.cipher.Encrypt([]byte(strings.TrimSpace(material)))
	if err != nil {
		return nil, &domain.KeyRegistrationError{ProviderID: providerID, Reason: "encryption failed"}
	}

	now := m.nowFunc().UTC()
	key := domain.APIKey{
		ID:                uuid.NewString(),
		ProviderID:        providerID,
		EncryptedMaterial: encrypted,
		State:             domain.KeyAvailable,
		Metadata:          metadata,
		CreatedAt:         now,
		StateUpdatedAt:    now,
	}

	if err := m.store.SaveKey(ctx, key); err != nil {
		return nil, &domain.KeyRegistrationError{ProviderID: providerID, Reason: "persistence failed"}
	}

	observability.EmitOrWarn(m.sink, observability.Event{
		Type: observability.EventKeyRegistered,
		Payload: map[string]any{
			"key_id":      key.ID,
			"provider_id": providerID,
		},
	})
	return &key, nil
}

// GetKey returns the key with the given id, or KeyNotFound.
func (m *Manager) GetKey(ctx context.Context, id string) (*domain.APIKey, error) {
	key, err := m.store.GetKey(ctx, id)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_key", Err: err}
	}
	if key == nil {
		return nil, &domain.KeyNotFound{KeyID: id}
	}
	return key, nil
}

// ListKeys returns all keys, or all keys for one provider when providerID is
// non-empty.
func (m *Manager) ListKeys(ctx context.Context, providerID string) ([]domain.APIKey, error) {
	keys, err := m.store.ListKeys(ctx, providerID)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_keys", Err: err}
	}
	return keys, nil
}

// GetKeyMaterial decrypts and returns a key's plaintext material. Every call
// emits a key_access audit event; the plaintext itself is never logged.
func (m *Manager) GetKeyMaterial(ctx context.Context, id string) (string, error) {
	key, err := m.GetKey(ctx, id)
	if err != nil {
		return "", err
	}

	plain, err := m.cipher.Decrypt(key.EncryptedMaterial)
	result := "success"
	if err != nil {
		result = "failure"
	}
	observability.EmitOrWarn(m.sink, observability.Event{
		Type: observability.EventKeyAccess,
		Payload: map[string]any{
			"key_id":    id,
			"operation": "decrypt",
			"result":    result,
		},
	})
	if err != nil {
		return "", fmt.Errorf("decrypt key material: %w", err)
	}
	return string(plain), nil
}

// UpdateKeyState moves a key through the transition matrix. cooldownSeconds
// applies only on transition to Throttled; zero or negative uses the
// configured default. Same-state updates are recorded as no-op transitions.
func (m *Manager) UpdateKeyState(ctx context.Context, id string, newState domain.KeyState, trigger string, cooldownSeconds int, transitionContext map[string]any) (*domain.StateTransition, error) {
	if !newState.IsValid() {
		return nil, &domain.ValidationError{Field: "state", Reason: "unknown state"}
	}

	key, err := m.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}

	from := key.State
	if !CanTransition(from, newState) {
		return nil, &domain.InvalidStateTransition{KeyID: id, From: from, To: newState}
	}

	now := m.nowFunc().UTC()
	key.State = newState
	key.StateUpdatedAt = now

	switch {
	case newState == domain.KeyThrottled:
		secs := cooldownSeconds
		if secs <= 0 {
			secs = int(m.cooldown.Seconds())
		}
		until := now.Add(time.Duration(secs) * time.Second)
		key.CooldownUntil = &until
	case from == domain.KeyThrottled:
		key.CooldownUntil = nil
	}

	transition := domain.StateTransition{
		EntityType:          "api_key",
		EntityID:            id,
		FromState:           string(from),
		ToState:             string(newState),
		Trigger:             trigger,
		Context:             transitionContext,
		TransitionTimestamp: now,
	}

	// No transaction primitive in the store contract: write the key record
	// first, then the transition, and surface a partial write in logs.
	if err := m.store.SaveKey(ctx, *key); err != nil {
		return nil, &domain.StateStoreError{Op: "save_key", Err: err}
	}
	if err := m.store.SaveStateTransition(ctx, transition); err != nil {
		m.sink.Log(slog.LevelWarn, "key state saved but transition append failed",
			slog.String("key_id", id),
			slog.String("to_state", string(newState)),
			slog.String("error", err.Error()),
		)
		return nil, &domain.StateStoreError{Op: "save_state_transition", Err: err}
	}

	observability.EmitOrWarn(m.sink, observability.Event{
		Type: observability.EventStateTransition,
		Payload: map[string]any{
			"key_id":     id,
			"from_state": string(from),
			"to_state":   string(newState),
			"trigger":    trigger,
		},
	})
	return &transition, nil
}

// RevokeKey force-transitions a key to Disabled.
func (m *Manager) RevokeKey(ctx context.Context, id string) error {
	_, err := m.UpdateKeyState(ctx, id, domain.KeyDisabled, "manual_revocation", 0, nil)
	if err != nil {
		return err
	}
	observability.EmitOrWarn(m.sink, observability.Event{
		Type:    observability.EventKeyRevoked,
		Payload: map[string]any{"key_id": id},
	})
	return nil
}

// RotateKey replaces a key's material in place. Identity, provider, state,
// metadata, counters, and created_at are preserved; only the ciphertext
// changes. A rotation transition is appended for audit.
func (m *Manager) RotateKey(ctx context.Context, id, newMaterial string) (*domain.APIKey, error) {
	if err := validateMaterial(newMaterial); err != nil {
		return nil, err
	}
	key, err := m.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}

	encrypted, err := m.cipher.Encrypt([]byte(strings.TrimSpace(newMaterial)))
	if err != nil {
		return nil, fmt.Errorf("encrypt rotated material: %w", err)
	}
	key.EncryptedMaterial = encrypted

	if err := m.store.SaveKey(ctx, *key); err != nil {
		return nil, &domain.StateStoreError{Op: "save_key", Err: err}
	}

	now := m.nowFunc().UTC()
	transition := domain.StateTransition{
		EntityType:          "api_key",
		EntityID:            id,
		FromState:           string(key.State),
		ToState:             string(key.State),
		Trigger:             "rotation",
		Context:             map[string]any{"material_updated": true},
		TransitionTimestamp: now,
	}
	if err := m.store.SaveStateTransition(ctx, transition); err != nil {
		m.sink.Log(slog.LevelWarn, "rotation saved but transition append failed",
			slog.String("key_id", id),
			slog.String("error", err.Error()),
		)
	}

	observability.EmitOrWarn(m.sink, observability.Event{
		Type:    observability.EventKeyRotated,
		Payload: map[string]any{"key_id": id},
	})
	return key, nil
}

// CheckAndRecoverStates scans Throttled keys whose cooldown has elapsed and
// returns them to Available. Failures on individual keys are logged and do
// not stop the sweep. Returns the number of keys recovered.
func (m *Manager) CheckAndRecoverStates(ctx context.Context) (int, error) {
	keys, err := m.store.ListKeys(ctx, "")
	if err != nil {
		return 0, &domain.StateStoreError{Op: "list_keys", Err: err}
	}

	now := m.nowFunc().UTC()
	recovered := 0
	for i := range keys {
		k := &keys[i]
		if k.State != domain.KeyThrottled || k.CooldownUntil == nil || k.CooldownUntil.After(now) {
			continue
		}
		if _, err := m.UpdateKeyState(ctx, k.ID, domain.KeyAvailable, "cooldown_elapsed", 0, nil); err != nil {
			m.sink.Log(slog.LevelWarn, "cooldown recovery failed for key",
				slog.String("key_id", k.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// GetEligibleKeys returns keys that may serve a request right now: Available
// and Recovering keys always; Throttled keys once their cooldown has lapsed.
// Disabled, Invalid, and Exhausted keys are excluded. An optional policy
// filter narrows the set further; a failing filter falls back to the
// state-filtered set.
func (m *Manager) GetEligibleKeys(ctx context.Context, providerID string, policy PolicyFilter) ([]domain.APIKey, error) {
	keys, err := m.store.ListKeys(ctx, providerID)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_keys", Err: err}
	}

	now := m.nowFunc().UTC()
	eligible := make([]domain.APIKey, 0, len(keys))
	for _, k := range keys {
		switch k.State {
		case domain.KeyAvailable, domain.KeyRecovering:
			eligible = append(eligible, k)
		case domain.KeyThrottled:
			if k.CooldownUntil == nil || !k.CooldownUntil.After(now) {
				eligible = append(eligible, k)
			}
		}
	}

	if policy != nil {
		filtered, err := policy(eligible)
		if err != nil {
			m.sink.Log(slog.LevelWarn, "eligibility policy failed, using state-filtered set",
				slog.String("provider_id", providerID),
				slog.String("error", err.Error()),
			)
			return eligible, nil
		}
		return filtered, nil
	}
	return eligible, nil
}

// MarkUsed increments a key's usage counter and stamps last_used_at. Called
// by the router after a successful adapter call.
func (m *Manager) MarkUsed(ctx context.Context, id string) error {
	key, err := m.GetKey(ctx, id)
	if err != nil {
		return err
	}
	now := m.nowFunc().UTC()
	key.UsageCount++
	key.LastUsedAt = &now
	if err := m.store.SaveKey(ctx, *key); err != nil {
		return &domain.StateStoreError{Op: "save_key", Err: err}
	}
	return nil
}

// MarkFailed increments a key's failure counter.
func (m *Manager) MarkFailed(ctx context.Context, id string) error {
	key, err := m.GetKey(ctx, id)
	if err != nil {
		return err
	}
	key.FailureCount++
	if err := m.store.SaveKey(ctx, *key); err != nil {
		return &domain.StateStoreError{Op: "save_key", Err: err}
	}
	return nil
}
