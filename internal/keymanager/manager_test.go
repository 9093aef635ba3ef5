package keymanager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routekeeper/routekeeper/internal/cryptomaterial"
	"github.com/routekeeper/routekeeper/internal/domain"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/store"
)

const testMaterial = "sk-test-material-abcdef123456"

type managerFixture struct {
	manager *Manager
	store   *store.MemoryStore
	sink    *observability.BusSink
	sub     *observability.Subscriber
	now     time.Time
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	cipher, err := cryptomaterial.NewCipher("manager-test-secret")
	require.NoError(t, err)

	f := &managerFixture{
		store: store.NewMemoryStore(0, 0),
		sink:  observability.NewTestSink(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sub = f.sink.Bus().Subscribe(64)
	f.manager = NewManager(f.store, cipher, f.sink, WithNowFunc(func() time.Time { return f.now }))
	return f
}

func (f *managerFixture) drainEvents() []observability.Event {
	var out []observability.Event
	for {
		select {
		case e := <-f.sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRegisterKeyHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", map[string]string{"team": "search"})
	require.NoError(t, err)
	require.NotEmpty(t, key.ID)
	require.Equal(t, "openai", key.ProviderID)
	require.Equal(t, domain.KeyAvailable, key.State)
	require.NotEmpty(t, key.EncryptedMaterial)
	require.NotContains(t, string(key.EncryptedMaterial), testMaterial)

	events := f.drainEvents()
	require.Len(t, events, 1)
	require.Equal(t, observability.EventKeyRegistered, events[0].Type)
}

func TestRegisterKeyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		material   string
		providerID string
		metadata   map[string]string
	}{
		{"empty material", "   ", "openai", nil},
		{"short material", "short", "openai", nil},
		{"oversized material", strings.Repeat("x", 501), "openai", nil},
		{"control characters", "sk-material-\x00-1234567890", "openai", nil},
		{"injection pattern", "sk-${HOME}-material-12345", "openai", nil},
		{"bad provider id", testMaterial, "Open AI!", nil},
		{"metadata bad key", testMaterial, "openai", map[string]string{"bad key!": "v"}},
		{"metadata oversized value", testMaterial, "openai", map[string]string{"k": strings.Repeat("v", 10*1024+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.RegisterKey(ctx, tt.material, tt.providerID, tt.metadata)
			var regErr *domain.KeyRegistrationError
			require.ErrorAs(t, err, &regErr)
		})
	}
}

func TestRegisterKeyTwiceProducesDistinctKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k1, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)
	k2, err := f.manager.RegisterKey(ctx, testMaterial+"-second", "openai", nil)
	require.NoError(t, err)
	require.NotEqual(t, k1.ID, k2.ID)
}

func TestGetKeyMaterialRoundTripAndAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)
	f.drainEvents()

	plain, err := f.manager.GetKeyMaterial(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, testMaterial, plain)

	events := f.drainEvents()
	require.Len(t, events, 1)
	require.Equal(t, observability.EventKeyAccess, events[0].Type)
	require.Equal(t, key.ID, events[0].Payload["key_id"])
	require.Equal(t, "decrypt", events[0].Payload["operation"])
	require.Equal(t, "success", events[0].Payload["result"])
}

func TestGetKeyMaterialUnknownKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.GetKeyMaterial(context.Background(), "missing")
	var notFound *domain.KeyNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestUpdateKeyStateTransitionMatrix(t *testing.T) {
	tests := []struct {
		from    domain.KeyState
		to      domain.KeyState
		allowed bool
	}{
		{domain.KeyAvailable, domain.KeyThrottled, true},
		{domain.KeyAvailable, domain.KeyExhausted, true},
		{domain.KeyAvailable, domain.KeyRecovering, false},
		{domain.KeyThrottled, domain.KeyAvailable, true},
		{domain.KeyThrottled, domain.KeyRecovering, false},
		{domain.KeyExhausted, domain.KeyAvailable, false},
		{domain.KeyExhausted, domain.KeyRecovering, true},
		{domain.KeyRecovering, domain.KeyAvailable, true},
		{domain.KeyRecovering, domain.KeyThrottled, false},
		{domain.KeyDisabled, domain.KeyAvailable, true},
		{domain.KeyDisabled, domain.KeyInvalid, false},
		{domain.KeyInvalid, domain.KeyDisabled, true},
		{domain.KeyInvalid, domain.KeyAvailable, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
			require.NoError(t, err)

			// Force the starting state directly in the store.
			stored, err := f.store.GetKey(ctx, key.ID)
			require.NoError(t, err)
			stored.State = tt.from
			if tt.from == domain.KeyThrottled {
				until := f.now.Add(time.Minute)
				stored.CooldownUntil = &until
			}
			require.NoError(t, f.store.SaveKey(ctx, *stored))

			_, err = f.manager.UpdateKeyState(ctx, key.ID, tt.to, "test", 0, nil)
			if tt.allowed {
				require.NoError(t, err)
			} else {
				var invalid *domain.InvalidStateTransition
				require.ErrorAs(t, err, &invalid)
			}
		})
	}
}

func TestUpdateKeyStateCooldownLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)

	_, err = f.manager.UpdateKeyState(ctx, key.ID, domain.KeyThrottled, "rate_limited", 120, nil)
	require.NoError(t, err)

	got, err := f.manager.GetKey(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyThrottled, got.State)
	require.NotNil(t, got.CooldownUntil)
	require.Equal(t, f.now.Add(120*time.Second), *got.CooldownUntil)

	_, err = f.manager.UpdateKeyState(ctx, key.ID, domain.KeyAvailable, "cooldown_elapsed", 0, nil)
	require.NoError(t, err)

	got, err = f.manager.GetKey(ctx, key.ID)
	require.NoError(t, err)
	require.Nil(t, got.CooldownUntil, "cooldown must clear on transition away from throttled")
}

func TestUpdateKeyStateRecordsTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)

	_, err = f.manager.UpdateKeyState(ctx, key.ID, domain.KeyThrottled, "rate_limited", 0, map[string]any{"attempt": 1})
	require.NoError(t, err)

	transitions, err := f.store.ListStateTransitions(ctx, store.StateQuery{KeyID: key.ID})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, string(domain.KeyAvailable), transitions[0].FromState)
	require.Equal(t, string(domain.KeyThrottled), transitions[0].ToState)
	require.Equal(t, "rate_limited", transitions[0].Trigger)
}

func TestRotateKeyPreservesEverythingButMaterial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", map[string]string{"env": "prod"})
	require.NoError(t, err)

	require.NoError(t, f.manager.MarkUsed(ctx, key.ID))
	before, err := f.manager.GetKey(ctx, key.ID)
	require.NoError(t, err)

	newMaterial := "sk-rotated-material-9876543210"
	rotated, err := f.manager.RotateKey(ctx, key.ID, newMaterial)
	require.NoError(t, err)

	require.Equal(t, before.ID, rotated.ID)
	require.Equal(t, before.ProviderID, rotated.ProviderID)
	require.Equal(t, before.State, rotated.State)
	require.Equal(t, before.Metadata, rotated.Metadata)
	require.Equal(t, before.UsageCount, rotated.UsageCount)
	require.Equal(t, before.FailureCount, rotated.FailureCount)
	require.Equal(t, before.CreatedAt, rotated.CreatedAt)
	require.NotEqual(t, before.EncryptedMaterial, rotated.EncryptedMaterial)

	plain, err := f.manager.GetKeyMaterial(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, newMaterial, plain)

	transitions, err := f.store.ListStateTransitions(ctx, store.StateQuery{KeyID: key.ID})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, "rotation", transitions[0].Trigger)
	require.Equal(t, true, transitions[0].Context["material_updated"])
}

func TestRevokeKeyDisables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.RevokeKey(ctx, key.ID))

	got, err := f.manager.GetKey(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyDisabled, got.State)
}

func TestCheckAndRecoverStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)
	active, err := f.manager.RegisterKey(ctx, testMaterial+"-two", "openai", nil)
	require.NoError(t, err)

	_, err = f.manager.UpdateKeyState(ctx, expired.ID, domain.KeyThrottled, "rate_limited", 30, nil)
	require.NoError(t, err)
	_, err = f.manager.UpdateKeyState(ctx, active.ID, domain.KeyThrottled, "rate_limited", 600, nil)
	require.NoError(t, err)

	f.now = f.now.Add(60 * time.Second)

	recovered, err := f.manager.CheckAndRecoverStates(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	got, err := f.manager.GetKey(ctx, expired.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyAvailable, got.State)

	got, err = f.manager.GetKey(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyThrottled, got.State)
}

func TestGetEligibleKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	available, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)
	disabled, err := f.manager.RegisterKey(ctx, testMaterial+"-b", "openai", nil)
	require.NoError(t, err)
	cooling, err := f.manager.RegisterKey(ctx, testMaterial+"-c", "openai", nil)
	require.NoError(t, err)
	lapsed, err := f.manager.RegisterKey(ctx, testMaterial+"-d", "openai", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.RevokeKey(ctx, disabled.ID))
	_, err = f.manager.UpdateKeyState(ctx, cooling.ID, domain.KeyThrottled, "rate_limited", 600, nil)
	require.NoError(t, err)
	_, err = f.manager.UpdateKeyState(ctx, lapsed.ID, domain.KeyThrottled, "rate_limited", 10, nil)
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Second)

	keys, err := f.manager.GetEligibleKeys(ctx, "openai", nil)
	require.NoError(t, err)

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	require.ElementsMatch(t, []string{available.ID, lapsed.ID}, ids)
}

func TestGetEligibleKeysPolicyFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)

	failing := func(keys []domain.APIKey) ([]domain.APIKey, error) {
		return nil, errors.New("policy backend down")
	}
	keys, err := f.manager.GetEligibleKeys(ctx, "openai", failing)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, key.ID, keys[0].ID)

	narrowing := func(keys []domain.APIKey) ([]domain.APIKey, error) {
		return nil, nil
	}
	keys, err = f.manager.GetEligibleKeys(ctx, "openai", narrowing)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestCountersNeverNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.manager.RegisterKey(ctx, testMaterial, "openai", nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.MarkUsed(ctx, key.ID))
	require.NoError(t, f.manager.MarkFailed(ctx, key.ID))

	got, err := f.manager.GetKey(ctx, key.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, got.UsageCount, int64(0))
	require.GreaterOrEqual(t, got.FailureCount, int64(0))
	require.Equal(t, int64(1), got.UsageCount)
	require.Equal(t, int64(1), got.FailureCount)
	require.NotNil(t, got.LastUsedAt)
}
