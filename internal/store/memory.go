package store

import (
	"context"
	"sort"
	"sync"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// MemoryStore is a bounded, non-durable Store implementation for tests and
// for embedding routekeeper without a database. Decisions and transitions
// are kept in fixed-size ring buffers (oldest evicted first) so a
// long-running process never grows its audit trail unbounded; keys and
// quota states are last-write-wins maps with no eviction.
type MemoryStore struct {
	mu sync.RWMutex

	keys    map[string]domain.APIKey
	quotas  map[string]domain.QuotaState
	budgets map[string]domain.Budget

	maxDecisions   int
	maxTransitions int

	transitions     []domain.StateTransition
	decisions       []domain.RoutingDecision
	reconciliations []domain.CostReconciliation
}

// NewMemoryStore builds a MemoryStore. maxDecisions and maxTransitions bound
// the ring buffers for routing decisions and state transitions; a value of
// 0 or less defaults to 10000.
func NewMemoryStore(maxDecisions, maxTransitions int) *MemoryStore {
	if maxDecisions <= 0 {
		maxDecisions = 10000
	}
	if maxTransitions <= 0 {
		maxTransitions = 10000
	}
	return &MemoryStore{
		keys:           make(map[string]domain.APIKey),
		quotas:         make(map[string]domain.QuotaState),
		budgets:        make(map[string]domain.Budget),
		maxDecisions:   maxDecisions,
		maxTransitions: maxTransitions,
	}
}

func (m *MemoryStore) SaveKey(_ context.Context, key domain.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = key
	return nil
}

func (m *MemoryStore) GetKey(_ context.Context, id string) (*domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (m *MemoryStore) ListKeys(_ context.Context, providerID string) ([]domain.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range m.keys {
		if providerID == "" || k.ProviderID == providerID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}

func (m *MemoryStore) SaveStateTransition(_ context.Context, t domain.StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
	if len(m.transitions) > m.maxTransitions {
		m.transitions = m.transitions[len(m.transitions)-m.maxTransitions:]
	}
	return nil
}

func (m *MemoryStore) ListStateTransitions(_ context.Context, q StateQuery) ([]domain.StateTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.StateTransition
	for i := len(m.transitions) - 1; i >= 0; i-- {
		t := m.transitions[i]
		if q.EntityType != "" && t.EntityType != q.EntityType {
			continue
		}
		if q.KeyID != "" && t.EntityID != q.KeyID {
			continue
		}
		if q.TimestampFrom != nil && t.TransitionTimestamp.Before(*q.TimestampFrom) {
			continue
		}
		if q.TimestampTo != nil && t.TransitionTimestamp.After(*q.TimestampTo) {
			continue
		}
		out = append(out, t)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveQuotaState(_ context.Context, qs domain.QuotaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[qs.KeyID] = qs
	return nil
}

func (m *MemoryStore) GetQuotaState(_ context.Context, keyID string) (*domain.QuotaState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qs, ok := m.quotas[keyID]
	if !ok {
		return nil, nil
	}
	return &qs, nil
}

func (m *MemoryStore) SaveRoutingDecision(_ context.Context, d domain.RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	if len(m.decisions) > m.maxDecisions {
		m.decisions = m.decisions[len(m.decisions)-m.maxDecisions:]
	}
	return nil
}

func (m *MemoryStore) ListRoutingDecisions(_ context.Context, q StateQuery) ([]domain.RoutingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RoutingDecision
	for i := len(m.decisions) - 1; i >= 0; i-- {
		d := m.decisions[i]
		if q.KeyID != "" && d.SelectedKeyID != q.KeyID {
			continue
		}
		if q.ProviderID != "" && d.SelectedProviderID != q.ProviderID {
			continue
		}
		if q.TimestampFrom != nil && d.DecisionTimestamp.Before(*q.TimestampFrom) {
			continue
		}
		if q.TimestampTo != nil && d.DecisionTimestamp.After(*q.TimestampTo) {
			continue
		}
		out = append(out, d)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveBudget(_ context.Context, b domain.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBudget(_ context.Context, id string) (*domain.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStore) ListBudgets(_ context.Context, scope domain.BudgetScope, scopeID string) ([]domain.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Budget
	for _, b := range m.budgets {
		if scope != "" && b.Scope != scope {
			continue
		}
		if scopeID != "" && b.ScopeID != scopeID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *MemoryStore) SaveReconciliation(_ context.Context, r domain.CostReconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciliations = append(m.reconciliations, r)
	if len(m.reconciliations) > m.maxDecisions {
		m.reconciliations = m.reconciliations[len(m.reconciliations)-m.maxDecisions:]
	}
	return nil
}

func (m *MemoryStore) QueryReconciliations(_ context.Context, q StateQuery) ([]domain.CostReconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.CostReconciliation
	for i := len(m.reconciliations) - 1; i >= 0; i-- {
		r := m.reconciliations[i]
		if q.KeyID != "" && r.KeyID != q.KeyID {
			continue
		}
		if q.ProviderID != "" && r.ProviderID != q.ProviderID {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
