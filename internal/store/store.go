// Package store defines the persistence contract for routekeeper and
// provides both a durable (SQLite) and an in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// StateQuery filters StateTransition and RoutingDecision history lookups.
type StateQuery struct {
	EntityType    string
	KeyID         string
	ProviderID    string
	TimestampFrom *time.Time
	TimestampTo   *time.Time
	Limit         int
}

// Store is the persistence interface consumed by the core routing engine.
// Implementations may be in-memory or durable; the core never assumes
// which. Failures are surfaced as *domain.StateStoreError.
type Store interface {
	// Keys
	SaveKey(ctx context.Context, key domain.APIKey) error
	GetKey(ctx context.Context, id string) (*domain.APIKey, error)
	ListKeys(ctx context.Context, providerID string) ([]domain.APIKey, error)
	DeleteKey(ctx context.Context, id string) error

	// Audit trail
	SaveStateTransition(ctx context.Context, t domain.StateTransition) error
	ListStateTransitions(ctx context.Context, q StateQuery) ([]domain.StateTransition, error)

	// Quota
	SaveQuotaState(ctx context.Context, qs domain.QuotaState) error
	GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error)

	// Routing decisions
	SaveRoutingDecision(ctx context.Context, d domain.RoutingDecision) error
	ListRoutingDecisions(ctx context.Context, q StateQuery) ([]domain.RoutingDecision, error)

	// Budgets are first-class records, not an in-process cache, so spend
	// survives restarts.
	SaveBudget(ctx context.Context, b domain.Budget) error
	GetBudget(ctx context.Context, id string) (*domain.Budget, error)
	ListBudgets(ctx context.Context, scope domain.BudgetScope, scopeID string) ([]domain.Budget, error)

	// Cost reconciliation
	SaveReconciliation(ctx context.Context, r domain.CostReconciliation) error
	QueryReconciliations(ctx context.Context, q StateQuery) ([]domain.CostReconciliation, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
