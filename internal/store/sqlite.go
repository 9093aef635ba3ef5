package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/routekeeper/routekeeper/internal/domain"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			encrypted_material BLOB NOT NULL,
			state TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			state_updated_at TEXT NOT NULL,
			last_used_at TEXT,
			cooldown_until TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_provider ON api_keys(provider_id)`,
		`CREATE TABLE IF NOT EXISTS state_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			transition_timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_state_transitions_entity ON state_transitions(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_state_transitions_ts ON state_transitions(transition_timestamp)`,
		`CREATE TABLE IF NOT EXISTS quota_states (
			key_id TEXT PRIMARY KEY,
			capacity_state TEXT NOT NULL,
			capacity_unit TEXT NOT NULL,
			remaining_value INTEGER,
			remaining_min INTEGER,
			remaining_max INTEGER,
			remaining_confidence REAL NOT NULL DEFAULT 0,
			remaining_method TEXT NOT NULL DEFAULT '',
			estimate_kind TEXT NOT NULL DEFAULT 'unknown',
			total_capacity INTEGER,
			used_capacity INTEGER NOT NULL DEFAULT 0,
			remaining_tokens INTEGER,
			total_tokens INTEGER,
			used_tokens INTEGER NOT NULL DEFAULT 0,
			used_requests INTEGER NOT NULL DEFAULT 0,
			time_window TEXT NOT NULL,
			reset_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			selected_key_id TEXT NOT NULL DEFAULT '',
			selected_provider_id TEXT NOT NULL DEFAULT '',
			decision_timestamp TEXT NOT NULL,
			objective TEXT NOT NULL DEFAULT '{}',
			eligible_keys TEXT NOT NULL DEFAULT '[]',
			evaluation_results TEXT NOT NULL DEFAULT '{}',
			explanation TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			alternatives_considered TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_decisions_ts ON routing_decisions(decision_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_decisions_key ON routing_decisions(selected_key_id)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL DEFAULT '',
			limit_amount INTEGER NOT NULL,
			current_spend INTEGER NOT NULL DEFAULT 0,
			period TEXT NOT NULL,
			enforcement_mode TEXT NOT NULL,
			reset_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			warning_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budgets_scope ON budgets(scope, scope_id)`,
		`CREATE TABLE IF NOT EXISTS cost_reconciliations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			estimated_cost INTEGER NOT NULL,
			actual_cost INTEGER NOT NULL,
			error_amount INTEGER NOT NULL,
			error_percentage REAL NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			key_id TEXT NOT NULL DEFAULT '',
			reconciled_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliations_request ON cost_reconciliations(request_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Keys

func (s *SQLiteStore) SaveKey(ctx context.Context, key domain.APIKey) error {
	meta, err := json.Marshal(key.Metadata)
	if err != nil {
		return fmt.Errorf("marshal key metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, provider_id, encrypted_material, state, metadata, created_at, state_updated_at, last_used_at, cooldown_until, usage_count, failure_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider_id=excluded.provider_id,
		   encrypted_material=excluded.encrypted_material,
		   state=excluded.state,
		   metadata=excluded.metadata,
		   state_updated_at=excluded.state_updated_at,
		   last_used_at=excluded.last_used_at,
		   cooldown_until=excluded.cooldown_until,
		   usage_count=excluded.usage_count,
		   failure_count=excluded.failure_count`,
		key.ID, key.ProviderID, key.EncryptedMaterial, string(key.State), string(meta),
		key.CreatedAt.UTC().Format(time.RFC3339Nano), key.StateUpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(key.LastUsedAt), nullableTime(key.CooldownUntil), key.UsageCount, key.FailureCount)
	if err != nil {
		return &domain.StateStoreError{Op: "save_key", Err: err}
	}
	return nil
}

func scanAPIKey(rows interface {
	Scan(dest ...any) error
}) (domain.APIKey, error) {
	var k domain.APIKey
	var state, metaJSON, createdAt, stateUpdatedAt string
	var lastUsed, cooldown sql.NullString
	if err := rows.Scan(&k.ID, &k.ProviderID, &k.EncryptedMaterial, &state, &metaJSON,
		&createdAt, &stateUpdatedAt, &lastUsed, &cooldown, &k.UsageCount, &k.FailureCount); err != nil {
		return domain.APIKey{}, err
	}
	k.State = domain.KeyState(state)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &k.Metadata); err != nil {
			return domain.APIKey{}, fmt.Errorf("unmarshal key metadata: %w", err)
		}
	}
	var err error
	if k.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.APIKey{}, err
	}
	if k.StateUpdatedAt, err = time.Parse(time.RFC3339Nano, stateUpdatedAt); err != nil {
		return domain.APIKey{}, err
	}
	if k.LastUsedAt, err = parseNullableTime(lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	if k.CooldownUntil, err = parseNullableTime(cooldown); err != nil {
		return domain.APIKey{}, err
	}
	return k, nil
}

const apiKeyColumns = `id, provider_id, encrypted_material, state, metadata, created_at, state_updated_at, last_used_at, cooldown_until, usage_count, failure_count`

func (s *SQLiteStore) GetKey(ctx context.Context, id string) (*domain.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_key", Err: err}
	}
	return &k, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context, providerID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	args := []any{}
	if providerID != "" {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_keys", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, &domain.StateStoreError{Op: "list_keys", Err: err}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteKey(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id); err != nil {
		return &domain.StateStoreError{Op: "delete_key", Err: err}
	}
	return nil
}

// State transitions

func (s *SQLiteStore) SaveStateTransition(ctx context.Context, t domain.StateTransition) error {
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("marshal transition context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_transitions (entity_type, entity_id, from_state, to_state, "trigger", context, transition_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.EntityType, t.EntityID, t.FromState, t.ToState, t.Trigger, string(ctxJSON),
		t.TransitionTimestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &domain.StateStoreError{Op: "save_state_transition", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListStateTransitions(ctx context.Context, q StateQuery) ([]domain.StateTransition, error) {
	query := `SELECT entity_type, entity_id, from_state, to_state, "trigger", context, transition_timestamp FROM state_transitions WHERE 1=1`
	var args []any
	if q.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, q.EntityType)
	}
	if q.KeyID != "" {
		query += ` AND entity_id = ?`
		args = append(args, q.KeyID)
	}
	if q.TimestampFrom != nil {
		query += ` AND transition_timestamp >= ?`
		args = append(args, q.TimestampFrom.UTC().Format(time.RFC3339Nano))
	}
	if q.TimestampTo != nil {
		query += ` AND transition_timestamp <= ?`
		args = append(args, q.TimestampTo.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY transition_timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_state_transitions", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.StateTransition
	for rows.Next() {
		var t domain.StateTransition
		var ctxJSON, ts string
		if err := rows.Scan(&t.EntityType, &t.EntityID, &t.FromState, &t.ToState, &t.Trigger, &ctxJSON, &ts); err != nil {
			return nil, &domain.StateStoreError{Op: "list_state_transitions", Err: err}
		}
		if ctxJSON != "" {
			_ = json.Unmarshal([]byte(ctxJSON), &t.Context)
		}
		t.TransitionTimestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Quota

func (s *SQLiteStore) SaveQuotaState(ctx context.Context, qs domain.QuotaState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_states (key_id, capacity_state, capacity_unit, remaining_value, remaining_min, remaining_max,
		 remaining_confidence, remaining_method, estimate_kind, total_capacity, used_capacity,
		 remaining_tokens, total_tokens, used_tokens, used_requests, time_window, reset_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		   capacity_state=excluded.capacity_state, capacity_unit=excluded.capacity_unit,
		   remaining_value=excluded.remaining_value, remaining_min=excluded.remaining_min,
		   remaining_max=excluded.remaining_max, remaining_confidence=excluded.remaining_confidence,
		   remaining_method=excluded.remaining_method, estimate_kind=excluded.estimate_kind,
		   total_capacity=excluded.total_capacity, used_capacity=excluded.used_capacity,
		   remaining_tokens=excluded.remaining_tokens, total_tokens=excluded.total_tokens,
		   used_tokens=excluded.used_tokens, used_requests=excluded.used_requests,
		   time_window=excluded.time_window, reset_at=excluded.reset_at, updated_at=excluded.updated_at`,
		qs.KeyID, string(qs.CapacityState), string(qs.CapacityUnit),
		qs.RemainingCapacity.Value, qs.RemainingCapacity.Min, qs.RemainingCapacity.Max,
		qs.RemainingCapacity.Confidence, qs.RemainingCapacity.Method, string(qs.RemainingCapacity.Kind),
		qs.TotalCapacity, qs.UsedCapacity, qs.RemainingTokens, qs.TotalTokens, qs.UsedTokens, qs.UsedRequests,
		string(qs.TimeWindow), qs.ResetAt.UTC().Format(time.RFC3339Nano), qs.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &domain.StateStoreError{Op: "save_quota_state", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetQuotaState(ctx context.Context, keyID string) (*domain.QuotaState, error) {
	var qs domain.QuotaState
	var capacityState, capacityUnit, estimateKind, timeWindow, resetAt, updatedAt string
	var remainingMethod string
	var remainingValue, remainingMin, remainingMax, totalCapacity, remainingTokens, totalTokens sql.NullInt64
	var remainingConfidence float64
	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, capacity_state, capacity_unit, remaining_value, remaining_min, remaining_max,
		 remaining_confidence, remaining_method, estimate_kind, total_capacity, used_capacity,
		 remaining_tokens, total_tokens, used_tokens, used_requests, time_window, reset_at, updated_at
		 FROM quota_states WHERE key_id = ?`, keyID).
		Scan(&qs.KeyID, &capacityState, &capacityUnit, &remainingValue, &remainingMin, &remainingMax,
			&remainingConfidence, &remainingMethod, &estimateKind, &totalCapacity, &qs.UsedCapacity,
			&remainingTokens, &totalTokens, &qs.UsedTokens, &qs.UsedRequests, &timeWindow, &resetAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_quota_state", Err: err}
	}
	qs.CapacityState = domain.CapacityState(capacityState)
	qs.CapacityUnit = domain.CapacityUnit(capacityUnit)
	qs.TimeWindow = domain.TimeWindow(timeWindow)
	qs.RemainingCapacity = domain.CapacityEstimate{
		Kind:       domain.EstimateKind(estimateKind),
		Confidence: remainingConfidence,
		Method:     remainingMethod,
	}
	if remainingValue.Valid {
		v := remainingValue.Int64
		qs.RemainingCapacity.Value = &v
	}
	if remainingMin.Valid {
		v := remainingMin.Int64
		qs.RemainingCapacity.Min = &v
	}
	if remainingMax.Valid {
		v := remainingMax.Int64
		qs.RemainingCapacity.Max = &v
	}
	if totalCapacity.Valid {
		v := totalCapacity.Int64
		qs.TotalCapacity = &v
	}
	if remainingTokens.Valid {
		v := remainingTokens.Int64
		qs.RemainingTokens = &v
	}
	if totalTokens.Valid {
		v := totalTokens.Int64
		qs.TotalTokens = &v
	}
	qs.ResetAt, _ = time.Parse(time.RFC3339Nano, resetAt)
	qs.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &qs, nil
}

// Routing decisions

func (s *SQLiteStore) SaveRoutingDecision(ctx context.Context, d domain.RoutingDecision) error {
	objective, err := json.Marshal(d.Objective)
	if err != nil {
		return fmt.Errorf("marshal objective: %w", err)
	}
	eligible, err := json.Marshal(d.EligibleKeys)
	if err != nil {
		return fmt.Errorf("marshal eligible keys: %w", err)
	}
	results, err := json.Marshal(d.EvaluationResults)
	if err != nil {
		return fmt.Errorf("marshal evaluation results: %w", err)
	}
	alternatives, err := json.Marshal(d.AlternativesConsidered)
	if err != nil {
		return fmt.Errorf("marshal alternatives: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions (id, request_id, selected_key_id, selected_provider_id, decision_timestamp,
		 objective, eligible_keys, evaluation_results, explanation, confidence, alternatives_considered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   evaluation_results=excluded.evaluation_results,
			   explanation=excluded.explanation,
			   confidence=excluded.confidence`,
		d.ID, d.RequestID, d.SelectedKeyID, d.SelectedProviderID, d.DecisionTimestamp.UTC().Format(time.RFC3339Nano),
		string(objective), string(eligible), string(results), d.Explanation, d.Confidence, string(alternatives))
	if err != nil {
		return &domain.StateStoreError{Op: "save_routing_decision", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListRoutingDecisions(ctx context.Context, q StateQuery) ([]domain.RoutingDecision, error) {
	query := `SELECT id, request_id, selected_key_id, selected_provider_id, decision_timestamp,
	 objective, eligible_keys, evaluation_results, explanation, confidence, alternatives_considered
	 FROM routing_decisions WHERE 1=1`
	var args []any
	if q.KeyID != "" {
		query += ` AND selected_key_id = ?`
		args = append(args, q.KeyID)
	}
	if q.ProviderID != "" {
		query += ` AND selected_provider_id = ?`
		args = append(args, q.ProviderID)
	}
	if q.TimestampFrom != nil {
		query += ` AND decision_timestamp >= ?`
		args = append(args, q.TimestampFrom.UTC().Format(time.RFC3339Nano))
	}
	if q.TimestampTo != nil {
		query += ` AND decision_timestamp <= ?`
		args = append(args, q.TimestampTo.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY decision_timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_routing_decisions", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RoutingDecision
	for rows.Next() {
		var d domain.RoutingDecision
		var ts, objective, eligible, results, alternatives string
		if err := rows.Scan(&d.ID, &d.RequestID, &d.SelectedKeyID, &d.SelectedProviderID, &ts,
			&objective, &eligible, &results, &d.Explanation, &d.Confidence, &alternatives); err != nil {
			return nil, &domain.StateStoreError{Op: "list_routing_decisions", Err: err}
		}
		d.DecisionTimestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(objective), &d.Objective)
		_ = json.Unmarshal([]byte(eligible), &d.EligibleKeys)
		_ = json.Unmarshal([]byte(results), &d.EvaluationResults)
		_ = json.Unmarshal([]byte(alternatives), &d.AlternativesConsidered)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Budgets

func (s *SQLiteStore) SaveBudget(ctx context.Context, b domain.Budget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (id, scope, scope_id, limit_amount, current_spend, period, enforcement_mode, reset_at, created_at, warning_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   scope=excluded.scope, scope_id=excluded.scope_id, limit_amount=excluded.limit_amount,
		   current_spend=excluded.current_spend, period=excluded.period, enforcement_mode=excluded.enforcement_mode,
		   reset_at=excluded.reset_at, warning_count=excluded.warning_count`,
		b.ID, string(b.Scope), b.ScopeID, int64(b.LimitAmount), int64(b.CurrentSpend), string(b.Period),
		string(b.EnforcementMode), b.ResetAt.UTC().Format(time.RFC3339Nano), b.CreatedAt.UTC().Format(time.RFC3339Nano), b.WarningCount)
	if err != nil {
		return &domain.StateStoreError{Op: "save_budget", Err: err}
	}
	return nil
}

func scanBudget(row interface{ Scan(dest ...any) error }) (domain.Budget, error) {
	var b domain.Budget
	var scope, period, enforcement, resetAt, createdAt string
	var limitAmount, currentSpend int64
	if err := row.Scan(&b.ID, &scope, &b.ScopeID, &limitAmount, &currentSpend, &period, &enforcement,
		&resetAt, &createdAt, &b.WarningCount); err != nil {
		return domain.Budget{}, err
	}
	b.Scope = domain.BudgetScope(scope)
	b.Period = domain.TimeWindow(period)
	b.EnforcementMode = domain.EnforcementMode(enforcement)
	b.LimitAmount = domain.Money(limitAmount)
	b.CurrentSpend = domain.Money(currentSpend)
	var err error
	if b.ResetAt, err = time.Parse(time.RFC3339Nano, resetAt); err != nil {
		return domain.Budget{}, err
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Budget{}, err
	}
	return b, nil
}

const budgetColumns = `id, scope, scope_id, limit_amount, current_spend, period, enforcement_mode, reset_at, created_at, warning_count`

func (s *SQLiteStore) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StateStoreError{Op: "get_budget", Err: err}
	}
	return &b, nil
}

func (s *SQLiteStore) ListBudgets(ctx context.Context, scope domain.BudgetScope, scopeID string) ([]domain.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE 1=1`
	var args []any
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(scope))
	}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "list_budgets", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, &domain.StateStoreError{Op: "list_budgets", Err: err}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Cost reconciliation

func (s *SQLiteStore) SaveReconciliation(ctx context.Context, r domain.CostReconciliation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_reconciliations (request_id, estimated_cost, actual_cost, error_amount, error_percentage, provider_id, model, key_id, reconciled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, int64(r.EstimatedCost), int64(r.ActualCost), int64(r.ErrorAmount), r.ErrorPercentage,
		r.ProviderID, r.Model, r.KeyID, r.ReconciledAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &domain.StateStoreError{Op: "save_reconciliation", Err: err}
	}
	return nil
}

func (s *SQLiteStore) QueryReconciliations(ctx context.Context, q StateQuery) ([]domain.CostReconciliation, error) {
	query := `SELECT request_id, estimated_cost, actual_cost, error_amount, error_percentage, provider_id, model, key_id, reconciled_at
	 FROM cost_reconciliations WHERE 1=1`
	var args []any
	if q.KeyID != "" {
		query += ` AND key_id = ?`
		args = append(args, q.KeyID)
	}
	if q.ProviderID != "" {
		query += ` AND provider_id = ?`
		args = append(args, q.ProviderID)
	}
	query += ` ORDER BY reconciled_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.StateStoreError{Op: "query_reconciliations", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CostReconciliation
	for rows.Next() {
		var r domain.CostReconciliation
		var estimated, actual, errAmount int64
		var ts string
		if err := rows.Scan(&r.RequestID, &estimated, &actual, &errAmount, &r.ErrorPercentage,
			&r.ProviderID, &r.Model, &r.KeyID, &ts); err != nil {
			return nil, &domain.StateStoreError{Op: "query_reconciliations", Err: err}
		}
		r.EstimatedCost = domain.Money(estimated)
		r.ActualCost = domain.Money(actual)
		r.ErrorAmount = domain.Money(errAmount)
		r.ReconciledAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
