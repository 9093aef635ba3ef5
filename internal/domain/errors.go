package domain

import "fmt"

// ValidationError reports caller-supplied input that fails a structural or
// safety rule. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Reason)
}

// KeyNotFound reports that no APIKey exists with the given id.
type KeyNotFound struct {
	KeyID string
}

func (e *KeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.KeyID)
}

// InvalidStateTransition reports an attempted key-state change not present
// in the legal transition matrix.
type InvalidStateTransition struct {
	KeyID string
	From  KeyState
	To    KeyState
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition for key %s: %s -> %s", e.KeyID, e.From, e.To)
}

// KeyRegistrationError reports failure to register a new APIKey.
type KeyRegistrationError struct {
	ProviderID string
	Reason     string
}

func (e *KeyRegistrationError) Error() string {
	return fmt.Sprintf("key registration failed for provider %s: %s", e.ProviderID, e.Reason)
}

// StateStoreError wraps a persistence failure. Mutators propagate it;
// read paths may convert it to a safe default where the caller explicitly
// allows that (initialization, policy fallback).
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("state store error during %s: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

// BudgetExceededError is a hard-enforcement rejection. Carries diagnostic
// fields for a caller-actionable message; never carries provider-native
// error bodies.
type BudgetExceededError struct {
	Message         string
	RemainingBudget Money
	ViolatedBudgets []string
	CostEstimate    Money
	BudgetLimit     Money
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (remaining=%s, estimate=%s, violated=%v)",
		e.Message, e.RemainingBudget, e.CostEstimate, e.ViolatedBudgets)
}

// NoEligibleKeysError reports that routing found no candidate key after
// filtering.
type NoEligibleKeysError struct {
	ProviderID string
	Reason     string
}

func (e *NoEligibleKeysError) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("no eligible keys: %s", e.Reason)
	}
	return fmt.Sprintf("no eligible keys for provider %s: %s", e.ProviderID, e.Reason)
}

// DomainError is an adapter-mapped provider error, classified by category
// and whether the router should retry it against a different key.
type DomainError struct {
	Category  ErrorCategory
	Message   string
	Retryable bool
	Err       error
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }
