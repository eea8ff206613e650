package models

import "fmt"

// ValidationError means the input was malformed or out of range. Nothing was
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError means the request would violate a global invariant, such as a
// second open loan for a customer.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// InvalidStateError means the operation is not valid for the entity's current
// lifecycle state.
type InvalidStateError struct {
	Op     string
	Status LoanStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s a %s loan", e.Op, e.Status)
}

// NotFoundError means the referenced entity does not exist.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found"
}

// ConcurrencyConflictError means an optimistic write lost a race with a
// concurrent update. The whole read-modify-write is safe to retry.
type ConcurrencyConflictError struct {
	Entity string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update on %s, retry", e.Entity)
}

// PersistenceError wraps a storage failure. It is not retried inside the core.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
