package tx

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the lifecycle state of a transaction.
type Status uint8

const (
	StatusActive         Status = iota // Work in progress.
	StatusMarkedRollback               // Active, but the only possible outcome is rollback.
	StatusPreparing                    // BeforeCompletion callbacks are running.
	StatusCommitting                   // Commit decided, AfterCompletion pending.
	StatusCommitted                    // Finished successfully.
	StatusRollingBack                  // Rollback decided, AfterCompletion pending.
	StatusRolledBack                   // Finished by rollback.
	StatusNoTransaction                // No transaction is associated.
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusMarkedRollback:
		return "MarkedRollback"
	case StatusPreparing:
		return "Preparing"
	case StatusCommitting:
		return "Committing"
	case StatusCommitted:
		return "Committed"
	case StatusRollingBack:
		return "RollingBack"
	case StatusRolledBack:
		return "RolledBack"
	case StatusNoTransaction:
		return "NoTransaction"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsDone reports whether the transaction reached a final state.
func (s Status) IsDone() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// --------------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------------

// Synchronization receives completion callbacks of a transaction.
type Synchronization interface {
	// BeforeCompletion runs before the commit decision. An error forces rollback.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion runs once the outcome is final.
	AfterCompletion(ctx context.Context, status Status)
}

// Transaction is the view of a transaction the container works with.
type Transaction interface {
	// ID returns a process-unique identifier.
	ID() string
	// Status returns the current status.
	Status() Status
	// RollbackOnly reports whether the transaction can only roll back.
	RollbackOnly() bool
	// SetRollbackOnly marks the transaction so that the only possible outcome
	// is rollback. The first cause is kept.
	SetRollbackOnly(cause error) error
	// RegisterSynchronization adds a completion callback.
	RegisterSynchronization(s Synchronization) error
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrNotActive is returned when an operation needs an active transaction.
	ErrNotActive = errors.New("tx: transaction is not active")
	// ErrRolledBack is returned by Commit when the transaction rolled back.
	ErrRolledBack = errors.New("tx: transaction rolled back")
	// ErrRollbackRequested is the cause recorded when Rollback is called
	// while Commit runs the BeforeCompletion callbacks.
	ErrRollbackRequested = errors.New("tx: rollback requested during commit")
)

// RollbackError is returned by Commit when the transaction rolled back
// instead. Cause is the reason the transaction was marked rollback-only.
type RollbackError struct {
	ID    string
	Cause error
}

func (e *RollbackError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("tx %s rolled back", e.ID)
	}
	return fmt.Sprintf("tx %s rolled back: %v", e.ID, e.Cause)
}

func (e *RollbackError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRolledBack}
	}
	return []error{ErrRolledBack, e.Cause}
}

// --------------------------------------------------------------------------
// Context propagation
// --------------------------------------------------------------------------

type ctxKey struct{}

// NewContext returns a context carrying the transaction.
func NewContext(ctx context.Context, t Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) Transaction {
	t, _ := ctx.Value(ctxKey{}).(Transaction)
	return t
}

// Without returns a context that carries no transaction (for "not supported"
// style invocations).
func Without(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, nil)
}

// Same reports whether a and b are the same transaction. Two nil transactions
// are the same.
func Same(a, b Transaction) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}
