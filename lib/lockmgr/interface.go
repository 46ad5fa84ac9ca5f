package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/tx"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ILock is the lock of one identity.
type ILock interface {
	// Key returns the identity the lock protects.
	Key() identity.Key

	// Sync blocks until inv may run against the identity. It fails with
	// ErrLockTimeout after the configured timeout, with ErrReentrantCall if inv
	// reenters a chain that is not allowed to, or with the context's error.
	Sync(ctx context.Context, inv Invocation) error
	// TrySync is Sync without waiting. It returns false if the lock is busy.
	TrySync(inv Invocation) (bool, error)
	// ReleaseSync ends the invocation started by Sync. Ownership taken by
	// that Sync lapses here unless SetTransaction bound it in between; a
	// bound lock stays owned until EndTransaction.
	ReleaseSync(inv Invocation)
	// IsHeld reports whether an invocation currently holds the lock.
	IsHeld() bool

	// Transaction returns the owning transaction, or nil.
	Transaction() tx.Transaction
	// SetTransaction makes t the owner until EndTransaction.
	SetTransaction(t tx.Transaction)
	// EndTransaction drops the ownership of t and wakes up waiters.
	EndTransaction(t tx.Transaction)

	// AddRef, RemoveRef and Refs manage the reference count. Only the registry
	// calls them. Both mutators return the new count.
	AddRef() int32
	RemoveRef() int32
	Refs() int32
}

// Invocation describes the caller of Sync.
type Invocation struct {
	Chain ChainID        // the call chain, used for reentrancy
	Tx    tx.Transaction // the caller's transaction, may be nil
}

// InvocationFrom builds the Invocation for the chain and transaction carried
// by ctx.
func InvocationFrom(ctx context.Context) Invocation {
	return Invocation{Chain: ChainFrom(ctx), Tx: tx.FromContext(ctx)}
}

// --------------------------------------------------------------------------
// Policies and options
// --------------------------------------------------------------------------

// Policy selects the lock implementation.
type Policy string

const (
	PolicyQueuedPessimistic Policy = "queued-pessimistic"
	PolicyMethodOnly        Policy = "method-only"
	PolicyNoLock            Policy = "no-lock"
)

// ParsePolicy validates a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(name); p {
	case PolicyQueuedPessimistic, PolicyMethodOnly, PolicyNoLock:
		return p, nil
	case "":
		return PolicyQueuedPessimistic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// Options configures a LockRegistry and the locks it creates.
type Options struct {
	// Policy selects the lock implementation.
	Policy Policy
	// Timeout bounds how long Sync waits. Zero waits until the context ends.
	Timeout time.Duration
	// Reentrant allows nested calls of the same chain.
	Reentrant bool
	// Partitions is the number of registry partitions.
	Partitions int
}

// DefaultOptions returns the default lock options.
func DefaultOptions() Options {
	return Options{
		Policy:     PolicyQueuedPessimistic,
		Timeout:    5 * time.Second,
		Reentrant:  false,
		Partitions: 40,
	}
}

// --------------------------------------------------------------------------
// Call chains
// --------------------------------------------------------------------------

// ChainID identifies a logical call chain. The zero value means "no chain".
type ChainID uint64

type chainKey struct{}

var chainSeq atomic.Uint64

// WithChain returns ctx unchanged if it already carries a chain, otherwise a
// context with a new chain.
func WithChain(ctx context.Context) context.Context {
	if ChainFrom(ctx) != 0 {
		return ctx
	}
	return NewChain(ctx)
}

// NewChain returns a context that starts a new call chain.
func NewChain(ctx context.Context) context.Context {
	return context.WithValue(ctx, chainKey{}, ChainID(chainSeq.Add(1)))
}

// ChainFrom returns the chain carried by ctx or zero.
func ChainFrom(ctx context.Context) ChainID {
	id, _ := ctx.Value(chainKey{}).(ChainID)
	return id
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrLockTimeout is returned when an identity could not be locked in time.
	ErrLockTimeout = errors.New("lockmgr: lock timeout")
	// ErrReentrantCall is returned for a nested call on a non-reentrant bean.
	ErrReentrantCall = errors.New("lockmgr: reentrant call not allowed")
	// ErrUnknownPolicy is returned for an invalid policy name.
	ErrUnknownPolicy = errors.New("lockmgr: unknown lock policy")
)
