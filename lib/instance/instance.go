package instance

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/tx"
)

var (
	// ErrIllegalState is returned when a context operation is used in a
	// lifecycle phase that does not permit it.
	ErrIllegalState = errors.New("instance: illegal state")
)

// --------------------------------------------------------------------------
// Transaction association
// --------------------------------------------------------------------------

// Association tracks whether an instance still has to be written back before
// its transaction completes.
type Association uint8

const (
	// AssocNone: not attached to a transaction record.
	AssocNone Association = iota
	// AssocSyncScheduled: in the transaction record, needs a store.
	AssocSyncScheduled
	// AssocSynchronized: in the transaction record and already written.
	AssocSynchronized
	// AssocPreventSync: evicted during the transaction; writing it back could
	// overwrite newer data.
	AssocPreventSync
	// AssocNotReady: being created, synchronization requests are ignored.
	AssocNotReady
)

func (a Association) String() string {
	switch a {
	case AssocNone:
		return "NONE"
	case AssocSyncScheduled:
		return "SYNC_SCHEDULED"
	case AssocSynchronized:
		return "SYNCHRONIZED"
	case AssocPreventSync:
		return "PREVENT_SYNC"
	case AssocNotReady:
		return "NOT_READY"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// --------------------------------------------------------------------------
// Instance
// --------------------------------------------------------------------------

// Instance is the container's handle on one bean object: the bean plus the
// identity, transaction and lifecycle state the container keeps for it.
//
// Thread-safety: all methods are safe for concurrent use. Callers still
// serialize business calls through the identity lock.
type Instance struct {
	serial uint64
	bean   any
	rules  Allowed

	mu        sync.Mutex
	key       identity.Key
	txn       tx.Transaction
	assoc     Association
	valid     bool
	uses      int
	phases    []Phase
	state     any
	txRelease func()
}

// New wraps a bean object. serial must be unique per pool.
func New(serial uint64, bean any, rules Allowed) *Instance {
	return &Instance{serial: serial, bean: bean, rules: rules}
}

// Serial returns the pool assigned serial number.
func (i *Instance) Serial() uint64 { return i.serial }

// Bean returns the wrapped bean object.
func (i *Instance) Bean() any { return i.bean }

func (i *Instance) String() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fmt.Sprintf("instance#%d[%s]", i.serial, i.key)
}

// Key returns the identity, or the zero key if none is assigned.
func (i *Instance) Key() identity.Key {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.key
}

// HasIdentity reports whether an identity is assigned.
func (i *Instance) HasIdentity() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.key.IsZero()
}

// SetKey assigns the identity.
func (i *Instance) SetKey(k identity.Key) {
	i.mu.Lock()
	i.key = k
	i.mu.Unlock()
}

// ClearKey removes the identity (the entity was removed).
func (i *Instance) ClearKey() {
	i.mu.Lock()
	i.key = identity.Key{}
	i.mu.Unlock()
}

// Transaction returns the transaction the instance is enlisted in, or nil.
func (i *Instance) Transaction() tx.Transaction {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.txn
}

// SetTransaction enlists the instance in t (nil detaches it).
func (i *Instance) SetTransaction(t tx.Transaction) {
	i.mu.Lock()
	i.txn = t
	i.mu.Unlock()
}

// Association returns the transaction association state.
func (i *Instance) Association() Association {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.assoc
}

// SetAssociation sets the transaction association state.
func (i *Instance) SetAssociation(a Association) {
	i.mu.Lock()
	i.assoc = a
	i.mu.Unlock()
}

// CompareAndSetAssociation changes the association to `to` only if it
// currently is `from`.
func (i *Instance) CompareAndSetAssociation(from, to Association) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.assoc != from {
		return false
	}
	i.assoc = to
	return true
}

// Valid reports whether the in-memory state is current. An invalid instance
// is reloaded before its next business call.
func (i *Instance) Valid() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.valid
}

// SetValid marks the in-memory state current or stale.
func (i *Instance) SetValid(v bool) {
	i.mu.Lock()
	i.valid = v
	i.mu.Unlock()
}

// PersistenceState returns data private to the persistence manager.
func (i *Instance) PersistenceState() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SetPersistenceState stores data private to the persistence manager.
func (i *Instance) SetPersistenceState(s any) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// --------------------------------------------------------------------------
// Usage counting
// --------------------------------------------------------------------------

// Use increments the usage counter.
func (i *Instance) Use() {
	i.mu.Lock()
	i.uses++
	i.mu.Unlock()
}

// Unuse decrements the usage counter. It returns false on underflow.
func (i *Instance) Unuse() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.uses == 0 {
		return false
	}
	i.uses--
	return true
}

// InUse reports whether a call is executing on the instance.
func (i *Instance) InUse() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.uses > 0
}

// BindTxRelease stores a function to call when the instance leaves its
// transaction. Used to keep the identity lock referenced across calls.
func (i *Instance) BindTxRelease(fn func()) {
	i.mu.Lock()
	i.txRelease = fn
	i.mu.Unlock()
}

// TakeTxRelease returns and clears the function stored by BindTxRelease.
func (i *Instance) TakeTxRelease() func() {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn := i.txRelease
	i.txRelease = nil
	return fn
}

// --------------------------------------------------------------------------
// Lifecycle phases
// --------------------------------------------------------------------------

// EnterPhase pushes p on the phase stack and returns the function that pops
// it again. The stack is scoped to the call chain that holds the instance.
//
//	defer inst.EnterPhase(instance.PhaseStore)()
func (i *Instance) EnterPhase(p Phase) func() {
	i.mu.Lock()
	i.phases = append(i.phases, p)
	depth := len(i.phases)
	i.mu.Unlock()

	return func() {
		i.mu.Lock()
		if len(i.phases) >= depth {
			i.phases = i.phases[:depth-1]
		}
		i.mu.Unlock()
	}
}

// Phase returns the innermost active phase.
func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.phases) == 0 {
		return PhaseNone
	}
	return i.phases[len(i.phases)-1]
}

// Check verifies that op is permitted in the current phase.
func (i *Instance) Check(op Operation) error {
	if i.rules == nil {
		return nil
	}
	return i.rules.Check(op, i.Phase())
}

// --------------------------------------------------------------------------
// Pool support
// --------------------------------------------------------------------------

// Resetter is implemented by beans that clear their own fields when the
// instance returns to the pool.
type Resetter interface {
	Reset()
}

// Reset restores the container state to that of a freshly pooled instance.
func (i *Instance) Reset() {
	i.mu.Lock()
	i.key = identity.Key{}
	i.txn = nil
	i.assoc = AssocNone
	i.valid = false
	i.uses = 0
	i.phases = i.phases[:0]
	i.state = nil
	i.txRelease = nil
	i.mu.Unlock()

	if r, ok := i.bean.(Resetter); ok {
		r.Reset()
	}
}
