package tx

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("tx")

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager creates transactions and tracks the ones still running.
type Manager struct {
	active *xsync.MapOf[string, *Txn]
}

// NewManager creates an in-process transaction manager.
func NewManager() *Manager {
	return &Manager{active: xsync.NewMapOf[string, *Txn]()}
}

// Begin starts a transaction and returns a context carrying it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Txn) {
	t := &Txn{
		id:     uuid.NewString(),
		status: StatusActive,
		mgr:    m,
	}
	m.active.Store(t.id, t)
	log.Debugf("begin tx %s", t.id)
	return NewContext(ctx, t), t
}

// Run executes fn in a new transaction. The transaction commits if fn returns
// nil and rolls back otherwise. A panic in fn rolls back and is re-raised.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	txCtx, t := m.Begin(ctx)

	defer func() {
		if r := recover(); r != nil {
			_ = t.Rollback(ctx)
			panic(r)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rbErr := t.Rollback(ctx); rbErr != nil {
			log.Warningf("rollback of tx %s after error failed: %v", t.id, rbErr)
		}
		return err
	}
	return t.Commit(ctx)
}

// Lookup returns an active transaction by id.
func (m *Manager) Lookup(id string) (*Txn, bool) {
	return m.active.Load(id)
}

// Active returns the number of transactions that did not complete yet.
func (m *Manager) Active() int {
	return m.active.Size()
}

// --------------------------------------------------------------------------
// Txn
// --------------------------------------------------------------------------

// Txn is the in-process Transaction implementation.
type Txn struct {
	id  string
	mgr *Manager

	mu           sync.Mutex
	status       Status
	rollbackOnly bool
	cause        error
	syncs        []Synchronization
}

var _ Transaction = (*Txn)(nil)

func (t *Txn) ID() string { return t.id }

func (t *Txn) String() string { return "tx(" + t.id + ")" }

func (t *Txn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rollbackOnly && (t.status == StatusActive || t.status == StatusPreparing) {
		return StatusMarkedRollback
	}
	return t.status
}

func (t *Txn) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// Cause returns the error passed to the first SetRollbackOnly call.
func (t *Txn) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *Txn) SetRollbackOnly(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusPreparing {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, t.id, t.status)
	}
	if !t.rollbackOnly {
		t.rollbackOnly = true
		t.cause = cause
		log.Debugf("tx %s marked rollback-only: %v", t.id, cause)
	}
	return nil
}

// RegisterSynchronization is allowed while the transaction is active or
// preparing. Synchronizations registered from within BeforeCompletion run in
// the same commit.
func (t *Txn) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusPreparing {
		return fmt.Errorf("%w: cannot register synchronization, %s is %s", ErrNotActive, t.id, t.status)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// Commit runs the BeforeCompletion callbacks and commits. If the transaction
// was or becomes rollback-only it rolls back and returns a *RollbackError.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.status != StatusActive {
		st := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: commit on %s transaction %s", ErrNotActive, st, t.id)
	}
	t.status = StatusPreparing
	t.mu.Unlock()

	if !t.RollbackOnly() {
		for i := 0; ; i++ {
			s, ok := t.syncAt(i)
			if !ok {
				break
			}
			if err := beforeCompletion(ctx, s); err != nil {
				_ = t.SetRollbackOnly(err)
				break
			}
			if t.RollbackOnly() {
				break
			}
		}
	}

	// leave StatusPreparing under t.mu: a concurrent Rollback is either seen
	// here or rejected
	t.mu.Lock()
	rolledBack := t.rollbackOnly
	if rolledBack {
		t.status = StatusRollingBack
	} else {
		t.status = StatusCommitting
	}
	t.mu.Unlock()

	if rolledBack {
		t.finish(ctx, StatusRolledBack)
		return &RollbackError{ID: t.id, Cause: t.Cause()}
	}
	t.finish(ctx, StatusCommitted)
	return nil
}

// Rollback rolls the transaction back. BeforeCompletion callbacks are not run.
// While Commit is preparing, Rollback only marks the transaction rollback-only
// and the committing goroutine completes the rollback; Commit then returns a
// *RollbackError.
func (t *Txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case StatusActive:
		t.status = StatusRollingBack
		t.mu.Unlock()
	case StatusPreparing:
		if !t.rollbackOnly {
			t.rollbackOnly = true
			t.cause = ErrRollbackRequested
		}
		t.mu.Unlock()
		log.Debugf("tx %s: rollback requested during commit", t.id)
		return nil
	default:
		st := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: rollback on %s transaction %s", ErrNotActive, st, t.id)
	}

	t.finish(ctx, StatusRolledBack)
	return nil
}

// beforeCompletion runs s.BeforeCompletion and turns a panic into an error.
func beforeCompletion(ctx context.Context, s Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("before completion panicked: %v", r)
		}
	}()
	return s.BeforeCompletion(ctx)
}

func (t *Txn) syncAt(i int) (Synchronization, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.syncs) {
		return nil, false
	}
	return t.syncs[i], true
}

// finish runs the AfterCompletion callbacks. The caller has already moved the
// status to StatusCommitting or StatusRollingBack, so finish runs once.
func (t *Txn) finish(ctx context.Context, final Status) {
	t.mu.Lock()
	syncs := t.syncs
	t.mu.Unlock()

	for _, s := range syncs {
		s.AfterCompletion(ctx, final)
	}

	t.mu.Lock()
	t.status = final
	t.syncs = nil
	t.mu.Unlock()

	t.mgr.active.Delete(t.id)
	log.Debugf("tx %s %s", t.id, final)
}
