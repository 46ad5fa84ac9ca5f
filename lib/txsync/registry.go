package txsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/tx"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("txsync")

var (
	// ErrConsistencyViolation is returned when an instance that was evicted
	// during its transaction would have to be stored. Writing it could
	// overwrite newer state, so the transaction is rolled back instead.
	ErrConsistencyViolation = errors.New("txsync: consistency violation")
	// ErrRollbackOnly is returned by a batch that stops because its
	// transaction is marked rollback-only. It matches tx.ErrRolledBack.
	ErrRollbackOnly = fmt.Errorf("txsync: transaction is rollback-only: %w", tx.ErrRolledBack)
)

// --------------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------------

// Container is the part of an entity container the registry calls back into.
type Container interface {
	// InvokeStoreCallback runs the bean's store callback.
	InvokeStoreCallback(ctx context.Context, inst *instance.Instance) error
	// StoreEntity writes the instance state if a store is required.
	StoreEntity(ctx context.Context, inst *instance.Instance) error
	// IsStoreRequired reports whether the instance has unwritten changes.
	IsStoreRequired(ctx context.Context, inst *instance.Instance) (bool, error)
	// EnterScope switches into the container's resource scope. The returned
	// function switches back.
	EnterScope(ctx context.Context) (context.Context, func())
	// AfterCompletion is called once per instance when its transaction ended.
	AfterCompletion(ctx context.Context, inst *instance.Instance, status tx.Status)
}

// Stage names the step of a synchronization that failed.
type Stage uint8

const (
	StageStoreCallback Stage = iota // Pass one: bean store callback.
	StageStore                      // Pass two: durable write.
)

func (s Stage) String() string {
	switch s {
	case StageStoreCallback:
		return "store-callback"
	case StageStore:
		return "store"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// SyncError is returned when synchronizing an instance failed.
type SyncError struct {
	Key   identity.Key
	Stage Stage
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("txsync: %s of %s failed: %v", e.Stage, e.Key, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry holds the synchronization records of all running transactions.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	records *xsync.MapOf[string, *Record]
	batches gometrics.Timer

	syncs      atomic.Int64
	violations atomic.Int64
	failures   atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: xsync.NewMapOf[string, *Record](),
		batches: gometrics.NewTimer(),
	}
}

// Close stops the batch timer.
func (r *Registry) Close() {
	r.batches.Stop()
}

// Record returns the record of t, creating and registering it on first use.
func (r *Registry) Record(t tx.Transaction) (*Record, error) {
	if t == nil {
		return nil, tx.ErrNotActive
	}
	var regErr error
	rec, ok := r.records.Compute(t.ID(), func(old *Record, loaded bool) (*Record, bool) {
		if loaded {
			return old, false
		}
		rec := &Record{reg: r, txn: t}
		if err := t.RegisterSynchronization(rec); err != nil {
			regErr = err
			return nil, true
		}
		return rec, false
	})
	if !ok {
		return nil, fmt.Errorf("txsync: register record for tx %s: %w", t.ID(), regErr)
	}
	return rec, nil
}

// Lookup returns the record of t if one exists.
func (r *Registry) Lookup(t tx.Transaction) (*Record, bool) {
	if t == nil {
		return nil, false
	}
	return r.records.Load(t.ID())
}

// Active returns the number of transactions with a record.
func (r *Registry) Active() int {
	return r.records.Size()
}

// ScheduleSync marks inst as needing a store before t completes. See the
// package documentation for the per-state behavior. A nil transaction is a
// no-op.
func (r *Registry) ScheduleSync(ctx context.Context, t tx.Transaction, inst *instance.Instance, owner Container) error {
	if t == nil {
		return nil
	}
	switch inst.Association() {
	case instance.AssocNone:
		rec, err := r.Record(t)
		if err != nil {
			return err
		}
		if inst.CompareAndSetAssociation(instance.AssocNone, instance.AssocSyncScheduled) {
			rec.add(inst, owner)
		}
	case instance.AssocSynchronized:
		inst.CompareAndSetAssociation(instance.AssocSynchronized, instance.AssocSyncScheduled)
	}
	return nil
}

// Synchronize stores a single instance if it is scheduled. A failure marks
// the instance's transaction rollback-only.
func (r *Registry) Synchronize(ctx context.Context, inst *instance.Instance, owner Container) error {
	if err := r.synchronize(ctx, inst, owner); err != nil {
		return r.failed(inst.Transaction(), inst, StageStore, err)
	}
	return nil
}

// SynchronizeEntities runs the batch protocol on the record of t. Without a
// record there is nothing to do.
func (r *Registry) SynchronizeEntities(ctx context.Context, t tx.Transaction) error {
	rec, ok := r.Lookup(t)
	if !ok {
		return nil
	}
	return rec.SynchronizeEntities(ctx)
}

// PreventSync forces inst into PREVENT_SYNC. It is used when an instance is
// evicted while it still belongs to a transaction. It returns false if the
// instance was not scheduled or synchronized in a transaction.
func (r *Registry) PreventSync(inst *instance.Instance) bool {
	if inst.CompareAndSetAssociation(instance.AssocSyncScheduled, instance.AssocPreventSync) ||
		inst.CompareAndSetAssociation(instance.AssocSynchronized, instance.AssocPreventSync) {
		log.Warningf("%s evicted during its transaction, further stores are rejected", inst)
		return true
	}
	return false
}

// synchronize is the per-instance state machine step.
func (r *Registry) synchronize(ctx context.Context, inst *instance.Instance, owner Container) error {
	switch inst.Association() {
	case instance.AssocSyncScheduled:
		if !inst.HasIdentity() {
			// removed in this transaction
			return nil
		}
		scoped, exit := owner.EnterScope(ctx)
		defer exit()
		if err := owner.StoreEntity(scoped, inst); err != nil {
			return err
		}
		inst.CompareAndSetAssociation(instance.AssocSyncScheduled, instance.AssocSynchronized)
		r.syncs.Add(1)
		return nil

	case instance.AssocPreventSync:
		if !inst.HasIdentity() {
			return nil
		}
		required, err := owner.IsStoreRequired(ctx, inst)
		if err != nil {
			return err
		}
		if required {
			r.violations.Add(1)
			log.Errorf("consistency violation: %s was evicted during its transaction but has unwritten changes", inst)
			return fmt.Errorf("%w: %s was evicted but has unwritten changes", ErrConsistencyViolation, inst.Key())
		}
		return nil

	default:
		return nil
	}
}

// failed marks t rollback-only and wraps err with the identity of inst.
func (r *Registry) failed(t tx.Transaction, inst *instance.Instance, stage Stage, err error) error {
	r.failures.Add(1)
	serr := &SyncError{Key: inst.Key(), Stage: stage, Err: err}
	if t != nil {
		if rbErr := t.SetRollbackOnly(serr); rbErr != nil {
			log.Warningf("cannot mark tx %s rollback-only after %v: %v", t.ID(), serr, rbErr)
		}
	}
	log.Warningf("%v", serr)
	return serr
}

// --------------------------------------------------------------------------
// Record
// --------------------------------------------------------------------------

type entry struct {
	inst  *instance.Instance
	owner Container
}

// Record is the synchronization record of one transaction.
//
// Thread-safety: all methods are safe for concurrent use.
type Record struct {
	reg *Registry
	txn tx.Transaction

	mu            sync.Mutex
	entries       []entry
	synchronizing bool
}

var _ tx.Synchronization = (*Record)(nil)

// Transaction returns the transaction the record belongs to.
func (rec *Record) Transaction() tx.Transaction { return rec.txn }

// Len returns the number of instances in the record.
func (rec *Record) Len() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.entries)
}

// Instances returns the instances in the order they joined.
func (rec *Record) Instances() []*instance.Instance {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]*instance.Instance, len(rec.entries))
	for i, e := range rec.entries {
		out[i] = e.inst
	}
	return out
}

func (rec *Record) add(inst *instance.Instance, owner Container) {
	rec.mu.Lock()
	rec.entries = append(rec.entries, entry{inst: inst, owner: owner})
	rec.mu.Unlock()
}

func (rec *Record) at(i int) (entry, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if i >= len(rec.entries) {
		return entry{}, false
	}
	return rec.entries[i], true
}

// SynchronizeEntities stores every scheduled instance of the record. It
// returns ErrRollbackOnly if the transaction is or becomes rollback-only
// before all instances are written.
func (rec *Record) SynchronizeEntities(ctx context.Context) error {
	rec.mu.Lock()
	if rec.synchronizing || len(rec.entries) == 0 {
		rec.mu.Unlock()
		return nil
	}
	rec.synchronizing = true
	rec.mu.Unlock()

	defer func() {
		rec.mu.Lock()
		rec.synchronizing = false
		rec.mu.Unlock()
	}()
	defer rec.reg.batches.UpdateSince(time.Now())

	// pass one: store callbacks
	for i := 0; ; i++ {
		e, ok := rec.at(i)
		if !ok {
			break
		}
		if rec.txn.RollbackOnly() {
			return rec.abandoned()
		}
		if e.inst.Association() != instance.AssocSyncScheduled || !e.inst.HasIdentity() {
			continue
		}
		if err := e.owner.InvokeStoreCallback(ctx, e.inst); err != nil {
			return rec.reg.failed(rec.txn, e.inst, StageStoreCallback, err)
		}
	}

	// pass two: durable writes
	for i := 0; ; i++ {
		e, ok := rec.at(i)
		if !ok {
			break
		}
		if rec.txn.RollbackOnly() {
			return rec.abandoned()
		}
		if err := rec.reg.synchronize(ctx, e.inst, e.owner); err != nil {
			return rec.reg.failed(rec.txn, e.inst, StageStore, err)
		}
	}
	return nil
}

// abandoned reports a batch stopped by the rollback-only flag. Nothing after
// that point was written.
func (rec *Record) abandoned() error {
	return fmt.Errorf("%w: %s", ErrRollbackOnly, rec.txn.ID())
}

// BeforeCompletion flushes the record before the commit decision.
func (rec *Record) BeforeCompletion(ctx context.Context) error {
	return rec.SynchronizeEntities(ctx)
}

// AfterCompletion drops the record and hands every instance back to its
// container.
func (rec *Record) AfterCompletion(ctx context.Context, status tx.Status) {
	rec.reg.records.Delete(rec.txn.ID())

	rec.mu.Lock()
	entries := rec.entries
	rec.entries = nil
	rec.mu.Unlock()

	for _, e := range entries {
		rec.complete(ctx, e, status)
	}
}

func (rec *Record) complete(ctx context.Context, e entry, status tx.Status) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("after completion of %s in tx %s panicked: %v", e.inst, rec.txn.ID(), p)
		}
	}()
	e.owner.AfterCompletion(ctx, e.inst, status)
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats describes the registry state.
type Stats struct {
	Records    int     `json:"records"`
	Syncs      int64   `json:"syncs"`
	Violations int64   `json:"violations"`
	Failures   int64   `json:"failures"`
	Batches    int64   `json:"batches"`
	BatchMean  float64 `json:"batch_mean_ns"`
	BatchP99   float64 `json:"batch_p99_ns"`
}

// Stats returns a snapshot of the registry statistics.
func (r *Registry) Stats() Stats {
	return Stats{
		Records:    r.records.Size(),
		Syncs:      r.syncs.Load(),
		Violations: r.violations.Load(),
		Failures:   r.failures.Load(),
		Batches:    r.batches.Count(),
		BatchMean:  r.batches.Mean(),
		BatchP99:   r.batches.Percentile(0.99),
	}
}
