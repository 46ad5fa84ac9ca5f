package txsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/tx"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type scopeKey struct{}

// recorder is a Container that logs every call.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	failStore map[identity.Key]error
	failCB    map[identity.Key]error
	required  bool
	completed map[identity.Key]tx.Status
	onCB      func(ctx context.Context, inst *instance.Instance)
}

func newRecorder() *recorder {
	return &recorder{
		failStore: map[identity.Key]error{},
		failCB:    map[identity.Key]error{},
		completed: map[identity.Key]tx.Status{},
		required:  true,
	}
}

func (c *recorder) log(format string, args ...any) {
	c.mu.Lock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *recorder) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *recorder) InvokeStoreCallback(ctx context.Context, inst *instance.Instance) error {
	c.log("callback %s", inst.Key())
	if c.onCB != nil {
		c.onCB(ctx, inst)
	}
	return c.failCB[inst.Key()]
}

func (c *recorder) StoreEntity(ctx context.Context, inst *instance.Instance) error {
	if ctx.Value(scopeKey{}) == nil {
		return errors.New("store outside of container scope")
	}
	c.log("store %s", inst.Key())
	return c.failStore[inst.Key()]
}

func (c *recorder) IsStoreRequired(context.Context, *instance.Instance) (bool, error) {
	return c.required, nil
}

func (c *recorder) EnterScope(ctx context.Context) (context.Context, func()) {
	return context.WithValue(ctx, scopeKey{}, true), func() {}
}

func (c *recorder) AfterCompletion(_ context.Context, inst *instance.Instance, status tx.Status) {
	c.mu.Lock()
	c.completed[inst.Key()] = status
	c.mu.Unlock()
	inst.SetTransaction(nil)
	inst.SetAssociation(instance.AssocNone)
}

func newInstance(pk any) *instance.Instance {
	inst := instance.New(1, nil, nil)
	inst.SetKey(identity.MustNew(pk))
	return inst
}

func enlist(t *testing.T, r *Registry, txn tx.Transaction, c Container, insts ...*instance.Instance) {
	t.Helper()
	for _, inst := range insts {
		inst.SetTransaction(txn)
		require.NoError(t, r.ScheduleSync(context.Background(), txn, inst, c))
	}
}

func TestAssociationWalk(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	ctx, txn := tx.NewManager().Begin(context.Background())
	inst := newInstance("a")

	enlist(t, r, txn, c, inst)
	require.Equal(t, instance.AssocSyncScheduled, inst.Association())
	rec, ok := r.Lookup(txn)
	require.True(t, ok)
	require.Equal(t, 1, rec.Len())

	// scheduling again does not enlist twice
	require.NoError(t, r.ScheduleSync(ctx, txn, inst, c))
	require.Equal(t, 1, rec.Len())

	require.NoError(t, r.Synchronize(ctx, inst, c))
	require.Equal(t, instance.AssocSynchronized, inst.Association())

	// nothing left to store
	require.NoError(t, r.Synchronize(ctx, inst, c))
	require.Equal(t, []string{"store a"}, c.Calls())

	// modified again in the same transaction
	require.NoError(t, r.ScheduleSync(ctx, txn, inst, c))
	require.Equal(t, instance.AssocSyncScheduled, inst.Association())
	require.Equal(t, 1, rec.Len())

	require.NoError(t, txn.Commit(ctx))
	if diff := cmp.Diff([]string{"store a", "callback a", "store a"}, c.Calls()); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}
	require.Equal(t, tx.StatusCommitted, c.completed[inst.Key()])
	require.Equal(t, instance.AssocNone, inst.Association())
	require.Equal(t, 0, r.Active())
}

func TestNotReadyIgnoresSync(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	ctx, txn := tx.NewManager().Begin(context.Background())

	inst := newInstance("creating")
	inst.SetAssociation(instance.AssocNotReady)
	enlist(t, r, txn, c, inst)

	require.Equal(t, instance.AssocNotReady, inst.Association())
	_, ok := r.Lookup(txn)
	require.False(t, ok)
	require.NoError(t, r.Synchronize(ctx, inst, c))
	require.Empty(t, c.Calls())
	require.NoError(t, txn.Commit(ctx))
}

func TestScheduleSyncWithoutTransaction(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	inst := newInstance(1)
	require.NoError(t, r.ScheduleSync(context.Background(), nil, inst, newRecorder()))
	require.Equal(t, instance.AssocNone, inst.Association())
	require.Equal(t, 0, r.Active())
}

func TestTwoPassOrdering(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	ctx, txn := tx.NewManager().Begin(context.Background())

	enlist(t, r, txn, c, newInstance(1), newInstance(2), newInstance(3))
	require.NoError(t, txn.Commit(ctx))

	want := []string{
		"callback 1", "callback 2", "callback 3",
		"store 1", "store 2", "store 3",
	}
	if diff := cmp.Diff(want, c.Calls()); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	require.Equal(t, int64(3), r.Stats().Syncs)
	require.Equal(t, int64(1), r.Stats().Batches)
}

func TestStoreFailureAbortsBatch(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	boom := errors.New("disk full")
	c.failStore[identity.MustNew(2)] = boom
	ctx, txn := tx.NewManager().Begin(context.Background())

	one, two, three := newInstance(1), newInstance(2), newInstance(3)
	enlist(t, r, txn, c, one, two, three)

	err := r.SynchronizeEntities(ctx, txn)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, identity.MustNew(2), serr.Key)
	require.Equal(t, StageStore, serr.Stage)
	require.ErrorIs(t, err, boom)

	require.True(t, txn.RollbackOnly())
	require.Equal(t, instance.AssocSynchronized, one.Association())
	require.Equal(t, instance.AssocSyncScheduled, three.Association())
	require.NotContains(t, c.Calls(), "store 3")

	err = txn.Commit(ctx)
	require.ErrorIs(t, err, tx.ErrRolledBack)
	require.ErrorIs(t, err, boom)
	require.Equal(t, tx.StatusRolledBack, c.completed[identity.MustNew(3)])
	require.Equal(t, int64(1), r.Stats().Failures)
}

func TestCallbackFailureStopsBeforeWrites(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	c.failCB[identity.MustNew(1)] = errors.New("validation")
	ctx, txn := tx.NewManager().Begin(context.Background())
	enlist(t, r, txn, c, newInstance(1), newInstance(2))

	err := r.SynchronizeEntities(ctx, txn)
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StageStoreCallback, serr.Stage)
	require.Equal(t, []string{"callback 1"}, c.Calls())
	require.True(t, txn.RollbackOnly())
}

func TestRollbackOnlyAbortsBatch(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	ctx, txn := tx.NewManager().Begin(context.Background())
	enlist(t, r, txn, c, newInstance(1))

	require.NoError(t, txn.SetRollbackOnly(errors.New("caller gave up")))
	err := r.SynchronizeEntities(ctx, txn)
	require.ErrorIs(t, err, ErrRollbackOnly)
	require.ErrorIs(t, err, tx.ErrRolledBack)
	require.Empty(t, c.Calls())
	require.Zero(t, r.Stats().Failures)

	// commit reports the original cause
	err = txn.Commit(ctx)
	require.ErrorIs(t, err, tx.ErrRolledBack)
	require.Contains(t, err.Error(), "caller gave up")
}

func TestInstancesJoiningDuringBatch(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	ctx, txn := tx.NewManager().Begin(context.Background())
	late := newInstance("late")

	c.onCB = func(ctx context.Context, inst *instance.Instance) {
		if inst.Key() == identity.MustNew("first") {
			late.SetTransaction(txn)
			require.NoError(t, r.ScheduleSync(ctx, txn, late, c))
			// a nested flush is ignored while the batch runs
			require.NoError(t, r.SynchronizeEntities(ctx, txn))
		}
	}
	enlist(t, r, txn, c, newInstance("first"))

	require.NoError(t, r.SynchronizeEntities(ctx, txn))
	want := []string{"callback first", "callback late", "store first", "store late"}
	if diff := cmp.Diff(want, c.Calls()); diff != "" {
		t.Fatalf("unexpected calls (-want +got):\n%s", diff)
	}
}

func TestRemovedInstanceShortCircuits(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	c := newRecorder()
	ctx, txn := tx.NewManager().Begin(context.Background())
	inst := newInstance("gone")
	enlist(t, r, txn, c, inst)

	inst.ClearKey()
	require.NoError(t, r.SynchronizeEntities(ctx, txn))
	require.Empty(t, c.Calls())
}

func TestPreventSync(t *testing.T) {
	t.Run("store required", func(t *testing.T) {
		r := NewRegistry()
		defer r.Close()
		c := newRecorder()
		ctx, txn := tx.NewManager().Begin(context.Background())
		inst := newInstance("stale")
		enlist(t, r, txn, c, inst)

		require.True(t, r.PreventSync(inst))
		require.Equal(t, instance.AssocPreventSync, inst.Association())
		require.False(t, r.PreventSync(inst))

		// PREVENT_SYNC ignores further scheduling
		require.NoError(t, r.ScheduleSync(ctx, txn, inst, c))
		require.Equal(t, instance.AssocPreventSync, inst.Association())

		err := r.Synchronize(ctx, inst, c)
		require.ErrorIs(t, err, ErrConsistencyViolation)
		require.True(t, txn.RollbackOnly())
		require.NotContains(t, c.Calls(), "store stale")
		require.Equal(t, int64(1), r.Stats().Violations)

		require.ErrorIs(t, txn.Commit(ctx), ErrConsistencyViolation)
	})

	t.Run("clean instance passes", func(t *testing.T) {
		r := NewRegistry()
		defer r.Close()
		c := newRecorder()
		c.required = false
		ctx, txn := tx.NewManager().Begin(context.Background())
		inst := newInstance("clean")
		enlist(t, r, txn, c, inst)
		require.True(t, r.PreventSync(inst))

		require.NoError(t, txn.Commit(ctx))
		require.Empty(t, c.Calls())
	})

	t.Run("not enlisted", func(t *testing.T) {
		r := NewRegistry()
		defer r.Close()
		require.False(t, r.PreventSync(newInstance(1)))
	})
}

func TestFirstRegistrationWins(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	_, txn := tx.NewManager().Begin(context.Background())

	var wg sync.WaitGroup
	recs := make([]*Record, 16)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := r.Record(txn)
			if err != nil {
				t.Error(err)
				return
			}
			recs[i] = rec
		}(i)
	}
	wg.Wait()
	for _, rec := range recs {
		require.Same(t, recs[0], rec)
	}
	require.Equal(t, 1, r.Active())

	require.NoError(t, txn.Rollback(context.Background()))
	require.Equal(t, 0, r.Active())

	// a completed transaction cannot get a new record
	_, err := r.Record(txn)
	require.ErrorIs(t, err, tx.ErrNotActive)
	_, err = r.Record(nil)
	require.ErrorIs(t, err, tx.ErrNotActive)
}
