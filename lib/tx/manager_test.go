package tx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSync struct {
	name   string
	events *[]string
	fail   error
	onBC   func()
}

func (r *recordingSync) BeforeCompletion(context.Context) error {
	*r.events = append(*r.events, "before:"+r.name)
	if r.onBC != nil {
		r.onBC()
	}
	return r.fail
}

func (r *recordingSync) AfterCompletion(_ context.Context, st Status) {
	*r.events = append(*r.events, "after:"+r.name+":"+st.String())
}

// countingSync counts AfterCompletion calls from any goroutine.
type countingSync struct {
	after *atomic.Int32
}

func (c *countingSync) BeforeCompletion(context.Context) error { return nil }

func (c *countingSync) AfterCompletion(context.Context, Status) { c.after.Add(1) }

func TestCommitRunsSynchronizations(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())
	require.Same(t, txn, FromContext(ctx).(*Txn))
	require.Equal(t, 1, m.Active())

	var events []string
	require.NoError(t, txn.RegisterSynchronization(&recordingSync{name: "a", events: &events}))
	require.NoError(t, txn.RegisterSynchronization(&recordingSync{name: "b", events: &events}))

	require.NoError(t, txn.Commit(ctx))
	require.Equal(t, []string{"before:a", "before:b", "after:a:Committed", "after:b:Committed"}, events)
	require.Equal(t, StatusCommitted, txn.Status())
	require.Equal(t, 0, m.Active())
}

func TestRegistrationDuringBeforeCompletion(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())

	var events []string
	late := &recordingSync{name: "late", events: &events}
	first := &recordingSync{name: "first", events: &events, onBC: func() {
		require.NoError(t, txn.RegisterSynchronization(late))
	}}
	require.NoError(t, txn.RegisterSynchronization(first))

	require.NoError(t, txn.Commit(ctx))
	require.Contains(t, events, "before:late")
}

func TestBeforeCompletionFailureRollsBack(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())

	boom := errors.New("boom")
	var events []string
	require.NoError(t, txn.RegisterSynchronization(&recordingSync{name: "a", events: &events, fail: boom}))
	require.NoError(t, txn.RegisterSynchronization(&recordingSync{name: "b", events: &events}))

	err := txn.Commit(ctx)
	require.ErrorIs(t, err, ErrRolledBack)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"before:a", "after:a:RolledBack", "after:b:RolledBack"}, events)
}

func TestRollbackOnly(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())

	cause := errors.New("first")
	require.NoError(t, txn.SetRollbackOnly(cause))
	require.NoError(t, txn.SetRollbackOnly(errors.New("second")))
	require.Equal(t, StatusMarkedRollback, txn.Status())
	require.Same(t, cause, txn.Cause())

	var rb *RollbackError
	require.ErrorAs(t, txn.Commit(ctx), &rb)
	require.Same(t, cause, rb.Cause)

	require.ErrorIs(t, txn.SetRollbackOnly(cause), ErrNotActive)
	require.ErrorIs(t, txn.RegisterSynchronization(&recordingSync{events: new([]string)}), ErrNotActive)
}

func TestRollbackDuringCommit(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())

	var events []string
	entered, proceed := make(chan struct{}), make(chan struct{})
	require.NoError(t, txn.RegisterSynchronization(&recordingSync{name: "a", events: &events, onBC: func() {
		close(entered)
		<-proceed
	}}))

	committed := make(chan error, 1)
	go func() { committed <- txn.Commit(ctx) }()
	<-entered

	// the rollback is handed to the committing goroutine
	require.NoError(t, txn.Rollback(ctx))
	require.Equal(t, StatusMarkedRollback, txn.Status())
	close(proceed)

	err := <-committed
	require.ErrorIs(t, err, ErrRolledBack)
	require.ErrorIs(t, err, ErrRollbackRequested)
	require.Equal(t, StatusRolledBack, txn.Status())
	require.Equal(t, []string{"before:a", "after:a:RolledBack"}, events)
	require.ErrorIs(t, txn.Rollback(ctx), ErrNotActive)
	require.Equal(t, 0, m.Active())
}

func TestConcurrentRollbackCompletesOnce(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())

	var after atomic.Int32
	require.NoError(t, txn.RegisterSynchronization(&countingSync{after: &after}))

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- txn.Rollback(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, ErrNotActive)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, int32(1), after.Load())
	require.ErrorIs(t, txn.Commit(ctx), ErrNotActive)
}

func TestPanicInBeforeCompletionRollsBack(t *testing.T) {
	m := NewManager()
	ctx, txn := m.Begin(context.Background())

	var events []string
	require.NoError(t, txn.RegisterSynchronization(&recordingSync{name: "a", events: &events, onBC: func() {
		panic("flush failed")
	}}))

	err := txn.Commit(ctx)
	require.ErrorIs(t, err, ErrRolledBack)
	require.Contains(t, err.Error(), "flush failed")
	require.Equal(t, StatusRolledBack, txn.Status())
	require.Equal(t, []string{"before:a", "after:a:RolledBack"}, events)
}

func TestRun(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Run(context.Background(), func(ctx context.Context) error {
		require.NotNil(t, FromContext(ctx))
		return nil
	}))

	boom := errors.New("boom")
	var seen Transaction
	err := m.Run(context.Background(), func(ctx context.Context) error {
		seen = FromContext(ctx)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, StatusRolledBack, seen.Status())
	require.Equal(t, 0, m.Active())
}

func TestSameAndWithout(t *testing.T) {
	m := NewManager()
	ctx, a := m.Begin(context.Background())
	_, b := m.Begin(context.Background())

	require.True(t, Same(a, a))
	require.False(t, Same(a, b))
	require.False(t, Same(a, nil))
	require.True(t, Same(nil, nil))
	require.Nil(t, FromContext(Without(ctx)))
}
