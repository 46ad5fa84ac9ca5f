package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/persistence/memstore"
	"github.com/stretchr/testify/require"
)

type account struct {
	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
}

func (a *account) MarshalState() ([]byte, error) { return json.Marshal(a) }

func (a *account) UnmarshalState(data []byte) error { return json.Unmarshal(data, a) }

func newInstance(serial uint64) (*instance.Instance, *account) {
	a := &account{}
	return instance.New(serial, a, instance.EntityRules), a
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := persistence.NewManager("Account", memstore.NewMemoryBackend())
	key := identity.MustNew("alice")

	inst, bean := newInstance(1)
	bean.Owner, bean.Balance = "alice", 10
	require.NoError(t, m.Create(ctx, key, inst))
	inst.SetKey(key)

	// unchanged state is not written again
	required, err := m.IsStoreRequired(ctx, inst)
	require.NoError(t, err)
	require.False(t, required)
	require.NoError(t, m.Store(ctx, inst))
	require.Equal(t, int64(1), m.Stats().Skipped)

	bean.Balance = 25
	required, err = m.IsStoreRequired(ctx, inst)
	require.NoError(t, err)
	require.True(t, required)
	require.NoError(t, m.Store(ctx, inst))

	other, otherBean := newInstance(2)
	other.SetKey(key)
	require.NoError(t, m.Load(ctx, other))
	require.Equal(t, account{Owner: "alice", Balance: 25}, *otherBean)

	ok, err := m.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Remove(ctx, other))
	ok, err = m.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, persistence.Stats{Loads: 1, Stores: 1, Skipped: 1, Creates: 1, Removes: 1}, m.Stats())
}

func TestManagerErrors(t *testing.T) {
	ctx := context.Background()
	m := persistence.NewManager("Account", memstore.NewMemoryBackend())
	key := identity.MustNew("bob")

	inst, _ := newInstance(1)
	require.NoError(t, m.Create(ctx, key, inst))

	dup, _ := newInstance(2)
	err := m.Create(ctx, key, dup)
	require.True(t, errors.Is(err, persistence.ErrDuplicate), "got %v", err)

	missing, _ := newInstance(3)
	missing.SetKey(identity.MustNew("nobody"))
	require.ErrorIs(t, m.Load(ctx, missing), persistence.ErrNotFound)
	require.ErrorIs(t, m.Remove(ctx, missing), persistence.ErrNotFound)

	anon, _ := newInstance(4)
	require.ErrorIs(t, m.Store(ctx, anon), identity.ErrNilIdentity)
	require.ErrorIs(t, m.Create(ctx, identity.Key{}, anon), identity.ErrNilIdentity)

	plain := instance.New(5, struct{}{}, nil)
	plain.SetKey(key)
	require.ErrorIs(t, m.Load(ctx, plain), persistence.ErrNotPersistent)
}

func TestManagerInvalidateForcesStore(t *testing.T) {
	ctx := context.Background()
	m := persistence.NewManager("Account", memstore.NewMemoryBackend())
	key := identity.MustNew("carol")

	inst, _ := newInstance(1)
	require.NoError(t, m.Create(ctx, key, inst))
	inst.SetKey(key)

	m.Invalidate(inst)
	required, err := m.IsStoreRequired(ctx, inst)
	require.NoError(t, err)
	require.True(t, required)
	require.NoError(t, m.Store(ctx, inst))
	require.Equal(t, int64(1), m.Stats().Stores)
}

func TestManagerKeysAndSelect(t *testing.T) {
	ctx := context.Background()
	m := persistence.NewManager("Account", memstore.NewMemoryBackend())

	for i, owner := range []string{"a", "b", "c"} {
		inst, bean := newInstance(uint64(i))
		bean.Owner, bean.Balance = owner, i*100
		require.NoError(t, m.Create(ctx, identity.MustNew(owner), inst))
	}

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []identity.Key{identity.MustNew("a"), identity.MustNew("b"), identity.MustNew("c")}, keys)

	rich, err := m.Select(ctx,
		func() persistence.State { return &account{} },
		func(s persistence.State) bool { return s.(*account).Balance >= 100 })
	require.NoError(t, err)
	require.ElementsMatch(t, []identity.Key{identity.MustNew("b"), identity.MustNew("c")}, rich)
}

func TestSpool(t *testing.T) {
	s, err := persistence.NewSpool(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("session-1")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, s.Write("session-1", []byte("v1")))
	require.NoError(t, s.Write("session-1", []byte("v2")))
	got, err := s.Read("session-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Remove("session-1"))
	require.NoError(t, s.Remove("session-1"))

	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		require.Error(t, s.Write(id, nil), id)
	}
}
