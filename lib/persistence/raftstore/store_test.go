package raftstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/persistence/raftstore/internal"
	ptesting "github.com/ValentinKolb/beanrt/lib/persistence/testing"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/require"
)

func freeAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func raftFactory(t testing.TB) persistence.Backend {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := DefaultConfig(t.TempDir(), freeAddr(t))
	cfg.RTTMillisecond = 5
	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	return s
}

func TestRaftBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a dragonboat node host per subtest")
	}
	ptesting.RunBackendTests(t, "RaftBackend", raftFactory)
}

func BenchmarkRaftBackend(b *testing.B) {
	ptesting.RunBackendBenchmarks(b, "RaftBackend", raftFactory)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig(t.TempDir(), "localhost:63001")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ReplicaID = 7
	require.Error(t, bad.Validate())

	bad = cfg
	bad.DataDir = ""
	require.Error(t, bad.Validate())

	require.Contains(t, cfg.String(), "localhost:63001")
}

// --------------------------------------------------------------------------
// State machine tests (no node host)
// --------------------------------------------------------------------------

func apply(t *testing.T, fsm *EntityStateMachine, cmds ...internal.Command) []RetCode {
	t.Helper()
	entries := make([]sm.Entry, len(cmds))
	for i, c := range cmds {
		entries[i] = sm.Entry{Index: uint64(i + 1), Cmd: c.Serialize()}
	}
	out, err := fsm.Update(entries)
	require.NoError(t, err)
	codes := make([]RetCode, len(out))
	for i, e := range out {
		codes[i] = RetCode(e.Result.Value)
	}
	return codes
}

func TestStateMachineUpdate(t *testing.T) {
	fsm := newStateMachine(1, 1)

	codes := apply(t, fsm,
		internal.Command{Type: internal.CommandTInsert, Bean: "Account", Key: "a", Value: []byte("1")},
		internal.Command{Type: internal.CommandTInsert, Bean: "Account", Key: "a", Value: []byte("2")},
		internal.Command{Type: internal.CommandTPut, Bean: "Account", Key: "a", Value: []byte("3")},
		internal.Command{Type: internal.CommandTDelete, Bean: "Account", Key: "missing"},
		internal.Command{Type: internal.CommandTInsert, Bean: "Order", Key: "a", Value: []byte("o")},
	)
	require.Equal(t, []RetCode{RetCSuccess, RetCDuplicate, RetCSuccess, RetCNotFound, RetCSuccess}, codes)

	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTGet, Bean: "Account", Key: "a"})
	require.NoError(t, err)
	require.Equal(t, internal.QueryResult{Ok: true, Value: []byte("3")}, res)

	info, err := fsm.Lookup(internal.Query{Type: internal.QueryTInfo})
	require.NoError(t, err)
	require.Equal(t, internal.Info{Beans: 2, Entries: 2, LastIndex: 5, Applied: 3, Rejections: 2}, info)
}

func TestStateMachineRejectsGarbage(t *testing.T) {
	fsm := newStateMachine(1, 1)
	out, err := fsm.Update([]sm.Entry{{Index: 1}, {Index: 2, Cmd: []byte{1, 2}}})
	require.NoError(t, err)
	require.Equal(t, uint64(RetCInvalidOperation), out[0].Result.Value)
	require.Equal(t, uint64(RetCInternalError), out[1].Result.Value)

	_, err = fsm.Lookup("not a query")
	require.Error(t, err)
}

func TestStateMachineSnapshot(t *testing.T) {
	src := newStateMachine(1, 1)
	var cmds []internal.Command
	for i := 0; i < 2500; i++ {
		cmds = append(cmds, internal.Command{
			Type:  internal.CommandTPut,
			Bean:  fmt.Sprintf("bean-%d", i%3),
			Key:   fmt.Sprintf("key\x00%d", i),
			Value: []byte(fmt.Sprintf("value-%d", i)),
		})
	}
	apply(t, src, cmds...)

	snap, err := src.PrepareSnapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, src.SaveSnapshot(snap, &buf, nil, make(chan struct{})))

	dst := newStateMachine(1, 2)
	apply(t, dst, internal.Command{Type: internal.CommandTPut, Bean: "stale", Key: "x", Value: []byte("x")})
	require.NoError(t, dst.RecoverFromSnapshot(&buf, nil, make(chan struct{})))

	res, err := dst.Lookup(internal.Query{Type: internal.QueryTGet, Bean: "stale", Key: "x"})
	require.NoError(t, err)
	require.False(t, res.(internal.QueryResult).Ok)

	for _, c := range cmds {
		res, err := dst.Lookup(internal.Query{Type: internal.QueryTGet, Bean: c.Bean, Key: c.Key})
		require.NoError(t, err)
		require.Equal(t, c.Value, res.(internal.QueryResult).Value)
	}
}

func TestStateMachineSnapshotStopped(t *testing.T) {
	fsm := newStateMachine(1, 1)
	apply(t, fsm, internal.Command{Type: internal.CommandTPut, Bean: "b", Key: "k", Value: []byte("v")})
	snap, err := fsm.PrepareSnapshot()
	require.NoError(t, err)

	stop := make(chan struct{})
	close(stop)
	err = fsm.SaveSnapshot(snap, &bytes.Buffer{}, nil, stop)
	require.True(t, errors.Is(err, sm.ErrSnapshotStopped))
}

func TestErrorUnwrap(t *testing.T) {
	require.ErrorIs(t, NewError(RetCDuplicate, "x"), persistence.ErrDuplicate)
	require.ErrorIs(t, NewError(RetCNotFound, "x"), persistence.ErrNotFound)
	require.NotErrorIs(t, NewError(RetCInternalError, "x"), persistence.ErrNotFound)
}
