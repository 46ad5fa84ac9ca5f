package run

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/ValentinKolb/beanrt/lib/container"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/persistence/memstore"
	"github.com/ValentinKolb/beanrt/lib/tx"
	"github.com/stretchr/testify/require"
)

func deploy(t *testing.T, mutate func(*container.Config)) *container.Container {
	t.Helper()
	cfg := container.DefaultConfig("Account", container.KindEntity)
	cfg.Lock.Timeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	backend := memstore.NewMemoryBackend()
	c, reg, err := Deploy(cfg, backend)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close(context.Background()))
		reg.Close()
	})
	return c
}

func TestWorkloadHasNoLostUpdates(t *testing.T) {
	for _, opt := range []container.CommitOption{container.CommitA, container.CommitB, container.CommitC} {
		t.Run(opt.String(), func(t *testing.T) {
			c := deploy(t, func(cfg *container.Config) { cfg.CommitOption = opt })
			w := Workload{Workers: 4, Transactions: 25, Keys: 5, Retries: 20, Seed: 7}

			res, err := w.Run(context.Background(), c, tx.NewManager())
			require.NoError(t, err)
			require.Zero(t, res.LostUpdates)
			require.Zero(t, res.Failed)
			require.EqualValues(t, w.Workers*w.Transactions, res.Committed)
			require.Positive(t, res.TxPerSecond())

			keys, err := c.FindAll(context.Background(), "all")
			require.NoError(t, err)
			require.Len(t, keys, w.Keys)
		})
	}
}

func TestPrepareKeepsExistingAccounts(t *testing.T) {
	c := deploy(t, nil)
	ctx := context.Background()
	w := Workload{Workers: 2, Transactions: 10, Keys: 3, Retries: 20, Seed: 1}

	_, err := w.Run(ctx, c, tx.NewManager())
	require.NoError(t, err)

	balances, err := w.Prepare(ctx, c)
	require.NoError(t, err)
	var total int64
	for _, b := range balances {
		total += b
	}
	// every committed transfer deposits into two accounts
	require.EqualValues(t, 2*w.Workers*w.Transactions, total)
}

func TestWorkloadMethodOnlyLocking(t *testing.T) {
	c := deploy(t, func(cfg *container.Config) { cfg.Lock.Policy = lockmgr.PolicyMethodOnly })
	w := Workload{Workers: 3, Transactions: 20, Keys: 4, Retries: 20, Seed: 3}

	res, err := w.Run(context.Background(), c, tx.NewManager())
	require.NoError(t, err)
	require.Zero(t, res.LostUpdates)
}

func TestPickOrdersKeys(t *testing.T) {
	w := Workload{Keys: 5}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		a, b := w.pick(rng)
		require.Less(t, a, b)
		require.GreaterOrEqual(t, a, 0)
		require.Less(t, b, w.Keys)
	}
}
