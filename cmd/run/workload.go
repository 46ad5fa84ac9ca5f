package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/container"
	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/tx"
	"github.com/ValentinKolb/beanrt/lib/txsync"
	"github.com/ValentinKolb/beanrt/lib/util"
)

// --------------------------------------------------------------------------
// Account bean
// --------------------------------------------------------------------------

// account is the entity bean the workload runs against.
type account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

func (a *account) MarshalState() ([]byte, error)   { return json.Marshal(a) }
func (a *account) UnmarshalState(data []byte) error { return json.Unmarshal(data, a) }
func (a *account) Reset()                           { *a = account{} }

func newAccount() (any, error) { return &account{}, nil }

func accountOperations() []container.Operation {
	return []container.Operation{
		container.Create("open", func(ic *container.Invocation, args []any) (any, error) {
			a := ic.Bean().(*account)
			a.ID = args[0].(string)
			return a.ID, nil
		}, nil),
		container.Business("deposit", func(ic *container.Invocation, args []any) (any, error) {
			a := ic.Bean().(*account)
			a.Balance += args[0].(int64)
			return a.Balance, nil
		}),
		container.Business("balance", func(ic *container.Invocation, _ []any) (any, error) {
			return ic.Bean().(*account).Balance, nil
		}),
		container.FindCollection("all", func(ic *container.Invocation, _ []any) (any, error) {
			home, err := ic.Home()
			if err != nil {
				return nil, err
			}
			keys, err := home.Persistence().Keys(ic.Context())
			if err != nil {
				return nil, container.Fail(err)
			}
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = k.String()
			}
			return out, nil
		}),
	}
}

// --------------------------------------------------------------------------
// Workload
// --------------------------------------------------------------------------

// Workload describes a run: Workers goroutines each commit Transactions
// transactions. Every transaction deposits one unit into two distinct
// accounts out of Keys.
type Workload struct {
	Workers      int
	Transactions int
	Keys         int
	Retries      int
	Seed         int64
}

// Result summarizes a run.
type Result struct {
	Committed   int64         `json:"committed"`
	RolledBack  int64         `json:"rolled_back"`
	Retries     int64         `json:"retries"`
	Failed      int64         `json:"failed"`
	Duration    time.Duration `json:"duration"`
	LostUpdates int           `json:"lost_updates"`
	// Throughput is the distribution of committed transactions per second
	// over the workers.
	Throughput util.Stats `json:"throughput"`
}

// TxPerSecond returns the overall commit rate.
func (r Result) TxPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Committed) / r.Duration.Seconds()
}

func accountID(i int) string { return fmt.Sprintf("acc-%05d", i) }

// Prepare creates the accounts that do not exist yet and returns the
// current balance of every account.
func (w Workload) Prepare(ctx context.Context, c *container.Container) ([]int64, error) {
	balances := make([]int64, w.Keys)
	for i := range balances {
		id := accountID(i)
		key, err := c.FindByPrimaryKey(ctx, id)
		switch {
		case errors.Is(err, container.ErrObjectNotFound):
			if key, err = c.Create(ctx, "open", id); err != nil {
				return nil, fmt.Errorf("create %s: %w", id, err)
			}
		case err != nil:
			return nil, err
		}
		res, err := c.Invoke(ctx, key, "balance")
		if err != nil {
			return nil, err
		}
		balances[i] = res.(int64)
	}
	return balances, nil
}

// Run executes the workload and verifies that no committed deposit was lost.
func (w Workload) Run(ctx context.Context, c *container.Container, txm *tx.Manager) (Result, error) {
	initial, err := w.Prepare(ctx, c)
	if err != nil {
		return Result{}, err
	}

	var res Result
	expected := make([]atomic.Int64, w.Keys)
	rates := make([]float64, w.Workers)

	var wg sync.WaitGroup
	start := time.Now()
	for worker := 0; worker < w.Workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(w.Seed + int64(worker)))
			began := time.Now()
			var committed int

			for i := 0; i < w.Transactions && ctx.Err() == nil; i++ {
				a, b := w.pick(rng)
				if w.transfer(ctx, c, txm, a, b, &res) {
					expected[a].Add(1)
					expected[b].Add(1)
					committed++
				}
			}
			if d := time.Since(began).Seconds(); d > 0 {
				rates[worker] = float64(committed) / d
			}
		}(worker)
	}
	wg.Wait()
	res.Duration = time.Since(start)
	res.Throughput = util.NewStats(rates)

	// verify against a fresh read of every account
	for i := 0; i < w.Keys; i++ {
		key := identity.MustNew(accountID(i))
		c.Evict(key)
		got, err := c.Invoke(ctx, key, "balance")
		if err != nil {
			return res, err
		}
		if want := initial[i] + expected[i].Load(); got.(int64) != want {
			log.Errorf("lost update on %s: balance %d, expected %d", key, got, want)
			res.LostUpdates++
		}
	}
	return res, ctx.Err()
}

// pick returns two distinct account indexes in ascending order, so that
// every transaction locks in the same order.
func (w Workload) pick(rng *rand.Rand) (int, int) {
	a := rng.Intn(w.Keys)
	b := rng.Intn(w.Keys - 1)
	if b >= a {
		b++
	}
	if a > b {
		a, b = b, a
	}
	return a, b
}

// transfer runs one transaction and retries it after lock timeouts.
func (w Workload) transfer(ctx context.Context, c *container.Container, txm *tx.Manager, a, b int, res *Result) bool {
	for attempt := 0; attempt <= w.Retries; attempt++ {
		err := txm.Run(ctx, func(ctx context.Context) error {
			for _, i := range []int{a, b} {
				if _, err := c.Invoke(ctx, identity.MustNew(accountID(i)), "deposit", int64(1)); err != nil {
					return err
				}
			}
			return nil
		})
		switch {
		case err == nil:
			atomic.AddInt64(&res.Committed, 1)
			return true
		case errors.Is(err, container.ErrLockTimeout):
			atomic.AddInt64(&res.RolledBack, 1)
			atomic.AddInt64(&res.Retries, 1)
		default:
			atomic.AddInt64(&res.RolledBack, 1)
			log.Warningf("transaction on %s/%s failed: %v", accountID(a), accountID(b), err)
			atomic.AddInt64(&res.Failed, 1)
			return false
		}
	}
	atomic.AddInt64(&res.Failed, 1)
	return false
}

// Deploy deploys the account bean into a new runtime.
func Deploy(cfg container.Config, backend persistence.Backend) (*container.Container, *txsync.Registry, error) {
	reg := txsync.NewRegistry()
	c, err := container.New(cfg, newAccount, accountOperations(), container.Env{Registry: reg, Backend: backend})
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	return c, reg, nil
}
