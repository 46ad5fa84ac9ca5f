package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/beanrt/cmd/util"
	"github.com/ValentinKolb/beanrt/lib/container"
	"github.com/ValentinKolb/beanrt/lib/descriptor"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/logging"
	"github.com/ValentinKolb/beanrt/lib/tx"
	"github.com/ValentinKolb/beanrt/lib/txsync"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("run")

var (
	// RunCmd deploys the account bean and drives a transactional workload
	// against it.
	RunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run an account workload against a bean container",
		Long: `Deploys an account entity bean on the selected persistence backend and runs
concurrent transactions that deposit into random pairs of accounts. Afterwards
every balance is checked against the committed deposits; a mismatch is a lost
update and makes the command fail.`,
		PreRunE: processConfig,
		RunE:    run,
	}

	runCfg   container.Config
	workload Workload
)

func init() {
	util.SetupBackendFlags(RunCmd)

	key := "workers"
	RunCmd.Flags().Int(key, 8, util.WrapString("Number of concurrent workers"))

	key = "transactions"
	RunCmd.Flags().Int(key, 200, util.WrapString("Transactions per worker"))

	key = "keys"
	RunCmd.Flags().Int(key, 16, util.WrapString("Number of accounts (at least 2). Fewer accounts mean more contention"))

	key = "retries"
	RunCmd.Flags().Int(key, 10, util.WrapString("How often a transaction is retried after a lock timeout"))

	key = "seed"
	RunCmd.Flags().Int64(key, 1, util.WrapString("Seed of the random account selection"))

	key = "descriptor"
	RunCmd.Flags().String(key, "", util.WrapString("Optional deployment descriptor (JSON with comments); the 'Account' entry configures the bean"))

	key = "locking-policy"
	RunCmd.Flags().String(key, string(lockmgr.PolicyQueuedPessimistic), util.WrapString("Identity lock policy (queued-pessimistic, method-only, no-lock)"))

	key = "lock-timeout"
	RunCmd.Flags().Duration(key, 500*time.Millisecond, util.WrapString("How long a call waits for the identity lock"))

	key = "commit-option"
	RunCmd.Flags().String(key, "A", util.WrapString("What happens to an instance after commit: A keeps it, B reloads it, C passivates it"))

	key = "cache-size"
	RunCmd.Flags().Int(key, 1000, util.WrapString("Maximum number of cached account instances"))

	key = "log-level"
	RunCmd.Flags().String(key, "warn", util.WrapString("Log level (debug, info, warn, error), optionally followed by per-package levels, e.g. 'warn,txsync=debug'. Package levels here win over the descriptor's log-levels"))

	key = "prometheus"
	RunCmd.Flags().Bool(key, false, util.WrapString("Print all metrics in Prometheus text format at the end"))

	key = "json"
	RunCmd.Flags().Bool(key, false, util.WrapString("Print the result and statistics as JSON"))
}

// processConfig reads the flags and environment into the bean configuration
// and the workload.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	levels, err := logging.ParseLevels(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	workload = Workload{
		Workers:      viper.GetInt("workers"),
		Transactions: viper.GetInt("transactions"),
		Keys:         viper.GetInt("keys"),
		Retries:      viper.GetInt("retries"),
		Seed:         viper.GetInt64("seed"),
	}
	if workload.Keys < 2 {
		return fmt.Errorf("keys must be at least 2, got %d", workload.Keys)
	}
	if workload.Workers < 1 || workload.Transactions < 0 {
		return fmt.Errorf("invalid workload %d workers x %d transactions", workload.Workers, workload.Transactions)
	}

	if path := viper.GetString("descriptor"); path != "" {
		d, err := descriptor.Load(path)
		if err != nil {
			return err
		}
		logging.Apply(logging.Levels{Default: levels.Default}.With(d.LogLevels()).With(levels))
		cfg, ok := d.Lookup("Account")
		if !ok {
			return fmt.Errorf("%s does not declare an Account bean", path)
		}
		if cfg.Kind != container.KindEntity {
			return fmt.Errorf("%s: Account must be an entity bean, not %s", path, cfg.Kind)
		}
		runCfg = cfg
		return nil
	}

	logging.Apply(levels)
	runCfg = container.DefaultConfig("Account", container.KindEntity)
	policy, err := lockmgr.ParsePolicy(viper.GetString("locking-policy"))
	if err != nil {
		return err
	}
	runCfg.Lock.Policy = policy
	runCfg.Lock.Timeout = viper.GetDuration("lock-timeout")
	if runCfg.CommitOption, err = container.ParseCommitOption(viper.GetString("commit-option")); err != nil {
		return err
	}
	runCfg.Cache.MaxSize = viper.GetInt("cache-size")
	return runCfg.Validate()
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	backend, backendDesc, err := util.OpenBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	c, reg, err := Deploy(runCfg, backend)
	if err != nil {
		return err
	}
	defer reg.Close()
	defer c.Close(context.Background())

	txm := tx.NewManager()
	runtimeMetrics := newRuntimeMetrics(reg, txm)

	asJSON := viper.GetBool("json")
	if !asJSON {
		fmt.Println("Account workload")
		fmt.Println(runCfg.String())
		fmt.Printf("\nBACKEND\n  %s\n", strings.TrimSpace(backendDesc))
		fmt.Printf("\nWORKLOAD\n  %-22s: %d\n  %-22s: %d\n  %-22s: %d\n\n",
			"Workers", workload.Workers, "Transactions/Worker", workload.Transactions, "Accounts", workload.Keys)
	}

	res, runErr := workload.Run(ctx, c, txm)

	accounts, err := c.FindAll(ctx, "all")
	if err != nil {
		return err
	}

	if asJSON {
		out, err := json.MarshalIndent(struct {
			Result    Result          `json:"result"`
			Accounts  int             `json:"accounts"`
			Container container.Stats `json:"container"`
			Registry  txsync.Stats    `json:"registry"`
		}{res, len(accounts), c.Stats(), reg.Stats()}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		printResult(res, len(accounts), c, reg)
	}

	if viper.GetBool("prometheus") {
		fmt.Println()
		c.WritePrometheus(os.Stdout)
		runtimeMetrics.WritePrometheus(os.Stdout)
	}

	if runErr != nil {
		return runErr
	}
	if res.LostUpdates > 0 {
		return fmt.Errorf("%d accounts lost updates", res.LostUpdates)
	}
	return nil
}

// newRuntimeMetrics exposes the transaction registry and manager.
func newRuntimeMetrics(reg *txsync.Registry, txm *tx.Manager) *metrics.Set {
	set := metrics.NewSet()
	set.NewGauge("beanrt_tx_active", func() float64 { return float64(txm.Active()) })
	set.NewGauge("beanrt_tx_records", func() float64 { return float64(reg.Stats().Records) })
	set.NewGauge("beanrt_tx_syncs_total", func() float64 { return float64(reg.Stats().Syncs) })
	set.NewGauge("beanrt_tx_sync_failures_total", func() float64 { return float64(reg.Stats().Failures) })
	set.NewGauge("beanrt_tx_consistency_violations_total", func() float64 { return float64(reg.Stats().Violations) })
	set.NewGauge("beanrt_tx_sync_batches_total", func() float64 { return float64(reg.Stats().Batches) })
	return set
}

func printResult(res Result, accounts int, c *container.Container, reg *txsync.Registry) {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Result")
	addField("Committed", strconv.FormatInt(res.Committed, 10))
	addField("Rolled Back", strconv.FormatInt(res.RolledBack, 10))
	addField("Lock Timeout Retries", strconv.FormatInt(res.Retries, 10))
	addField("Failed", strconv.FormatInt(res.Failed, 10))
	addField("Duration", res.Duration.Round(time.Millisecond).String())
	addField("Throughput", fmt.Sprintf("%.0f tx/s", res.TxPerSecond()))
	addField("Worker Throughput", fmt.Sprintf("mean %.0f, min %.0f, max %.0f tx/s", res.Throughput.Mean, res.Throughput.Min, res.Throughput.Max))
	addField("Accounts Stored", strconv.Itoa(accounts))
	if res.LostUpdates == 0 {
		addField("Lost Updates", "none")
	} else {
		addField("Lost Updates", strconv.Itoa(res.LostUpdates))
	}

	s := c.Stats()
	addSection("Container")
	addField("Invocations", strconv.FormatUint(s.Invocations, 10))
	addField("Application Errors", strconv.FormatUint(s.ApplicationErrors, 10))
	addField("System Errors", strconv.FormatUint(s.SystemErrors, 10))
	addField("Lock Timeouts", strconv.FormatUint(s.LockTimeouts, 10))
	addField("Tx Conflicts", strconv.FormatUint(s.Conflicts, 10))

	addSection("Pool")
	addField("Free", strconv.Itoa(s.Pool.Free))
	addField("Created", strconv.FormatInt(s.Pool.Created, 10))
	addField("Reused", strconv.FormatInt(s.Pool.Reused, 10))
	addField("Discarded", strconv.FormatInt(s.Pool.Discarded, 10))

	if s.Cache != nil {
		addSection("Cache")
		addField("Size", strconv.Itoa(s.Cache.Size))
		addField("Hits", strconv.FormatInt(s.Cache.Hits, 10))
		addField("Misses", strconv.FormatInt(s.Cache.Misses, 10))
		addField("Activations", strconv.FormatInt(s.Cache.Activations, 10))
		addField("Passivations", strconv.FormatInt(s.Cache.Passivations, 10))
	}
	if s.Locks != nil {
		sb.WriteString("\n")
		sb.WriteString(s.Locks.String())
	}
	if s.Persistence != nil {
		addSection("Persistence")
		addField("Loads", strconv.FormatInt(s.Persistence.Loads, 10))
		addField("Stores", strconv.FormatInt(s.Persistence.Stores, 10))
		addField("Skipped Stores", strconv.FormatInt(s.Persistence.Skipped, 10))
	}

	rs := reg.Stats()
	addSection("Transaction Registry")
	addField("Syncs", strconv.FormatInt(rs.Syncs, 10))
	addField("Sync Failures", strconv.FormatInt(rs.Failures, 10))
	addField("Violations", strconv.FormatInt(rs.Violations, 10))
	addField("Batch Mean", time.Duration(rs.BatchMean).String())
	addField("Batch P99", time.Duration(rs.BatchP99).String())

	fmt.Print(sb.String())
}
