package container

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// containerMetrics are the Prometheus style metrics of one container.
type containerMetrics struct {
	set *metrics.Set

	invocations  *metrics.Counter
	appErrors    *metrics.Counter
	sysErrors    *metrics.Counter
	lockTimeouts *metrics.Counter
	conflicts    *metrics.Counter
	creates      *metrics.Counter
	removes      *metrics.Counter
	evictions    *metrics.Counter
	rollbacks    *metrics.Counter
	duration     *metrics.Histogram
}

func newContainerMetrics(c *Container) *containerMetrics {
	set := metrics.NewSet()
	labels := fmt.Sprintf(`{bean=%q,kind=%q}`, c.cfg.Name, c.cfg.Kind)
	name := func(metric string) string { return "beanrt_" + metric + labels }

	m := &containerMetrics{
		set:          set,
		invocations:  set.NewCounter(name("invocations_total")),
		appErrors:    set.NewCounter(name("application_errors_total")),
		sysErrors:    set.NewCounter(name("system_errors_total")),
		lockTimeouts: set.NewCounter(name("lock_timeouts_total")),
		conflicts:    set.NewCounter(name("tx_conflicts_total")),
		creates:      set.NewCounter(name("creates_total")),
		removes:      set.NewCounter(name("removes_total")),
		evictions:    set.NewCounter(name("evictions_total")),
		rollbacks:    set.NewCounter(name("rolled_back_instances_total")),
		duration:     set.NewHistogram(name("invocation_duration_seconds")),
	}

	set.NewGauge(name("pool_free"), func() float64 { return float64(c.pool.Size()) })
	set.NewGauge(name("pool_max_size"), func() float64 { return float64(c.pool.MaxSize()) })

	if c.cache != nil {
		set.NewGauge(name("cache_size"), func() float64 { return float64(c.cache.Len()) })
		set.NewGauge(name("cache_hits"), func() float64 { return float64(c.cache.Stats().Hits) })
		set.NewGauge(name("cache_misses"), func() float64 { return float64(c.cache.Stats().Misses) })
		set.NewGauge(name("cache_activations"), func() float64 { return float64(c.cache.Stats().Activations) })
		set.NewGauge(name("cache_passivations"), func() float64 { return float64(c.cache.Stats().Passivations) })
	}
	if c.locks != nil {
		set.NewGauge(name("locks"), func() float64 { return float64(c.locks.Len()) })
	}
	if c.pm != nil {
		set.NewGauge(name("persistence_loads"), func() float64 { return float64(c.pm.Stats().Loads) })
		set.NewGauge(name("persistence_stores"), func() float64 { return float64(c.pm.Stats().Stores) })
		set.NewGauge(name("persistence_skipped_stores"), func() float64 { return float64(c.pm.Stats().Skipped) })
	}
	return m
}

// WritePrometheus writes the container metrics in Prometheus text format.
func (c *Container) WritePrometheus(w io.Writer) {
	c.metrics.set.WritePrometheus(w)
}
