package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("lockmgr")

// --------------------------------------------------------------------------
// Lock Registry
// --------------------------------------------------------------------------

// partition is one shard of the registry
type partition struct {
	mu    sync.Mutex
	locks map[identity.Key]ILock
}

// LockRegistry maps identities to their lock objects.
type LockRegistry struct {
	opts       Options
	seed       uint64
	partitions []partition

	waits      gometrics.Timer
	created    atomic.Int64
	removed    atomic.Int64
	underflows atomic.Int64
}

// NewLockRegistry creates a registry. It fails with ErrUnknownPolicy if
// opts.Policy is invalid.
func NewLockRegistry(opts Options) (*LockRegistry, error) {
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	opts.Policy = policy
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultOptions().Partitions
	}

	r := &LockRegistry{
		opts:       opts,
		seed:       util.GenerateSeed(),
		partitions: make([]partition, opts.Partitions),
		waits:      gometrics.NewTimer(),
	}
	for i := range r.partitions {
		r.partitions[i].locks = make(map[identity.Key]ILock)
	}
	return r, nil
}

// Close stops the wait timer. The registry stays usable but no longer records
// wait statistics.
func (r *LockRegistry) Close() {
	r.waits.Stop()
}

// Options returns the options the registry was created with.
func (r *LockRegistry) Options() Options {
	return r.opts
}

func (r *LockRegistry) partitionOf(key identity.Key) *partition {
	return &r.partitions[util.Partition(key.Hash(), r.seed, len(r.partitions))]
}

// AcquireRef returns the lock of key, creating it if needed, and increments
// its reference count. Every successful call must be paired with ReleaseRef.
//
// Thread-safety: This method is thread-safe.
func (r *LockRegistry) AcquireRef(key identity.Key) (ILock, error) {
	if key.IsZero() {
		return nil, identity.ErrNilIdentity
	}
	p := r.partitionOf(key)

	p.mu.Lock()
	if l, ok := p.locks[key]; ok {
		l.AddRef()
		p.mu.Unlock()
		return l, nil
	}
	p.mu.Unlock()

	candidate := newLock(key, r.opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[key]; ok {
		l.AddRef()
		return l, nil
	}
	p.locks[key] = candidate
	candidate.AddRef()
	r.created.Add(1)
	return candidate, nil
}

// ReleaseRef decrements the reference count of key's lock and drops the lock
// at zero. Releasing an unknown identity does nothing.
//
// Thread-safety: This method is thread-safe.
func (r *LockRegistry) ReleaseRef(key identity.Key) {
	if key.IsZero() {
		return
	}
	p := r.partitionOf(key)

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[key]
	if !ok {
		return
	}
	n := l.RemoveRef()
	if n < 0 {
		r.underflows.Add(1)
		log.Errorf("lock ref count underflow for %s (refs=%d), this is a container defect", key, n)
	}
	if n <= 0 {
		delete(p.locks, key)
		r.removed.Add(1)
	}
}

// CanEvict reports whether the instance of key may be passivated: nobody but
// the caller references its lock.
func (r *LockRegistry) CanEvict(key identity.Key) bool {
	p := r.partitionOf(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[key]
	return !ok || l.Refs() <= 1
}

// Peek returns the lock of key without taking a reference.
func (r *LockRegistry) Peek(key identity.Key) (ILock, bool) {
	p := r.partitionOf(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	return l, ok
}

// Len returns the number of locks currently registered.
func (r *LockRegistry) Len() int {
	n := 0
	for i := range r.partitions {
		p := &r.partitions[i]
		p.mu.Lock()
		n += len(p.locks)
		p.mu.Unlock()
	}
	return n
}

// --------------------------------------------------------------------------
// Scoped Handles
// --------------------------------------------------------------------------

// Handle is a reference on a lock that is released exactly once.
type Handle struct {
	reg    *LockRegistry
	lock   ILock
	inv    Invocation
	synced bool
	done   atomic.Bool
}

// Ref takes a reference on key's lock without synchronizing on it.
func (r *LockRegistry) Ref(key identity.Key) (*Handle, error) {
	l, err := r.AcquireRef(key)
	if err != nil {
		return nil, err
	}
	return &Handle{reg: r, lock: l}, nil
}

// Lock takes a reference on key's lock and synchronizes inv on it. On error no
// reference is kept.
func (r *LockRegistry) Lock(ctx context.Context, key identity.Key, inv Invocation) (*Handle, error) {
	l, err := r.AcquireRef(key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = l.Sync(ctx, inv)
	r.waits.UpdateSince(start)
	if err != nil {
		r.ReleaseRef(key)
		return nil, err
	}
	return &Handle{reg: r, lock: l, inv: inv, synced: true}, nil
}

// TryLock is Lock without waiting. It returns nil, nil if the lock is busy.
func (r *LockRegistry) TryLock(key identity.Key, inv Invocation) (*Handle, error) {
	l, err := r.AcquireRef(key)
	if err != nil {
		return nil, err
	}
	ok, err := l.TrySync(inv)
	if err != nil || !ok {
		r.ReleaseRef(key)
		return nil, err
	}
	return &Handle{reg: r, lock: l, inv: inv, synced: true}, nil
}

// Lock returns the lock the handle refers to.
func (h *Handle) Lock() ILock {
	return h.lock
}

// Release ends the synchronization (if any) and drops the reference. Further
// calls do nothing.
func (h *Handle) Release() {
	if h == nil || !h.done.CompareAndSwap(false, true) {
		return
	}
	if h.synced {
		h.lock.ReleaseSync(h.inv)
	}
	h.reg.ReleaseRef(h.lock.Key())
}

// With runs fn while holding key's lock.
func (r *LockRegistry) With(ctx context.Context, key identity.Key, fn func(l ILock) error) error {
	h, err := r.Lock(ctx, key, InvocationFrom(ctx))
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Lock())
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats describes the registry state.
type Stats struct {
	Locks        int                    `json:"locks"`
	Created      int64                  `json:"created"`
	Removed      int64                  `json:"removed"`
	Underflows   int64                  `json:"underflows"`
	Waits        int64                  `json:"waits"`
	WaitMean     time.Duration          `json:"wait_mean"`
	WaitP99      time.Duration          `json:"wait_p99"`
	Distribution util.DistributionStats `json:"partition_distribution"`
}

// Stats returns a snapshot of the registry statistics.
func (r *LockRegistry) Stats() Stats {
	sizes := make([]float64, len(r.partitions))
	total := 0
	for i := range r.partitions {
		p := &r.partitions[i]
		p.mu.Lock()
		sizes[i] = float64(len(p.locks))
		total += len(p.locks)
		p.mu.Unlock()
	}

	snap := r.waits.Snapshot()
	return Stats{
		Locks:        total,
		Created:      r.created.Load(),
		Removed:      r.removed.Load(),
		Underflows:   r.underflows.Load(),
		Waits:        snap.Count(),
		WaitMean:     time.Duration(snap.Mean()),
		WaitP99:      time.Duration(snap.Percentile(0.99)),
		Distribution: util.NewDistributionStats(sizes),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("locks=%d created=%d removed=%d underflows=%d waits=%d mean=%s p99=%s quality=%.2f",
		s.Locks, s.Created, s.Removed, s.Underflows, s.Waits, s.WaitMean, s.WaitP99, s.Distribution.DistributionQuality)
}
