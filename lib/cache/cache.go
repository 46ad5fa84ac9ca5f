package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("cache")

var (
	// ErrNotFound is returned by Get when the identity does not exist.
	ErrNotFound = errors.New("no such entity")
	// ErrAlreadyCached is returned by Insert when another instance is cached
	// under the same identity.
	ErrAlreadyCached = errors.New("cache: identity already cached")
	// ErrNoIdentity is returned by Insert for an instance without identity.
	ErrNoIdentity = errors.New("cache: instance has no identity")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
)

// --------------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------------

// Activator produces and takes back instances on behalf of the cache.
type Activator interface {
	// Activate returns a ready instance for key. It must return an error
	// matching ErrNotFound if the identity does not exist.
	Activate(ctx context.Context, key identity.Key) (*instance.Instance, error)
	// Passivate takes back an instance the cache dropped.
	Passivate(ctx context.Context, inst *instance.Instance) error
}

// Options configures an InstanceCache.
type Options struct {
	// MaxSize is the number of cached instances above which the least
	// recently used ones are passivated. Zero disables the bound.
	MaxSize int
	// MaxIdle passivates instances not used for this long. Zero disables it.
	MaxIdle time.Duration
	// SweepInterval is how often idle instances are looked for.
	SweepInterval time.Duration
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		MaxSize:       1000,
		MaxIdle:       0,
		SweepInterval: time.Second,
	}
}

// --------------------------------------------------------------------------
// Cache
// --------------------------------------------------------------------------

type eventKind uint8

const (
	evTouch eventKind = iota
	evForget
	evBarrier
)

type event struct {
	kind    eventKind
	key     identity.Key
	stamp   int64
	barrier chan struct{}
}

// InstanceCache maps identities to active instances.
//
// Thread-safety: all methods are safe for concurrent use.
type InstanceCache struct {
	name    string
	entries *xsync.MapOf[identity.Key, *instance.Instance]
	owner   Activator
	locks   *lockmgr.LockRegistry
	opts    Options
	events  *util.EventQueue[event]
	closed  atomic.Bool
	done    chan struct{}

	hits         atomic.Int64
	misses       atomic.Int64
	activations  atomic.Int64
	passivations atomic.Int64
	skipped      atomic.Int64
}

// NewInstanceCache creates a cache and starts its maintenance goroutine.
func NewInstanceCache(name string, owner Activator, locks *lockmgr.LockRegistry, opts Options) *InstanceCache {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	c := &InstanceCache{
		name:    name,
		entries: xsync.NewMapOf[identity.Key, *instance.Instance](),
		owner:   owner,
		locks:   locks,
		opts:    opts,
		events:  util.NewEventQueue[event](),
		done:    make(chan struct{}),
	}
	go c.maintain()
	return c
}

// Get returns the cached instance of key, activating it on a miss.
//
// Thread-safety: This method is thread-safe. Concurrent misses for the same
// key activate at most one instance into the cache; the loser's instance is
// handed back to the Activator.
func (c *InstanceCache) Get(ctx context.Context, key identity.Key) (*instance.Instance, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if key.IsZero() {
		return nil, identity.ErrNilIdentity
	}
	if inst, ok := c.entries.Load(key); ok {
		c.hits.Add(1)
		return inst, nil
	}
	c.misses.Add(1)

	inst, err := c.owner.Activate(ctx, key)
	if err != nil {
		return nil, err
	}
	inst.SetKey(key)

	actual, loaded := c.entries.LoadOrStore(key, inst)
	if loaded {
		if err := c.owner.Passivate(ctx, inst); err != nil {
			log.Warningf("cache %s: dropping duplicate activation of %s failed: %v", c.name, key, err)
		}
		return actual, nil
	}
	c.activations.Add(1)
	c.touch(key)
	return inst, nil
}

// Peek returns the cached instance of key without activating.
func (c *InstanceCache) Peek(key identity.Key) (*instance.Instance, bool) {
	return c.entries.Load(key)
}

// Insert adds an instance that already has an identity (e.g. a newly created
// entity). Inserting the same instance twice is a no-op.
func (c *InstanceCache) Insert(inst *instance.Instance) error {
	if c.closed.Load() {
		return ErrClosed
	}
	key := inst.Key()
	if key.IsZero() {
		return ErrNoIdentity
	}
	actual, loaded := c.entries.LoadOrStore(key, inst)
	if loaded && actual != inst {
		return fmt.Errorf("%w: %s", ErrAlreadyCached, key)
	}
	c.touch(key)
	return nil
}

// Release marks the end of a use of inst. It only records the time of use;
// whether and when the instance is passivated is decided in the background.
func (c *InstanceCache) Release(inst *instance.Instance) {
	key := inst.Key()
	if key.IsZero() {
		return
	}
	c.touch(key)
}

// Remove drops key from the cache without passivating it.
func (c *InstanceCache) Remove(key identity.Key) (*instance.Instance, bool) {
	inst, ok := c.entries.LoadAndDelete(key)
	if ok {
		c.events.Push(event{kind: evForget, key: key})
	}
	return inst, ok
}

// IsActive reports whether key is cached.
func (c *InstanceCache) IsActive(key identity.Key) bool {
	_, ok := c.entries.Load(key)
	return ok
}

// Len returns the number of cached instances.
func (c *InstanceCache) Len() int {
	return c.entries.Size()
}

// Range calls fn for every cached instance until fn returns false.
func (c *InstanceCache) Range(fn func(key identity.Key, inst *instance.Instance) bool) {
	c.entries.Range(fn)
}

func (c *InstanceCache) touch(key identity.Key) {
	c.events.Push(event{kind: evTouch, key: key, stamp: time.Now().UnixNano()})
}

// Flush passivates every cached instance that can be passivated right now
// and returns the number left in the cache.
func (c *InstanceCache) Flush(ctx context.Context) int {
	c.entries.Range(func(key identity.Key, _ *instance.Instance) bool {
		if ctx.Err() != nil {
			return false
		}
		c.tryPassivate(key)
		return true
	})
	return c.entries.Size()
}

// Evict passivates the instance of key if it is idle. It returns true if key
// is no longer cached afterwards.
func (c *InstanceCache) Evict(key identity.Key) bool {
	return c.tryPassivate(key)
}

// Sync waits until the maintenance goroutine processed every event pushed
// before the call, including a trim pass.
func (c *InstanceCache) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	if !c.events.Push(event{kind: evBarrier, barrier: ch}) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the maintenance goroutine. Cached instances are left as they
// are; call Flush first to passivate them.
func (c *InstanceCache) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.events.Close()
	<-c.done
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// maintain consumes cache events and passivates instances. It is the only
// goroutine touching the age heap.
func (c *InstanceCache) maintain() {
	defer close(c.done)

	ages := util.NewAgeHeap[identity.Key]()

	var sweep <-chan time.Time
	if c.opts.MaxIdle > 0 {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case ev, ok := <-c.events.Recv():
			if !ok {
				return
			}
			switch ev.kind {
			case evTouch:
				if c.IsActive(ev.key) {
					ages.Touch(ev.key, ev.stamp)
				}
				if c.opts.MaxSize > 0 && c.entries.Size() > c.opts.MaxSize {
					c.trim(ages)
				}
			case evForget:
				ages.Remove(ev.key)
			case evBarrier:
				if c.opts.MaxSize > 0 && c.entries.Size() > c.opts.MaxSize {
					c.trim(ages)
				}
				close(ev.barrier)
			}
		case now := <-sweep:
			c.sweepIdle(ages, now.Add(-c.opts.MaxIdle).UnixNano())
		}
	}
}

// trim passivates least recently used instances until the cache fits MaxSize.
func (c *InstanceCache) trim(ages *util.AgeHeap[identity.Key]) {
	type kept struct {
		key   identity.Key
		stamp int64
	}
	var retry []kept

	for c.entries.Size() > c.opts.MaxSize {
		key, stamp, ok := ages.PopOldest()
		if !ok {
			break
		}
		if !c.tryPassivate(key) {
			retry = append(retry, kept{key, stamp})
		}
	}
	for _, k := range retry {
		ages.Touch(k.key, k.stamp)
	}
}

// sweepIdle passivates instances last used before cutoff.
func (c *InstanceCache) sweepIdle(ages *util.AgeHeap[identity.Key], cutoff int64) {
	var retry []identity.Key
	var stamps []int64

	for {
		key, stamp, ok := ages.Oldest()
		if !ok || stamp >= cutoff {
			break
		}
		ages.PopOldest()
		if !c.tryPassivate(key) {
			retry = append(retry, key)
			stamps = append(stamps, stamp)
		}
	}
	for i, key := range retry {
		ages.Touch(key, stamps[i])
	}
}

// tryPassivate passivates the instance of key if it is safe to do so. It
// returns true if key is no longer cached afterwards.
func (c *InstanceCache) tryPassivate(key identity.Key) bool {
	inst, ok := c.entries.Load(key)
	if !ok {
		return true
	}
	if inst.InUse() || inst.Transaction() != nil {
		c.skipped.Add(1)
		return false
	}

	ctx := lockmgr.NewChain(context.Background())
	h, err := c.locks.TryLock(key, lockmgr.InvocationFrom(ctx))
	if err != nil || h == nil {
		c.skipped.Add(1)
		return false
	}
	defer h.Release()

	if !c.locks.CanEvict(key) || inst.InUse() || inst.Transaction() != nil {
		c.skipped.Add(1)
		return false
	}
	removed := false
	c.entries.Compute(key, func(cur *instance.Instance, loaded bool) (*instance.Instance, bool) {
		if loaded && cur == inst {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if !removed {
		// replaced or removed concurrently
		return !c.IsActive(key)
	}

	if err := c.owner.Passivate(ctx, inst); err != nil {
		log.Warningf("cache %s: passivation of %s failed: %v", c.name, key, err)
	}
	c.passivations.Add(1)
	return true
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats describes the cache state.
type Stats struct {
	Size         int   `json:"size"`
	MaxSize      int   `json:"max_size"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Activations  int64 `json:"activations"`
	Passivations int64 `json:"passivations"`
	Skipped      int64 `json:"skipped"`
}

// Stats returns a snapshot of the cache statistics.
func (c *InstanceCache) Stats() Stats {
	return Stats{
		Size:         c.entries.Size(),
		MaxSize:      c.opts.MaxSize,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Activations:  c.activations.Load(),
		Passivations: c.passivations.Load(),
		Skipped:      c.skipped.Load(),
	}
}
