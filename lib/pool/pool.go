// Package pool keeps anonymous bean instances (no identity, no transaction)
// ready for reuse.
//
// An empty pool allocates a new instance instead of blocking. With Strict set,
// the number of instances handed out at the same time is bounded by MaxSize
// and Get waits up to StrictTimeout for one to come back.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("pool")

var (
	// ErrPoolExhausted is returned by Get in strict mode when no instance
	// became available in time.
	ErrPoolExhausted = errors.New("pool: exhausted")
)

// Options configures an InstancePool.
type Options struct {
	// MaxSize is the number of free instances kept for reuse.
	MaxSize int
	// Strict bounds the number of instances in use to MaxSize.
	Strict bool
	// StrictTimeout bounds the wait in strict mode. Zero waits until ctx ends.
	StrictTimeout time.Duration
}

// DefaultOptions returns the default pool options.
func DefaultOptions() Options {
	return Options{MaxSize: 100, StrictTimeout: 10 * time.Second}
}

// Hooks are called when instances enter or leave the pool's management.
type Hooks struct {
	// Created runs once for every new instance. An error drops the instance.
	Created func(ctx context.Context, inst *instance.Instance) error
	// Discarded runs once for every instance that is dropped.
	Discarded func(inst *instance.Instance)
}

// Factory creates a new bean object.
type Factory func() (any, error)

// InstancePool is a free list of anonymous instances.
//
// Thread-safety: all methods are safe for concurrent use.
type InstancePool struct {
	name    string
	factory Factory
	rules   instance.Allowed
	opts    Options
	hooks   Hooks

	mu      sync.Mutex
	free    []*instance.Instance
	permits chan struct{}

	serial    atomic.Uint64
	created   atomic.Int64
	reused    atomic.Int64
	discarded atomic.Int64
}

// NewInstancePool creates a pool. name is used in log messages.
func NewInstancePool(name string, factory Factory, rules instance.Allowed, opts Options, hooks Hooks) *InstancePool {
	if opts.MaxSize < 0 {
		opts.MaxSize = 0
	}
	p := &InstancePool{
		name:    name,
		factory: factory,
		rules:   rules,
		opts:    opts,
		hooks:   hooks,
	}
	if opts.Strict && opts.MaxSize > 0 {
		p.permits = make(chan struct{}, opts.MaxSize)
	}
	return p
}

// Get returns a free instance or creates a new one.
func (p *InstancePool) Get(ctx context.Context) (*instance.Instance, error) {
	if err := p.acquirePermit(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if n := len(p.free); n > 0 {
		inst := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		p.reused.Add(1)
		return inst, nil
	}
	p.mu.Unlock()

	inst, err := p.create(ctx)
	if err != nil {
		p.releasePermit()
		return nil, err
	}
	return inst, nil
}

func (p *InstancePool) create(ctx context.Context) (*instance.Instance, error) {
	bean, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("pool %s: create bean: %w", p.name, err)
	}
	inst := instance.New(p.serial.Add(1), bean, p.rules)
	if p.hooks.Created != nil {
		if err := p.hooks.Created(ctx, inst); err != nil {
			return nil, fmt.Errorf("pool %s: init instance: %w", p.name, err)
		}
	}
	p.created.Add(1)
	return inst, nil
}

// Free clears the instance and keeps it for reuse, or discards it if the
// pool is full.
func (p *InstancePool) Free(inst *instance.Instance) {
	if inst == nil {
		return
	}
	inst.Reset()

	p.mu.Lock()
	if len(p.free) < p.opts.MaxSize {
		p.free = append(p.free, inst)
		p.mu.Unlock()
		p.releasePermit()
		return
	}
	p.mu.Unlock()

	p.drop(inst)
	p.releasePermit()
}

// Discard drops an instance that must not be reused, e.g. after a system error.
func (p *InstancePool) Discard(inst *instance.Instance) {
	if inst == nil {
		return
	}
	p.drop(inst)
	p.releasePermit()
}

func (p *InstancePool) drop(inst *instance.Instance) {
	p.discarded.Add(1)
	if p.hooks.Discarded != nil {
		p.hooks.Discarded(inst)
	}
	log.Debugf("pool %s discarded %s", p.name, inst)
}

// Clear discards all free instances.
func (p *InstancePool) Clear() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, inst := range free {
		p.drop(inst)
	}
}

// Size returns the number of free instances.
func (p *InstancePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// MaxSize returns the maximum number of free instances.
func (p *InstancePool) MaxSize() int {
	return p.opts.MaxSize
}

// --------------------------------------------------------------------------
// Strict mode
// --------------------------------------------------------------------------

func (p *InstancePool) acquirePermit(ctx context.Context) error {
	if p.permits == nil {
		return nil
	}
	select {
	case p.permits <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if p.opts.StrictTimeout > 0 {
		timer := time.NewTimer(p.opts.StrictTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case p.permits <- struct{}{}:
		return nil
	case <-expired:
		return fmt.Errorf("%w: %s after %s", ErrPoolExhausted, p.name, p.opts.StrictTimeout)
	case <-ctx.Done():
		return fmt.Errorf("pool %s: %w", p.name, ctx.Err())
	}
}

func (p *InstancePool) releasePermit() {
	if p.permits == nil {
		return
	}
	select {
	case <-p.permits:
	default:
		log.Errorf("pool %s released more instances than it handed out", p.name)
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats describes the pool state.
type Stats struct {
	Free      int   `json:"free"`
	MaxSize   int   `json:"max_size"`
	Created   int64 `json:"created"`
	Reused    int64 `json:"reused"`
	Discarded int64 `json:"discarded"`
}

// Stats returns a snapshot of the pool statistics.
func (p *InstancePool) Stats() Stats {
	return Stats{
		Free:      p.Size(),
		MaxSize:   p.opts.MaxSize,
		Created:   p.created.Load(),
		Reused:    p.reused.Load(),
		Discarded: p.discarded.Load(),
	}
}
