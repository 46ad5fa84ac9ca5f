package container

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/cache"
	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/pool"
	"github.com/ValentinKolb/beanrt/lib/txsync"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("container")

// --------------------------------------------------------------------------
// Contracts
// --------------------------------------------------------------------------

// Env holds the collaborators a container is deployed into. Entity beans
// need both; the other kinds ignore them.
type Env struct {
	// Registry is the transaction entity registry shared by all entity
	// containers of the runtime.
	Registry *txsync.Registry
	// Backend stores entity state.
	Backend persistence.Backend
}

// strategy is the kind specific part of a container.
type strategy interface {
	// invoke runs a business or message operation. key is the zero key for
	// pooled kinds.
	invoke(ctx context.Context, key identity.Key, op Operation, args []any) (any, error)
	// create runs a create operation and returns the new identity.
	create(ctx context.Context, op Operation, args []any) (identity.Key, error)
	// remove destroys the entity or session of key.
	remove(ctx context.Context, key identity.Key) error
	// shutdown releases cached instances.
	shutdown(ctx context.Context)
}

// --------------------------------------------------------------------------
// Container
// --------------------------------------------------------------------------

// Container runs the instances of one deployed bean. It owns the bean's
// pool and, depending on the kind, its lock registry, instance cache and
// persistence manager. All kinds share one dispatch pipeline; the kind
// specific steps are delegated to a strategy.
//
// Thread-safety: all methods are safe for concurrent use.
type Container struct {
	cfg Config
	ops *operations
	env Env

	pool  *pool.InstancePool
	strat strategy

	// entity and stateful beans
	locks *lockmgr.LockRegistry
	cache *cache.InstanceCache

	ent  *entityStrategy   // entity beans only
	pm   *persistence.Manager
	sess *statefulStrategy // stateful beans only

	metrics *containerMetrics
	closed  atomic.Bool
}

// New deploys a bean. factory creates bean objects, ops is the operation
// table. The configuration, the table and the bean type are validated; all
// problems are reported as ConfigError.
func New(cfg Config, factory pool.Factory, ops []Operation, env Env) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, &ConfigError{Bean: cfg.Name, Reason: "missing bean factory"}
	}
	table, err := buildOperations(cfg.Name, cfg.Kind, ops)
	if err != nil {
		return nil, err
	}

	// check the bean type once
	sample, err := factory()
	if err != nil {
		return nil, &ConfigError{Bean: cfg.Name, Reason: "bean factory failed", Err: err}
	}
	if cfg.Kind == KindEntity || cfg.Kind == KindStateful {
		if _, ok := sample.(persistence.State); !ok {
			return nil, &ConfigError{Bean: cfg.Name, Reason: fmt.Sprintf("%T does not implement persistence.State", sample)}
		}
	}

	c := &Container{cfg: cfg, ops: table, env: env}

	rules := instance.SessionRules
	if cfg.Kind == KindEntity {
		rules = instance.EntityRules
	}
	c.pool = pool.NewInstancePool(cfg.Name, factory, rules, cfg.Pool, pool.Hooks{
		Created:   c.setContext,
		Discarded: c.unsetContext,
	})

	switch cfg.Kind {
	case KindEntity:
		if env.Registry == nil || env.Backend == nil {
			return nil, &ConfigError{Bean: cfg.Name, Reason: "entity beans need a transaction registry and a persistence backend"}
		}
		if c.locks, err = lockmgr.NewLockRegistry(cfg.Lock); err != nil {
			return nil, &ConfigError{Bean: cfg.Name, Reason: "locking-policy", Err: err}
		}
		c.pm = persistence.NewManager(cfg.Name, env.Backend)
		c.ent = &entityStrategy{c: c, reg: env.Registry}
		c.strat = c.ent
		c.cache = cache.NewInstanceCache(cfg.Name, c.ent, c.locks, cfg.Cache)

	case KindStateful:
		if c.locks, err = lockmgr.NewLockRegistry(cfg.Lock); err != nil {
			return nil, &ConfigError{Bean: cfg.Name, Reason: "locking-policy", Err: err}
		}
		spool, err := persistence.NewSpool(cfg.SpoolDir)
		if err != nil {
			c.locks.Close()
			return nil, &ConfigError{Bean: cfg.Name, Reason: "spool", Err: err}
		}
		c.sess = &statefulStrategy{c: c, spool: spool}
		c.strat = c.sess
		c.cache = cache.NewInstanceCache(cfg.Name, c.sess, c.locks, cfg.Cache)

	default:
		c.strat = &pooledStrategy{c: c}
	}

	c.metrics = newContainerMetrics(c)
	log.Infof("deployed %s bean %s with operations %v", cfg.Kind, cfg.Name, table.names())
	return c, nil
}

// Name returns the bean name.
func (c *Container) Name() string { return c.cfg.Name }

// Kind returns the bean kind.
func (c *Container) Kind() Kind { return c.cfg.Kind }

// Config returns the configuration the container was deployed with.
func (c *Container) Config() Config { return c.cfg }

// Operations returns the sorted names of all operations.
func (c *Container) Operations() []string { return c.ops.names() }

// Persistence returns the persistence manager of an entity bean, nil for
// other kinds. Finder handlers use it to query the stored state.
func (c *Container) Persistence() *persistence.Manager { return c.pm }

// enter checks that the container is open and serves one of kinds, and
// starts a call chain if ctx carries none.
func (c *Container) enter(ctx context.Context, kinds ...Kind) (context.Context, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	for _, k := range kinds {
		if k == c.cfg.Kind {
			return lockmgr.WithChain(ctx), nil
		}
	}
	return nil, &ConfigError{Bean: c.cfg.Name, Reason: fmt.Sprintf("operation not supported by %s beans", c.cfg.Kind)}
}

// --------------------------------------------------------------------------
// Invocation entry points
// --------------------------------------------------------------------------

// Invoke runs the business operation op on the entity or stateful session
// identified by key.
func (c *Container) Invoke(ctx context.Context, key identity.Key, op string, args ...any) (any, error) {
	ctx, err := c.enter(ctx, KindEntity, KindStateful)
	if err != nil {
		return nil, err
	}
	defer c.metrics.duration.UpdateDuration(time.Now())

	o, err := c.ops.lookup(op, OpBusiness)
	if err != nil {
		return nil, err
	}
	if key.IsZero() {
		return nil, identity.ErrNilIdentity
	}
	return c.strat.invoke(ctx, key, o, args)
}

// Call runs the business operation op on a pooled stateless instance.
func (c *Container) Call(ctx context.Context, op string, args ...any) (any, error) {
	ctx, err := c.enter(ctx, KindStateless)
	if err != nil {
		return nil, err
	}
	defer c.metrics.duration.UpdateDuration(time.Now())

	o, err := c.ops.lookup(op, OpBusiness)
	if err != nil {
		return nil, err
	}
	return c.strat.invoke(ctx, identity.Key{}, o, args)
}

// Deliver hands msg to the message operation of a message-driven bean.
func (c *Container) Deliver(ctx context.Context, msg any) error {
	ctx, err := c.enter(ctx, KindMessageDriven)
	if err != nil {
		return err
	}
	defer c.metrics.duration.UpdateDuration(time.Now())

	o, err := c.ops.lookup(c.ops.message, OpMessage)
	if err != nil {
		return err
	}
	_, err = c.strat.invoke(ctx, identity.Key{}, o, []any{msg})
	return err
}

// Create runs the create operation op. For entity beans the handler returns
// the primary key; for stateful beans a new session identity is assigned.
func (c *Container) Create(ctx context.Context, op string, args ...any) (identity.Key, error) {
	ctx, err := c.enter(ctx, KindEntity, KindStateful)
	if err != nil {
		return identity.Key{}, err
	}
	defer c.metrics.duration.UpdateDuration(time.Now())

	o, err := c.ops.lookup(op, OpCreate)
	if err != nil {
		return identity.Key{}, err
	}
	key, err := c.strat.create(ctx, o, args)
	if err == nil {
		c.metrics.creates.Inc()
	}
	return key, err
}

// Remove destroys the entity or stateful session identified by key.
func (c *Container) Remove(ctx context.Context, key identity.Key) error {
	ctx, err := c.enter(ctx, KindEntity, KindStateful)
	if err != nil {
		return err
	}
	defer c.metrics.duration.UpdateDuration(time.Now())

	if key.IsZero() {
		return identity.ErrNilIdentity
	}
	if err := c.strat.remove(ctx, key); err != nil {
		return err
	}
	c.metrics.removes.Inc()
	return nil
}

// Find runs the single object finder op and returns the identity it found.
func (c *Container) Find(ctx context.Context, op string, args ...any) (identity.Key, error) {
	ctx, err := c.enter(ctx, KindEntity)
	if err != nil {
		return identity.Key{}, err
	}
	o, err := c.ops.lookup(op, OpFind)
	if err != nil {
		return identity.Key{}, err
	}
	return c.ent.find(ctx, o, args)
}

// FindAll runs the collection finder op. Unless SyncOnCommitOnly is set, the
// entities of the caller's transaction are stored first.
func (c *Container) FindAll(ctx context.Context, op string, args ...any) ([]identity.Key, error) {
	ctx, err := c.enter(ctx, KindEntity)
	if err != nil {
		return nil, err
	}
	o, err := c.ops.lookup(op, OpFindCollection)
	if err != nil {
		return nil, err
	}
	return c.ent.findAll(ctx, o, args)
}

// FindByPrimaryKey returns the identity of pk if the entity exists.
func (c *Container) FindByPrimaryKey(ctx context.Context, pk any) (identity.Key, error) {
	ctx, err := c.enter(ctx, KindEntity)
	if err != nil {
		return identity.Key{}, err
	}
	return c.ent.findByPrimaryKey(ctx, pk)
}

// Home runs the home operation op on an anonymous instance.
func (c *Container) Home(ctx context.Context, op string, args ...any) (any, error) {
	ctx, err := c.enter(ctx, KindEntity)
	if err != nil {
		return nil, err
	}
	o, err := c.ops.lookup(op, OpHome)
	if err != nil {
		return nil, err
	}
	return c.anonymous(ctx, o, args)
}

// Evict takes the instance of key out of the cache. An idle instance is
// passivated. An entity instance enlisted in a running transaction is
// dropped from the cache and any later store of it is rejected. It returns
// false if the instance is busy and stays cached.
func (c *Container) Evict(key identity.Key) bool {
	switch {
	case c.ent != nil:
		return c.ent.evict(key)
	case c.cache != nil:
		if c.cache.Evict(key) {
			c.metrics.evictions.Inc()
			return true
		}
		return false
	default:
		return true
	}
}

// --------------------------------------------------------------------------
// Shared steps
// --------------------------------------------------------------------------

// anonymous runs op on a pooled instance without identity.
func (c *Container) anonymous(ctx context.Context, op Operation, args []any) (any, error) {
	inst, err := c.pool.Get(ctx)
	if err != nil {
		return nil, c.fail(ctx, op.Name, err)
	}
	res, err := c.dispatch(ctx, inst, op, args)
	c.recycle(inst, err)
	return res, err
}

// recycle returns an anonymous instance to the pool, or drops it after a
// system error.
func (c *Container) recycle(inst *instance.Instance, err error) {
	if IsSystemError(err) {
		c.pool.Discard(inst)
		return
	}
	c.pool.Free(inst)
}

// fail converts err into a SystemError of op, counts it and marks the
// caller's transaction rollback-only.
func (c *Container) fail(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrLockTimeout) {
		c.metrics.lockTimeouts.Inc()
		return err
	}
	_, err = c.classify(ctx, op, nil, c.systemError(op, err))
	return err
}

func (c *Container) setContext(ctx context.Context, inst *instance.Instance) error {
	if ca, ok := inst.Bean().(ContextAware); ok {
		return c.callback(ctx, inst, instance.PhaseSetContext, "set-context", ca.SetContext)
	}
	return nil
}

func (c *Container) unsetContext(inst *instance.Instance) {
	if ca, ok := inst.Bean().(ContextAware); ok {
		err := c.callback(context.Background(), inst, instance.PhaseUnsetContext, "unset-context", func(ic *Invocation) error {
			ca.UnsetContext(ic)
			return nil
		})
		if err != nil {
			log.Warningf("%v", err)
		}
	}
}

// --------------------------------------------------------------------------
// Resource scope
// --------------------------------------------------------------------------

type scopeKey struct{}

// EnterScope switches the goroutine into the container's resource scope: the
// returned context names the container and the goroutine carries the pprof
// label bean=<name>. The returned function restores the previous labels.
func (c *Container) EnterScope(ctx context.Context) (context.Context, func()) {
	if cur, ok := ScopeOf(ctx); ok && cur == c {
		return ctx, func() {}
	}
	scoped := pprof.WithLabels(context.WithValue(ctx, scopeKey{}, c), pprof.Labels("bean", c.cfg.Name))
	pprof.SetGoroutineLabels(scoped)
	return scoped, func() { pprof.SetGoroutineLabels(ctx) }
}

// ScopeOf returns the container whose scope ctx is in.
func ScopeOf(ctx context.Context) (*Container, bool) {
	c, ok := ctx.Value(scopeKey{}).(*Container)
	return c, ok
}

// --------------------------------------------------------------------------
// Lifecycle and statistics
// --------------------------------------------------------------------------

// Close undeploys the bean. Idle cached instances are passivated, the pool is
// cleared. Instances still enlisted in a transaction are left to it.
func (c *Container) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	c.strat.shutdown(ctx)
	if c.cache != nil {
		c.cache.Close()
	}
	c.pool.Clear()
	if c.locks != nil {
		c.locks.Close()
	}
	log.Infof("undeployed %s", c.cfg.Name)
	return nil
}

// Stats describes the container state.
type Stats struct {
	Name              string             `json:"name"`
	Kind              string             `json:"kind"`
	Invocations       uint64             `json:"invocations"`
	ApplicationErrors uint64             `json:"application_errors"`
	SystemErrors      uint64             `json:"system_errors"`
	LockTimeouts      uint64             `json:"lock_timeouts"`
	Conflicts         uint64             `json:"tx_conflicts"`
	Creates           uint64             `json:"creates"`
	Removes           uint64             `json:"removes"`
	Evictions         uint64             `json:"evictions"`
	Pool              pool.Stats         `json:"pool"`
	Cache             *cache.Stats       `json:"cache,omitempty"`
	Locks             *lockmgr.Stats     `json:"locks,omitempty"`
	Persistence       *persistence.Stats `json:"persistence,omitempty"`
}

// Stats returns a snapshot of the container statistics.
func (c *Container) Stats() Stats {
	s := Stats{
		Name:              c.cfg.Name,
		Kind:              c.cfg.Kind.String(),
		Invocations:       c.metrics.invocations.Get(),
		ApplicationErrors: c.metrics.appErrors.Get(),
		SystemErrors:      c.metrics.sysErrors.Get(),
		LockTimeouts:      c.metrics.lockTimeouts.Get(),
		Conflicts:         c.metrics.conflicts.Get(),
		Creates:           c.metrics.creates.Get(),
		Removes:           c.metrics.removes.Get(),
		Evictions:         c.metrics.evictions.Get(),
		Pool:              c.pool.Stats(),
	}
	if c.cache != nil {
		cs := c.cache.Stats()
		s.Cache = &cs
	}
	if c.locks != nil {
		ls := c.locks.Stats()
		s.Locks = &ls
	}
	if c.pm != nil {
		ps := c.pm.Stats()
		s.Persistence = &ps
	}
	return s
}
