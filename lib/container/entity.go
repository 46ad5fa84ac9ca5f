package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/beanrt/lib/cache"
	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/tx"
	"github.com/ValentinKolb/beanrt/lib/txsync"
)

// entityStrategy implements entity beans: identity locks, the instance
// cache and transaction scoped synchronization through the registry.
type entityStrategy struct {
	c   *Container
	reg *txsync.Registry
}

var (
	_ strategy         = (*entityStrategy)(nil)
	_ cache.Activator  = (*entityStrategy)(nil)
	_ txsync.Container = (*entityStrategy)(nil)
)

// --------------------------------------------------------------------------
// Invocation pipeline
// --------------------------------------------------------------------------

// enter acquires the identity lock of key, gets the instance from the cache
// and associates it with the caller's transaction. On success the caller
// must release the returned handle.
func (s *entityStrategy) enter(ctx context.Context, key identity.Key, op string) (*lockmgr.Handle, *instance.Instance, error) {
	c := s.c

	h, err := c.locks.Lock(ctx, key, lockmgr.InvocationFrom(ctx))
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			c.metrics.lockTimeouts.Inc()
		}
		return nil, nil, err
	}

	inst, err := c.cache.Get(ctx, key)
	if err != nil {
		h.Release()
		if errors.Is(err, ErrNoSuchEntity) {
			return nil, nil, err
		}
		return nil, nil, c.fail(ctx, op, err)
	}

	if err := s.associate(ctx, key, inst); err != nil {
		h.Release()
		return nil, nil, err
	}
	if !inst.Valid() {
		if err := s.load(ctx, inst); err != nil {
			h.Release()
			s.discard(inst)
			return nil, nil, c.fail(ctx, op, err)
		}
	}
	if err := s.schedule(ctx, inst); err != nil {
		h.Release()
		return nil, nil, c.fail(ctx, op, err)
	}
	return h, inst, nil
}

// associate enlists inst in the caller's transaction. The transaction keeps
// a reference on the identity lock until it completes.
func (s *entityStrategy) associate(ctx context.Context, key identity.Key, inst *instance.Instance) error {
	c := s.c
	t := tx.FromContext(ctx)
	cur := inst.Transaction()

	switch {
	case t == nil && cur == nil:
		return nil
	case cur != nil && tx.Same(cur, t):
		return nil
	case cur != nil:
		c.metrics.conflicts.Inc()
		return fmt.Errorf("%w: %s %s is enlisted in tx %s", ErrTransactionConflict, c.cfg.Name, key, cur.ID())
	}

	ref, err := c.locks.Ref(key)
	if err != nil {
		return err
	}
	ref.Lock().SetTransaction(t)
	inst.SetTransaction(t)
	inst.BindTxRelease(func() {
		ref.Lock().EndTransaction(t)
		ref.Release()
	})
	return nil
}

// dissociate undoes associate for an instance that never reached the
// transaction record.
func (s *entityStrategy) dissociate(inst *instance.Instance) {
	inst.SetTransaction(nil)
	if release := inst.TakeTxRelease(); release != nil {
		release()
	}
}

// schedule registers inst for synchronization with the caller's transaction.
func (s *entityStrategy) schedule(ctx context.Context, inst *instance.Instance) error {
	t := tx.FromContext(ctx)
	if t == nil {
		return nil
	}
	if err := s.reg.ScheduleSync(ctx, t, inst, s); err != nil {
		if inst.Association() == instance.AssocNone {
			s.dissociate(inst)
		}
		return err
	}
	return nil
}

func (s *entityStrategy) invoke(ctx context.Context, key identity.Key, op Operation, args []any) (any, error) {
	h, inst, err := s.enter(ctx, key, op.Name)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	res, err := s.c.dispatch(ctx, inst, op, args)
	if IsSystemError(err) {
		s.discard(inst)
		return nil, err
	}
	if serr := s.finish(ctx, inst, op.Name); serr != nil {
		return nil, serr
	}
	return res, err
}

// finish ends a call on inst. Inside a transaction the store is deferred to
// the transaction's completion. Without one the call is its own unit of work
// and the instance is stored right away.
func (s *entityStrategy) finish(ctx context.Context, inst *instance.Instance, op string) error {
	c := s.c
	if inst.Transaction() != nil {
		c.cache.Release(inst)
		return nil
	}
	if inst.HasIdentity() {
		if err := s.InvokeStoreCallback(ctx, inst); err != nil {
			s.discard(inst)
			return c.fail(ctx, op, err)
		}
		if err := s.StoreEntity(ctx, inst); err != nil {
			s.discard(inst)
			return c.fail(ctx, op, err)
		}
	}
	switch c.cfg.CommitOption {
	case CommitB:
		inst.SetValid(false)
	case CommitC:
		// the identity lock is still held by the caller
		if s.uncache(inst.Key(), inst) {
			s.passivate(ctx, inst)
		}
		return nil
	}
	c.cache.Release(inst)
	return nil
}

// discard drops an instance after a system error. An enlisted instance is
// dropped when its transaction rolled back.
func (s *entityStrategy) discard(inst *instance.Instance) {
	if inst.Transaction() != nil {
		return
	}
	s.uncache(inst.Key(), inst)
	s.c.pm.Invalidate(inst)
	s.c.pool.Discard(inst)
}

// uncache removes key from the cache if inst is the cached instance.
func (s *entityStrategy) uncache(key identity.Key, inst *instance.Instance) bool {
	if key.IsZero() {
		return false
	}
	if cur, ok := s.c.cache.Peek(key); ok && cur == inst {
		s.c.cache.Remove(key)
		return true
	}
	return false
}

// load reads the state of inst and runs the load callback.
func (s *entityStrategy) load(ctx context.Context, inst *instance.Instance) error {
	c := s.c
	if err := c.pm.Load(ctx, inst); err != nil {
		return err
	}
	if l, ok := inst.Bean().(Loadable); ok {
		if err := c.callback(ctx, inst, instance.PhaseLoad, "load", l.Load); err != nil {
			return err
		}
	}
	inst.SetValid(true)
	return nil
}

// --------------------------------------------------------------------------
// Create, find, remove
// --------------------------------------------------------------------------

func (s *entityStrategy) create(ctx context.Context, op Operation, args []any) (identity.Key, error) {
	c := s.c

	inst, err := c.pool.Get(ctx)
	if err != nil {
		return identity.Key{}, c.fail(ctx, op.Name, err)
	}
	inst.SetAssociation(instance.AssocNotReady)

	res, err := c.dispatch(ctx, inst, op, args)
	if err != nil {
		c.recycle(inst, err)
		return identity.Key{}, err
	}
	key, err := identity.New(res)
	if err != nil {
		c.pool.Discard(inst)
		return identity.Key{}, c.fail(ctx, op.Name, fmt.Errorf("create returned an invalid primary key: %w", err))
	}

	h, err := c.locks.Lock(ctx, key, lockmgr.InvocationFrom(ctx))
	if err != nil {
		c.pool.Free(inst)
		return identity.Key{}, c.fail(ctx, op.Name, err)
	}
	defer h.Release()

	if err := c.pm.Create(ctx, key, inst); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			c.pool.Free(inst)
			c.metrics.appErrors.Inc()
			return identity.Key{}, &ApplicationError{Bean: c.cfg.Name, Op: op.Name, Err: err}
		}
		c.pool.Discard(inst)
		return identity.Key{}, c.fail(ctx, op.Name, err)
	}
	inst.SetKey(key)
	inst.SetValid(true)

	if err := c.cache.Insert(inst); err != nil {
		s.undoCreate(ctx, inst)
		return identity.Key{}, c.fail(ctx, op.Name, err)
	}
	if err := s.associate(ctx, key, inst); err != nil {
		s.undoCreate(ctx, inst)
		return identity.Key{}, err
	}

	var postErr error
	if op.PostCreate != nil {
		inst.Use()
		_, postErr = c.run(ctx, inst, instance.PhasePostCreate, op.Name, func(ic *Invocation) (any, error) {
			return op.PostCreate(ic, args)
		})
		inst.Unuse()
		if _, postErr = c.classify(ctx, op.Name, nil, postErr); IsSystemError(postErr) {
			s.undoCreate(ctx, inst)
			return identity.Key{}, postErr
		}
	}

	inst.CompareAndSetAssociation(instance.AssocNotReady, instance.AssocNone)
	if err := s.schedule(ctx, inst); err != nil {
		return key, c.fail(ctx, op.Name, err)
	}
	if err := s.finish(ctx, inst, op.Name); err != nil {
		return key, err
	}
	return key, postErr
}

// undoCreate deletes a half created entity. The identity lock is held.
func (s *entityStrategy) undoCreate(ctx context.Context, inst *instance.Instance) {
	c := s.c
	key := inst.Key()
	s.uncache(key, inst)
	s.dissociate(inst)
	if err := c.pm.Remove(ctx, inst); err != nil {
		log.Errorf("cannot delete half created %s %s: %v", c.cfg.Name, key, err)
	}
	c.pool.Discard(inst)
}

func (s *entityStrategy) find(ctx context.Context, op Operation, args []any) (identity.Key, error) {
	c := s.c
	res, err := c.anonymous(ctx, op, args)
	if err != nil {
		return identity.Key{}, err
	}
	if res == nil {
		return identity.Key{}, &ApplicationError{Bean: c.cfg.Name, Op: op.Name, Err: ErrObjectNotFound}
	}
	key, err := identity.New(res)
	if err != nil {
		return identity.Key{}, c.fail(ctx, op.Name, fmt.Errorf("finder returned an invalid primary key: %w", err))
	}
	return key, nil
}

func (s *entityStrategy) findAll(ctx context.Context, op Operation, args []any) ([]identity.Key, error) {
	c := s.c
	if err := s.syncBefore(ctx, op.Name); err != nil {
		return nil, err
	}
	res, err := c.anonymous(ctx, op, args)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	pks, ok := res.([]any)
	if !ok {
		return nil, c.fail(ctx, op.Name, fmt.Errorf("collection finder returned %T, expected []any", res))
	}
	keys := make([]identity.Key, 0, len(pks))
	for _, pk := range pks {
		key, err := identity.New(pk)
		if err != nil {
			return nil, c.fail(ctx, op.Name, fmt.Errorf("finder returned an invalid primary key: %w", err))
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *entityStrategy) findByPrimaryKey(ctx context.Context, pk any) (identity.Key, error) {
	c := s.c
	key, err := identity.New(pk)
	if err != nil {
		return identity.Key{}, err
	}
	if c.cache.IsActive(key) {
		return key, nil
	}
	ok, err := c.pm.Exists(ctx, key)
	if err != nil {
		return identity.Key{}, c.fail(ctx, "find-by-primary-key", err)
	}
	if !ok {
		return identity.Key{}, &ApplicationError{
			Bean: c.cfg.Name,
			Op:   "find-by-primary-key",
			Err:  fmt.Errorf("%w: %s", ErrObjectNotFound, key),
		}
	}
	return key, nil
}

// syncBefore stores the entities of the caller's transaction so that a
// query or remove sees them.
func (s *entityStrategy) syncBefore(ctx context.Context, op string) error {
	if s.c.cfg.SyncOnCommitOnly {
		return nil
	}
	t := tx.FromContext(ctx)
	if t == nil {
		return nil
	}
	if err := s.reg.SynchronizeEntities(ctx, t); err != nil {
		if errors.Is(err, txsync.ErrRollbackOnly) {
			return err
		}
		return s.c.fail(ctx, op, err)
	}
	return nil
}

func (s *entityStrategy) remove(ctx context.Context, key identity.Key) error {
	c := s.c
	if err := s.syncBefore(ctx, "remove"); err != nil {
		return err
	}

	h, inst, err := s.enter(ctx, key, "remove")
	if err != nil {
		return err
	}
	defer h.Release()

	if r, ok := inst.Bean().(Removable); ok {
		inst.Use()
		_, err := c.run(ctx, inst, instance.PhaseRemove, "remove", func(ic *Invocation) (any, error) {
			return nil, r.Remove(ic)
		})
		inst.Unuse()
		if _, err = c.classify(ctx, "remove", nil, err); err != nil {
			if IsSystemError(err) {
				s.discard(inst)
			}
			return err
		}
	}

	if err := c.pm.Remove(ctx, inst); err != nil {
		s.discard(inst)
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNoSuchEntity, c.cfg.Name, key)
		}
		return c.fail(ctx, "remove", err)
	}
	s.uncache(key, inst)
	inst.ClearKey()

	if inst.Transaction() == nil {
		c.pool.Free(inst)
	}
	return nil
}

// evict implements Container.Evict for entity beans.
func (s *entityStrategy) evict(key identity.Key) bool {
	c := s.c
	inst, ok := c.cache.Peek(key)
	if !ok {
		return true
	}
	if t := inst.Transaction(); t != nil && !t.Status().IsDone() {
		if !s.uncache(key, inst) {
			return !c.cache.IsActive(key)
		}
		s.reg.PreventSync(inst)
		c.metrics.evictions.Inc()
		return true
	}
	if c.cache.Evict(key) {
		c.metrics.evictions.Inc()
		return true
	}
	return false
}

func (s *entityStrategy) shutdown(ctx context.Context) {
	if left := s.c.cache.Flush(ctx); left > 0 {
		log.Warningf("%s: %d instances still in use at shutdown", s.c.cfg.Name, left)
	}
}

// --------------------------------------------------------------------------
// Cache activation (cache.Activator)
// --------------------------------------------------------------------------

// Activate binds a pooled instance to key and loads its state.
func (s *entityStrategy) Activate(ctx context.Context, key identity.Key) (*instance.Instance, error) {
	c := s.c
	inst, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	inst.SetKey(key)
	if err := c.pm.Activate(ctx, inst); err != nil {
		c.pool.Discard(inst)
		return nil, err
	}
	if a, ok := inst.Bean().(Activatable); ok {
		if err := c.callback(ctx, inst, instance.PhaseActivate, "activate", a.Activate); err != nil {
			c.pool.Discard(inst)
			return nil, err
		}
	}
	if err := s.load(ctx, inst); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			c.pool.Free(inst)
			return nil, fmt.Errorf("%w: %s %s", ErrNoSuchEntity, c.cfg.Name, key)
		}
		c.pool.Discard(inst)
		return nil, err
	}
	return inst, nil
}

// Passivate releases an instance the cache dropped back to the pool.
func (s *entityStrategy) Passivate(ctx context.Context, inst *instance.Instance) error {
	return s.passivate(ctx, inst)
}

func (s *entityStrategy) passivate(ctx context.Context, inst *instance.Instance) error {
	c := s.c
	var err error
	if a, ok := inst.Bean().(Activatable); ok {
		err = c.callback(ctx, inst, instance.PhasePassivate, "passivate", a.Passivate)
	}
	_ = c.pm.Passivate(ctx, inst)
	if err != nil {
		c.pool.Discard(inst)
		return err
	}
	c.pool.Free(inst)
	return nil
}

// --------------------------------------------------------------------------
// Transaction synchronization (txsync.Container)
// --------------------------------------------------------------------------

// InvokeStoreCallback runs the bean's store callback.
func (s *entityStrategy) InvokeStoreCallback(ctx context.Context, inst *instance.Instance) error {
	st, ok := inst.Bean().(Storable)
	if !ok {
		return nil
	}
	if t := inst.Transaction(); t != nil && tx.FromContext(ctx) == nil {
		ctx = tx.NewContext(ctx, t)
	}
	return s.c.callback(ctx, inst, instance.PhaseStore, "store", st.Store)
}

// StoreEntity writes the instance state if it changed.
func (s *entityStrategy) StoreEntity(ctx context.Context, inst *instance.Instance) error {
	return s.c.pm.Store(ctx, inst)
}

// IsStoreRequired reports whether the instance has unwritten changes.
func (s *entityStrategy) IsStoreRequired(ctx context.Context, inst *instance.Instance) (bool, error) {
	return s.c.pm.IsStoreRequired(ctx, inst)
}

// EnterScope switches into the container's resource scope.
func (s *entityStrategy) EnterScope(ctx context.Context) (context.Context, func()) {
	return s.c.EnterScope(ctx)
}

// AfterCompletion applies the commit option to a committed instance and
// drops a rolled back one. The transaction's lock reference is released last.
func (s *entityStrategy) AfterCompletion(ctx context.Context, inst *instance.Instance, status tx.Status) {
	c := s.c
	key := inst.Key()
	release := inst.TakeTxRelease()
	if release == nil {
		release = func() {}
	}

	if status != tx.StatusCommitted {
		c.metrics.rollbacks.Inc()
		s.uncache(key, inst)
		inst.SetTransaction(nil)
		inst.SetAssociation(instance.AssocNone)
		c.pm.Invalidate(inst)
		c.pool.Discard(inst)
		release()
		return
	}

	cur, ok := c.cache.Peek(key)
	cached := ok && cur == inst && !key.IsZero()
	inst.SetTransaction(nil)
	inst.SetAssociation(instance.AssocNone)

	switch {
	case key.IsZero():
		// removed in this transaction
		c.pool.Free(inst)
	case !cached:
		// evicted during the transaction
		_ = s.passivate(ctx, inst)
	case c.cfg.CommitOption == CommitB:
		inst.SetValid(false)
	}
	release()

	if c.cfg.CommitOption == CommitC && cached {
		if !c.cache.Evict(key) {
			log.Debugf("%s %s busy, passivation deferred", c.cfg.Name, key)
		}
	}
}
