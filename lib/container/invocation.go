package container

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/tx"
)

// --------------------------------------------------------------------------
// Lifecycle callbacks (implemented optionally by bean objects)
// --------------------------------------------------------------------------

// ContextAware beans are told when they enter and leave the pool.
type ContextAware interface {
	SetContext(ic *Invocation) error
	UnsetContext(ic *Invocation)
}

// Activatable beans are told when they are bound to or released from an
// identity by the cache.
type Activatable interface {
	Activate(ic *Invocation) error
	Passivate(ic *Invocation) error
}

// Loadable entity beans are called after their state was read.
type Loadable interface {
	Load(ic *Invocation) error
}

// Storable entity beans are called before their state is written.
type Storable interface {
	Store(ic *Invocation) error
}

// Removable beans are called before their entity or session is removed.
type Removable interface {
	Remove(ic *Invocation) error
}

// --------------------------------------------------------------------------
// Invocation
// --------------------------------------------------------------------------

// Invocation is what a bean sees of the container while one of its handlers
// or callbacks runs. Its context operations are checked against the
// lifecycle phase of the instance.
//
// Thread-safety: an Invocation belongs to the goroutine running the handler.
type Invocation struct {
	ctx  context.Context
	c    *Container
	inst *instance.Instance
	op   string
}

func (c *Container) newInvocation(ctx context.Context, inst *instance.Instance, op string) *Invocation {
	return &Invocation{ctx: ctx, c: c, inst: inst, op: op}
}

// Context returns the context of the call. Calls into other containers must
// pass it on to stay in the same transaction and call chain.
func (ic *Invocation) Context() context.Context { return ic.ctx }

// Bean returns the bean object.
func (ic *Invocation) Bean() any { return ic.inst.Bean() }

// Operation returns the name of the running operation or callback.
func (ic *Invocation) Operation() string { return ic.op }

// Phase returns the lifecycle phase the instance is in.
func (ic *Invocation) Phase() instance.Phase { return ic.inst.Phase() }

// PrimaryKey returns the identity of the instance.
func (ic *Invocation) PrimaryKey() (identity.Key, error) {
	if err := ic.inst.Check(instance.OpGetPrimaryKey); err != nil {
		return identity.Key{}, err
	}
	return ic.inst.Key(), nil
}

// Transaction returns the caller's transaction or nil.
func (ic *Invocation) Transaction() (tx.Transaction, error) {
	if err := ic.inst.Check(instance.OpGetTransaction); err != nil {
		return nil, err
	}
	return tx.FromContext(ic.ctx), nil
}

// SetRollbackOnly marks the caller's transaction so that it can only roll back.
func (ic *Invocation) SetRollbackOnly() error {
	if err := ic.inst.Check(instance.OpSetRollbackOnly); err != nil {
		return err
	}
	t := tx.FromContext(ic.ctx)
	if t == nil {
		return fmt.Errorf("%w: %s.%s runs without transaction", ErrIllegalState, ic.c.cfg.Name, ic.op)
	}
	return t.SetRollbackOnly(fmt.Errorf("%s.%s requested rollback", ic.c.cfg.Name, ic.op))
}

// RollbackOnly reports whether the caller's transaction is marked for rollback.
func (ic *Invocation) RollbackOnly() (bool, error) {
	if err := ic.inst.Check(instance.OpGetRollbackOnly); err != nil {
		return false, err
	}
	t := tx.FromContext(ic.ctx)
	if t == nil {
		return false, fmt.Errorf("%w: %s.%s runs without transaction", ErrIllegalState, ic.c.cfg.Name, ic.op)
	}
	return t.RollbackOnly(), nil
}

// CallerChain returns the call chain the invocation belongs to.
func (ic *Invocation) CallerChain() (lockmgr.ChainID, error) {
	if err := ic.inst.Check(instance.OpGetCallerChain); err != nil {
		return 0, err
	}
	return lockmgr.ChainFrom(ic.ctx), nil
}

// Home returns the container of the bean.
func (ic *Invocation) Home() (*Container, error) {
	if err := ic.inst.Check(instance.OpGetHome); err != nil {
		return nil, err
	}
	return ic.c, nil
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// run executes fn in phase on inst. Panics are recovered and returned as
// SystemError; returned errors are classified by the caller.
func (c *Container) run(ctx context.Context, inst *instance.Instance, phase instance.Phase, op string, fn func(ic *Invocation) (any, error)) (res any, err error) {
	defer inst.EnterPhase(phase)()
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("%s.%s on %s panicked: %v", c.cfg.Name, op, inst, p)
			res, err = nil, &SystemError{Bean: c.cfg.Name, Op: op, Panic: p, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return fn(c.newInvocation(ctx, inst, op))
}

// dispatch runs the handler of op on inst. System errors are returned as
// *SystemError, application errors unchanged.
func (c *Container) dispatch(ctx context.Context, inst *instance.Instance, op Operation, args []any) (any, error) {
	inst.Use()
	defer func() {
		if !inst.Unuse() {
			log.Errorf("usage counter underflow on %s", inst)
		}
	}()

	res, err := c.run(ctx, inst, op.Kind.phase(), op.Name, func(ic *Invocation) (any, error) {
		return op.Handler(ic, args)
	})
	return c.classify(ctx, op.Name, res, err)
}

// callback runs a lifecycle callback and converts any failure into a
// SystemError.
func (c *Container) callback(ctx context.Context, inst *instance.Instance, phase instance.Phase, name string, fn func(ic *Invocation) error) error {
	_, err := c.run(ctx, inst, phase, name, func(ic *Invocation) (any, error) {
		return nil, fn(ic)
	})
	if err != nil {
		return c.systemError(name, err)
	}
	return nil
}

// classify counts the outcome of a handler. A system error marks the
// caller's transaction rollback-only.
func (c *Container) classify(ctx context.Context, op string, res any, err error) (any, error) {
	c.metrics.invocations.Inc()
	if err == nil {
		return res, nil
	}
	if !IsSystemError(err) {
		c.metrics.appErrors.Inc()
		return res, err
	}

	err = c.systemError(op, err)
	c.metrics.sysErrors.Inc()
	if t := tx.FromContext(ctx); t != nil {
		if rbErr := t.SetRollbackOnly(err); rbErr != nil {
			log.Warningf("cannot mark tx %s rollback-only after %v: %v", t.ID(), err, rbErr)
		}
	}
	return nil, err
}
