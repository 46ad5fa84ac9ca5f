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
	"github.com/google/uuid"
)

// SessionID is the primary key type of stateful sessions.
type SessionID string

// statefulStrategy implements stateful session beans. Every session is an
// identity in the cache; passivated sessions live in the spool.
type statefulStrategy struct {
	c     *Container
	spool *persistence.Spool
}

var (
	_ strategy        = (*statefulStrategy)(nil)
	_ cache.Activator = (*statefulStrategy)(nil)
)

func spoolID(key identity.Key) string { return key.String() }

func (s *statefulStrategy) create(ctx context.Context, op Operation, args []any) (identity.Key, error) {
	c := s.c
	inst, err := c.pool.Get(ctx)
	if err != nil {
		return identity.Key{}, c.fail(ctx, op.Name, err)
	}
	key := identity.MustNew(SessionID(uuid.NewString()))
	inst.SetKey(key)

	if _, err := c.dispatch(ctx, inst, op, args); err != nil {
		c.recycle(inst, err)
		return identity.Key{}, err
	}
	if err := c.cache.Insert(inst); err != nil {
		c.pool.Discard(inst)
		return identity.Key{}, c.fail(ctx, op.Name, err)
	}
	c.cache.Release(inst)
	return key, nil
}

// enter locks the session and returns its instance.
func (s *statefulStrategy) enter(ctx context.Context, key identity.Key, op string) (*lockmgr.Handle, *instance.Instance, error) {
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
		if errors.Is(err, ErrNoSuchSession) {
			return nil, nil, err
		}
		return nil, nil, c.fail(ctx, op, err)
	}
	return h, inst, nil
}

func (s *statefulStrategy) invoke(ctx context.Context, key identity.Key, op Operation, args []any) (any, error) {
	h, inst, err := s.enter(ctx, key, op.Name)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	res, err := s.c.dispatch(ctx, inst, op, args)
	if IsSystemError(err) {
		s.destroy(key, inst)
		return nil, err
	}
	s.c.cache.Release(inst)
	return res, err
}

// destroy drops a session after a system error.
func (s *statefulStrategy) destroy(key identity.Key, inst *instance.Instance) {
	if cur, ok := s.c.cache.Peek(key); ok && cur == inst {
		s.c.cache.Remove(key)
	}
	s.c.pool.Discard(inst)
	if err := s.spool.Remove(spoolID(key)); err != nil {
		log.Warningf("%s: cannot remove spooled session %s: %v", s.c.cfg.Name, key, err)
	}
}

func (s *statefulStrategy) remove(ctx context.Context, key identity.Key) error {
	c := s.c
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
				s.destroy(key, inst)
			}
			return err
		}
	}

	c.cache.Remove(key)
	if err := s.spool.Remove(spoolID(key)); err != nil {
		log.Warningf("%s: cannot remove spooled session %s: %v", c.cfg.Name, key, err)
	}
	c.pool.Free(inst)
	return nil
}

func (s *statefulStrategy) shutdown(ctx context.Context) {
	if left := s.c.cache.Flush(ctx); left > 0 {
		log.Warningf("%s: %d sessions still in use at shutdown", s.c.cfg.Name, left)
	}
}

// Activate restores a passivated session from the spool.
func (s *statefulStrategy) Activate(ctx context.Context, key identity.Key) (*instance.Instance, error) {
	c := s.c
	data, err := s.spool.Read(spoolID(key))
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w: %s %s", cache.ErrNotFound, ErrNoSuchSession, c.cfg.Name, key)
		}
		return nil, err
	}

	inst, err := c.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	inst.SetKey(key)
	if err := inst.Bean().(persistence.State).UnmarshalState(data); err != nil {
		c.pool.Discard(inst)
		return nil, fmt.Errorf("restore session %s: %w", key, err)
	}
	if a, ok := inst.Bean().(Activatable); ok {
		if err := c.callback(ctx, inst, instance.PhaseActivate, "activate", a.Activate); err != nil {
			c.pool.Discard(inst)
			return nil, err
		}
	}
	if err := s.spool.Remove(spoolID(key)); err != nil {
		log.Warningf("%s: cannot remove spooled session %s: %v", c.cfg.Name, key, err)
	}
	return inst, nil
}

// Passivate writes the session state to the spool and pools the instance.
func (s *statefulStrategy) Passivate(ctx context.Context, inst *instance.Instance) error {
	c := s.c
	key := inst.Key()
	if a, ok := inst.Bean().(Activatable); ok {
		if err := c.callback(ctx, inst, instance.PhasePassivate, "passivate", a.Passivate); err != nil {
			c.pool.Discard(inst)
			return err
		}
	}
	data, err := inst.Bean().(persistence.State).MarshalState()
	if err != nil {
		c.pool.Discard(inst)
		return fmt.Errorf("spool session %s: %w", key, err)
	}
	if err := s.spool.Write(spoolID(key), data); err != nil {
		c.pool.Discard(inst)
		return err
	}
	c.pool.Free(inst)
	return nil
}
