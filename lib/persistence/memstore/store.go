// Package memstore implements an in-process persistence.Backend.
//
// State is kept in one xsync.MapOf per bean name, so beans never contend
// with each other and reads never block. Values are copied on the way in and
// out. Nothing survives the process.
package memstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	beans  *xsync.MapOf[string, *xsync.MapOf[string, []byte]]
	closed atomic.Bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() persistence.Backend {
	return &storeImpl{beans: xsync.NewMapOf[string, *xsync.MapOf[string, []byte]]()}
}

func (s *storeImpl) table(bean string) (*xsync.MapOf[string, []byte], error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}
	t, _ := s.beans.LoadOrCompute(bean, func() *xsync.MapOf[string, []byte] {
		return xsync.NewMapOf[string, []byte]()
	})
	return t, nil
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// --------------------------------------------------------------------------
// Interface Methods (docs see persistence/backend.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(_ context.Context, bean, key string) ([]byte, error) {
	t, err := s.table(bean)
	if err != nil {
		return nil, err
	}
	v, ok := t.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrNotFound, key)
	}
	return clone(v), nil
}

func (s *storeImpl) Put(_ context.Context, bean, key string, state []byte) error {
	t, err := s.table(bean)
	if err != nil {
		return err
	}
	t.Store(key, clone(state))
	return nil
}

func (s *storeImpl) Insert(_ context.Context, bean, key string, state []byte) error {
	t, err := s.table(bean)
	if err != nil {
		return err
	}
	if _, loaded := t.LoadOrStore(key, clone(state)); loaded {
		return fmt.Errorf("%w: %s", persistence.ErrDuplicate, key)
	}
	return nil
}

func (s *storeImpl) Delete(_ context.Context, bean, key string) error {
	t, err := s.table(bean)
	if err != nil {
		return err
	}
	if _, ok := t.LoadAndDelete(key); !ok {
		return fmt.Errorf("%w: %s", persistence.ErrNotFound, key)
	}
	return nil
}

func (s *storeImpl) Scan(ctx context.Context, bean string, fn func(key string, state []byte) bool) error {
	t, err := s.table(bean)
	if err != nil {
		return err
	}
	t.Range(func(key string, v []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		return fn(key, clone(v))
	})
	return ctx.Err()
}

func (s *storeImpl) Close() error {
	s.closed.Store(true)
	return nil
}
