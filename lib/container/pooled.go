package container

import (
	"context"

	"github.com/ValentinKolb/beanrt/lib/identity"
)

// pooledStrategy implements stateless session and message-driven beans:
// every call takes any instance from the pool and returns it afterwards.
type pooledStrategy struct {
	c *Container
}

var _ strategy = (*pooledStrategy)(nil)

func (s *pooledStrategy) invoke(ctx context.Context, _ identity.Key, op Operation, args []any) (any, error) {
	return s.c.anonymous(ctx, op, args)
}

func (s *pooledStrategy) create(context.Context, Operation, []any) (identity.Key, error) {
	return identity.Key{}, &ConfigError{Bean: s.c.cfg.Name, Op: "create", Reason: "pooled beans have no identity"}
}

func (s *pooledStrategy) remove(context.Context, identity.Key) error {
	return &ConfigError{Bean: s.c.cfg.Name, Op: "remove", Reason: "pooled beans have no identity"}
}

func (s *pooledStrategy) shutdown(context.Context) {}
