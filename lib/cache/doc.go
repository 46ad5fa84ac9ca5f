// Package cache implements the InstanceCache: the directory of active
// (identity bearing) bean instances.
//
// The directory itself is an xsync.MapOf keyed by identity, so Get, Insert,
// Release, Remove and IsActive never block each other. Only a miss blocks:
// the cache asks its Activator for a ready instance (pool, activation
// callback, state load) and publishes it.
//
// Passivation never runs on the invocation path. Release only pushes a "used
// at" event onto a lock-free MPSC queue. A single maintenance goroutine
// consumes those events, keeps an age heap of cached identities and, when the
// cache grows beyond MaxSize or an instance stays idle longer than MaxIdle,
// passivates the least recently used instances.
//
// A victim is only passivated if
//   - no call is executing on it
//   - it is not enlisted in a transaction
//   - its identity lock can be taken without waiting and nobody else
//     references it (LockRegistry.CanEvict)
//
// Victims that do not qualify stay cached and are retried on the next pass.
//
// Usage Example:
//
//	c := cache.NewInstanceCache("Account", activator, locks, cache.DefaultOptions())
//	defer c.Close()
//
//	inst, err := c.Get(ctx, key)      // activates on a miss
//	if errors.Is(err, cache.ErrNotFound) { ... }
//	...
//	c.Release(inst)                    // O(1), passivation is deferred
package cache
