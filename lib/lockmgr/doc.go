// Package lockmgr implements per-identity locking for bean instances.
//
// Every entity identity that is being worked on has exactly one lock object
// (ILock) in the process. Locks live in a LockRegistry which creates them on
// demand, reference counts them and drops them once nobody references them
// anymore, so the registry only ever holds locks for identities in use.
//
// Core Functionality:
//   - Serialization of invocations against the same identity (Sync/ReleaseSync)
//     with a bounded wait (ErrLockTimeout)
//   - Reentrancy control per call chain (ErrReentrantCall when disabled)
//   - Transaction affinity: a lock taken in a transaction and bound with
//     SetTransaction stays owned by that transaction across calls until
//     EndTransaction. Unbound ownership ends with the invocation.
//   - Reference counting with loud reporting of underflows
//   - Scoped Handles that release exactly once
//
// Implementation Approach:
//
//	The registry is split into partitions (default 40). An identity is mapped
//	to a partition by its precomputed hash, mixed with a per-registry seed.
//	Each partition is a plain map guarded by its own mutex, so identities in
//	different partitions never contend.
//
//	- Lock Creation: AcquireRef first looks the identity up. On a miss a
//	  candidate lock is built outside the partition mutex and inserted only if
//	  no other goroutine inserted one in the meantime (double-checked create).
//
//	- Lock Removal: ReleaseRef decrements the reference count under the
//	  partition mutex and deletes the lock at zero. Releasing an unknown
//	  identity is a no-op.
//
//	- Waiting: a lock publishes a "changed" channel that is closed and replaced
//	  whenever it becomes free, so waiters can select on it together with the
//	  timeout and the caller's context.
//
// Lock Policies:
//
//	queued-pessimistic  exclusive, transaction affine (default)
//	method-only         exclusive for the duration of a call only
//	no-lock             reference counting only, no mutual exclusion
//
// Call Chains:
//
//	Go has no thread identity, so reentrancy is decided per call chain. A chain
//	id travels in the context (WithChain); nested calls made with the same
//	context belong to the same chain.
//
// Usage Example:
//
//	reg, _ := lockmgr.NewLockRegistry(lockmgr.DefaultOptions())
//	ctx = lockmgr.WithChain(ctx)
//
//	h, err := reg.Lock(ctx, key, lockmgr.InvocationFrom(ctx))
//	if err != nil {
//	    return err // lockmgr.ErrLockTimeout, ...
//	}
//	defer h.Release()
//
// Thread Safety:
//
//	All exported operations are safe for concurrent use.
package lockmgr
