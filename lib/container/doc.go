/*
Package container runs deployed beans. It ties the lower layers together:
identity locks (lockmgr), the active instance cache (cache), the free
instance pool (pool), transaction scoped synchronization (txsync) and entity
state storage (persistence).

# Bean kinds

A Container serves exactly one bean of one Kind:

  - KindEntity: persistent objects named by a primary key. Calls on the same
    identity are serialized by its lock; the instance is enlisted in the
    caller's transaction and stored before the transaction commits.
  - KindStateful: conversational sessions named by a generated SessionID.
    Idle sessions are passivated to a spool directory and restored on the
    next call.
  - KindStateless: any pooled instance serves any call.
  - KindMessageDriven: like stateless, but the single message operation is
    driven by Deliver.

The kind specific steps are implemented by a strategy per kind; the
dispatch pipeline (phase tracking, panic recovery, error classification,
metrics) is shared.

# Operations

Beans are plain Go values. Their operations are bound at deployment through
an explicit table of Operation values:

	ops := []container.Operation{
		container.Create("create", createAccount, nil),
		container.Business("deposit", deposit),
		container.FindCollection("findRich", findRich),
	}
	c, err := container.New(container.DefaultConfig("Account", container.KindEntity), newAccount, ops, env)

The table is validated by New. Unknown operation names, operations the bean
kind does not support and missing handlers are reported as ConfigError, which
matches ErrMisconfigured.

Lifecycle callbacks are optional interfaces on the bean value: ContextAware,
Activatable, Loadable, Storable and Removable. Entity and stateful beans
implement persistence.State so the container can write and read their state.

# Invocation context

Every handler and callback gets an *Invocation. Its context operations
(PrimaryKey, Transaction, SetRollbackOnly, RollbackOnly, CallerChain, Home)
are checked against the lifecycle phase of the instance; illegal use returns
ErrIllegalState. The transaction is taken from the call's context.Context
(see package tx) and so is the call chain used for reentrancy checks.

# Errors

Handlers return application errors unchanged to the caller; they do not
affect the transaction. Fail(err) marks an error as a system error. System
errors, panics in bean code and persistence failures are returned as
*SystemError; they mark the caller's transaction rollback-only and the
instance involved is discarded. Lock timeouts are returned as ErrLockTimeout
and may be retried.

# Commit options

Entity beans support three commit options that decide what happens to a
cached instance after a call without transaction or after its transaction
committed:

  - CommitA: the instance stays cached and valid. The container assumes
    exclusive access to the stored state.
  - CommitB: the instance stays cached but its state is reloaded before the
    next use.
  - CommitC: the instance is passivated and returns to the pool.

# Eviction

Evict takes an instance out of the cache. An entity instance enlisted in a
running transaction is dropped immediately and put into PREVENT_SYNC: if it
still has unwritten changes when its transaction synchronizes, the
transaction rolls back with ErrConsistencyViolation instead of overwriting
state that may have changed in between.

Backend writes are not part of the transaction. A create or remove executed
in a transaction that later rolls back is not undone.
*/
package container
