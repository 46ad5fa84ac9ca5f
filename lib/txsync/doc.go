// Package txsync implements the TransactionEntityRegistry: it remembers, per
// transaction, which entity instances have to be written back before the
// transaction commits (or before a finder or remove needs current data).
//
// Every instance carries a TxAssociation state (see instance.Association)
// that decides what ScheduleSync and Synchronize do with it:
//
//	State           ScheduleSync                  Synchronize
//	NONE            join the tx record            no-op
//	                -> SYNC_SCHEDULED
//	SYNC_SCHEDULED  no-op                         store -> SYNCHRONIZED
//	SYNCHRONIZED    -> SYNC_SCHEDULED             no-op
//	PREVENT_SYNC    no-op                         ErrConsistencyViolation if a
//	                                              store would be required
//	NOT_READY       no-op                         no-op
//
// The per-transaction Record is created on the first ScheduleSync in a
// transaction and registers itself as a tx.Synchronization, so it is flushed
// in BeforeCompletion and torn down in AfterCompletion. The first registration
// for a transaction wins; the record is dropped once the transaction
// completed.
//
// Batch protocol (Record.SynchronizeEntities):
//   - a record that is already synchronizing, or empty, returns immediately
//   - pass one runs the store callback of every instance, pass two performs
//     the durable writes, so all callbacks have seen the final state before
//     anything is written
//   - instances that join the record while a pass runs are picked up by that
//     pass
//   - the rollback-only flag is checked before every instance; a transaction
//     marked for rollback aborts the batch with ErrRollbackOnly, so a
//     finder or remove never runs against state that was not flushed
//   - the first failure marks the transaction rollback-only and is returned
//     as a *SyncError naming the identity
//
// The registry is an ordinary value. Construct one per container runtime and
// hand it to every coordinator that shares transactions.
package txsync
