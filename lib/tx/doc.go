// Package tx provides the transaction contract the container runs against and
// a small in-process transaction manager implementing it.
//
// The container only depends on the Transaction interface: it reads the
// status, marks a transaction rollback-only and registers Synchronization
// callbacks that run before and after completion. Any transaction manager can
// be plugged in by implementing that interface.
//
// The in-process Manager:
//   - assigns every transaction a random uuid
//   - keeps a registry of active transactions
//   - runs BeforeCompletion callbacks in registration order; callbacks may
//     register further synchronizations while the transaction is preparing
//   - turns any BeforeCompletion failure into a rollback
//   - always runs AfterCompletion callbacks with the final status
//
// Transactions travel through the call stack in a context.Context (NewContext,
// FromContext), which is how the container finds the transaction of an
// invocation.
//
// Usage Example:
//
//	tm := tx.NewManager()
//	err := tm.Run(ctx, func(ctx context.Context) error {
//	    _, err := accounts.Invoke(ctx, key, "deposit", 10)
//	    return err
//	})
package tx
