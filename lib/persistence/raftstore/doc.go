// Package raftstore implements a replicated persistence.Backend on top of the
// Dragonboat RAFT library. Entity state written through it survives the loss
// of a minority of replicas and every replica observes the same order of
// writes.
//
// Architecture:
//
//   - Backend Client (store.go): implements persistence.Backend. Writes are
//     serialized into Commands and proposed with SyncPropose, reads are
//     Queries answered by SyncRead (linearizable) or StaleRead.
//
//   - State Machine (statemachine.go): a Dragonboat IConcurrentStateMachine
//     holding one xsync.MapOf per bean. It applies Put, Insert and Delete in
//     log order and reports the outcome as a RetCode in sm.Result.Value.
//
//   - Protocol (internal): Command and Query types plus the binary Command
//     encoding stored in the raft log.
//
// Insert is decided on the state machine, so two replicas proposing the same
// new key concurrently see exactly one success and one RetCDuplicate, which
// the client surfaces as persistence.ErrDuplicate.
//
// Error Handling and Retries:
//
//	When Dragonboat returns ErrSystemBusy the operation is retried after a
//	short delay, up to 5 times. Every attempt is bounded by the configured
//	timeout and the caller's context.
//
// Snapshotting and Recovery:
//
//	PrepareSnapshot captures the entries, SaveSnapshot streams them in a
//	length prefixed binary format and RecoverFromSnapshot rebuilds the maps.
//	After recovery the replica replays the log entries committed after the
//	snapshot.
//
// Usage:
//
//	backend, err := raftstore.Open(ctx, raftstore.DefaultConfig("data", "localhost:63001"))
//	if err != nil { ... }
//	defer backend.Close()
//
//	pm := persistence.NewManager("Account", backend)
package raftstore
