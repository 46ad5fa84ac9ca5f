// Package internal defines the wire format between the raftstore client and
// its replicated state machine.
//
//   - Commands are writes (Put, Insert, Delete). They are serialized with a
//     compact binary encoding and stored in the raft log.
//   - Queries are reads (Get, Scan, Info). They are executed locally on the
//     state machine and are never serialized.
//
// Command Format:
//
//	- 1 byte:  Command type
//	- 2 bytes: Bean name length (uint16, big endian)
//	- 4 bytes: Key length (uint32, big endian)
//	- N bytes: Bean name
//	- N bytes: Key (canonical identity, may contain NUL)
//	- M bytes: Value (optional, absent for Delete)
//
// The types in this package are not thread-safe. Raft applies commands
// sequentially, so this is not an issue on the state machine side.
package internal
