// Package persistence connects entity instances to durable storage.
//
// A Manager is bound to one bean type and one Backend. Beans opt into
// persistence by implementing State (MarshalState/UnmarshalState). The
// Manager remembers the last state it read or wrote for every instance (its
// snapshot, kept in the instance's persistence slot), so deciding whether a
// store is required is a byte comparison of the current state against that
// snapshot.
//
// Core Functionality:
//   - Create: insert a new entity, failing with ErrDuplicate on an existing key
//   - Load: read the state of an identity into a bean (ErrNotFound if absent)
//   - Store: write the state back if it changed since the last load or store
//   - IsStoreRequired / IsModified: dirty checking without writing
//   - Remove: delete the entity
//   - Activate / Passivate: attach and detach the snapshot
//   - Select: scan all entities of the bean type for collection finders
//
// Backends:
//
//	memstore   in-process, xsync backed (tests, single node demos)
//	sqlstore   database/sql with the sqlite (modernc) or postgres (pgx) driver
//	raftstore  replicated through a dragonboat raft shard
//
// Every backend partitions its keyspace by bean name and stores the canonical
// form of the identity (identity.Key.Canonical) as the key, so keys can be
// turned back into identities with identity.FromCanonical.
//
// The Spool is a small file store used to passivate stateful session
// instances. Writes are atomic (write to a temp file, then rename).
package persistence
