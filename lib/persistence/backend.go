package persistence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no state is stored for a key.
	ErrNotFound = errors.New("persistence: entity not found")
	// ErrDuplicate is returned by Insert when the key already exists.
	ErrDuplicate = errors.New("persistence: duplicate key")
	// ErrNotPersistent is returned for beans that do not implement State.
	ErrNotPersistent = errors.New("persistence: bean does not implement State")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("persistence: backend closed")
)

// Backend stores serialized entity state. Keys are scoped by bean name.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the state stored for key or ErrNotFound.
	Get(ctx context.Context, bean, key string) ([]byte, error)
	// Put inserts or replaces the state of key.
	Put(ctx context.Context, bean, key string, state []byte) error
	// Insert stores the state of a new key. It fails with ErrDuplicate if the
	// key exists.
	Insert(ctx context.Context, bean, key string, state []byte) error
	// Delete removes key. It fails with ErrNotFound if the key does not exist.
	Delete(ctx context.Context, bean, key string) error
	// Scan calls fn for every key of bean until fn returns false. The order
	// is unspecified.
	Scan(ctx context.Context, bean string, fn func(key string, state []byte) bool) error
	// Close releases the resources of the backend.
	Close() error
}

// State is implemented by beans whose state the Manager persists.
type State interface {
	// MarshalState returns the persistent fields of the bean.
	MarshalState() ([]byte, error)
	// UnmarshalState replaces the persistent fields of the bean.
	UnmarshalState(data []byte) error
}
