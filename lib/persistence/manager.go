package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("persistence")

// snapshot is the state last read from or written to the backend.
type snapshot struct {
	data []byte
}

// Manager persists the instances of one bean type.
//
// Thread-safety: all methods are safe for concurrent use. Calls for the same
// instance are expected to be serialized by the identity lock.
type Manager struct {
	bean    string
	backend Backend

	loads   atomic.Int64
	stores  atomic.Int64
	skipped atomic.Int64
	creates atomic.Int64
	removes atomic.Int64
}

// NewManager creates a manager for the bean type named bean.
func NewManager(bean string, backend Backend) *Manager {
	return &Manager{bean: bean, backend: backend}
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend { return m.backend }

func stateOf(inst *instance.Instance) (State, error) {
	s, ok := inst.Bean().(State)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotPersistent, inst.Bean())
	}
	return s, nil
}

func snapshotOf(inst *instance.Instance) []byte {
	if s, ok := inst.PersistenceState().(*snapshot); ok {
		return s.data
	}
	return nil
}

// Create inserts the state of a new entity under key. The instance's
// identity is not changed; the caller binds it once Create succeeded.
func (m *Manager) Create(ctx context.Context, key identity.Key, inst *instance.Instance) error {
	if key.IsZero() {
		return identity.ErrNilIdentity
	}
	s, err := stateOf(inst)
	if err != nil {
		return err
	}
	data, err := s.MarshalState()
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", key, err)
	}
	if err := m.backend.Insert(ctx, m.bean, key.Canonical(), data); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("%w: %s %s", ErrDuplicate, m.bean, key)
		}
		return fmt.Errorf("persistence: create %s: %w", key, err)
	}
	inst.SetPersistenceState(&snapshot{data: data})
	m.creates.Add(1)
	return nil
}

// Load reads the state of the instance's identity into its bean.
func (m *Manager) Load(ctx context.Context, inst *instance.Instance) error {
	key := inst.Key()
	if key.IsZero() {
		return identity.ErrNilIdentity
	}
	s, err := stateOf(inst)
	if err != nil {
		return err
	}
	data, err := m.backend.Get(ctx, m.bean, key.Canonical())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, m.bean, key)
		}
		return fmt.Errorf("persistence: load %s: %w", key, err)
	}
	if err := s.UnmarshalState(data); err != nil {
		return fmt.Errorf("persistence: unmarshal %s: %w", key, err)
	}
	inst.SetPersistenceState(&snapshot{data: data})
	m.loads.Add(1)
	return nil
}

// Exists reports whether state is stored for key.
func (m *Manager) Exists(ctx context.Context, key identity.Key) (bool, error) {
	_, err := m.backend.Get(ctx, m.bean, key.Canonical())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// IsStoreRequired reports whether the bean state differs from the state last
// read or written.
func (m *Manager) IsStoreRequired(_ context.Context, inst *instance.Instance) (bool, error) {
	s, err := stateOf(inst)
	if err != nil {
		return false, err
	}
	data, err := s.MarshalState()
	if err != nil {
		return false, fmt.Errorf("persistence: marshal %s: %w", inst.Key(), err)
	}
	prev := snapshotOf(inst)
	return prev == nil || !bytes.Equal(prev, data), nil
}

// IsModified is IsStoreRequired for callers that only want to know about
// changes. State based persistence does not distinguish the two.
func (m *Manager) IsModified(ctx context.Context, inst *instance.Instance) (bool, error) {
	return m.IsStoreRequired(ctx, inst)
}

// Store writes the bean state if it changed.
func (m *Manager) Store(ctx context.Context, inst *instance.Instance) error {
	key := inst.Key()
	if key.IsZero() {
		return identity.ErrNilIdentity
	}
	s, err := stateOf(inst)
	if err != nil {
		return err
	}
	data, err := s.MarshalState()
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", key, err)
	}
	if prev := snapshotOf(inst); prev != nil && bytes.Equal(prev, data) {
		m.skipped.Add(1)
		return nil
	}
	if err := m.backend.Put(ctx, m.bean, key.Canonical(), data); err != nil {
		return fmt.Errorf("persistence: store %s: %w", key, err)
	}
	inst.SetPersistenceState(&snapshot{data: data})
	m.stores.Add(1)
	log.Debugf("stored %s %s (%d bytes)", m.bean, key, len(data))
	return nil
}

// Remove deletes the entity of the instance's identity.
func (m *Manager) Remove(ctx context.Context, inst *instance.Instance) error {
	key := inst.Key()
	if key.IsZero() {
		return identity.ErrNilIdentity
	}
	if err := m.backend.Delete(ctx, m.bean, key.Canonical()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, m.bean, key)
		}
		return fmt.Errorf("persistence: remove %s: %w", key, err)
	}
	inst.SetPersistenceState(nil)
	m.removes.Add(1)
	return nil
}

// Activate prepares an instance that is about to be loaded.
func (m *Manager) Activate(_ context.Context, inst *instance.Instance) error {
	inst.SetPersistenceState(nil)
	return nil
}

// Passivate detaches the snapshot from an instance leaving the cache.
func (m *Manager) Passivate(_ context.Context, inst *instance.Instance) error {
	inst.SetPersistenceState(nil)
	return nil
}

// Invalidate forgets the snapshot so the next store always writes.
func (m *Manager) Invalidate(inst *instance.Instance) {
	inst.SetPersistenceState(nil)
}

// Keys returns the identities of all stored entities.
func (m *Manager) Keys(ctx context.Context) ([]identity.Key, error) {
	var keys []identity.Key
	err := m.backend.Scan(ctx, m.bean, func(key string, _ []byte) bool {
		keys = append(keys, identity.FromCanonical(key))
		return true
	})
	return keys, err
}

// Select returns the identities of all stored entities whose state matches.
// fresh must return a new, empty bean to unmarshal each state into.
func (m *Manager) Select(ctx context.Context, fresh func() State, match func(State) bool) ([]identity.Key, error) {
	var keys []identity.Key
	var scanErr error
	err := m.backend.Scan(ctx, m.bean, func(key string, data []byte) bool {
		s := fresh()
		if err := s.UnmarshalState(data); err != nil {
			scanErr = fmt.Errorf("persistence: unmarshal %s: %w", key, err)
			return false
		}
		if match(s) {
			keys = append(keys, identity.FromCanonical(key))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return keys, scanErr
}

// Stats describes the work done by a Manager.
type Stats struct {
	Loads   int64 `json:"loads"`
	Stores  int64 `json:"stores"`
	Skipped int64 `json:"skipped"`
	Creates int64 `json:"creates"`
	Removes int64 `json:"removes"`
}

// Stats returns a snapshot of the manager statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Loads:   m.loads.Load(),
		Stores:  m.stores.Load(),
		Skipped: m.skipped.Load(),
		Creates: m.creates.Load(),
		Removes: m.removes.Load(),
	}
}
