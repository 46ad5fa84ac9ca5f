package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/identity"
	"github.com/ValentinKolb/beanrt/lib/tx"
)

// identityLock implements all three policies; the policy only toggles
// exclusive and txAffine.
type identityLock struct {
	key       identity.Key
	timeout   time.Duration
	reentrant bool
	exclusive bool // false for no-lock
	txAffine  bool // true for queued-pessimistic
	refs      atomic.Int32

	mu      sync.Mutex
	held    bool
	holder  ChainID
	depth   int
	owner   tx.Transaction
	claimed bool // owner was taken by the holder and not yet bound
	changed chan struct{}
}

// newLock creates the lock for key according to opts.
func newLock(key identity.Key, opts Options) ILock {
	return &identityLock{
		key:       key,
		timeout:   opts.Timeout,
		reentrant: opts.Reentrant,
		exclusive: opts.Policy != PolicyNoLock,
		txAffine:  opts.Policy == PolicyQueuedPessimistic || opts.Policy == "",
		changed:   make(chan struct{}),
	}
}

func (l *identityLock) Key() identity.Key { return l.key }

func (l *identityLock) Sync(ctx context.Context, inv Invocation) error {
	if !l.exclusive {
		return nil
	}

	var expired <-chan time.Time
	for {
		l.mu.Lock()
		ok, err := l.tryLocked(inv)
		wait := l.changed
		l.mu.Unlock()
		if ok || err != nil {
			return err
		}

		// start the clock on the first wait only
		if expired == nil && l.timeout > 0 {
			timer := time.NewTimer(l.timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case <-wait:
		case <-expired:
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, l.key, l.timeout)
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w", l.key, ctx.Err())
		}
	}
}

func (l *identityLock) TrySync(inv Invocation) (bool, error) {
	if !l.exclusive {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryLocked(inv)
}

// tryLocked grants the lock to inv if possible. l.mu must be held.
func (l *identityLock) tryLocked(inv Invocation) (bool, error) {
	if l.held && inv.Chain != 0 && l.holder == inv.Chain {
		if l.txAffine && l.owner != nil && !tx.Same(l.owner, inv.Tx) {
			return false, nil
		}
		if !l.reentrant {
			return false, fmt.Errorf("%w: %s", ErrReentrantCall, l.key)
		}
		l.depth++
		return true, nil
	}

	if l.held {
		return false, nil
	}
	if l.txAffine && l.owner != nil && !tx.Same(l.owner, inv.Tx) {
		return false, nil
	}

	l.held = true
	l.holder = inv.Chain
	l.depth = 1
	if l.txAffine && inv.Tx != nil && l.owner == nil {
		l.owner = inv.Tx
		l.claimed = true
	}
	return true, nil
}

func (l *identityLock) ReleaseSync(inv Invocation) {
	if !l.exclusive {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || l.holder != inv.Chain {
		log.Errorf("lock %s released by chain %d but held=%t by chain %d", l.key, inv.Chain, l.held, l.holder)
		return
	}
	l.depth--
	if l.depth > 0 {
		return
	}
	l.held = false
	l.holder = 0
	if l.claimed {
		// the transaction never bound the lock, e.g. the call failed
		l.owner = nil
		l.claimed = false
	}
	l.signal()
}

func (l *identityLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *identityLock) Transaction() tx.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

func (l *identityLock) SetTransaction(t tx.Transaction) {
	if !l.txAffine {
		return
	}
	l.mu.Lock()
	l.owner = t
	l.claimed = false
	l.mu.Unlock()
}

func (l *identityLock) EndTransaction(t tx.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != nil && tx.Same(l.owner, t) {
		l.owner = nil
		l.claimed = false
		l.signal()
	}
}

// signal wakes up all waiters. l.mu must be held.
func (l *identityLock) signal() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *identityLock) AddRef() int32    { return l.refs.Add(1) }
func (l *identityLock) RemoveRef() int32 { return l.refs.Add(-1) }
func (l *identityLock) Refs() int32      { return l.refs.Load() }
