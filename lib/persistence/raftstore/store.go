package raftstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/persistence/raftstore/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("raftstore")
)

// storeImpl is the persistence.Backend backed by a raft shard.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	owned   bool
}

// NewDistributedBackend creates a backend on a shard that is already running
// on nh. Close does not stop nh.
func NewDistributedBackend(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) persistence.Backend {
	return newStore(nh, shardID, timeout, false)
}

func newStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration, owned bool) *storeImpl {
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
		owned:   owned,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// write proposes a Command and waits until it was applied. The RetCode of the
// command is translated into an *Error.
func (s *storeImpl) write(ctx context.Context, cmd internal.Command) error {
	data := cmd.Serialize()
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(pctx, s.cs, data)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			return NewError(RetCInternalError, err.Error())
		}
		if res.Value != uint64(RetCSuccess) {
			return NewError(RetCode(res.Value), string(res.Data))
		}
		return nil
	}
	return NewError(RetCInternalError, "timeout")
}

// read queries the state machine and converts the response into R. Stale
// reads skip the read index protocol and may return outdated data.
func read[R any](ctx context.Context, s *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		if stale {
			res, err = s.nh.StaleRead(s.shardID, q)
		} else {
			rctx, cancel := context.WithTimeout(ctx, s.timeout)
			res, err = s.nh.SyncRead(rctx, s.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: system busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if err != nil {
			var rse *Error
			if errors.As(err, &rse) {
				return zero, rse
			}
			return zero, NewError(RetCInternalError, err.Error())
		}

		casted, ok := res.(R)
		if !ok {
			return zero, NewError(RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, NewError(RetCInternalError, "timeout")
}

// Info returns counters of the local replica's state machine.
func (s *storeImpl) Info() (internal.Info, error) {
	return read[internal.Info](context.Background(), s, internal.Query{Type: internal.QueryTInfo}, true)
}

// waitReady blocks until the shard answers linearizable reads.
func (s *storeImpl) waitReady(ctx context.Context) error {
	for {
		_, err := read[internal.Info](ctx, s, internal.Query{Type: internal.QueryTInfo}, false)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("raftstore: shard %d not ready: %w (last error: %v)", s.shardID, ctx.Err(), err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docs see persistence/backend.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(ctx context.Context, bean, key string) ([]byte, error) {
	res, err := read[internal.QueryResult](ctx, s, internal.Query{Type: internal.QueryTGet, Bean: bean, Key: key}, false)
	if err != nil {
		return nil, err
	}
	if !res.Ok {
		return nil, NewError(RetCNotFound, fmt.Sprintf("%s: no such key", bean))
	}
	if res.Value == nil {
		return []byte{}, nil
	}
	return res.Value, nil
}

func (s *storeImpl) Put(ctx context.Context, bean, key string, state []byte) error {
	return s.write(ctx, internal.Command{Type: internal.CommandTPut, Bean: bean, Key: key, Value: state})
}

func (s *storeImpl) Insert(ctx context.Context, bean, key string, state []byte) error {
	return s.write(ctx, internal.Command{Type: internal.CommandTInsert, Bean: bean, Key: key, Value: state})
}

func (s *storeImpl) Delete(ctx context.Context, bean, key string) error {
	return s.write(ctx, internal.Command{Type: internal.CommandTDelete, Bean: bean, Key: key})
}

func (s *storeImpl) Scan(ctx context.Context, bean string, fn func(key string, state []byte) bool) error {
	res, err := read[internal.ScanResult](ctx, s, internal.Query{Type: internal.QueryTScan, Bean: bean}, false)
	if err != nil {
		return err
	}
	for i, key := range res.Keys {
		if !fn(key, res.Values[i]) {
			break
		}
	}
	return nil
}

func (s *storeImpl) Close() error {
	if s.owned {
		s.nh.Close()
	}
	return nil
}
