package raftstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/beanrt/lib/persistence/raftstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

type table = xsync.MapOf[string, []byte]

// EntityStateMachine is the replicated entity state store. It is a
// dragonboat IConcurrentStateMachine: Update is called sequentially, Lookup
// concurrently with Update.
type EntityStateMachine struct {
	replicaID  uint64
	shardID    uint64
	beans      *xsync.MapOf[string, *table]
	lastIndex  atomic.Uint64
	applied    atomic.Uint64
	rejections atomic.Uint64
}

// CreateStateMachineFactory returns the factory dragonboat uses to create the
// state machine of a replica.
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return newStateMachine(shardID, replicaID)
	}
}

func newStateMachine(shardID, replicaID uint64) *EntityStateMachine {
	return &EntityStateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		beans:     xsync.NewMapOf[string, *table](),
	}
}

func (fsm *EntityStateMachine) table(bean string) *table {
	t, _ := fsm.beans.LoadOrCompute(bean, func() *table { return xsync.NewMapOf[string, []byte]() })
	return t
}

// Lookup handles read-only queries.
func (fsm *EntityStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, NewError(RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTGet:
		t, ok := fsm.beans.Load(q.Bean)
		if !ok {
			return internal.QueryResult{}, nil
		}
		val, ok := t.Load(q.Key)
		if !ok {
			return internal.QueryResult{}, nil
		}
		return internal.QueryResult{Ok: true, Value: append([]byte(nil), val...)}, nil
	case internal.QueryTScan:
		res := internal.ScanResult{}
		if t, ok := fsm.beans.Load(q.Bean); ok {
			t.Range(func(key string, val []byte) bool {
				res.Keys = append(res.Keys, key)
				res.Values = append(res.Values, append([]byte(nil), val...))
				return true
			})
		}
		return res, nil
	case internal.QueryTInfo:
		info := internal.Info{
			Beans:      fsm.beans.Size(),
			LastIndex:  fsm.lastIndex.Load(),
			Applied:    fsm.applied.Load(),
			Rejections: fsm.rejections.Load(),
		}
		fsm.beans.Range(func(_ string, t *table) bool {
			info.Entries += t.Size()
			return true
		})
		return info, nil
	default:
		return nil, NewError(RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies committed commands. Each entry's Result.Value carries the
// RetCode of the command.
func (fsm *EntityStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()
	cmd := internal.Command{}

	for idx, e := range entries {
		fsm.lastIndex.Store(e.Index)

		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		t := fsm.table(cmd.Bean)
		switch cmd.Type {
		case internal.CommandTPut:
			t.Store(cmd.Key, append([]byte(nil), cmd.Value...))
			entries[idx].Result = sm.Result{Value: uint64(RetCSuccess)}
		case internal.CommandTInsert:
			if _, loaded := t.LoadOrStore(cmd.Key, append([]byte(nil), cmd.Value...)); loaded {
				fsm.rejections.Add(1)
				entries[idx].Result = sm.Result{Value: uint64(RetCDuplicate), Data: []byte(fmt.Sprintf("%s: key exists", cmd.Bean))}
				continue
			}
			entries[idx].Result = sm.Result{Value: uint64(RetCSuccess)}
		case internal.CommandTDelete:
			if _, ok := t.LoadAndDelete(cmd.Key); !ok {
				fsm.rejections.Add(1)
				entries[idx].Result = sm.Result{Value: uint64(RetCNotFound), Data: []byte(fmt.Sprintf("%s: no such key", cmd.Bean))}
				continue
			}
			entries[idx].Result = sm.Result{Value: uint64(RetCSuccess)}
		default:
			entries[idx].Result = sm.Result{
				Value: uint64(RetCInvalidOperation),
				Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
			}
			continue
		}
		fsm.applied.Add(1)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

type snapshotEntry struct {
	bean, key string
	value     []byte
}

// PrepareSnapshot captures the current state. Values are never mutated in
// place, so copying the references is enough.
func (fsm *EntityStateMachine) PrepareSnapshot() (interface{}, error) {
	var entries []snapshotEntry
	fsm.beans.Range(func(bean string, t *table) bool {
		t.Range(func(key string, val []byte) bool {
			entries = append(entries, snapshotEntry{bean: bean, key: key, value: val})
			return true
		})
		return true
	})
	return entries, nil
}

// SaveSnapshot writes the state captured by PrepareSnapshot. Format:
//
//	[8 bytes count] then per entry
//	[2 bytes bean len][4 bytes key len][4 bytes value len][bean][key][value]
func (fsm *EntityStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, stop <-chan struct{}) error {
	entries, ok := ctx.([]snapshotEntry)
	if !ok {
		return fmt.Errorf("invalid snapshot context %T", ctx)
	}
	w := bufio.NewWriter(writer)

	var hdr [10]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(len(entries)))
	if _, err := w.Write(hdr[:8]); err != nil {
		return err
	}
	for i, e := range entries {
		if i%1024 == 0 {
			select {
			case <-stop:
				return sm.ErrSnapshotStopped
			default:
			}
		}
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(e.bean)))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(len(e.key)))
		binary.BigEndian.PutUint32(hdr[6:10], uint32(len(e.value)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.WriteString(e.bean); err != nil {
			return err
		}
		if _, err := w.WriteString(e.key); err != nil {
			return err
		}
		if _, err := w.Write(e.value); err != nil {
			return err
		}
	}
	return w.Flush()
}

// RecoverFromSnapshot replaces the state with the snapshot content.
func (fsm *EntityStateMachine) RecoverFromSnapshot(reader io.Reader, _ []sm.SnapshotFile, stop <-chan struct{}) error {
	r := bufio.NewReader(reader)

	var hdr [10]byte
	if _, err := io.ReadFull(r, hdr[:8]); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	count := binary.BigEndian.Uint64(hdr[:8])

	fsm.beans.Clear()
	for i := uint64(0); i < count; i++ {
		if i%1024 == 0 {
			select {
			case <-stop:
				return sm.ErrSnapshotStopped
			default:
			}
		}
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return fmt.Errorf("read snapshot entry %d: %w", i, err)
		}
		buf := make([]byte, int(binary.BigEndian.Uint16(hdr[0:2]))+int(binary.BigEndian.Uint32(hdr[2:6]))+int(binary.BigEndian.Uint32(hdr[6:10])))
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read snapshot entry %d: %w", i, err)
		}
		beanLen := int(binary.BigEndian.Uint16(hdr[0:2]))
		keyLen := int(binary.BigEndian.Uint32(hdr[2:6]))
		bean := string(buf[:beanLen])
		key := string(buf[beanLen : beanLen+keyLen])
		fsm.table(bean).Store(key, buf[beanLen+keyLen:])
	}
	return nil
}

// Close performs any necessary cleanup.
func (fsm *EntityStateMachine) Close() error {
	return nil
}
