package raftstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
)

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// Config describes a replica of the entity state shard.
type Config struct {
	ShardID            uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	Timeout            time.Duration
}

// DefaultConfig returns a single node configuration listening on addr.
func DefaultConfig(dataDir, addr string) Config {
	return Config{
		ShardID:            100,
		ReplicaID:          1,
		ClusterMembers:     map[uint64]string{1: addr},
		RTTMillisecond:     10,
		SnapshotEntries:    1000,
		CompactionOverhead: 500,
		DataDir:            dataDir,
		Timeout:            5 * time.Second,
	}
}

// ToDragonboatConfig converts the Config to a Dragonboat shard config.
func (c Config) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat.
func (c Config) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
		return fmt.Errorf("raftstore: replica %d is not a cluster member", c.ReplicaID)
	}
	if c.DataDir == "" {
		return fmt.Errorf("raftstore: data dir is required")
	}
	if c.RTTMillisecond == 0 {
		return fmt.Errorf("raftstore: rtt must be positive")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Raft Backend")
	addField("Shard ID", strconv.FormatUint(c.ShardID, 10))
	addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
	addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
	addField("Round Trip Time", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT", fmt.Sprintf("%d ms", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT", fmt.Sprintf("%d ms", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Snapshot Entries", strconv.FormatUint(c.SnapshotEntries, 10))
	addField("Compaction Overhead", strconv.FormatUint(c.CompactionOverhead, 10))
	addField("Data Directory", c.DataDir)
	addField("Timeout", c.Timeout.String())

	// Sort keys for consistent output
	keys := make([]uint64, 0, len(c.ClusterMembers))
	for k := range c.ClusterMembers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		addField(fmt.Sprintf("Member %d", k), c.ClusterMembers[k])
	}
	return sb.String()
}

// Open starts a NodeHost, joins the entity state shard and waits until the
// shard can serve linearizable reads. Closing the returned backend stops the
// NodeHost.
func Open(ctx context.Context, c Config) (persistence.Backend, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	nh, err := dragonboat.NewNodeHost(c.ToNodeHostConfig())
	if err != nil {
		return nil, fmt.Errorf("raftstore: failed to create node host: %w", err)
	}

	if err := nh.StartConcurrentReplica(c.ClusterMembers, false, CreateStateMachineFactory(), c.ToDragonboatConfig()); err != nil {
		nh.Close()
		return nil, fmt.Errorf("raftstore: failed to start shard %d: %w", c.ShardID, err)
	}

	s := newStore(nh, c.ShardID, c.Timeout, true)
	if err := s.waitReady(ctx); err != nil {
		nh.Close()
		return nil, err
	}
	log.Infof("shard %d ready on %s", c.ShardID, c.ClusterMembers[c.ReplicaID])
	return s, nil
}
