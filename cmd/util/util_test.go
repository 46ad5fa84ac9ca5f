package util

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		if len(line) > Wrap {
			t.Errorf("line longer than %d: %q", Wrap, line)
		}
	}
	if got := WrapString("  short   text "); got != "short text" {
		t.Errorf("WrapString = %q", got)
	}
}

func TestRaftConfig(t *testing.T) {
	defer viper.Reset()
	viper.Set("data-dir", t.TempDir())
	viper.Set("replica-id", "node-2")
	viper.Set("cluster-members", "node-1=localhost:63001, node-2=localhost:63002")
	viper.Set("rtt-millisecond", 20)

	c, err := RaftConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.ClusterMembers[c.ReplicaID] != "localhost:63002" || len(c.ClusterMembers) != 2 {
		t.Errorf("unexpected members %v for replica %d", c.ClusterMembers, c.ReplicaID)
	}
	if err := c.Validate(); err != nil {
		t.Error(err)
	}

	viper.Set("replica-id", "node-3")
	if _, err := RaftConfig(); err == nil {
		t.Error("expected error for replica outside the cluster")
	}
}

func TestOpenBackend(t *testing.T) {
	defer viper.Reset()
	ctx := context.Background()

	viper.Set("backend", "memory")
	b, _, err := OpenBackend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Close()

	viper.Set("backend", "sqlite")
	viper.Set("dsn", "")
	viper.Set("data-dir", t.TempDir())
	b, desc, err := OpenBackend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(desc, "beanrt.db") {
		t.Errorf("unexpected description %q", desc)
	}
	_ = b.Close()

	viper.Set("backend", "cassandra")
	if _, _, err := OpenBackend(ctx); err == nil {
		t.Error("expected error for unknown backend")
	}
}
