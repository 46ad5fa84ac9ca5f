package util

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/persistence/memstore"
	"github.com/ValentinKolb/beanrt/lib/persistence/raftstore"
	"github.com/ValentinKolb/beanrt/lib/persistence/sqlstore"
	"github.com/cespare/xxhash/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and lets BEANRT_* environment variables
// override flags.
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("beanrt")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Persistence backends
// --------------------------------------------------------------------------

// SetupBackendFlags adds the flags read by OpenBackend.
func SetupBackendFlags(cmd *cobra.Command) {
	key := "backend"
	cmd.PersistentFlags().String(key, "memory", WrapString("Where entity state is stored (memory, sqlite, postgres, raft)"))

	key = "dsn"
	cmd.PersistentFlags().String(key, "", WrapString("(sqlite) path of the database file, (postgres) connection string"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("(raft) directory for the raft log and snapshots, (sqlite) default location of the database file"))

	key = "replica-id"
	cmd.PersistentFlags().String(key, "node-1", WrapString("(raft) unique name of this replica"))

	key = "cluster-members"
	cmd.PersistentFlags().String(key, "node-1=localhost:63001", WrapString("(raft) comma-separated list of replicas in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "rtt-millisecond"
	cmd.PersistentFlags().Uint64(key, 10, WrapString("(raft) average round trip time between replicas in milliseconds"))

	key = "backend-timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("(raft) timeout of a single backend request"))
}

// hashID maps a replica name to a dragonboat replica id.
func hashID(name string) uint64 {
	return xxhash.Sum64String(name)
}

// RaftConfig builds the raft backend configuration from viper.
func RaftConfig() (raftstore.Config, error) {
	c := raftstore.DefaultConfig(viper.GetString("data-dir"), "")
	c.ReplicaID = hashID(viper.GetString("replica-id"))
	c.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	c.Timeout = viper.GetDuration("backend-timeout")

	c.ClusterMembers = make(map[uint64]string)
	for _, member := range strings.Split(viper.GetString("cluster-members"), ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return c, fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		c.ClusterMembers[hashID(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
		return c, fmt.Errorf("no address found for replica %s (id %s) in cluster members",
			viper.GetString("replica-id"), strconv.FormatUint(c.ReplicaID, 10))
	}
	return c, nil
}

// OpenBackend opens the persistence backend selected by the backend flag.
func OpenBackend(ctx context.Context) (persistence.Backend, string, error) {
	switch name := viper.GetString("backend"); name {
	case "memory":
		return memstore.NewMemoryBackend(), "memory", nil

	case "sqlite":
		path := viper.GetString("dsn")
		if path == "" {
			path = filepath.Join(viper.GetString("data-dir"), "beanrt.db")
		}
		b, err := sqlstore.NewSQLiteBackend(ctx, path)
		return b, "sqlite " + path, err

	case "postgres":
		b, err := sqlstore.NewPostgresBackend(ctx, viper.GetString("dsn"))
		return b, "postgres", err

	case "raft":
		c, err := RaftConfig()
		if err != nil {
			return nil, "", err
		}
		b, err := raftstore.Open(ctx, c)
		return b, "raft" + c.String(), err

	default:
		return nil, "", fmt.Errorf("invalid backend %s (expected one of: memory, sqlite, postgres, raft)", name)
	}
}
