package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	ptesting "github.com/ValentinKolb/beanrt/lib/persistence/testing"
	"github.com/stretchr/testify/require"
)

func sqliteFactory(t testing.TB) persistence.Backend {
	s, err := NewSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	return s
}

func TestSQLite(t *testing.T) {
	ptesting.RunBackendTests(t, "SQLiteBackend", sqliteFactory)
}

func BenchmarkSQLite(b *testing.B) {
	ptesting.RunBackendBenchmarks(b, "SQLiteBackend", sqliteFactory)
}

// TestPostgres runs against a live database when BEANRT_TEST_POSTGRES_DSN is
// set. Every subtest empties entity_state, so point it at a scratch database.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("BEANRT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BEANRT_TEST_POSTGRES_DSN not set")
	}
	ptesting.RunBackendTests(t, "PostgresBackend", func(t testing.TB) persistence.Backend {
		s, err := NewPostgresBackend(context.Background(), dsn)
		require.NoError(t, err)
		_, err = s.(*storeImpl).db.Exec(`DELETE FROM entity_state`)
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteBackend(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "Account", "a", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteBackend(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "Account", "a")
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}

func TestRebind(t *testing.T) {
	require.Equal(t, "a = ? AND b = ?", SQLite.rebind("a = ? AND b = ?"))
	require.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
	require.Contains(t, Postgres.ddl(), "BYTEA")
	require.Contains(t, SQLite.ddl(), "BLOB")
}
