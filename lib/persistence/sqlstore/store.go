// Package sqlstore implements persistence.Backend on top of database/sql.
//
// All beans share a single table:
//
//	entity_state(bean, pk, payload)  PRIMARY KEY (bean, pk)
//
// pk holds the canonical identity, which may contain NUL bytes, so both pk
// and payload are binary columns. Two dialects are supported: SQLite through
// the pure Go modernc.org/sqlite driver and PostgreSQL through pgx's
// database/sql driver. They differ only in placeholder syntax and column types;
// inserts and upserts use ON CONFLICT, which both understand.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Dialect describes the SQL differences between the supported databases.
type Dialect struct {
	Name       string
	Driver     string
	BinaryType string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
}

var (
	// SQLite is the dialect of modernc.org/sqlite.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite", BinaryType: "BLOB"}
	// Postgres is the dialect of pgx.
	Postgres = Dialect{Name: "postgres", Driver: "pgx", BinaryType: "BYTEA", Numbered: true}
)

// rebind rewrites '?' placeholders for dialects with numbered placeholders.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type queries struct {
	get, put, insert, del, scan string
}

func (d Dialect) queries() queries {
	return queries{
		get: d.rebind(`SELECT payload FROM entity_state WHERE bean = ? AND pk = ?`),
		put: d.rebind(`INSERT INTO entity_state (bean, pk, payload) VALUES (?, ?, ?)
			ON CONFLICT (bean, pk) DO UPDATE SET payload = excluded.payload`),
		insert: d.rebind(`INSERT INTO entity_state (bean, pk, payload) VALUES (?, ?, ?)
			ON CONFLICT (bean, pk) DO NOTHING`),
		del:  d.rebind(`DELETE FROM entity_state WHERE bean = ? AND pk = ?`),
		scan: d.rebind(`SELECT pk, payload FROM entity_state WHERE bean = ?`),
	}
}

func (d Dialect) ddl() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entity_state (
		bean TEXT NOT NULL,
		pk %[1]s NOT NULL,
		payload %[1]s NOT NULL,
		PRIMARY KEY (bean, pk)
	)`, d.BinaryType)
}

type storeImpl struct {
	db      *sql.DB
	dialect Dialect
	q       queries
	owned   bool
}

// New wraps an open database. The schema is created if missing. The caller
// keeps ownership of db; Close does not close it.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (persistence.Backend, error) {
	return newStore(ctx, db, dialect, false)
}

func newStore(ctx context.Context, db *sql.DB, dialect Dialect, owned bool) (*storeImpl, error) {
	if _, err := db.ExecContext(ctx, dialect.ddl()); err != nil {
		return nil, fmt.Errorf("sqlstore: create entity_state table: %w", err)
	}
	return &storeImpl{db: db, dialect: dialect, q: dialect.queries(), owned: owned}, nil
}

// NewSQLiteBackend opens (or creates) the SQLite database at path.
func NewSQLiteBackend(ctx context.Context, path string) (persistence.Backend, error) {
	if path == "" {
		path = "beanrt.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("sqlstore: create dirs: %w", err)
	}
	db, err := sql.Open(SQLite.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s, err := newStore(ctx, db, SQLite, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresBackend connects to the PostgreSQL database at dsn.
func NewPostgresBackend(ctx context.Context, dsn string) (persistence.Backend, error) {
	if dsn == "" {
		dsn = "postgres://localhost/beanrt?sslmode=disable"
	}
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping postgres: %w", err)
	}
	s, err := newStore(ctx, db, Postgres, true)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see persistence/backend.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(ctx context.Context, bean, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.q.get, bean, []byte(key)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", persistence.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

func (s *storeImpl) Put(ctx context.Context, bean, key string, state []byte) error {
	if _, err := s.db.ExecContext(ctx, s.q.put, bean, []byte(key), nonNil(state)); err != nil {
		return fmt.Errorf("sqlstore: upsert: %w", err)
	}
	return nil
}

func (s *storeImpl) Insert(ctx context.Context, bean, key string, state []byte) error {
	res, err := s.db.ExecContext(ctx, s.q.insert, bean, []byte(key), nonNil(state))
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", persistence.ErrDuplicate, key)
	}
	return nil
}

func (s *storeImpl) Delete(ctx context.Context, bean, key string) error {
	res, err := s.db.ExecContext(ctx, s.q.del, bean, []byte(key))
	if err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", persistence.ErrNotFound, key)
	}
	return nil
}

func (s *storeImpl) Scan(ctx context.Context, bean string, fn func(key string, state []byte) bool) error {
	rows, err := s.db.QueryContext(ctx, s.q.scan, bean)
	if err != nil {
		return fmt.Errorf("sqlstore: scan: %w", err)
	}
	type row struct {
		pk      []byte
		payload []byte
	}
	// rows are drained before fn runs so fn may use the backend
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.pk, &r.payload); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlstore: scan: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("sqlstore: scan: %w", err)
	}
	_ = rows.Close()

	for _, r := range all {
		if !fn(string(r.pk), nonNil(r.payload)) {
			break
		}
	}
	return nil
}

func (s *storeImpl) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
