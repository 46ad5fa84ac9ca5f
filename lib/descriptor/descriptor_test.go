package descriptor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/beanrt/lib/container"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/logging"
	"github.com/stretchr/testify/require"
)

const sample = `{
	"log-levels": {"txsync": "debug", "raft": "error"},
	// application beans
	"beans": [
		{
			"name": "Account",
			"kind": "entity",
			"lock-timeout": "250ms",
			"reentrant": true,
			"commit-option": "b",
			"cache": {"max-size": 10, "max-idle": "1m"},
		},
		{
			"name": "Cart",
			"kind": "stateful",
			"spool-dir": "/tmp/carts", /* passivated sessions */
			"pool": {"max-size": 4, "strict": true},
		},
		{"name": "Mailer", "kind": "message-driven"},
	],
}`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, []string{"Account", "Cart", "Mailer"}, d.Names())

	acc, ok := d.Lookup("Account")
	require.True(t, ok)
	want := container.DefaultConfig("Account", container.KindEntity)
	want.Lock.Timeout = 250 * time.Millisecond
	want.Lock.Reentrant = true
	want.CommitOption = container.CommitB
	want.Cache.MaxSize = 10
	want.Cache.MaxIdle = time.Minute
	require.Equal(t, want, acc)

	cart, ok := d.Lookup("Cart")
	require.True(t, ok)
	require.Equal(t, lockmgr.PolicyMethodOnly, cart.Lock.Policy)
	require.Equal(t, "/tmp/carts", cart.SpoolDir)
	require.True(t, cart.Pool.Strict)
	require.Equal(t, 4, cart.Pool.MaxSize)

	_, ok = d.Lookup("Nope")
	require.False(t, ok)

	cli, err := logging.ParseLevels("warn,raft=info")
	require.NoError(t, err)
	lv := logging.Levels{Default: cli.Default}.With(d.LogLevels()).With(cli)
	require.Equal(t, "warn,raft=info,txsync=debug", lv.String())
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":          `{"beans": [`,
		"unknown field":   `{"beans": [{"name": "A", "kind": "entity", "colour": "red"}]}`,
		"unknown kind":    `{"beans": [{"name": "A", "kind": "singleton"}]}`,
		"unknown policy":  `{"beans": [{"name": "A", "kind": "entity", "locking-policy": "optimistic"}]}`,
		"bad duration":    `{"beans": [{"name": "A", "kind": "entity", "lock-timeout": "soon"}]}`,
		"bad option":      `{"beans": [{"name": "A", "kind": "entity", "commit-option": "D"}]}`,
		"missing spool":   `{"beans": [{"name": "A", "kind": "stateful"}]}`,
		"invalid name":    `{"beans": [{"name": "", "kind": "stateless"}]}`,
		"bad log level":   `{"log-levels": {"tx": "loud"}, "beans": []}`,
		"empty logger":    `{"log-levels": {"": "debug"}, "beans": []}`,
		"duplicate beans": `{"beans": [{"name": "A", "kind": "stateless"}, {"name": "A", "kind": "stateless"}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Parse([]byte(`{"beans": [{"name": "A", "kind": "entity", "locking-policy": "optimistic"}]}`))
	require.ErrorIs(t, err, container.ErrMisconfigured)
	require.ErrorIs(t, err, lockmgr.ErrUnknownPolicy)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beans.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	require.Len(t, d.Names(), 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.ErrorIs(t, err, ErrNotFound)
}
