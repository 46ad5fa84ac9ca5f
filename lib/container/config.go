package container

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ValentinKolb/beanrt/lib/cache"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/pool"
)

// --------------------------------------------------------------------------
// Bean kinds
// --------------------------------------------------------------------------

// Kind is the bean type a container serves.
type Kind uint8

const (
	KindEntity Kind = iota
	KindStateless
	KindStateful
	KindMessageDriven
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindStateless:
		return "stateless"
	case KindStateful:
		return "stateful"
	case KindMessageDriven:
		return "message-driven"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ParseKind parses the name returned by Kind.String.
func ParseKind(name string) (Kind, error) {
	for k := KindEntity; k <= KindMessageDriven; k++ {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, &ConfigError{Reason: fmt.Sprintf("unknown bean kind %q", name)}
}

// --------------------------------------------------------------------------
// Commit options
// --------------------------------------------------------------------------

// CommitOption decides what happens to an entity instance after its
// transaction committed.
type CommitOption uint8

const (
	// CommitA keeps the instance cached and its state valid.
	CommitA CommitOption = iota
	// CommitB keeps the instance cached but reloads it in the next transaction.
	CommitB
	// CommitC passivates the instance.
	CommitC
)

func (o CommitOption) String() string {
	switch o {
	case CommitA:
		return "A"
	case CommitB:
		return "B"
	case CommitC:
		return "C"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// ParseCommitOption parses "A", "B" or "C".
func ParseCommitOption(name string) (CommitOption, error) {
	switch strings.ToUpper(name) {
	case "A", "":
		return CommitA, nil
	case "B":
		return CommitB, nil
	case "C":
		return CommitC, nil
	default:
		return 0, &ConfigError{Reason: fmt.Sprintf("unknown commit option %q", name)}
	}
}

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

var beanName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// Config configures the container of one bean.
type Config struct {
	// Name identifies the bean. It is used as persistence namespace, in log
	// messages and as metrics label.
	Name string
	// Kind is the bean type.
	Kind Kind
	// Lock configures the identity locks (entity and stateful beans).
	Lock lockmgr.Options
	// Cache configures the active instance cache (entity and stateful beans).
	Cache cache.Options
	// Pool configures the free instance pool.
	Pool pool.Options
	// CommitOption applies to entity beans.
	CommitOption CommitOption
	// SyncOnCommitOnly disables storing the entities of the active
	// transaction before collection finders and removes.
	SyncOnCommitOnly bool
	// SpoolDir is where passivated stateful sessions are written.
	SpoolDir string
}

// DefaultConfig returns the defaults for a bean of the given kind.
func DefaultConfig(name string, kind Kind) Config {
	cfg := Config{
		Name:         name,
		Kind:         kind,
		Lock:         lockmgr.DefaultOptions(),
		Cache:        cache.DefaultOptions(),
		Pool:         pool.DefaultOptions(),
		CommitOption: CommitA,
	}
	if kind == KindStateful {
		cfg.Lock.Policy = lockmgr.PolicyMethodOnly
	}
	return cfg
}

// Validate checks the configuration. All errors match ErrMisconfigured.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return &ConfigError{Bean: c.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if !beanName.MatchString(c.Name) {
		return fail("invalid bean name %q", c.Name)
	}
	if c.Kind > KindMessageDriven {
		return fail("unknown bean kind %d", c.Kind)
	}
	if c.CommitOption > CommitC {
		return fail("unknown commit option %d", c.CommitOption)
	}
	if _, err := lockmgr.ParsePolicy(string(c.Lock.Policy)); err != nil {
		return &ConfigError{Bean: c.Name, Reason: "locking-policy", Err: err}
	}
	if c.Lock.Timeout < 0 {
		return fail("negative lock timeout")
	}
	if c.Pool.MaxSize < 0 {
		return fail("negative pool size")
	}
	if c.Cache.MaxSize < 0 || c.Cache.MaxIdle < 0 {
		return fail("negative cache bounds")
	}
	if c.Kind == KindStateful {
		if c.SpoolDir == "" {
			return fail("stateful beans need a spool directory")
		}
		if c.Lock.Policy != lockmgr.PolicyMethodOnly {
			return fail("stateful beans require the %s locking policy", lockmgr.PolicyMethodOnly)
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	sb.WriteString(fmt.Sprintf("\nBEAN %s\n", strings.ToUpper(c.Name)))
	addField("Kind", c.Kind.String())
	addField("Pool Size", fmt.Sprintf("%d (strict=%t)", c.Pool.MaxSize, c.Pool.Strict))

	switch c.Kind {
	case KindEntity, KindStateful:
		addField("Locking Policy", string(c.Lock.Policy))
		addField("Lock Timeout", c.Lock.Timeout.String())
		addField("Reentrant", fmt.Sprintf("%t", c.Lock.Reentrant))
		addField("Cache Size", fmt.Sprintf("%d", c.Cache.MaxSize))
		addField("Cache Max Idle", c.Cache.MaxIdle.String())
	}
	if c.Kind == KindEntity {
		addField("Commit Option", c.CommitOption.String())
		addField("Sync On Commit Only", fmt.Sprintf("%t", c.SyncOnCommitOnly))
	}
	if c.Kind == KindStateful {
		addField("Spool Directory", c.SpoolDir)
	}
	return sb.String()
}
