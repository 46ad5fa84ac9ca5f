// Package descriptor reads container configurations from a deployment
// descriptor: a JSON document that may contain comments and trailing commas.
//
//	{
//	  // all beans of the application
//	  "log-levels": {"txsync": "debug"},
//	  "beans": [
//	    {
//	      "name": "Account",
//	      "kind": "entity",
//	      "locking-policy": "queued-pessimistic",
//	      "lock-timeout": "2s",
//	      "commit-option": "B",
//	      "cache": {"max-size": 5000, "max-idle": "10m"},
//	    },
//	  ],
//	}
//
// Every field except name and kind is optional; missing fields keep the
// values of container.DefaultConfig. log-levels overrides the level of
// single package loggers.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ValentinKolb/beanrt/lib/container"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/logging"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/tailscale/hujson"
)

var (
	// ErrInvalid is returned for descriptors that cannot be parsed or name
	// invalid values.
	ErrInvalid = errors.New("descriptor: invalid")
	// ErrNotFound is returned when the descriptor file does not exist.
	ErrNotFound = errors.New("descriptor: file not found")
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type cacheSection struct {
	MaxSize       *int      `json:"max-size,omitempty"`
	MaxIdle       *Duration `json:"max-idle,omitempty"`
	SweepInterval *Duration `json:"sweep-interval,omitempty"`
}

type poolSection struct {
	MaxSize       *int      `json:"max-size,omitempty"`
	Strict        *bool     `json:"strict,omitempty"`
	StrictTimeout *Duration `json:"strict-timeout,omitempty"`
}

// Bean is the descriptor entry of one bean.
type Bean struct {
	Name             string        `json:"name"`
	Kind             string        `json:"kind"`
	LockingPolicy    *string       `json:"locking-policy,omitempty"`
	LockTimeout      *Duration     `json:"lock-timeout,omitempty"`
	Reentrant        *bool         `json:"reentrant,omitempty"`
	LockPartitions   *int          `json:"lock-partitions,omitempty"`
	CommitOption     *string       `json:"commit-option,omitempty"`
	SyncOnCommitOnly *bool         `json:"sync-on-commit-only,omitempty"`
	SpoolDir         *string       `json:"spool-dir,omitempty"`
	Cache            *cacheSection `json:"cache,omitempty"`
	Pool             *poolSection  `json:"pool,omitempty"`
}

type document struct {
	LogLevels map[string]string `json:"log-levels,omitempty"`
	Beans     []Bean            `json:"beans"`
}

// Descriptor is a parsed and validated deployment descriptor.
type Descriptor struct {
	beans  map[string]container.Config
	levels logging.Levels
}

// Load reads and parses the descriptor at path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("descriptor: read %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse parses a descriptor. Unknown fields, duplicate bean names and
// configurations rejected by container.Config.Validate are errors.
func Parse(data []byte) (*Descriptor, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	d := &Descriptor{beans: make(map[string]container.Config, len(doc.Beans))}
	if d.levels, err = parseLevels(doc.LogLevels); err != nil {
		return nil, fmt.Errorf("%w: log-levels: %w", ErrInvalid, err)
	}
	for i, b := range doc.Beans {
		cfg, err := b.Config()
		if err != nil {
			return nil, fmt.Errorf("%w: bean #%d: %w", ErrInvalid, i, err)
		}
		if _, dup := d.beans[cfg.Name]; dup {
			return nil, fmt.Errorf("%w: bean %s declared twice", ErrInvalid, cfg.Name)
		}
		d.beans[cfg.Name] = cfg
	}
	return d, nil
}

func parseLevels(m map[string]string) (logging.Levels, error) {
	lv := logging.Levels{Packages: make(map[string]logger.LogLevel, len(m))}
	for name, level := range m {
		if name == "" {
			return logging.Levels{}, errors.New("empty package name")
		}
		l, err := logging.ParseLevel(level)
		if err != nil {
			return logging.Levels{}, fmt.Errorf("%s: %w", name, err)
		}
		lv.Packages[name] = l
	}
	return lv, nil
}

// Config converts the entry into a validated container configuration.
func (b Bean) Config() (container.Config, error) {
	kind, err := container.ParseKind(b.Kind)
	if err != nil {
		return container.Config{}, err
	}
	cfg := container.DefaultConfig(b.Name, kind)

	if b.LockingPolicy != nil {
		p, err := lockmgr.ParsePolicy(*b.LockingPolicy)
		if err != nil {
			return container.Config{}, &container.ConfigError{Bean: b.Name, Reason: "locking-policy", Err: err}
		}
		cfg.Lock.Policy = p
	}
	if b.LockTimeout != nil {
		cfg.Lock.Timeout = time.Duration(*b.LockTimeout)
	}
	if b.Reentrant != nil {
		cfg.Lock.Reentrant = *b.Reentrant
	}
	if b.LockPartitions != nil {
		cfg.Lock.Partitions = *b.LockPartitions
	}
	if b.CommitOption != nil {
		if cfg.CommitOption, err = container.ParseCommitOption(*b.CommitOption); err != nil {
			return container.Config{}, err
		}
	}
	if b.SyncOnCommitOnly != nil {
		cfg.SyncOnCommitOnly = *b.SyncOnCommitOnly
	}
	if b.SpoolDir != nil {
		cfg.SpoolDir = *b.SpoolDir
	}
	if c := b.Cache; c != nil {
		if c.MaxSize != nil {
			cfg.Cache.MaxSize = *c.MaxSize
		}
		if c.MaxIdle != nil {
			cfg.Cache.MaxIdle = time.Duration(*c.MaxIdle)
		}
		if c.SweepInterval != nil {
			cfg.Cache.SweepInterval = time.Duration(*c.SweepInterval)
		}
	}
	if p := b.Pool; p != nil {
		if p.MaxSize != nil {
			cfg.Pool.MaxSize = *p.MaxSize
		}
		if p.Strict != nil {
			cfg.Pool.Strict = *p.Strict
		}
		if p.StrictTimeout != nil {
			cfg.Pool.StrictTimeout = time.Duration(*p.StrictTimeout)
		}
	}

	if err := cfg.Validate(); err != nil {
		return container.Config{}, err
	}
	return cfg, nil
}

// Lookup returns the configuration of the named bean.
func (d *Descriptor) Lookup(name string) (container.Config, bool) {
	cfg, ok := d.beans[name]
	return cfg, ok
}

// Names returns the sorted bean names.
func (d *Descriptor) Names() []string {
	out := make([]string, 0, len(d.beans))
	for name := range d.beans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LogLevels returns the per-package log levels. Its default is unset and
// ignored by logging.Levels.With.
func (d *Descriptor) LogLevels() logging.Levels {
	return d.levels
}
