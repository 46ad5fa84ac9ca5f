// Package logging installs the log format of beanrt into dragonboat's logger
// registry, which all packages use through logger.GetLogger.
//
// Levels are given as a spec: a default level followed by per-package
// overrides, e.g. "warn,txsync=debug,raft=error". Loggers that are created
// after InitLoggers start at the default level of the last spec applied.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// beanrtLogger writes "LEVEL | name | message" lines. The level may change
// while other goroutines log.
type beanrtLogger struct {
	name   string
	level  atomic.Int32
	logger *log.Logger
}

func (l *beanrtLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *beanrtLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *beanrtLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *beanrtLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *beanrtLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *beanrtLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *beanrtLogger) Panicf(format string, args ...interface{}) {
	if l.enabled(logger.CRITICAL) {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *beanrtLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout

	// level of loggers created from now on
	defaultLevel atomic.Int32

	// dragonboat panics when the factory is set twice
	installOnce sync.Once
)

func init() {
	defaultLevel.Store(int32(logger.INFO))
}

// SetOutput redirects loggers created afterwards. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

// CreateLogger implements dragonboat's logger.Factory.
func CreateLogger(pkgName string) logger.ILogger {
	outMu.Lock()
	w := out
	outMu.Unlock()
	l := &beanrtLogger{
		name:   pkgName,
		logger: log.New(w, "", log.Ldate|log.Ltime),
	}
	l.level.Store(defaultLevel.Load())
	return l
}

// --------------------------------------------------------------------------
// Levels
// --------------------------------------------------------------------------

// ParseLevel converts a level name into a logger.LogLevel.
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level %q, must be one of debug, info, warn, error", level)
	}
}

// Levels is a parsed level spec.
type Levels struct {
	Default  logger.LogLevel
	Packages map[string]logger.LogLevel
}

// ParseLevels parses "default[,pkg=level...]". The default may be omitted,
// it is info then. An empty spec is info for everything.
func ParseLevels(spec string) (Levels, error) {
	lv := Levels{Default: logger.INFO, Packages: map[string]logger.LogLevel{}}
	seenDefault := false
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, level, override := strings.Cut(part, "=")
		if !override {
			if seenDefault {
				return Levels{}, fmt.Errorf("log levels %q: more than one default level", spec)
			}
			seenDefault = true
			l, err := ParseLevel(part)
			if err != nil {
				return Levels{}, err
			}
			lv.Default = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return Levels{}, fmt.Errorf("log levels %q: missing package name in %q", spec, part)
		}
		l, err := ParseLevel(level)
		if err != nil {
			return Levels{}, fmt.Errorf("log level of %s: %w", name, err)
		}
		lv.Packages[name] = l
	}
	return lv, nil
}

// With returns lv with the overrides of other applied on top. other's default
// is ignored.
func (lv Levels) With(other Levels) Levels {
	out := Levels{Default: lv.Default, Packages: make(map[string]logger.LogLevel, len(lv.Packages)+len(other.Packages))}
	for name, l := range lv.Packages {
		out.Packages[name] = l
	}
	for name, l := range other.Packages {
		out.Packages[name] = l
	}
	return out
}

// For returns the level of the named logger.
func (lv Levels) For(name string) logger.LogLevel {
	if l, ok := lv.Packages[name]; ok {
		return l
	}
	return lv.Default
}

func (lv Levels) String() string {
	parts := []string{levelName(lv.Default)}
	names := make([]string, 0, len(lv.Packages))
	for name := range lv.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+levelName(lv.Packages[name]))
	}
	return strings.Join(parts, ",")
}

func levelName(l logger.LogLevel) string {
	switch l {
	case logger.DEBUG:
		return "debug"
	case logger.INFO:
		return "info"
	case logger.WARNING:
		return "warn"
	case logger.ERROR:
		return "error"
	default:
		return "critical"
	}
}

// --------------------------------------------------------------------------
// Initialization
// --------------------------------------------------------------------------

// dragonboat's own loggers
var raftLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb"}

// Loggers are the names of the beanrt package loggers.
var Loggers = []string{"lockmgr", "cache", "pool", "txsync", "container", "persistence", "raftstore", "tx", "run"}

// Apply installs the custom factory on first use and sets the level of
// dragonboat's loggers, beanrt's loggers and every overridden package.
func Apply(lv Levels) {
	installOnce.Do(func() { logger.SetLoggerFactory(CreateLogger) })
	defaultLevel.Store(int32(lv.Default))

	for _, name := range raftLoggers {
		logger.GetLogger(name).SetLevel(lv.For(name))
	}
	for _, name := range Loggers {
		logger.GetLogger(name).SetLevel(lv.For(name))
	}
	for name, l := range lv.Packages {
		logger.GetLogger(name).SetLevel(l)
	}
}

// InitLoggers parses spec and applies it.
func InitLoggers(spec string) error {
	lv, err := ParseLevels(spec)
	if err != nil {
		return err
	}
	Apply(lv)
	return nil
}
