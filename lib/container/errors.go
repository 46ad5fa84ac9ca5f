package container

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/beanrt/lib/cache"
	"github.com/ValentinKolb/beanrt/lib/instance"
	"github.com/ValentinKolb/beanrt/lib/lockmgr"
	"github.com/ValentinKolb/beanrt/lib/persistence"
	"github.com/ValentinKolb/beanrt/lib/txsync"
)

var (
	// ErrMisconfigured matches every ConfigError.
	ErrMisconfigured = errors.New("container: misconfigured")
	// ErrNoSuchEntity is returned when an identity does not exist.
	ErrNoSuchEntity = cache.ErrNotFound
	// ErrNoSuchSession is returned for an unknown or removed stateful session.
	ErrNoSuchSession = errors.New("container: no such session")
	// ErrObjectNotFound is returned by single object finders that found nothing.
	// Finder handlers return it as well.
	ErrObjectNotFound = errors.New("container: object not found")
	// ErrDuplicateKey is returned by create when the primary key exists.
	ErrDuplicateKey = persistence.ErrDuplicate
	// ErrTransactionConflict is returned when an instance is enlisted in a
	// different transaction than the caller's. The call can be retried.
	ErrTransactionConflict = errors.New("container: instance is enlisted in another transaction")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("container: closed")

	// ErrLockTimeout is returned when the identity lock was not acquired in
	// time. The call can be retried.
	ErrLockTimeout = lockmgr.ErrLockTimeout
	// ErrReentrantCall is returned for a nested call on a non-reentrant bean.
	ErrReentrantCall = lockmgr.ErrReentrantCall
	// ErrIllegalState is returned by context operations used in the wrong
	// lifecycle phase.
	ErrIllegalState = instance.ErrIllegalState
	// ErrConsistencyViolation is the cause of a rollback after an instance
	// evicted during its transaction had to be stored.
	ErrConsistencyViolation = txsync.ErrConsistencyViolation
)

// ConfigError reports an invalid deployment. It is fatal for the bean.
type ConfigError struct {
	Bean   string
	Op     string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "container: misconfigured"
	if e.Bean != "" {
		msg += " bean " + e.Bean
	}
	if e.Op != "" {
		msg += " operation " + e.Op
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMisconfigured}
	}
	return []error{ErrMisconfigured, e.Err}
}

// ApplicationError is an expected, business level failure raised by the
// container on behalf of the bean (duplicate key on create, finder without
// result). It does not affect the transaction.
type ApplicationError struct {
	Bean string
	Op   string
	Err  error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Bean, e.Op, e.Err)
}

func (e *ApplicationError) Unwrap() error { return e.Err }

// SystemError is an unexpected failure: a panic in bean code, an error a
// bean flagged with Fail, or a persistence failure. It marks the caller's
// transaction rollback-only and the instance is discarded.
type SystemError struct {
	Bean  string
	Op    string
	Err   error
	Panic any
}

func (e *SystemError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s.%s: panic: %v", e.Bean, e.Op, e.Panic)
	}
	return fmt.Sprintf("%s.%s: system error: %v", e.Bean, e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// Fail marks err as a system error. Bean handlers return Fail(err) for
// failures that must roll back the transaction; all other handler errors are
// application errors and are returned to the caller unchanged.
func Fail(err error) error {
	if err == nil {
		return nil
	}
	var se *SystemError
	if errors.As(err, &se) {
		return err
	}
	return &SystemError{Err: err}
}

// IsSystemError reports whether err is or wraps a SystemError.
func IsSystemError(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}

// IsApplicationError reports whether err is a failure of the business logic,
// i.e. neither a system error nor a container error.
func IsApplicationError(err error) bool {
	if err == nil || IsSystemError(err) {
		return false
	}
	var ce *ConfigError
	return !errors.As(err, &ce) &&
		!errors.Is(err, ErrLockTimeout) &&
		!errors.Is(err, ErrReentrantCall) &&
		!errors.Is(err, ErrTransactionConflict) &&
		!errors.Is(err, ErrClosed)
}

// systemError wraps err as a SystemError of op unless it already is one.
func (c *Container) systemError(op string, err error) error {
	var se *SystemError
	if errors.As(err, &se) {
		if se.Bean == "" {
			se.Bean, se.Op = c.cfg.Name, op
		}
		return err
	}
	return &SystemError{Bean: c.cfg.Name, Op: op, Err: err}
}
