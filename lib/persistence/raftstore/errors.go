package raftstore

import (
	"fmt"

	"github.com/ValentinKolb/beanrt/lib/persistence"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode is the outcome of a command, carried in sm.Result.Value.
type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCDuplicate                       // 3: Insert of an existing key.
	RetCNotFound                        // 4: Delete or get of a missing key.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCDuplicate:
		return "Duplicate"
	case RetCNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(c))
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and a message. Duplicate and not found codes
// unwrap to the matching persistence sentinel.
type Error struct {
	Code RetCode
	Msg  string
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("raftstore (code %s): %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case RetCDuplicate:
		return persistence.ErrDuplicate
	case RetCNotFound:
		return persistence.ErrNotFound
	default:
		return nil
	}
}
