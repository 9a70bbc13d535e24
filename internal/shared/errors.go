package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ledger failures for the request boundary.
type ErrorKind int

const (
	// KindValidation covers malformed, missing or out-of-range input.
	KindValidation ErrorKind = iota + 1
	// KindNotFound covers absent or soft-deleted records.
	KindNotFound
	// KindConflict covers state-machine violations.
	KindConflict
	// KindForbidden covers scope or owner mismatches.
	KindForbidden
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error is the structured ledger error. Code is stable and safe to expose.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	IDs     []int64
}

func (e *Error) Error() string {
	if len(e.IDs) > 0 {
		return fmt.Sprintf("%s %v", e.Message, e.IDs)
	}
	return e.Message
}

// Is matches on kind, and on code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

var (
	// ErrValidation matches every validation error.
	ErrValidation = &Error{Kind: KindValidation, Message: "validation failed"}
	// ErrNotFound matches every not-found error.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}
	// ErrConflict matches every conflict error.
	ErrConflict = &Error{Kind: KindConflict, Message: "conflict"}
	// ErrForbidden matches every forbidden error.
	ErrForbidden = &Error{Kind: KindForbidden, Message: "forbidden"}
)

// Validation builds a validation error.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NotFound builds a not-found error.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Conflict builds a conflict error.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Forbidden builds a forbidden error.
func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

// WithIDs returns a copy of e listing the offending record ids.
func (e *Error) WithIDs(ids ...int64) *Error {
	clone := *e
	clone.IDs = append([]int64(nil), ids...)
	return &clone
}

// AsError unwraps err into a ledger error when it is one.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
