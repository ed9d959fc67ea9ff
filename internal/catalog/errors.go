package catalog

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds surfaced at the dispatcher
// boundary. Catalog operations never fail without one.
type Kind int

const (
	KindServer Kind = iota
	KindUnauthorised
	KindAPIMismatch
	KindNotFound
	KindNoneAvailable
	KindConflict
	KindIntegrityMismatch
	KindTaskChanged
	KindTaskDeleted
	KindOutOfRange
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorised:
		return "unauthorised"
	case KindAPIMismatch:
		return "api-mismatch"
	case KindNotFound:
		return "not-found"
	case KindNoneAvailable:
		return "none-available"
	case KindConflict:
		return "conflict"
	case KindIntegrityMismatch:
		return "integrity-mismatch"
	case KindTaskChanged:
		return "task-changed"
	case KindTaskDeleted:
		return "task-deleted"
	case KindOutOfRange:
		return "out-of-range"
	case KindBadRequest:
		return "bad-request"
	default:
		return "server-error"
	}
}

// Error carries a kind plus a human message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// E builds a kinded error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error chain; anything unkinded is a
// server error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindServer
}
