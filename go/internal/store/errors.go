package store

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a failure at the persistence boundary.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork means the store could not be reached.
	KindNetwork
	// KindAuth means the caller's session is missing or expired.
	KindAuth
	KindTimeout
	KindPermission
	// KindShape means a payload did not match what the collection expects.
	KindShape
	KindNotFound
	// KindConflict means a versioned write was based on a stale version.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	case KindShape:
		return "shape"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the typed failure every Store implementation returns.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Collection != "" {
		msg += " " + e.Collection
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a store error.
func E(kind Kind, op, collection string, err error) error {
	return &Error{Kind: kind, Op: op, Collection: collection, Err: err}
}

// Errorf builds a store error with a formatted cause.
func Errorf(kind Kind, op, collection, format string, args ...any) error {
	return E(kind, op, collection, fmt.Errorf(format, args...))
}

// KindOf returns the kind attached to err. Context errors map to KindTimeout; anything
// without a kind is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// CollectionOf returns the collection label attached to err, if any.
func CollectionOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Collection
	}
	return ""
}
