package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies store failures so callers can pick a retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error wraps a database failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsConflict reports whether err is a store conflict error.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return kindOf(err) == KindTransient }

func kindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// classify converts a raw database error into a store Error. SQLite surfaces
// lock contention as "database is locked" / "database table is locked" and
// busy timeouts as SQLITE_BUSY; both are retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"), strings.Contains(msg, "constraint failed"):
		return &Error{Kind: KindConflict, Op: op, Err: err}
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "table is locked"),
		strings.Contains(msg, "sqlite_busy"):
		return &Error{Kind: KindTransient, Op: op, Err: err}
	default:
		return &Error{Kind: KindPermanent, Op: op, Err: err}
	}
}
