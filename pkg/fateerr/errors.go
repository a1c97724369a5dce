// Package fateerr defines the error-kind taxonomy FATE surfaces to callers,
// built on fmt.Errorf("...: %w", err) wrapping rather than a bespoke error
// framework.
package fateerr

import (
	"errors"
	"fmt"
)

// Kind classifies the reason an operation failed.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package's
	// constructors.
	KindUnknown Kind = iota
	// KindTransient marks a transient store I/O hiccup. No store in this
	// module retries or returns it: BoltStore reports every bolt error,
	// transient or not, as KindBackend.
	KindTransient
	// KindBackend marks a persistent backend failure.
	KindBackend
	// KindNotFound marks an operation against an UNKNOWN row.
	KindNotFound
	// KindWrongStatus marks a disallowed state transition.
	KindWrongStatus
	// KindLostReservation marks a reservation whose owner changed.
	KindLostReservation
	// KindDeleted marks a mutation attempted after delete().
	KindDeleted
	// KindCallFailed marks a step's call() throwing.
	KindCallFailed
	// KindIsReadyFailed marks a step's isReady() throwing.
	KindIsReadyFailed
	// KindUndoFailed marks a step's undo() throwing (logged only).
	KindUndoFailed
	// KindInterrupted marks a shutdown/cancel-induced abort.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Store::Transient"
	case KindBackend:
		return "Store::Backend"
	case KindNotFound:
		return "Store::NotFound"
	case KindWrongStatus:
		return "State::WrongStatus"
	case KindLostReservation:
		return "State::LostReservation"
	case KindDeleted:
		return "State::Deleted"
	case KindCallFailed:
		return "Step::CallFailed"
	case KindIsReadyFailed:
		return "Step::IsReadyFailed"
	case KindUndoFailed:
		return "Step::UndoFailed"
	case KindInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Error is a FATE error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error for the given kind and operation, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
