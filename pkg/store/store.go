// Package store implements FATE's durable per-transaction storage: the
// step stack, status, operation tag, exception record, return value,
// transaction info map and reservation tuple, backed by BoltDB — one
// bucket of JSON-marshaled rows plus a metadata bucket holding the id
// high-water mark, atomic Update/View transactions.
package store

import (
	"context"
	"time"

	"github.com/cuemby/fate/pkg/fateid"
)

// Store is the durable per-transaction storage contract.
type Store interface {
	// Create allocates a unique id and inserts a row at NEW with an empty
	// stack and no operation tag.
	Create() (fateid.ID, error)

	// List returns a snapshot of Tx views matching filter. Snapshot
	// consistency is guaranteed per-row, not across the whole result set.
	List(filter Filter) ([]*Tx, error)

	// Get returns a single row's view. An id with no row yields a Tx with
	// StatusUnknown and a nil error.
	Get(id fateid.ID) (*Tx, error)

	// Reserve blocks (up to ctx's deadline) until the row can be reserved
	// by ownerLockID. Reserving a nonexistent id is a contract violation
	// and returns a fateerr KindNotFound error.
	Reserve(ctx context.Context, id fateid.ID, ownerLockID string) (ReservedTx, error)

	// TryReserve is the non-blocking variant of Reserve. It returns
	// ErrBusy if another owner currently holds the row.
	TryReserve(id fateid.ID, ownerLockID string) (ReservedTx, error)

	// Runnable yields ids whose deferral deadline has passed (or
	// ignoreDeadlines returns true, in which case all deferral deadlines
	// are disregarded) and whose status is runnable. Polling continues,
	// sleeping between passes, until keepWaiting returns false.
	Runnable(keepWaiting func() bool, ignoreDeadlines func() bool) <-chan fateid.ID

	// UnreserveOrphaned clears reservations whose owner lock-id is not in
	// liveLockIDs. Called on startup to release locks held by processes
	// that crashed without releasing them.
	UnreserveOrphaned(liveLockIDs map[string]bool) error

	// Close releases underlying resources.
	Close() error
}

// ReservedTx is the mutating view obtained by (Try)Reserve. Every method
// fails with fateerr KindDeleted after Delete, and with KindLostReservation
// if a newer owner has reclaimed the row.
type ReservedTx interface {
	GetID() fateid.ID
	GetStatus() (Status, error)
	GetStack() ([]StepRecord, error)
	GetInfo() (map[string]string, error)
	GetOperationTag() (string, error)

	Push(step StepRecord) error
	Pop() error
	SetStatus(s Status) error
	SetOperationTag(tag string) error
	SetTransactionInfo(key, val string) error
	SetReturnValue(v []byte) error
	SetException(exc *Exception) error
	Defer(deadline time.Time) error
	Delete() error

	Release()
}
