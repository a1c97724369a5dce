package store

import (
	"time"

	"github.com/cuemby/fate/pkg/fateid"
)

// Status is one of the legal Tx lifecycle states.
type Status string

const (
	StatusNew               Status = "NEW"
	StatusSubmitted         Status = "SUBMITTED"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusSuccessful        Status = "SUCCESSFUL"
	StatusFailedInProgress  Status = "FAILED_IN_PROGRESS"
	StatusFailed            Status = "FAILED"
	StatusUnknown           Status = "UNKNOWN"
)

// IsTerminal reports whether s is a terminal status (delete is legal only
// from these).
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// Runnable reports whether the executor's runnable scan should consider
// this status at all.
func (s Status) Runnable() bool {
	switch s {
	case StatusNew, StatusSubmitted, StatusInProgress, StatusFailedInProgress:
		return true
	default:
		return false
	}
}

// StepRecord is the opaquely-serialized persisted form of a pushed Step.
// The engine never inspects Payload; it is handed back verbatim to the
// embedder's step registry for decoding.
type StepRecord struct {
	Name    string
	Payload []byte
}

// Exception is the persisted failure record for FAILED/FAILED_IN_PROGRESS
// transactions.
type Exception struct {
	Message   string
	Detail    string
	Timestamp time.Time
}

// Reservation is the (owner-lock-id, serial) tuple proving sole ownership
// of a row, or the zero value if the row is unreserved.
type Reservation struct {
	OwnerLockID string
	Serial      uint64
}

// Held reports whether the reservation is currently assigned to someone.
func (r Reservation) Held() bool {
	return r.OwnerLockID != ""
}

// Tx is a point-in-time, read-only view of a transaction row.
type Tx struct {
	ID            fateid.ID
	Status        Status
	Stack         []StepRecord
	OperationTag  string
	Exception     *Exception
	ReturnValue   []byte
	Info          map[string]string
	Reservation   Reservation
	DeferDeadline time.Time
	AutoClean     bool
}

// Filter constrains List/AdminList results by status set and/or operation
// tag.
type Filter struct {
	Statuses     []Status
	OperationTag string
}

// Match reports whether tx satisfies the filter.
func (f Filter) Match(tx *Tx) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if tx.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OperationTag != "" && tx.OperationTag != f.OperationTag {
		return false
	}
	return true
}
