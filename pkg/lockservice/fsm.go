package lockservice

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is the single log entry type this FSM understands: a request to
// assign the lease to a given holder.
type Command struct {
	HolderID string `json:"holder_id"`
	Term     uint64 `json:"term"`
}

// FSM replicates the current lease holder across the raft group. Every
// raft node applies the same sequence of Acquire commands and ends up with
// an identical view of who holds the lease.
type FSM struct {
	mu     sync.RWMutex
	holder string
	term   uint64
}

// NewFSM returns an FSM with no holder yet assigned.
func NewFSM() *FSM {
	return &FSM{}
}

// Apply applies one committed log entry, per raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal lockservice command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd.Term < f.term {
		return fmt.Errorf("stale term %d (current %d)", cmd.Term, f.term)
	}
	f.holder = cmd.HolderID
	f.term = cmd.Term
	return nil
}

// Current returns the currently-replicated holder id and term.
func (f *FSM) Current() (holder string, term uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.holder, f.term
}

// Snapshot captures the lease state for raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{Holder: f.holder, Term: f.term}, nil
}

// Restore replaces the FSM's state from a previously-persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode lockservice snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holder = snap.Holder
	f.term = snap.Term
	return nil
}

type fsmSnapshot struct {
	Holder string `json:"holder"`
	Term   uint64 `json:"term"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
