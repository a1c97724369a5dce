// Package reservation is the thin stateful collaborator between the
// executor and the durable store. It holds the process-wide lock-id and
// tracks which rows this process currently has reserved, so that a lost
// cluster lock can invalidate every held reservation in one call.
package reservation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/cuemby/fate/pkg/store"
)

// Holder is the subset of store.ReservedTx the Manager needs in order to
// release a reservation it is tracking.
type Holder interface {
	Release()
}

// Manager tracks this process's lock-id and the rows it currently holds
// reservations on.
type Manager struct {
	mu     sync.RWMutex
	lockID string
	held   map[fateid.ID]Holder
	lost   bool
}

// New generates a fresh, random process-wide lock-id and returns a Manager
// ready to track reservations under it.
func New() (*Manager, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate lock-id: %w", err)
	}
	return &Manager{
		lockID: hex.EncodeToString(b),
		held:   make(map[fateid.ID]Holder),
	}, nil
}

// LockID returns this process's stable lock identity, passed to
// store.TryReserve/Reserve as the owner.
func (m *Manager) LockID() string {
	return m.lockID
}

// Track records that id is now held under this process's lock-id, for
// later bulk invalidation if the cluster lock is lost.
func (m *Manager) Track(id fateid.ID, rt Holder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[id] = rt
	metrics.LockServiceHeld.Set(1)
}

// Untrack drops bookkeeping for id once its worker has released the
// reservation normally.
func (m *Manager) Untrack(id fateid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, id)
}

// OnLockLost is invoked by the cluster lock-service client when this
// process's lease is lost. Every held reservation is released immediately
// so no further mutation is attempted under a stale lock-id.
func (m *Manager) OnLockLost() {
	m.mu.Lock()
	held := m.held
	m.held = make(map[fateid.ID]Holder)
	m.lost = true
	m.mu.Unlock()

	metrics.LockServiceHeld.Set(0)
	for id, rt := range held {
		log.Warn(fmt.Sprintf("reservation: releasing %s, cluster lock lost", id))
		rt.Release()
	}
}

// OnLockRegained is invoked once a new lease has been acquired, allowing
// the process to resume taking reservations under (implicitly, since
// LockID is stable for the process lifetime) the same lock-id.
func (m *Manager) OnLockRegained() {
	m.mu.Lock()
	m.lost = false
	m.mu.Unlock()
	metrics.LockServiceHeld.Set(1)
}

// Lost reports whether the cluster lock is currently believed lost.
func (m *Manager) Lost() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lost
}

// UnreserveOrphaned asks the store to clear any reservation whose owner
// lock-id is not currently live. liveLockIDs should include at minimum
// this process's own LockID.
func (m *Manager) UnreserveOrphaned(st store.Store, liveLockIDs map[string]bool) error {
	if liveLockIDs == nil {
		liveLockIDs = make(map[string]bool)
	}
	liveLockIDs[m.LockID()] = true
	return st.UnreserveOrphaned(liveLockIDs)
}
