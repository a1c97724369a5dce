// Package lockservice implements the cluster lock service FATE leans on
// for its process-wide lock-id: a single raft-replicated lease handed to
// exactly one process at a time.
//
// It replicates exactly one piece of state — the current lease holder and
// its term — rather than an entire cluster's worth of state. A process
// acquires the lease by becoming (or waiting for) the raft leader; losing
// raft leadership is losing the lock, reported to pkg/reservation via the
// LockLostNotifiee callbacks.
package lockservice
