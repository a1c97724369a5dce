package lockservice

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// LockLostNotifiee is the subset of reservation.Manager that Service
// notifies on lease transitions. Declared locally (rather than imported
// from pkg/reservation) to avoid a dependency cycle between the two
// packages — pkg/reservation never needs to know lockservice exists.
type LockLostNotifiee interface {
	OnLockLost()
	OnLockRegained()
}

// Config configures a single raft node backing the lease.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Service is the cluster lock service: a single raft-replicated lease,
// generalized from pkg/manager.Manager's cluster-wide raft bootstrap down
// to one piece of state (who holds the lease, and in what term).
type Service struct {
	cfg    Config
	raft   *raft.Raft
	fsm    *FSM
	holder string

	notifiee LockLostNotifiee
	stopCh   chan struct{}
}

// New creates a Service bound to cfg, without starting raft.
func New(cfg Config, holderID string, notifiee LockLostNotifiee) *Service {
	return &Service{
		cfg:      cfg,
		fsm:      NewFSM(),
		holder:   holderID,
		notifiee: notifiee,
		stopCh:   make(chan struct{}),
	}
}

// Bootstrap initializes a new single-node raft cluster for this service,
// grounded on pkg/manager.Manager.Bootstrap: same transport/snapshot/log
// store wiring, collapsed to the lease FSM instead of the full cluster FSM.
func (s *Service) Bootstrap() error {
	if err := os.MkdirAll(s.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("lockservice: create data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.cfg.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("lockservice: resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(s.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("lockservice: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("lockservice: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "lockservice-log.db"))
	if err != nil {
		return fmt.Errorf("lockservice: create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "lockservice-stable.db"))
	if err != nil {
		return fmt.Errorf("lockservice: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("lockservice: create raft: %w", err)
	}
	s.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("lockservice: bootstrap cluster: %w", err)
	}

	go s.watchLeadership()
	return nil
}

// watchLeadership drains raft.Raft's LeaderCh, the way pkg/health watches
// raft for liveness, and translates leadership transitions into
// OnLockLost/OnLockRegained calls against the reservation manager.
func (s *Service) watchLeadership() {
	ch := s.raft.LeaderCh()
	logger := log.WithComponent("lockservice")
	for {
		select {
		case leader, ok := <-ch:
			if !ok {
				return
			}
			if leader {
				if err := s.propose(); err != nil {
					logger.Warn().Err(err).Msg("lockservice: failed to propose lease acquisition")
					continue
				}
				logger.Info().Msg("lockservice: lease acquired")
				s.notifiee.OnLockRegained()
			} else {
				logger.Warn().Msg("lockservice: lease lost")
				metrics.LockServiceHeld.Set(0)
				s.notifiee.OnLockLost()
			}
		case <-s.stopCh:
			return
		}
	}
}

// propose commits a Command assigning the lease to this process's holder
// id, under the next term.
func (s *Service) propose() error {
	_, term := s.fsm.Current()
	cmd := Command{HolderID: s.holder, Term: term + 1}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("lockservice: marshal command: %w", err)
	}
	future := s.raft.Apply(data, 5*time.Second)
	return future.Error()
}

// Held reports whether this process is currently the lease holder.
func (s *Service) Held() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// HolderID returns who the FSM currently believes holds the lease.
func (s *Service) HolderID() string {
	holder, _ := s.fsm.Current()
	return holder
}

// Shutdown stops watching leadership and shuts down raft.
func (s *Service) Shutdown() error {
	close(s.stopCh)
	if s.raft == nil {
		return nil
	}
	return s.raft.Shutdown().Error()
}
