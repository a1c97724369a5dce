// Package fate exposes FATE's public operations: the façade a caller uses
// to seed, observe, cancel and delete transactions. It wraps a store.Store
// and an executor.Executor behind one typed surface.
package fate

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fate/pkg/events"
	"github.com/cuemby/fate/pkg/executor"
	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/lockservice"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/reservation"
	"github.com/cuemby/fate/pkg/store"
	"github.com/google/uuid"
)

// Fate is the embedder-facing façade over the durable store and the
// executor worker pool.
type Fate struct {
	store    store.Store
	exec     *executor.Executor
	reserver *reservation.Manager
	registry executor.Registry
	broker   *events.Broker
	pollWait time.Duration
}

// New wires a Fate instance from an already-open store, a step registry,
// and the executor config. The caller is responsible for calling Start.
func New(st store.Store, registry executor.Registry, env executor.Env, clock fateid.Clock, cfg executor.Config) (*Fate, error) {
	reserver, err := reservation.New()
	if err != nil {
		return nil, fmt.Errorf("new fate: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	exec := executor.New(st, reserver, registry, env, clock, broker, cfg)

	if err := reserver.UnreserveOrphaned(st, map[string]bool{}); err != nil {
		log.Error(fmt.Sprintf("fate: unreserve orphaned rows at startup: %v", err))
	}

	return &Fate{
		store:    st,
		exec:     exec,
		reserver: reserver,
		registry: registry,
		broker:   broker,
		pollWait: 50 * time.Millisecond,
	}, nil
}

// Start launches the executor worker pool.
func (f *Fate) Start() {
	f.exec.Start()
}

// SetWorkerPoolSize hot-reloads the executor's worker count.
func (f *Fate) SetWorkerPoolSize(n int) {
	f.exec.SetPoolSize(n)
}

// Subscribe returns a channel of lifecycle events for external observers.
func (f *Fate) Subscribe() events.Subscriber {
	return f.broker.Subscribe()
}

// LockLostNotifiee exposes the internal reservation manager as a
// lockservice.LockLostNotifiee, so a caller bootstrapping the cluster lock
// service can wire real lease-loss/lease-gain notifications into it
// instead of discarding them.
func (f *Fate) LockLostNotifiee() lockservice.LockLostNotifiee {
	return f.reserver
}

// StartTransaction allocates a new row at NEW.
func (f *Fate) StartTransaction() (fateid.ID, error) {
	id, err := f.store.Create()
	if err != nil {
		return 0, fateerr.New(fateerr.KindBackend, "StartTransaction", err)
	}
	return id, nil
}

// SeedTransaction pushes the initial step onto a NEW row and transitions it
// to SUBMITTED. Calling it twice with identical arguments on a row that has
// already advanced past NEW is treated as a successful no-op; calling it
// with different arguments on such a row fails with KindWrongStatus.
func (f *Fate) SeedTransaction(id fateid.ID, operationTag string, step executor.Step, autoClean bool, reason string) error {
	name, payload, err := f.registry.Encode(step)
	if err != nil {
		return fateerr.New(fateerr.KindBackend, "SeedTransaction", err)
	}

	rt, err := f.store.TryReserve(id, "seed-"+uuid.NewString())
	if err != nil {
		if err == store.ErrBusy {
			return f.checkIdempotentSeed(id, operationTag, name, reason)
		}
		return wrapStoreErr("SeedTransaction", err)
	}
	defer rt.Release()

	status, err := rt.GetStatus()
	if err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}

	if status != store.StatusNew {
		return f.checkIdempotentReserved(rt, status, operationTag, name, reason)
	}

	if err := rt.Push(store.StepRecord{Name: name, Payload: payload}); err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	if err := rt.SetOperationTag(operationTag); err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	if err := rt.SetTransactionInfo("reason", reason); err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	if autoClean {
		if err := rt.SetTransactionInfo("auto_clean", "true"); err != nil {
			return wrapStoreErr("SeedTransaction", err)
		}
	}
	if err := rt.SetStatus(store.StatusSubmitted); err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}

	f.publish(events.EventTxSubmitted, id, operationTag)
	return nil
}

func (f *Fate) checkIdempotentSeed(id fateid.ID, operationTag, stepName, reason string) error {
	tx, err := f.store.Get(id)
	if err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	return matchSeeded(tx, operationTag, stepName, reason)
}

func (f *Fate) checkIdempotentReserved(rt store.ReservedTx, status store.Status, operationTag, stepName, reason string) error {
	tag, err := rt.GetOperationTag()
	if err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	stack, err := rt.GetStack()
	if err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	info, err := rt.GetInfo()
	if err != nil {
		return wrapStoreErr("SeedTransaction", err)
	}
	tx := &store.Tx{Status: status, OperationTag: tag, Stack: stack, Info: info}
	return matchSeeded(tx, operationTag, stepName, reason)
}

func matchSeeded(tx *store.Tx, operationTag, stepName, reason string) error {
	if tx.OperationTag != operationTag || tx.Info["reason"] != reason {
		return fateerr.New(fateerr.KindWrongStatus, "SeedTransaction", fmt.Errorf("row already seeded with different arguments"))
	}
	if len(tx.Stack) == 0 || tx.Stack[0].Name != stepName {
		return fateerr.New(fateerr.KindWrongStatus, "SeedTransaction", fmt.Errorf("row already seeded with a different initial step"))
	}
	return nil
}

// Cancel attempts to cancel id before the executor has begun its step
// loop. Returns true if the transaction is now guaranteed never to run
// (or was already terminal), false if it was already reserved/IN_PROGRESS.
func (f *Fate) Cancel(id fateid.ID) (bool, error) {
	rt, err := f.store.TryReserve(id, "cancel-"+uuid.NewString())
	if err != nil {
		if err == store.ErrBusy {
			return false, nil
		}
		return false, wrapStoreErr("Cancel", err)
	}
	defer rt.Release()

	status, err := rt.GetStatus()
	if err != nil {
		return false, wrapStoreErr("Cancel", err)
	}

	switch status {
	case store.StatusNew, store.StatusSubmitted:
		if err := rt.SetStatus(store.StatusFailedInProgress); err != nil {
			return false, wrapStoreErr("Cancel", err)
		}
		f.publish(events.EventTxCancelled, id, "")
		return true, nil
	case store.StatusSuccessful, store.StatusFailed, store.StatusFailedInProgress:
		return true, nil
	default: // IN_PROGRESS
		return false, nil
	}
}

// WaitForCompletion blocks until id reaches a terminal status, or ctx is
// done, in which case it returns KindInterrupted.
func (f *Fate) WaitForCompletion(ctx context.Context, id fateid.ID) (store.Status, error) {
	for {
		tx, err := f.store.Get(id)
		if err != nil {
			return store.StatusUnknown, wrapStoreErr("WaitForCompletion", err)
		}
		if tx.Status.IsTerminal() || tx.Status == store.StatusUnknown {
			return tx.Status, nil
		}

		select {
		case <-ctx.Done():
			return store.StatusUnknown, fateerr.New(fateerr.KindInterrupted, "WaitForCompletion", ctx.Err())
		case <-time.After(f.pollWait):
		}
	}
}

// Get returns a single row's current view, or a StatusUnknown Tx if id is
// not (or no longer) present.
func (f *Fate) Get(id fateid.ID) (*store.Tx, error) {
	tx, err := f.store.Get(id)
	if err != nil {
		return nil, wrapStoreErr("Get", err)
	}
	return tx, nil
}

// GetException returns the exception record for a FAILED/FAILED_IN_PROGRESS
// row, or nil if none is recorded.
func (f *Fate) GetException(id fateid.ID) (*store.Exception, error) {
	tx, err := f.store.Get(id)
	if err != nil {
		return nil, wrapStoreErr("GetException", err)
	}
	return tx.Exception, nil
}

// Delete removes a terminal row. Subsequent reads observe UNKNOWN.
func (f *Fate) Delete(id fateid.ID) error {
	rt, err := f.store.TryReserve(id, "delete-"+uuid.NewString())
	if err != nil {
		if err == store.ErrBusy {
			return fateerr.New(fateerr.KindWrongStatus, "Delete", fmt.Errorf("row is currently reserved"))
		}
		return wrapStoreErr("Delete", err)
	}

	status, err := rt.GetStatus()
	if err != nil {
		rt.Release()
		return wrapStoreErr("Delete", err)
	}
	if !status.IsTerminal() {
		rt.Release()
		return fateerr.New(fateerr.KindWrongStatus, "Delete", fmt.Errorf("row is %s, not terminal", status))
	}

	if err := rt.Delete(); err != nil {
		return wrapStoreErr("Delete", err)
	}
	f.publish(events.EventTxDeleted, id, "")
	return nil
}

// AdminList returns a filtered snapshot of transaction views for
// operational tooling (the CLI, the grpc admin surface).
func (f *Fate) AdminList(filter store.Filter) ([]*store.Tx, error) {
	txs, err := f.store.List(filter)
	if err != nil {
		return nil, wrapStoreErr("AdminList", err)
	}
	return txs, nil
}

// Shutdown drains the executor and stops the event broker.
func (f *Fate) Shutdown(grace time.Duration) error {
	f.exec.Shutdown(grace)
	f.broker.Stop()
	return f.store.Close()
}

func (f *Fate) publish(t events.EventType, id fateid.ID, msg string) {
	f.broker.Publish(&events.Event{Type: t, FateID: id.String(), Message: msg})
}

func wrapStoreErr(op string, err error) error {
	if fateerr.KindOf(err) != fateerr.KindUnknown {
		return err
	}
	return fateerr.New(fateerr.KindBackend, op, err)
}
