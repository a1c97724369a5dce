package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fate/pkg/events"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/cuemby/fate/pkg/reservation"
	"github.com/cuemby/fate/pkg/store"
)

// Config holds the executor's tunable parameters. Only WorkerPoolSize can
// be changed after New, via SetPoolSize; the pacing and capacity bounds are
// fixed for the executor's lifetime.
type Config struct {
	PollInitialDelay time.Duration
	PollMinInterval  time.Duration
	PollMaxInterval  time.Duration
	MaxDeferred      int
	WorkerPoolSize   int
	ShutdownGrace    time.Duration
}

// DefaultConfig returns conservative poll-interval and pool-size defaults.
func DefaultConfig() Config {
	return Config{
		PollInitialDelay: 200 * time.Millisecond,
		PollMinInterval:  100 * time.Millisecond,
		PollMaxInterval:  5 * time.Second,
		MaxDeferred:      1000,
		WorkerPoolSize:   4,
		ShutdownGrace:    10 * time.Second,
	}
}

// Executor is the worker pool that polls the durable store and drives each
// runnable transaction's step loop or compensation loop, merging a
// ticking-poll idiom with a per-item dispatch-on-state idiom into one
// per-transaction drive routine.
type Executor struct {
	store    store.Store
	reserver *reservation.Manager
	registry Registry
	env      Env
	clock    fateid.Clock
	broker   *events.Broker

	cfgMu sync.RWMutex
	cfg   Config

	deferred *deferredState

	workersMu sync.Mutex
	workers   []chan struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an Executor. registry decodes/encodes steps; env is threaded
// through to every step invocation unexamined.
func New(st store.Store, reserver *reservation.Manager, registry Registry, env Env, clock fateid.Clock, broker *events.Broker, cfg Config) *Executor {
	return &Executor{
		store:    st,
		reserver: reserver,
		registry: registry,
		env:      env,
		clock:    clock,
		broker:   broker,
		cfg:      cfg,
		deferred: newDeferredState(cfg.MaxDeferred),
		stopCh:   make(chan struct{}),
	}
}

// SetPoolSize resizes the worker pool. The resize takes effect between
// iterations, never mid-step: reconcileWorkers only starts or stops whole
// workers, each of which only checks its stop channel between poll passes.
func (e *Executor) SetPoolSize(n int) {
	e.cfgMu.Lock()
	e.cfg.WorkerPoolSize = n
	e.cfgMu.Unlock()
	metrics.WorkerPoolSize.Set(float64(n))
	e.reconcileWorkers()
}

func (e *Executor) poolSize() int {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.WorkerPoolSize
}

// Start launches the worker pool at the configured pool size. There is no
// background supervisor; later changes go through SetPoolSize.
func (e *Executor) Start() {
	metrics.WorkerPoolSize.Set(float64(e.poolSize()))
	e.reconcileWorkers()
}

// reconcileWorkers starts or stops individual workers until the running
// count matches poolSize(). Called at Start and on every SetPoolSize.
func (e *Executor) reconcileWorkers() {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()

	want := e.poolSize()
	for len(e.workers) < want {
		stop := make(chan struct{})
		e.workers = append(e.workers, stop)
		e.wg.Add(1)
		go e.workerLoop(stop)
	}
	for len(e.workers) > want {
		last := e.workers[len(e.workers)-1]
		e.workers = e.workers[:len(e.workers)-1]
		close(last)
	}
}

// Shutdown drains the pool: it stops taking new work and waits up to grace
// for the workers to return, then returns whether or not they have. It does
// not interrupt a step still running: steps receive a context that is never
// cancelled, so a worker busy past grace keeps running in the background.
func (e *Executor) Shutdown(grace time.Duration) {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	e.workersMu.Lock()
	for _, stop := range e.workers {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	e.workers = nil
	e.workersMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (e *Executor) workerLoop(stop chan struct{}) {
	defer e.wg.Done()

	time.Sleep(e.cfg.PollInitialDelay)

	backoff := e.cfg.PollMinInterval

	for {
		select {
		case <-e.stopCh:
			return
		case <-stop:
			return
		default:
		}

		timer := metrics.NewTimer()
		found := e.pollOnce()
		timer.ObserveDuration(metrics.ExecutorPollLatency)

		if found {
			backoff = e.cfg.PollMinInterval
			continue
		}

		if backoff < e.cfg.PollMaxInterval {
			backoff *= 2
			if backoff > e.cfg.PollMaxInterval {
				backoff = e.cfg.PollMaxInterval
			}
		}

		select {
		case <-e.stopCh:
			return
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}

// pollOnce makes one pass over the runnable ids, reserving and driving each
// one it can reserve. It returns whether any work was found, driving the
// idle-backoff decision in the caller.
func (e *Executor) pollOnce() bool {
	ch := e.store.Runnable(func() bool { return false }, e.deferred.ignoreDeadlines)

	found := false
	for id := range ch {
		lockID := e.reserver.LockID()
		rt, err := e.store.TryReserve(id, lockID)
		if err != nil {
			if err == store.ErrBusy {
				metrics.ReservationConflicts.Inc()
			}
			continue
		}
		found = true
		e.reserver.Track(id, rt)
		e.drive(rt)
		e.reserver.Untrack(id)
	}

	e.deferred.endPass()
	return found
}

// drive is the per-transaction body: dispatch on status, then run the step
// loop or compensation loop to its next yield point. It releases the
// reservation before returning in every exit path.
func (e *Executor) drive(rt store.ReservedTx) {
	id := rt.GetID()
	defer rt.Release()

	status, err := rt.GetStatus()
	if err != nil {
		log.Error(fmt.Sprintf("executor: get status for %s: %v", id, err))
		return
	}

	switch status {
	case store.StatusNew:
		return
	case store.StatusSubmitted:
		if err := rt.SetStatus(store.StatusInProgress); err != nil {
			log.Error(fmt.Sprintf("executor: submit->in_progress for %s: %v", id, err))
			return
		}
		e.publish(events.EventTxStarted, id, "")
		e.stepLoop(rt)
	case store.StatusInProgress:
		e.stepLoop(rt)
	case store.StatusFailedInProgress:
		e.compensate(rt)
	case store.StatusSuccessful, store.StatusFailed:
		e.maybeAutoClean(rt)
	}
}

func (e *Executor) maybeAutoClean(rt store.ReservedTx) {
	info, err := rt.GetInfo()
	if err != nil {
		return
	}
	if info["auto_clean"] == "true" {
		_ = rt.Delete()
		e.publish(events.EventTxDeleted, rt.GetID(), "")
	}
}

func (e *Executor) publish(t events.EventType, id fateid.ID, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: t, FateID: id.String(), Message: msg})
}
