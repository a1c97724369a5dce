package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fate/pkg/events"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/cuemby/fate/pkg/store"
)

// stepLoop drives one isReady/call transition of the top-of-stack step. It
// processes exactly one transition per call; the next poll pass picks the
// transaction back up if more work remains. This
// keeps a single worker from monopolizing a transaction across a long
// compensation-free chain and matches the "release reservation, proceed to
// next id" phrasing of the deferral path.
func (e *Executor) stepLoop(rt store.ReservedTx) {
	id := rt.GetID()

	stack, err := rt.GetStack()
	if err != nil {
		log.Error(fmt.Sprintf("executor: get stack for %s: %v", id, err))
		return
	}
	if len(stack) == 0 {
		e.finishSuccessful(rt)
		return
	}

	top := stack[len(stack)-1]
	step, err := e.registry.Decode(top.Name, top.Payload)
	if err != nil {
		e.fail(rt, "decode step failed", err)
		return
	}

	ctx := context.Background()

	delay, err := safeIsReady(ctx, step, id, e.env)
	if err != nil {
		e.fail(rt, "isReady() failed", err)
		return
	}

	if delay > 0 {
		deadline := e.clock.Now().Add(delay)
		if err := rt.Defer(deadline); err != nil {
			log.Error(fmt.Sprintf("executor: defer %s: %v", id, err))
			return
		}
		e.deferred.defer_(id, deadline)
		e.publish(events.EventTxDeferred, id, step.Name())
		return
	}

	timer := metrics.NewTimer()
	next, callErr := safeCall(ctx, step, id, e.env)
	timer.ObserveDurationVec(metrics.StepCallDuration, step.Name())

	if callErr != nil {
		metrics.StepCallFailures.WithLabelValues(step.Name()).Inc()
		e.fail(rt, "call() failed", callErr)
		return
	}

	if next != nil {
		name, payload, encErr := e.registry.Encode(next)
		if encErr != nil {
			e.fail(rt, "encode next step failed", encErr)
			return
		}
		if err := rt.Push(store.StepRecord{Name: name, Payload: payload}); err != nil {
			log.Error(fmt.Sprintf("executor: push next step for %s: %v", id, err))
			return
		}
		e.publish(events.EventTxStepPushed, id, name)
		return
	}

	if err := rt.Pop(); err != nil {
		log.Error(fmt.Sprintf("executor: pop %s for %s: %v", step.Name(), id, err))
		return
	}
	e.publish(events.EventTxStepPopped, id, step.Name())

	remaining, err := rt.GetStack()
	if err != nil {
		log.Error(fmt.Sprintf("executor: get stack after pop for %s: %v", id, err))
		return
	}
	if len(remaining) == 0 {
		e.finishSuccessful(rt)
	}
}

func (e *Executor) finishSuccessful(rt store.ReservedTx) {
	id := rt.GetID()
	if err := rt.SetStatus(store.StatusSuccessful); err != nil {
		log.Error(fmt.Sprintf("executor: mark %s successful: %v", id, err))
		return
	}
	metrics.TransactionsSucceeded.Inc()
	e.publish(events.EventTxSucceeded, id, "")
	e.maybeAutoClean(rt)
}

// fail transitions a transaction into FAILED_IN_PROGRESS, storing the
// original failure. The exception surfaced to callers is always this
// original failure, never a later undo failure.
func (e *Executor) fail(rt store.ReservedTx, message string, cause error) {
	id := rt.GetID()
	exc := &store.Exception{
		Message:   message,
		Detail:    cause.Error(),
		Timestamp: e.clock.Now(),
	}
	if err := rt.SetException(exc); err != nil {
		log.Error(fmt.Sprintf("executor: set exception for %s: %v", id, err))
	}
	if err := rt.SetStatus(store.StatusFailedInProgress); err != nil {
		log.Error(fmt.Sprintf("executor: mark %s failed_in_progress: %v", id, err))
		return
	}
	log.WithFateID(id.String()).Warn().Str("cause", cause.Error()).Msg(message + ": entering compensation")
}

func safeIsReady(ctx context.Context, step Step, id fateid.ID, env Env) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.IsReady(ctx, id, env)
}

func safeCall(ctx context.Context, step Step, id fateid.ID, env Env) (next Step, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Call(ctx, id, env)
}
