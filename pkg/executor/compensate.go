package executor

import (
	"context"
	"fmt"

	"github.com/cuemby/fate/pkg/events"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/cuemby/fate/pkg/store"
)

// compensate walks the step stack in reverse push order, invoking undo on
// every step present at the moment of failure. The failing step itself is
// still on top of the stack and is undone first. Undo
// failures are logged and do not halt compensation; the exception already
// recorded on the row (the original call/isReady failure) is left
// untouched — compensation never overwrites it.
func (e *Executor) compensate(rt store.ReservedTx) {
	id := rt.GetID()
	ctx := context.Background()

	for {
		stack, err := rt.GetStack()
		if err != nil {
			log.Error(fmt.Sprintf("executor: get stack during compensation for %s: %v", id, err))
			return
		}
		if len(stack) == 0 {
			break
		}

		top := stack[len(stack)-1]
		step, err := e.registry.Decode(top.Name, top.Payload)
		if err != nil {
			log.Error(fmt.Sprintf("executor: decode step %s during compensation for %s: %v", top.Name, id, err))
		} else if err := safeUndo(ctx, step, id, e.env); err != nil {
			metrics.StepUndoFailures.WithLabelValues(top.Name).Inc()
			log.Error(fmt.Sprintf("executor: undo %s failed for %s: %v", top.Name, id, err))
		}

		if err := rt.Pop(); err != nil {
			log.Error(fmt.Sprintf("executor: pop during compensation for %s: %v", id, err))
			return
		}
	}

	if err := rt.SetStatus(store.StatusFailed); err != nil {
		log.Error(fmt.Sprintf("executor: mark %s failed: %v", id, err))
		return
	}
	metrics.TransactionsFailed.Inc()
	e.publish(events.EventTxFailed, id, "")
	e.maybeAutoClean(rt)
}

func safeUndo(ctx context.Context, step Step, id fateid.ID, env Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Undo(ctx, id, env)
}
