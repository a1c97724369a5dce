// Package executor drives the worker pool that polls the durable store for
// runnable transactions and walks each one through its step stack,
// deferring, pushing, popping or compensating as the steps dictate.
package executor

import (
	"context"
	"time"

	"github.com/cuemby/fate/pkg/fateid"
)

// Env is the per-engine environment handed to every step invocation. Its
// concrete contents belong to the embedding system; FATE only needs to
// pass it through unexamined.
type Env interface{}

// Step is the opaque unit of work pushed onto a transaction's stack. The
// engine never interprets a step beyond these five methods.
type Step interface {
	// IsReady reports how long to defer this step before calling it. A
	// zero duration means run now.
	IsReady(ctx context.Context, id fateid.ID, env Env) (time.Duration, error)

	// Call executes the step. Returning a non-nil Step pushes it on top
	// of the stack; returning nil pops this step as successfully done.
	Call(ctx context.Context, id fateid.ID, env Env) (Step, error)

	// Undo compensates this step's side effects. Must be idempotent;
	// undo failures are logged and do not halt compensation.
	Undo(ctx context.Context, id fateid.ID, env Env) error

	// ReturnValue is the opaque success payload, meaningful only for the
	// terminal step of a successful transaction.
	ReturnValue() []byte

	// Name is a stable identifying string used in logs, metrics and the
	// persisted step record.
	Name() string
}

// Registry decodes persisted step records back into live Step values.
// FATE never inspects a step's payload itself; the embedder supplies this.
type Registry interface {
	Decode(name string, payload []byte) (Step, error)
	Encode(s Step) (name string, payload []byte, err error)
}
