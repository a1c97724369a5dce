package executor

import (
	"sync"
	"time"

	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/metrics"
)

// deferredState is the single mutex-guarded struct holding the in-memory
// deferred map and overflow flag. Every worker shares one instance;
// mutations are O(1) and never overlap blocking I/O.
type deferredState struct {
	mu        sync.Mutex
	deadlines map[fateid.ID]time.Time
	overflow  bool
	maxSize   int
	clean     bool // set at the end of each pass, cleared by the next deferral
}

func newDeferredState(maxSize int) *deferredState {
	return &deferredState{
		deadlines: make(map[fateid.ID]time.Time),
		maxSize:   maxSize,
	}
}

// defer records id as deferred until deadline. If the map is already at
// capacity, the overflow flag is set and the map is cleared instead, so a
// burst of far-future deadlines can never starve the rest of the table.
func (d *deferredState) defer_(id fateid.ID, deadline time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.deadlines) >= d.maxSize {
		d.deadlines = make(map[fateid.ID]time.Time)
		d.overflow = true
		d.clean = false
		metrics.DeferredOverflow.Set(1)
		metrics.DeferredMapSize.Set(0)
		return
	}
	d.deadlines[id] = deadline
	d.clean = false
	metrics.DeferredMapSize.Set(float64(len(d.deadlines)))
}

// ignoreDeadlines reports whether the runnable scan should treat all ids
// as runnable regardless of stored deferral deadline.
func (d *deferredState) ignoreDeadlines() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflow
}

// endPass is called by each worker at the end of its own poll pass. If no
// worker deferred anything since the previous endPass call, the overflow
// flag clears, so a burst of deferrals self-heals within a bounded number
// of passes rather than degrading permanently.
func (d *deferredState) endPass() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.clean && d.overflow {
		d.overflow = false
		metrics.DeferredOverflow.Set(0)
	}
	d.clean = true
}

func (d *deferredState) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deadlines)
}

func (d *deferredState) isOverflowing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflow
}
