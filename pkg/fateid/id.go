// Package fateid provides the dense transaction identifier and the
// monotonic clock abstraction used for scheduling deferrals.
package fateid

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// ID is a dense, unique identifier for a FATE transaction.
type ID uint64

// String renders the id the way operators expect to see it in logs and CLI
// output: "FATE:<hex>".
func (id ID) String() string {
	return fmt.Sprintf("FATE:%016x", uint64(id))
}

// Parse parses the "FATE:<hex>" form produced by String back into an ID.
func Parse(s string) (ID, error) {
	hexPart := strings.TrimPrefix(s, "FATE:")
	v, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid fate id %q: %w", s, err)
	}
	return ID(v), nil
}

// Generator allocates dense ids from an in-process atomic counter that
// starts after a given seed. It persists nothing itself: MemoryStore seeds
// it at 0, and BoltStore does not use it, keeping its own persisted
// high-water mark instead.
type Generator struct {
	counter uint64
}

// NewGenerator creates a Generator seeded at the given high-water mark; the
// next call to Next returns seed+1.
func NewGenerator(seed uint64) *Generator {
	return &Generator{counter: seed}
}

// Next allocates the next id.
func (g *Generator) Next() ID {
	return ID(atomic.AddUint64(&g.counter, 1))
}

// HighWaterMark returns the highest id allocated so far, for persistence.
func (g *Generator) HighWaterMark() uint64 {
	return atomic.LoadUint64(&g.counter)
}
