package lockservice

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifiee struct {
	mu     sync.Mutex
	lost   int
	regain int
}

func (c *countingNotifiee) OnLockLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost++
}

func (c *countingNotifiee) OnLockRegained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regain++
}

func (c *countingNotifiee) regainCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regain
}

// TestSingleNodeAcquiresLease verifies that a lone raft node bootstraps,
// elects itself leader, and reports lease acquisition to its notifiee.
func TestSingleNodeAcquiresLease(t *testing.T) {
	notifiee := &countingNotifiee{}
	svc := New(Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	}, "node-1", notifiee)

	require.NoError(t, svc.Bootstrap())
	defer svc.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !svc.Held() {
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, svc.Held(), "single-node raft cluster should elect itself leader")

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && notifiee.regainCount() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, notifiee.regainCount())
	assert.Equal(t, "node-1", svc.HolderID())
}
