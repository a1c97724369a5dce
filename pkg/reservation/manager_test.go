package reservation

import (
	"sync"
	"testing"

	"github.com/cuemby/fate/pkg/fateid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHolder is a store.ReservedTx stand-in that only needs to track how
// many times it was released.
type fakeHolder struct {
	mu       sync.Mutex
	released int
}

func (h *fakeHolder) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
}

func (h *fakeHolder) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func TestNewGeneratesDistinctLockIDs(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	assert.NotEmpty(t, a.LockID())
	assert.NotEqual(t, a.LockID(), b.LockID())
}

func TestOnLockLostReleasesAllTrackedHolders(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	h1 := &fakeHolder{}
	h2 := &fakeHolder{}
	m.Track(fateid.ID(1), h1)
	m.Track(fateid.ID(2), h2)

	m.OnLockLost()

	assert.Equal(t, 1, h1.releaseCount())
	assert.Equal(t, 1, h2.releaseCount())
	assert.True(t, m.Lost())
}

func TestOnLockLostClearsHeldSet(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	h1 := &fakeHolder{}
	m.Track(fateid.ID(1), h1)
	m.OnLockLost()

	// A second loss with nothing newly tracked must not re-release h1.
	m.OnLockLost()
	assert.Equal(t, 1, h1.releaseCount())
}

func TestUntrackPreventsRelease(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	h := &fakeHolder{}
	m.Track(fateid.ID(1), h)
	m.Untrack(fateid.ID(1))

	m.OnLockLost()
	assert.Equal(t, 0, h.releaseCount())
}

func TestOnLockRegainedClearsLost(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.OnLockLost()
	assert.True(t, m.Lost())

	m.OnLockRegained()
	assert.False(t, m.Lost())
}

func TestTrackAfterLockLostIsNotRetroactivelyReleased(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.OnLockLost()

	h := &fakeHolder{}
	m.Track(fateid.ID(1), h)
	assert.Equal(t, 0, h.releaseCount())
}
