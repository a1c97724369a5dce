package executor

import (
	"testing"
	"time"

	"github.com/cuemby/fate/pkg/events"
	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/reservation"
	"github.com/cuemby/fate/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, cfg Config) (*Executor, store.Store, *fakeRegistry, *fateid.FakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := newFakeRegistry()
	reserver, err := reservation.New()
	require.NoError(t, err)
	clock := fateid.NewFakeClock(time.Unix(0, 0))
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	exec := New(st, reserver, reg, nil, clock, broker, cfg)
	return exec, st, reg, clock
}

// seed directly pushes a step onto a freshly-created NEW row and moves it
// to SUBMITTED, bypassing pkg/fate since executor tests shouldn't import a
// package that itself imports executor.
func seed(t *testing.T, st store.Store, reg *fakeRegistry, s *fakeStep) fateid.ID {
	t.Helper()
	reg.register(s)

	id, err := st.Create()
	require.NoError(t, err)

	rt, err := st.TryReserve(id, "seed")
	require.NoError(t, err)
	defer rt.Release()

	require.NoError(t, rt.Push(store.StepRecord{Name: s.StepName}))
	require.NoError(t, rt.SetOperationTag("test-op"))
	require.NoError(t, rt.SetStatus(store.StatusSubmitted))
	return id
}

func waitForStatus(t *testing.T, st store.Store, id fateid.ID, want store.Status, timeout time.Duration) store.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last store.Status
	for time.Now().Before(deadline) {
		tx, err := st.Get(id)
		require.NoError(t, err)
		last = tx.Status
		if last == want {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	return last
}

func fastConfig() Config {
	return Config{
		PollInitialDelay: time.Millisecond,
		PollMinInterval:  2 * time.Millisecond,
		PollMaxInterval:  20 * time.Millisecond,
		MaxDeferred:      10,
		WorkerPoolSize:   2,
	}
}

// S1 — happy path.
func TestHappyPath(t *testing.T) {
	exec, st, reg, _ := newTestExecutor(t, fastConfig())
	s := &fakeStep{StepName: "S1"}
	id := seed(t, st, reg, s)

	exec.Start()
	defer exec.Shutdown(time.Second)

	got := waitForStatus(t, st, id, store.StatusSuccessful, 2*time.Second)
	assert.Equal(t, store.StatusSuccessful, got)
	assert.Equal(t, 1, s.calls())
}

// S2 — cancel while NEW: create, cancel, then seed; zero call()s ever happen.
func TestCancelWhileNew(t *testing.T) {
	exec, st, reg, _ := newTestExecutor(t, fastConfig())
	reserver, err := reservation.New()
	require.NoError(t, err)

	id, err := st.Create()
	require.NoError(t, err)

	tx, err := st.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusNew, tx.Status)

	rt, err := st.TryReserve(id, reserver.LockID())
	require.NoError(t, err)
	require.NoError(t, rt.SetStatus(store.StatusFailedInProgress))
	rt.Release()

	s := &fakeStep{StepName: "S2"}
	reg.register(s)
	rt2, err := st.TryReserve(id, "seed")
	require.NoError(t, err)
	require.NoError(t, rt2.Push(store.StepRecord{Name: s.StepName}))
	rt2.Release()

	exec.Start()
	defer exec.Shutdown(time.Second)

	got := waitForStatus(t, st, id, store.StatusFailed, 2*time.Second)
	assert.Equal(t, store.StatusFailed, got)
	assert.Equal(t, 0, s.calls())
}

// S3 — cancel after reservation: while the worker holds the row, a second
// reservation attempt (the one Fate.Cancel makes, which then returns false)
// fails with ErrBusy, and the transaction proceeds to SUCCESSFUL.
func TestCancelAfterReservationIgnored(t *testing.T) {
	exec, st, reg, _ := newTestExecutor(t, fastConfig())
	s := &fakeStep{StepName: "S3", blockOnCall: true, enteredCall: make(chan struct{}), releaseCall: make(chan struct{})}
	id := seed(t, st, reg, s)

	exec.Start()
	defer exec.Shutdown(time.Second)

	select {
	case <-s.enteredCall:
	case <-time.After(2 * time.Second):
		t.Fatal("step never entered call()")
	}

	// Attempting to reserve now must fail: the worker still holds it.
	_, err := st.TryReserve(id, "admin-cancel")
	assert.ErrorIs(t, err, store.ErrBusy)

	close(s.releaseCall)

	got := waitForStatus(t, st, id, store.StatusSuccessful, 2*time.Second)
	assert.Equal(t, store.StatusSuccessful, got)
}

// S4 — compensation order: Op1->Op2->Op3, Op3.call fails; undo order must
// be Op3, Op2, Op1.
func TestCompensationOrderOnCallFailure(t *testing.T) {
	exec, st, reg, _ := newTestExecutor(t, fastConfig())

	op1 := &fakeStep{StepName: "Op1"}
	op2 := &fakeStep{StepName: "Op2"}
	op3 := &fakeStep{StepName: "Op3", CallErr: true}
	reg.register(op1)
	reg.register(op2)
	reg.register(op3)

	id, err := st.Create()
	require.NoError(t, err)
	rt, err := st.TryReserve(id, "seed")
	require.NoError(t, err)
	require.NoError(t, rt.Push(store.StepRecord{Name: op1.StepName}))
	require.NoError(t, rt.Push(store.StepRecord{Name: op2.StepName}))
	require.NoError(t, rt.Push(store.StepRecord{Name: op3.StepName}))
	require.NoError(t, rt.SetStatus(store.StatusSubmitted))
	rt.Release()

	exec.Start()
	defer exec.Shutdown(time.Second)

	got := waitForStatus(t, st, id, store.StatusFailed, 2*time.Second)
	require.Equal(t, store.StatusFailed, got)

	exc, err := st.Get(id)
	require.NoError(t, err)
	require.NotNil(t, exc.Exception)
	assert.Contains(t, exc.Exception.Message, "call() failed")

	// All three steps were on the stack at failure time, so all three must
	// be undone exactly once regardless of which one triggered the failure.
	assert.Equal(t, 1, op1.undos())
	assert.Equal(t, 1, op2.undos())
	assert.Equal(t, 1, op3.undos())
	assert.Equal(t, []string{"Op3", "Op2", "Op1"}, reg.undoLog())
}

// S5 — isReady failure: same undo fan-out as S4, different message.
func TestCompensationOnIsReadyFailure(t *testing.T) {
	exec, st, reg, _ := newTestExecutor(t, fastConfig())

	op1 := &fakeStep{StepName: "R1"}
	op2 := &fakeStep{StepName: "R2", IsReadyErr: true}
	reg.register(op1)
	reg.register(op2)

	id, err := st.Create()
	require.NoError(t, err)
	rt, err := st.TryReserve(id, "seed")
	require.NoError(t, err)
	require.NoError(t, rt.Push(store.StepRecord{Name: op1.StepName}))
	require.NoError(t, rt.Push(store.StepRecord{Name: op2.StepName}))
	require.NoError(t, rt.SetStatus(store.StatusSubmitted))
	rt.Release()

	exec.Start()
	defer exec.Shutdown(time.Second)

	got := waitForStatus(t, st, id, store.StatusFailed, 2*time.Second)
	require.Equal(t, store.StatusFailed, got)

	tx, err := st.Get(id)
	require.NoError(t, err)
	assert.Contains(t, tx.Exception.Message, "isReady() failed")
	assert.Equal(t, 1, op1.undos())
	assert.Equal(t, 1, op2.undos())
	assert.Equal(t, 0, op2.calls())
}

// S7 — write-after-delete: every mutator on a deleted row fails Deleted.
func TestWriteAfterDelete(t *testing.T) {
	st := store.NewMemoryStore()
	id, err := st.Create()
	require.NoError(t, err)

	rt, err := st.TryReserve(id, "owner")
	require.NoError(t, err)
	require.NoError(t, rt.Push(store.StepRecord{Name: "X"}))
	require.NoError(t, rt.SetStatus(store.StatusSuccessful))
	require.NoError(t, rt.Delete())

	assert.Equal(t, fateerr.KindDeleted, fateerr.KindOf(rt.Push(store.StepRecord{Name: "Y"})))
	assert.Equal(t, fateerr.KindDeleted, fateerr.KindOf(rt.Pop()))
	assert.Equal(t, fateerr.KindDeleted, fateerr.KindOf(rt.SetStatus(store.StatusFailed)))
	assert.Equal(t, fateerr.KindDeleted, fateerr.KindOf(rt.SetTransactionInfo("a", "b")))
	assert.Equal(t, fateerr.KindDeleted, fateerr.KindOf(rt.Delete()))

	tx, err := st.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnknown, tx.Status)
}

// S6 — deferred overflow: beyond max_deferred, the overflow flag is set
// and the map is cleared; once steps become ready, all transactions reach
// SUCCESSFUL.
func TestDeferredOverflow(t *testing.T) {
	cfg := Config{
		PollInitialDelay: time.Millisecond,
		PollMinInterval:  2 * time.Millisecond,
		PollMaxInterval:  10 * time.Millisecond,
		MaxDeferred:      10,
		WorkerPoolSize:   4,
	}
	exec, st, reg, _ := newTestExecutor(t, cfg)

	const n = 20
	steps := make([]*fakeStep, n)
	ids := make([]fateid.ID, n)
	for i := 0; i < n; i++ {
		s := &fakeStep{StepName: nameFor(i), IsReadyDelay: 30 * time.Second}
		steps[i] = s
		ids[i] = seed(t, st, reg, s)
	}

	exec.Start()
	defer exec.Shutdown(2 * time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !exec.deferred.isOverflowing() {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, exec.deferred.isOverflowing(), "overflow flag should become true once more than max_deferred ids deferred")

	for _, s := range steps {
		s.mu.Lock()
		s.IsReadyDelay = 0
		s.mu.Unlock()
	}

	for _, id := range ids {
		got := waitForStatus(t, st, id, store.StatusSuccessful, 3*time.Second)
		assert.Equal(t, store.StatusSuccessful, got)
	}
}

func nameFor(i int) string {
	return "overflow-step-" + string(rune('A'+i))
}
