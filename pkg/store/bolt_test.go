package store

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBoltStoreCreateAndGet(t *testing.T) {
	st := newTestBoltStore(t)

	id, err := st.Create()
	require.NoError(t, err)

	tx, err := st.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, tx.Status)
	assert.Empty(t, tx.Stack)

	unknown, err := st.Get(id + 1000)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, unknown.Status)
}

func TestBoltStoreReserveCAS(t *testing.T) {
	st := newTestBoltStore(t)
	id, err := st.Create()
	require.NoError(t, err)

	rt1, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	_, err = st.TryReserve(id, "owner-b")
	assert.ErrorIs(t, err, ErrBusy)

	rt1.Release()

	rt2, err := st.TryReserve(id, "owner-b")
	require.NoError(t, err)
	defer rt2.Release()

	assert.Equal(t, fateerr.KindLostReservation, fateerr.KindOf(rt1.SetStatus(StatusSubmitted)))
}

func TestBoltStoreTryReserveNotFound(t *testing.T) {
	st := newTestBoltStore(t)
	_, err := st.TryReserve(999, "owner")
	assert.Equal(t, fateerr.KindNotFound, fateerr.KindOf(err))
}

func TestBoltStoreReserveBlocksThenSucceeds(t *testing.T) {
	st := newTestBoltStore(t)
	id, err := st.Create()
	require.NoError(t, err)

	rt1, err := st.TryReserve(id, "owner-a")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		rt1.Release()
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rt2, err := st.Reserve(ctx, id, "owner-b")
	require.NoError(t, err)
	defer rt2.Release()

	<-released
}

func TestBoltStorePushPopStack(t *testing.T) {
	st := newTestBoltStore(t)
	id, err := st.Create()
	require.NoError(t, err)

	rt, err := st.TryReserve(id, "owner")
	require.NoError(t, err)
	defer rt.Release()

	require.NoError(t, rt.Push(StepRecord{Name: "A"}))
	require.NoError(t, rt.Push(StepRecord{Name: "B"}))

	stack, err := rt.GetStack()
	require.NoError(t, err)
	require.Len(t, stack, 2)
	assert.Equal(t, "B", stack[1].Name)

	require.NoError(t, rt.Pop())
	stack, err = rt.GetStack()
	require.NoError(t, err)
	require.Len(t, stack, 1)
	assert.Equal(t, "A", stack[0].Name)
}

func TestBoltStoreDeleteThenUnknown(t *testing.T) {
	st := newTestBoltStore(t)
	id, err := st.Create()
	require.NoError(t, err)

	rt, err := st.TryReserve(id, "owner")
	require.NoError(t, err)
	require.NoError(t, rt.SetStatus(StatusSuccessful))
	require.NoError(t, rt.Delete())

	tx, err := st.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, tx.Status)

	assert.Equal(t, fateerr.KindDeleted, fateerr.KindOf(rt.SetStatus(StatusFailed)))
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewBoltStore(dir)
	require.NoError(t, err)

	id, err := st.Create()
	require.NoError(t, err)
	rt, err := st.TryReserve(id, "owner")
	require.NoError(t, err)
	require.NoError(t, rt.Push(StepRecord{Name: "A"}))
	require.NoError(t, rt.SetOperationTag("compact-table"))
	rt.Release()
	require.NoError(t, st.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	tx, err := reopened.Get(id)
	require.NoError(t, err)
	require.Len(t, tx.Stack, 1)
	assert.Equal(t, "A", tx.Stack[0].Name)
	assert.Equal(t, "compact-table", tx.OperationTag)
}

func TestBoltStoreUnreserveOrphaned(t *testing.T) {
	st := newTestBoltStore(t)
	id, err := st.Create()
	require.NoError(t, err)

	_, err = st.TryReserve(id, "dead-owner")
	require.NoError(t, err)

	require.NoError(t, st.UnreserveOrphaned(map[string]bool{"live-owner": true}))

	rt2, err := st.TryReserve(id, "live-owner")
	require.NoError(t, err)
	defer rt2.Release()
}

func TestBoltStoreRunnableRespectsDeferDeadline(t *testing.T) {
	st := newTestBoltStore(t)
	id, err := st.Create()
	require.NoError(t, err)

	rt, err := st.TryReserve(id, "owner")
	require.NoError(t, err)
	require.NoError(t, rt.SetStatus(StatusSubmitted))
	require.NoError(t, rt.Defer(time.Now().Add(time.Hour)))
	rt.Release()

	seen := map[interface{}]bool{}
	pass := 0
	ch := st.Runnable(func() bool {
		pass++
		return pass < 2
	}, func() bool { return false })
	for got := range ch {
		seen[got] = true
	}
	assert.False(t, seen[id])

	seen = map[interface{}]bool{}
	ch = st.Runnable(func() bool { return false }, func() bool { return true })
	for got := range ch {
		seen[got] = true
	}
	assert.True(t, seen[id])
}
