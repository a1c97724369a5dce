package fate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/fate/pkg/executor"
	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopStep is the smallest Step a SeedTransaction test needs: it never
// actually runs in these tests since the executor is never started.
type noopStep struct{ name string }

func (s *noopStep) IsReady(ctx context.Context, id fateid.ID, env executor.Env) (time.Duration, error) {
	return 0, nil
}
func (s *noopStep) Call(ctx context.Context, id fateid.ID, env executor.Env) (executor.Step, error) {
	return nil, nil
}
func (s *noopStep) Undo(ctx context.Context, id fateid.ID, env executor.Env) error { return nil }
func (s *noopStep) ReturnValue() []byte                                           { return nil }
func (s *noopStep) Name() string                                                  { return s.name }

type testRegistry struct{}

func (testRegistry) Decode(name string, payload []byte) (executor.Step, error) {
	return &noopStep{name: name}, nil
}

func (testRegistry) Encode(s executor.Step) (string, []byte, error) {
	payload, _ := json.Marshal(struct{}{})
	return s.Name(), payload, nil
}

func newTestFate(t *testing.T) *Fate {
	t.Helper()
	st := store.NewMemoryStore()
	f, err := New(st, testRegistry{}, nil, fateid.NewFakeClock(time.Unix(0, 0)), executor.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Shutdown(time.Second) })
	return f
}

func TestSeedTransactionHappyPath(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)

	err = f.SeedTransaction(id, "compact-table", &noopStep{name: "CompactStep"}, false, "user request")
	require.NoError(t, err)

	tx, err := f.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, tx.Status)
	assert.Equal(t, "compact-table", tx.OperationTag)
	require.Len(t, tx.Stack, 1)
	assert.Equal(t, "CompactStep", tx.Stack[0].Name)
}

func TestSeedTransactionIdempotentRepeat(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)

	step := &noopStep{name: "CompactStep"}
	require.NoError(t, f.SeedTransaction(id, "compact-table", step, false, "user request"))
	// Repeating with identical arguments on a row already past NEW is a
	// no-op success, not an error.
	err = f.SeedTransaction(id, "compact-table", step, false, "user request")
	assert.NoError(t, err)
}

func TestSeedTransactionConflictingRepeat(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)

	require.NoError(t, f.SeedTransaction(id, "compact-table", &noopStep{name: "CompactStep"}, false, "user request"))

	err = f.SeedTransaction(id, "merge-table", &noopStep{name: "MergeStep"}, false, "different reason")
	assert.Equal(t, fateerr.KindWrongStatus, fateerr.KindOf(err))
}

func TestCancelBeforeReservation(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)

	cancelled, err := f.Cancel(id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// The executor never started in this test, so the row stops at
	// FAILED_IN_PROGRESS rather than being walked on to FAILED by the
	// compensation loop.
	tx, err := f.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailedInProgress, tx.Status)
}

func TestCancelOnTerminalIsNoop(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, f.SeedTransaction(id, "op", &noopStep{name: "S"}, false, "r"))

	rt, err := f.store.TryReserve(id, "test-direct")
	require.NoError(t, err)
	require.NoError(t, rt.SetStatus(store.StatusSuccessful))
	rt.Release()

	cancelled, err := f.Cancel(id)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestDeleteRequiresTerminal(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)

	err = f.Delete(id)
	assert.Equal(t, fateerr.KindWrongStatus, fateerr.KindOf(err))

	rt, err := f.store.TryReserve(id, "test-direct")
	require.NoError(t, err)
	require.NoError(t, rt.SetStatus(store.StatusFailed))
	rt.Release()

	require.NoError(t, f.Delete(id))

	tx, err := f.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnknown, tx.Status)
}

func TestWaitForCompletionRespectsContext(t *testing.T) {
	f := newTestFate(t)

	id, err := f.StartTransaction()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.WaitForCompletion(ctx, id)
	assert.Equal(t, fateerr.KindInterrupted, fateerr.KindOf(err))
}

func TestAdminListFilter(t *testing.T) {
	f := newTestFate(t)

	idA, err := f.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, f.SeedTransaction(idA, "compact-table", &noopStep{name: "S"}, false, "r"))

	idB, err := f.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, f.SeedTransaction(idB, "merge-table", &noopStep{name: "S"}, false, "r"))

	txs, err := f.AdminList(store.Filter{OperationTag: "compact-table"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, idA, txs[0].ID)
}
