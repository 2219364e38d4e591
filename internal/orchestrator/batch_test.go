package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/store"
)

// scriptedRunner drives each request straight to a configured terminal
// status through the store, the way a real run would.
type scriptedRunner struct {
	store    store.Store
	statuses map[string]model.RequestStatus

	mu   sync.Mutex
	runs []string
}

func (r *scriptedRunner) Run(ctx context.Context, requestID string) error {
	r.mu.Lock()
	r.runs = append(r.runs, requestID)
	r.mu.Unlock()

	status := r.statuses[requestID]
	if status == model.StatusError {
		return r.store.FailRequest(ctx, requestID, "no acceptable offers", time.Now().UTC())
	}
	return r.store.CompleteRequest(ctx, requestID, status, time.Now().UTC())
}

func newBatchStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedBatch(t *testing.T, st store.Store, batchID string, n int, lastProcessed int) []string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateBatch(ctx, &model.BatchJob{
		ID:                 batchID,
		Status:             model.BatchPending,
		TotalItems:         n,
		LastProcessedIndex: lastProcessed,
	}))

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := batchID + "-req-" + string(rune('0'+i))
		ids[i] = id
		require.NoError(t, st.CreateRequest(ctx, &model.QuoteRequest{
			ID:            id,
			InputText:     "item",
			Params:        model.DefaultQuoteParams(),
			Status:        model.StatusProcessing,
			Checkpoint:    model.CheckpointInit,
			AttemptNumber: 1,
			BatchID:       batchID,
			BatchIndex:    i,
		}))
	}
	return ids
}

func TestBatchRunner_AllSucceed(t *testing.T) {
	st := newBatchStore(t)
	ids := seedBatch(t, st, "batch-1", 3, -1)
	runner := &scriptedRunner{store: st, statuses: map[string]model.RequestStatus{
		ids[0]: model.StatusDone,
		ids[1]: model.StatusDone,
		ids[2]: model.StatusAwaitingReview,
	}}

	b := NewBatchRunner(st, runner, 2)
	require.NoError(t, b.Run(context.Background(), "batch-1"))

	got, err := st.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedItems)
	assert.Equal(t, 0, got.FailedItems)
	assert.Equal(t, 2, got.LastProcessedIndex)
	assert.Len(t, runner.runs, 3)
}

func TestBatchRunner_PartialFailure(t *testing.T) {
	st := newBatchStore(t)
	ids := seedBatch(t, st, "batch-1", 3, -1)
	runner := &scriptedRunner{store: st, statuses: map[string]model.RequestStatus{
		ids[0]: model.StatusDone,
		ids[1]: model.StatusError,
		ids[2]: model.StatusDone,
	}}

	b := NewBatchRunner(st, runner, 1)
	require.NoError(t, b.Run(context.Background(), "batch-1"))

	got, err := st.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchPartiallyCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedItems)
	assert.Equal(t, 1, got.FailedItems)
}

func TestBatchRunner_AllFail(t *testing.T) {
	st := newBatchStore(t)
	ids := seedBatch(t, st, "batch-1", 2, -1)
	runner := &scriptedRunner{store: st, statuses: map[string]model.RequestStatus{
		ids[0]: model.StatusError,
		ids[1]: model.StatusError,
	}}

	b := NewBatchRunner(st, runner, 2)
	require.NoError(t, b.Run(context.Background(), "batch-1"))

	got, err := st.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchError, got.Status)
}

func TestBatchRunner_ResumeSkipsProcessedPrefix(t *testing.T) {
	st := newBatchStore(t)
	ctx := context.Background()
	ids := seedBatch(t, st, "batch-1", 3, 0)

	// Index 0 finished in the previous run.
	require.NoError(t, st.CompleteRequest(ctx, ids[0], model.StatusDone, time.Now().UTC()))

	runner := &scriptedRunner{store: st, statuses: map[string]model.RequestStatus{
		ids[1]: model.StatusDone,
		ids[2]: model.StatusDone,
	}}

	b := NewBatchRunner(st, runner, 1)
	require.NoError(t, b.Run(ctx, "batch-1"))

	assert.NotContains(t, runner.runs, ids[0])
	assert.Len(t, runner.runs, 2)

	got, err := st.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedItems)
	assert.Equal(t, 2, got.LastProcessedIndex)
}
