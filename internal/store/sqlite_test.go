package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newRequest(id string) *model.QuoteRequest {
	return &model.QuoteRequest{
		ID:            id,
		Code:          "PAT-001",
		InputText:     "notebook dell latitude",
		Params:        model.DefaultQuoteParams(),
		Status:        model.StatusProcessing,
		Checkpoint:    model.CheckpointInit,
		AttemptNumber: 1,
	}
}

func TestSQLite_RequestRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-1")))

	got, err := st.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "PAT-001", got.Code)
	assert.Equal(t, "notebook dell latitude", got.InputText)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, model.CheckpointInit, got.Checkpoint)
	assert.Equal(t, 3, got.Params.TargetCount)
}

func TestSQLite_SaveCheckpointKeepsResumeDataWhenNil(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-1")))

	data := model.ResumeData{model.ResumeKeyAnalysis: []byte(`{"query_string":"notebook"}`)}
	require.NoError(t, st.SaveCheckpoint(ctx, "req-1", model.CheckpointAIAnalysisDone, data, 20, time.Now().UTC()))

	// A nil payload must not erase what is already stored.
	require.NoError(t, st.SaveCheckpoint(ctx, "req-1", model.CheckpointShoppingSearchStart, nil, 25, time.Now().UTC()))

	got, err := st.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.CheckpointShoppingSearchStart, got.Checkpoint)
	assert.Contains(t, got.ResumeData, model.ResumeKeyAnalysis)
}

func TestSQLite_TryClaim(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-1")))

	stale := time.Now().UTC().Add(-10 * time.Minute)

	// Unowned requests are claimable immediately.
	ok, err := st.TryClaim(ctx, "req-1", "worker-a", stale)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another worker cannot steal it while the heartbeat is fresh.
	ok, err = st.TryClaim(ctx, "req-1", "worker-b", stale)
	require.NoError(t, err)
	assert.False(t, ok)

	// The owner can re-claim its own request.
	ok, err = st.TryClaim(ctx, "req-1", "worker-a", stale)
	require.NoError(t, err)
	assert.True(t, ok)

	// Once the owner's heartbeat goes stale the takeover succeeds.
	require.NoError(t, st.UpdateHeartbeat(ctx, "req-1", time.Now().UTC().Add(-30*time.Minute)))
	ok, err = st.TryClaim(ctx, "req-1", "worker-b", stale)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_ClaimRequiresNoWorker(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	req := newRequest("req-1")
	require.NoError(t, st.CreateRequest(ctx, req))
	require.NoError(t, st.UpdateHeartbeat(ctx, "req-1", time.Now().UTC().Add(-time.Hour)))

	ok, err := st.TryClaim(ctx, "req-1", "worker-a", time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.WorkerID)
}

func TestSQLite_CompleteClearsWorker(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-1")))
	require.NoError(t, st.MarkStarted(ctx, "req-1", "worker-a", time.Now().UTC()))
	require.NoError(t, st.CompleteRequest(ctx, "req-1", model.StatusDone, time.Now().UTC()))

	got, err := st.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, model.CheckpointCompleted, got.Checkpoint)
	assert.Empty(t, got.WorkerID)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 100, got.ProgressPct)
}

func TestSQLite_SourcesSortedByPrice(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-1")))

	for i, price := range []string{"1200.50", "999.90", "1100"} {
		src := &model.QuoteSource{
			ID:               string(rune('a' + i)),
			RequestID:        "req-1",
			URL:              "https://loja.com.br/p/1",
			Domain:           "loja.com.br",
			PriceValue:       decimal.RequireFromString(price),
			Currency:         "BRL",
			ExtractionMethod: model.MethodJSONLD,
			CapturedAt:       time.Now().UTC(),
			IsAccepted:       true,
		}
		require.NoError(t, st.SaveQuoteSource(ctx, src))
	}

	sources, err := st.ListQuoteSources(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, sources, 3)
	assert.Equal(t, "999.9", sources[0].PriceValue.String())
	assert.Equal(t, "1100", sources[1].PriceValue.String())
	assert.Equal(t, "1200.5", sources[2].PriceValue.String())
}

func TestSQLite_FailureRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-1")))

	gp := decimal.NewFromInt(102)
	ep := decimal.NewFromInt(150)
	failure := &model.QuoteSourceFailure{
		ID:             "f-1",
		RequestID:      "req-1",
		URL:            "https://loja.com.br/p/2",
		Domain:         "loja.com.br",
		GooglePrice:    &gp,
		ExtractedPrice: &ep,
		FailureReason:  model.FailPriceMismatch,
		ErrorMessage:   "extracted price diverges from listing price beyond tolerance",
		AttemptedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.SaveQuoteSourceFailure(ctx, failure))

	failures, err := st.ListQuoteSourceFailures(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, model.FailPriceMismatch, failures[0].FailureReason)
	require.NotNil(t, failures[0].GooglePrice)
	assert.Equal(t, "102", failures[0].GooglePrice.String())
	assert.Equal(t, "150", failures[0].ExtractedPrice.String())
}

func TestSQLite_BatchLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	batch := &model.BatchJob{
		ID:                 "batch-1",
		Status:             model.BatchPending,
		TotalItems:         2,
		LastProcessedIndex: -1,
	}
	require.NoError(t, st.CreateBatch(ctx, batch))

	for i, id := range []string{"req-1", "req-2"} {
		req := newRequest(id)
		req.BatchID = "batch-1"
		req.BatchIndex = i
		require.NoError(t, st.CreateRequest(ctx, req))
	}

	require.NoError(t, st.UpdateBatchProgress(ctx, "batch-1", 1, 0, 0))
	require.NoError(t, st.UpdateBatchStatus(ctx, "batch-1", model.BatchProcessing))

	got, err := st.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.BatchProcessing, got.Status)
	assert.Equal(t, 1, got.CompletedItems)
	assert.Equal(t, 0, got.LastProcessedIndex)

	children, err := st.ListBatchRequests(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "req-1", children[0].ID)
	assert.Equal(t, "req-2", children[1].ID)
}

func TestSQLite_StuckDetection(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-stuck")))
	require.NoError(t, st.MarkStarted(ctx, "req-stuck", "worker-a", time.Now().UTC()))
	require.NoError(t, st.UpdateHeartbeat(ctx, "req-stuck", time.Now().UTC().Add(-20*time.Minute)))

	require.NoError(t, st.CreateRequest(ctx, newRequest("req-live")))
	require.NoError(t, st.MarkStarted(ctx, "req-live", "worker-b", time.Now().UTC()))

	stuck, err := st.ListStuckRequests(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "req-stuck", stuck[0].ID)

	require.NoError(t, st.ResetForRetry(ctx, "req-stuck"))
	got, err := st.GetRequest(ctx, "req-stuck")
	require.NoError(t, err)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, 2, got.AttemptNumber)
}

func TestSQLite_BlockedDomains(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AddBlockedDomain(ctx, "pontofrio.com.br"))
	require.NoError(t, st.AddBlockedDomain(ctx, "pontofrio.com.br")) // idempotent
	require.NoError(t, st.AddBlockedDomain(ctx, "casasbahia.com.br"))

	domains, err := st.ListBlockedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"casasbahia.com.br", "pontofrio.com.br"}, domains)

	require.NoError(t, st.RemoveBlockedDomain(ctx, "pontofrio.com.br"))
	domains, err = st.ListBlockedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"casasbahia.com.br"}, domains)
}
