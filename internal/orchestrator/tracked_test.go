package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/store"
)

type countingWorker struct {
	calls int
}

func (w *countingWorker) Process(ctx context.Context, cand model.Candidate, seen map[string]struct{}) (*model.QuoteSource, *model.QuoteSourceFailure, error) {
	w.calls++
	src := &model.QuoteSource{
		ID:         "src-new",
		RequestID:  "req-1",
		URL:        cand.ProductLink,
		PriceValue: cand.ListingPrice,
		IsAccepted: true,
		CapturedAt: time.Now().UTC(),
	}
	return src, nil, nil
}

func TestTrackedWorker_ReplaysTestedCandidates(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	require.NoError(t, st.CreateRequest(ctx, &model.QuoteRequest{
		ID: "req-1", InputText: "item", Params: model.DefaultQuoteParams(),
		Status: model.StatusProcessing, Checkpoint: model.CheckpointInit, AttemptNumber: 1,
	}))
	require.NoError(t, st.SaveQuoteSource(ctx, &model.QuoteSource{
		ID: "src-1", RequestID: "req-1", URL: "https://loja.com.br/p/1",
		Domain: "loja.com.br", PriceValue: decimal.NewFromInt(100), Currency: "BRL",
		ExtractionMethod: model.MethodJSONLD, CapturedAt: time.Now().UTC(), IsAccepted: true,
	}))

	state, _ := json.Marshal(extractionState{
		Validated: map[int]string{1: "src-1"},
		Failed:    []int{2},
	})
	req := &model.QuoteRequest{
		ID:         "req-1",
		ResumeData: model.ResumeData{model.ResumeKeyTestedProducts: state},
	}

	inner := &countingWorker{}
	w, err := newTrackedWorker(ctx, inner, st, req)
	require.NoError(t, err)

	// Position 1 replays the persisted source without touching the inner worker.
	src, failure, err := w.Process(ctx, model.Candidate{Position: 1}, nil)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Nil(t, failure)
	assert.Equal(t, "src-1", src.ID)
	assert.Zero(t, inner.calls)

	// Position 2 was already rejected; no new failure row, no inner call.
	src, failure, err = w.Process(ctx, model.Candidate{Position: 2}, nil)
	require.NoError(t, err)
	assert.Nil(t, src)
	assert.Nil(t, failure)
	assert.Zero(t, inner.calls)

	// Position 3 is fresh: dispatched and recorded.
	src, _, err = w.Process(ctx, model.Candidate{Position: 3, ListingPrice: decimal.NewFromInt(110)}, nil)
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, 1, inner.calls)

	var got extractionState
	require.NoError(t, json.Unmarshal(w.marshal(), &got))
	assert.Equal(t, "src-new", got.Validated[3])
	assert.Equal(t, []int{2}, got.Failed)
}
