package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/engine"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/store"
)

// extractionState records which candidate positions a previous run already
// tested, so a restart neither re-renders nor re-persists them.
type extractionState struct {
	// Validated maps candidate position to the persisted source id.
	Validated map[int]string `json:"validated,omitempty"`
	Failed    []int          `json:"failed,omitempty"`
}

// trackedWorker wraps the acquisition worker with replay bookkeeping. It
// answers already-tested candidates from persisted state and records the
// outcome of fresh dispatches.
type trackedWorker struct {
	inner   engine.Worker
	state   extractionState
	sources map[string]model.QuoteSource
}

// newTrackedWorker restores the tested-products state from the request's
// resume data and loads the sources a previous attempt persisted.
func newTrackedWorker(ctx context.Context, inner engine.Worker, st store.Store, req *model.QuoteRequest) (*trackedWorker, error) {
	w := &trackedWorker{
		inner:   inner,
		state:   extractionState{Validated: map[int]string{}},
		sources: map[string]model.QuoteSource{},
	}

	raw, ok := req.ResumeData[model.ResumeKeyTestedProducts]
	if !ok {
		return w, nil
	}
	if err := json.Unmarshal(raw, &w.state); err != nil {
		return nil, eris.Wrap(err, "orchestrator: unmarshal tested products")
	}
	if w.state.Validated == nil {
		w.state.Validated = map[int]string{}
	}

	persisted, err := st.ListQuoteSources(ctx, req.ID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load persisted sources")
	}
	for _, s := range persisted {
		w.sources[s.ID] = s
	}
	return w, nil
}

func (w *trackedWorker) Process(ctx context.Context, cand model.Candidate, seenDomains map[string]struct{}) (*model.QuoteSource, *model.QuoteSourceFailure, error) {
	if id, ok := w.state.Validated[cand.Position]; ok {
		if src, ok := w.sources[id]; ok {
			zap.L().Debug("replaying validated candidate",
				zap.Int("position", cand.Position),
				zap.String("source_id", id),
			)
			return &src, nil, nil
		}
		// The source row is gone; fall through and re-acquire.
		delete(w.state.Validated, cand.Position)
	}
	for _, pos := range w.state.Failed {
		if pos == cand.Position {
			// Already rejected and recorded in a previous attempt.
			return nil, nil, nil
		}
	}

	source, failure, err := w.inner.Process(ctx, cand, seenDomains)
	if err != nil {
		return nil, nil, err
	}
	if source != nil {
		w.state.Validated[cand.Position] = source.ID
		w.sources[source.ID] = *source
	} else {
		w.state.Failed = append(w.state.Failed, cand.Position)
	}
	return source, failure, nil
}

// marshal serializes the tested-products state for the resume payload.
func (w *trackedWorker) marshal() json.RawMessage {
	data, err := json.Marshal(w.state)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
