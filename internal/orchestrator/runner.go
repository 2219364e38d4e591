// Package orchestrator drives quote requests end to end: analysis, search,
// price extraction and finalization, with checkpointing at every stage.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/checkpoint"
	"github.com/avaliabr/cotador/internal/deeplookup"
	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/engine"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/render"
	"github.com/avaliabr/cotador/internal/report"
	"github.com/avaliabr/cotador/internal/search"
	"github.com/avaliabr/cotador/internal/store"
	"github.com/avaliabr/cotador/internal/worker"
	"github.com/avaliabr/cotador/pkg/analyzer"
	"github.com/avaliabr/cotador/pkg/fipe"
)

// Deps collects everything a Runner needs. All fields are required except
// ArtifactDir, which disables artifact emission when empty.
type Deps struct {
	Store       store.Store
	Checkpoints *checkpoint.Manager
	Analyzer    analyzer.Analyzer
	Search      *search.Provider
	Lookup      *deeplookup.Provider
	Fipe        fipe.Client
	Renderer    render.Renderer
	Policy      *domainpolicy.Policy

	ScreenshotDir      string
	ArtifactDir        string
	RenderTimeout      time.Duration
	RenderRetryTimeout time.Duration
}

// Runner processes one quote request at a time from claim to terminal
// status. A Runner is safe to reuse across requests.
type Runner struct {
	deps Deps
}

// NewRunner creates a Runner.
func NewRunner(deps Deps) *Runner {
	return &Runner{deps: deps}
}

// Run drives the request through its remaining stages. A nil return means
// the request reached a terminal status, including ERROR; a non-nil error
// means the run itself could not proceed (claim refused, store failures,
// cancellation of ctx).
func (r *Runner) Run(ctx context.Context, requestID string) error {
	req, err := r.deps.Store.GetRequest(ctx, requestID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load request")
	}
	if req.Status.Terminal() {
		zap.L().Info("request already terminal",
			zap.String("request_id", req.ID),
			zap.String("status", string(req.Status)),
		)
		return nil
	}

	ok, err := r.deps.Checkpoints.Claim(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Errorf("orchestrator: request %s held by another worker", req.ID)
	}

	resume := checkpoint.ResumePoint(req)
	log := zap.L().With(
		zap.String("request_id", req.ID),
		zap.Int("attempt", req.AttemptNumber),
	)
	if req.StartedAt == nil {
		if err := r.deps.Checkpoints.Start(ctx, req); err != nil {
			return err
		}
	} else {
		log.Info("resuming request", zap.String("resume_point", string(resume)))
		if err := r.deps.Checkpoints.Heartbeat(ctx, req); err != nil {
			return err
		}
	}

	analysis, err := r.analyze(ctx, req)
	if err != nil {
		return r.fatal(ctx, req, err)
	}
	if analysis == nil {
		return nil // cancelled
	}

	if analysis.Natureza.IsVehicle() {
		return r.runVehicle(ctx, req, analysis)
	}
	return r.runShopping(ctx, req, analysis)
}

// analyze returns the query analysis, reusing a persisted one on resume.
// A nil analysis with nil error means the request was cancelled.
func (r *Runner) analyze(ctx context.Context, req *model.QuoteRequest) (*analyzer.Analysis, error) {
	if raw, ok := req.ResumeData[model.ResumeKeyAnalysis]; ok {
		return analyzer.ParseAnalysis(string(raw))
	}

	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointAIAnalysisStart, nil, 5); err != nil {
		return nil, err
	}
	analysis, err := r.deps.Analyzer.Analyze(ctx, req.InputText)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: query analysis")
	}

	data := model.ResumeData{model.ResumeKeyAnalysis: analysis.Raw}
	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointAIAnalysisDone, data, 15); err != nil {
		return nil, err
	}

	cancelled, err := r.cancelled(ctx, req)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, nil
	}
	return analysis, nil
}

// runVehicle prices the asset against the FIPE reference table. The result
// is a single direct observation; the block engine is not involved.
func (r *Runner) runVehicle(ctx context.Context, req *model.QuoteRequest, analysis *analyzer.Analysis) error {
	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointFipeSearch, nil, 30); err != nil {
		return err
	}

	vt, ok := analysis.Natureza.VehicleType()
	if !ok || analysis.Vehicle == nil {
		return r.fatal(ctx, req, eris.Errorf("orchestrator: analysis classified %q but identified no vehicle", analysis.Natureza))
	}

	v := analysis.Vehicle
	price, err := r.deps.Fipe.FindPrice(ctx, vt, v.Brand, v.Model, v.Year)
	if err != nil {
		return r.fatal(ctx, req, err)
	}

	source := fipeSource(req.ID, price)
	if err := r.deps.Store.SaveQuoteSource(ctx, source); err != nil {
		return r.fatal(ctx, req, eris.Wrap(err, "orchestrator: save fipe observation"))
	}
	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointFipeDone, nil, 90); err != nil {
		return err
	}

	// A reference-table price is authoritative on its own; min, max and
	// average coincide.
	return r.finalize(ctx, req, analysis, []model.QuoteSource{*source}, model.StatusDone)
}

// runShopping drives the search and extraction stages for product assets.
func (r *Runner) runShopping(ctx context.Context, req *model.QuoteRequest, analysis *analyzer.Analysis) error {
	candidates, err := r.candidates(ctx, req, analysis)
	if err != nil {
		return r.fatal(ctx, req, err)
	}

	cancelled, err := r.cancelled(ctx, req)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	if len(candidates) == 0 {
		return r.fatal(ctx, req, eris.New("orchestrator: no acceptable offers"))
	}

	if err := r.deps.Policy.Refresh(ctx); err != nil {
		zap.L().Warn("blocked-domain refresh failed", zap.Error(err))
	}

	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointPriceExtractionStart, nil, 20); err != nil {
		return err
	}

	result, err := r.extract(ctx, req, candidates)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return r.fatal(ctx, req, err)
	}

	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointPriceExtractionDone, nil, 95); err != nil {
		return err
	}

	cancelled, err = r.cancelled(ctx, req)
	if err != nil {
		return err
	}
	if cancelled {
		return nil
	}

	if len(result.Validated) == 0 {
		return r.fatal(ctx, req, eris.New("orchestrator: no acceptable offers"))
	}

	status := model.StatusAwaitingReview
	if len(result.Validated) >= req.Params.TargetCount && withinVariation(result.Validated, req.Params.VariationMaxPct) {
		status = model.StatusDone
	}
	return r.finalize(ctx, req, analysis, result.Validated, status)
}

// candidates derives the candidate list, searching only when no persisted
// response exists. Resumed runs re-derive from the stored raw response so
// ordering and block membership replay identically.
func (r *Runner) candidates(ctx context.Context, req *model.QuoteRequest, analysis *analyzer.Analysis) ([]model.Candidate, error) {
	if raw, ok := req.ResumeData[model.ResumeKeySearchResponse]; ok {
		resp, err := search.ParseRaw(raw)
		if err != nil {
			return nil, err
		}
		return r.deps.Search.Derive(resp, req.Params.MaxValidProducts), nil
	}

	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointShoppingSearchStart, nil, 18); err != nil {
		return nil, err
	}
	candidates, raw, err := r.deps.Search.Search(ctx, analysis.QueryString, req.Params.MaxValidProducts)
	if err != nil {
		return nil, err
	}

	data := model.ResumeData{model.ResumeKeySearchResponse: raw}
	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointShoppingSearchDone, data, 20); err != nil {
		return nil, err
	}
	return candidates, nil
}

// extract runs the block engine over the candidates, persisting tested
// positions after every dispatch so a restart skips work already done.
func (r *Runner) extract(ctx context.Context, req *model.QuoteRequest, candidates []model.Candidate) (*engine.Result, error) {
	acq := worker.NewAcquisition(
		req.ID, req.Params,
		r.deps.Policy, r.deps.Lookup, r.deps.Renderer, r.deps.Store,
		r.deps.ScreenshotDir, r.deps.RenderTimeout, r.deps.RenderRetryTimeout,
	)

	tracked, err := newTrackedWorker(ctx, acq, r.deps.Store, req)
	if err != nil {
		return nil, err
	}

	onProgress := func(validated int) {
		pct := 20 + (75*validated)/req.Params.TargetCount
		if pct > 95 {
			pct = 95
		}
		data := model.ResumeData{model.ResumeKeyTestedProducts: tracked.marshal()}
		if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointPriceExtractionProgress, data, pct); err != nil {
			zap.L().Warn("progress checkpoint failed",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}

	eng := engine.New(tracked, req.Params, onProgress)
	return eng.Run(ctx, candidates)
}

// finalize computes the aggregates, writes them with the terminal status
// and emits the artifact payload.
func (r *Runner) finalize(ctx context.Context, req *model.QuoteRequest, analysis *analyzer.Analysis, sources []model.QuoteSource, status model.RequestStatus) error {
	if err := r.deps.Checkpoints.Save(ctx, req, model.CheckpointFinalization, nil, 98); err != nil {
		return err
	}

	if limit := req.Params.MaxStoredPerItem; limit > 0 && len(sources) > limit {
		sources = sources[:limit]
	}

	valorMin, valorMax, valorAvg, variationPct := aggregates(sources)
	if err := r.deps.Store.SaveAggregates(ctx, req.ID, valorMin.String(), valorMax.String(), valorAvg.String(), variationPct); err != nil {
		return eris.Wrap(err, "orchestrator: save aggregates")
	}
	req.ValorMin, req.ValorMax, req.ValorAvg, req.VariationPct = valorMin, valorMax, valorAvg, variationPct
	req.Sources = sources

	if r.deps.ArtifactDir != "" {
		artifact := report.Build(req, analysis.BemPatrimonial, r.deps.ScreenshotDir)
		if name, err := report.Write(r.deps.ArtifactDir, artifact); err != nil {
			zap.L().Warn("artifact write failed",
				zap.String("request_id", req.ID), zap.Error(err))
		} else {
			zap.L().Info("artifact written",
				zap.String("request_id", req.ID), zap.String("file", name))
		}
	}

	if err := r.deps.Checkpoints.Complete(ctx, req, status); err != nil {
		return err
	}
	zap.L().Info("request finished",
		zap.String("request_id", req.ID),
		zap.String("status", string(status)),
		zap.Int("sources", len(sources)),
		zap.Float64("variation_pct", variationPct),
	)
	return nil
}

// fatal records the failure as the request's terminal state. The run itself
// succeeded in reaching a terminal status, so the returned error only
// reflects persistence problems.
func (r *Runner) fatal(ctx context.Context, req *model.QuoteRequest, cause error) error {
	zap.L().Error("request failed",
		zap.String("request_id", req.ID),
		zap.Error(cause),
	)
	return r.deps.Checkpoints.Fail(ctx, req, eris.Cause(cause).Error())
}

// cancelled re-reads the request status. Operator cancellation is honored
// at stage boundaries only; in-flight calls run to completion.
func (r *Runner) cancelled(ctx context.Context, req *model.QuoteRequest) (bool, error) {
	latest, err := r.deps.Store.GetRequest(ctx, req.ID)
	if err != nil {
		return false, eris.Wrap(err, "orchestrator: reload request")
	}
	if latest.Status == model.StatusCancelled {
		zap.L().Info("request cancelled by operator", zap.String("request_id", req.ID))
		return true, nil
	}
	return false, nil
}

func fipeSource(requestID string, price *fipe.Price) *model.QuoteSource {
	return &model.QuoteSource{
		ID:               uuid.NewString(),
		RequestID:        requestID,
		URL:              "https://veiculos.fipe.org.br",
		Domain:           "veiculos.fipe.org.br",
		PageTitle:        price.Brand + " " + price.Model + " " + price.YearModel + " (" + price.Reference + ")",
		PriceValue:       price.Value,
		Currency:         "BRL",
		ExtractionMethod: model.MethodAPIFipe,
		CapturedAt:       time.Now().UTC(),
		IsAccepted:       true,
	}
}

// aggregates computes min, max, average and spread over an ascending
// price-sorted source list.
func aggregates(sources []model.QuoteSource) (valorMin, valorMax, valorAvg decimal.Decimal, variationPct float64) {
	if len(sources) == 0 {
		return
	}
	prices := make([]decimal.Decimal, len(sources))
	sum := decimal.Zero
	for i, s := range sources {
		prices[i] = s.PriceValue
		sum = sum.Add(s.PriceValue)
	}
	valorMin = prices[0]
	valorMax = prices[len(prices)-1]
	valorAvg = sum.Div(decimal.NewFromInt(int64(len(prices)))).Round(2)
	variationPct, _ = engine.Spread(prices).Round(2).Float64()
	return
}

func withinVariation(sources []model.QuoteSource, maxPct float64) bool {
	prices := make([]decimal.Decimal, len(sources))
	for i, s := range sources {
		prices[i] = s.PriceValue
	}
	return engine.Spread(prices).LessThanOrEqual(decimal.NewFromFloat(maxPct))
}
