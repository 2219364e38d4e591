package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/checkpoint"
	"github.com/avaliabr/cotador/internal/deeplookup"
	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/orchestrator"
	"github.com/avaliabr/cotador/internal/render"
	"github.com/avaliabr/cotador/internal/search"
	"github.com/avaliabr/cotador/internal/store"
	"github.com/avaliabr/cotador/pkg/analyzer"
	"github.com/avaliabr/cotador/pkg/fipe"
	"github.com/avaliabr/cotador/pkg/serpapi"
)

// env bundles the wired pipeline for the commands that process requests.
type env struct {
	Store       store.Store
	Policy      *domainpolicy.Policy
	Checkpoints *checkpoint.Manager
	Runner      *orchestrator.Runner

	renderer *render.Engine
}

func (e *env) Close() {
	if e.renderer != nil {
		e.renderer.Close()
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "cotador.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("database URL is required (COTADOR_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv wires the full pipeline: store, domain policy, external clients,
// the headless browser and the request runner.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	if cfg.SerpAPI.Key == "" {
		st.Close() //nolint:errcheck
		return nil, eris.New("search API key is required (COTADOR_SERPAPI_KEY)")
	}
	if cfg.Anthropic.Key == "" {
		st.Close() //nolint:errcheck
		return nil, eris.New("anthropic API key is required (COTADOR_ANTHROPIC_KEY)")
	}

	policy := domainpolicy.New(st, cfg.Domains.CacheRefresh())
	if err := policy.Refresh(ctx); err != nil {
		zap.L().Warn("blocked-domain refresh failed, using seed list", zap.Error(err))
	}
	policy.StartRefresh(ctx)

	serpClient := serpapi.NewClient(cfg.SerpAPI.Key,
		serpapi.WithBaseURL(cfg.SerpAPI.BaseURL),
		serpapi.WithRateLimit(cfg.SerpAPI.RatePerSec),
	)
	renderer := render.NewEngine(cfg.Render)
	checkpoints := checkpoint.NewManager(st, workerID(),
		cfg.Checkpoint.HeartbeatTimeout(), cfg.Checkpoint.ProcessingCap())

	runner := orchestrator.NewRunner(orchestrator.Deps{
		Store:       st,
		Checkpoints: checkpoints,
		Analyzer:    analyzer.New(cfg.Anthropic.Key, cfg.Anthropic.Model),
		Search:      search.NewProvider(serpClient, policy, cfg.SerpAPI.Location, cfg.Quote.DeepLookupRetries),
		Lookup:      deeplookup.NewProvider(serpClient, policy, cfg.Quote.DeepLookupRetries),
		Fipe:        fipe.NewClient(fipe.WithBaseURL(cfg.Fipe.BaseURL)),
		Renderer:    renderer,
		Policy:      policy,

		ScreenshotDir:      cfg.Screenshot.Dir,
		ArtifactDir:        cfg.Report.Dir,
		RenderTimeout:      cfg.Render.Timeout(),
		RenderRetryTimeout: cfg.Render.RetryTimeout(),
	})

	return &env{
		Store:       st,
		Policy:      policy,
		Checkpoints: checkpoints,
		Runner:      runner,
		renderer:    renderer,
	}, nil
}

// newRequest builds a request from the configured defaults.
func newRequest(text, code, projectID string) *model.QuoteRequest {
	params := model.QuoteParams{
		TargetCount:           cfg.Quote.TargetCount,
		VariationMaxPct:       cfg.Quote.VariationMaxPct,
		MaxValidProducts:      cfg.Quote.MaxValidProducts,
		MaxBlockIterations:    cfg.Quote.MaxBlockIterations,
		DeepLookupRetries:     cfg.Quote.DeepLookupRetries,
		MaxStoredPerItem:      cfg.Quote.MaxStoredPerItem,
		ValidatePriceMismatch: cfg.Quote.ValidatePriceMismatch,
		Location:              cfg.SerpAPI.Location,
		CountryCode:           "br",
		LocaleCode:            "pt-br",
	}
	return &model.QuoteRequest{
		ID:            uuid.NewString(),
		Code:          code,
		ProjectID:     projectID,
		InputText:     text,
		Params:        params,
		Status:        model.StatusProcessing,
		Checkpoint:    model.CheckpointInit,
		AttemptNumber: 1,
	}
}

// workerID identifies this process in claim and heartbeat rows.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
