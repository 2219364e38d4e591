package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/checkpoint"
	"github.com/avaliabr/cotador/internal/deeplookup"
	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/render"
	"github.com/avaliabr/cotador/internal/search"
	"github.com/avaliabr/cotador/internal/store"
	"github.com/avaliabr/cotador/pkg/analyzer"
	"github.com/avaliabr/cotador/pkg/fipe"
	"github.com/avaliabr/cotador/pkg/serpapi"
)

type stubAnalyzer struct {
	analysis *analyzer.Analysis
	err      error
	calls    int
}

func (a *stubAnalyzer) Analyze(ctx context.Context, description string) (*analyzer.Analysis, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.analysis, nil
}

type stubSerpClient struct {
	resp        *serpapi.SearchResponse
	searchErr   error
	searchCalls int
}

func (c *stubSerpClient) ShoppingSearch(ctx context.Context, query string, opts ...serpapi.SearchOption) (*serpapi.SearchResponse, error) {
	c.searchCalls++
	if c.searchErr != nil {
		return nil, c.searchErr
	}
	return c.resp, nil
}

func (c *stubSerpClient) ImmersiveProduct(ctx context.Context, pageToken string) (*serpapi.ProductResponse, error) {
	return &serpapi.ProductResponse{}, nil
}

// mapRenderer serves a JSON-LD priced page per URL.
type mapRenderer struct {
	prices map[string]string
	calls  int
}

func (r *mapRenderer) Render(ctx context.Context, url, screenshotPath string, timeout time.Duration) (*render.RenderedPage, error) {
	r.calls++
	price, ok := r.prices[url]
	if !ok {
		return nil, &render.Error{Kind: render.ErrNavigation, URL: url, Err: eris.New("no fixture")}
	}
	html := `<html><head><title>Produto</title><script type="application/ld+json">
		{"@type":"Product","offers":{"price":"` + price + `","priceCurrency":"BRL"}}
	</script></head><body></body></html>`
	return render.NewPageFromHTML(url, html)
}

type stubFipe struct {
	price *fipe.Price
	err   error
}

func (f *stubFipe) FindPrice(ctx context.Context, vt fipe.VehicleType, brand, model, year string) (*fipe.Price, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.price, nil
}

func productAnalysis(query string) *analyzer.Analysis {
	raw := `{"query_string":"` + query + `","natureza":"produto","bem_patrimonial":"Notebook Dell"}`
	return &analyzer.Analysis{
		QueryString:    query,
		Natureza:       analyzer.NaturezaProduct,
		BemPatrimonial: "Notebook Dell",
		Raw:            json.RawMessage(raw),
	}
}

func searchFixture(prices ...float64) *serpapi.SearchResponse {
	items := make([]serpapi.ShoppingItem, len(prices))
	for i, p := range prices {
		items[i] = serpapi.ShoppingItem{
			Position:       i + 1,
			Title:          "Notebook Dell",
			ExtractedPrice: p,
			Source:         "Loja",
			ProductLink:    pageURL(i),
		}
	}
	resp := &serpapi.SearchResponse{ShoppingResults: items}
	raw, _ := json.Marshal(map[string]any{"shopping_results": items})
	resp.Raw = raw
	return resp
}

func pageURL(i int) string {
	return "https://loja" + string(rune('a'+i)) + ".com.br/p/1"
}

// pricesByURL maps every fixture URL to a rendered price equal to its listing.
func pricesByURL(prices ...float64) map[string]string {
	out := make(map[string]string, len(prices))
	for i, p := range prices {
		out[pageURL(i)] = decimal.NewFromFloat(p).String()
	}
	return out
}

type testEnv struct {
	store    store.Store
	runner   *Runner
	analyzer *stubAnalyzer
	serp     *stubSerpClient
	renderer *mapRenderer
	fipe     *stubFipe
	artifact string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	env := &testEnv{
		store:    st,
		analyzer: &stubAnalyzer{analysis: productAnalysis("notebook dell latitude")},
		serp:     &stubSerpClient{resp: searchFixture()},
		renderer: &mapRenderer{prices: map[string]string{}},
		fipe:     &stubFipe{},
		artifact: t.TempDir(),
	}

	policy := domainpolicy.New(st, time.Minute)
	env.runner = NewRunner(Deps{
		Store:              st,
		Checkpoints:        checkpoint.NewManager(st, "worker-test", 10*time.Minute, 24*time.Hour),
		Analyzer:           env.analyzer,
		Search:             search.NewProvider(env.serp, policy, "Brasilia, Federal District, Brazil", 1),
		Lookup:             deeplookup.NewProvider(env.serp, policy, 1),
		Fipe:               env.fipe,
		Renderer:           env.renderer,
		Policy:             policy,
		ScreenshotDir:      t.TempDir(),
		ArtifactDir:        env.artifact,
		RenderTimeout:      time.Second,
		RenderRetryTimeout: 2 * time.Second,
	})
	return env
}

func (e *testEnv) seed(t *testing.T, id string) *model.QuoteRequest {
	t.Helper()
	req := &model.QuoteRequest{
		ID:            id,
		Code:          "PAT-001",
		InputText:     "notebook dell latitude 5440",
		Params:        model.DefaultQuoteParams(),
		Status:        model.StatusProcessing,
		Checkpoint:    model.CheckpointInit,
		AttemptNumber: 1,
	}
	require.NoError(t, e.store.CreateRequest(context.Background(), req))
	return req
}

func TestRunner_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.serp.resp = searchFixture(100, 102, 104, 110, 125, 130, 140)
	env.renderer.prices = pricesByURL(100, 102, 104, 110, 125, 130, 140)
	env.seed(t, "req-1")

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, model.CheckpointCompleted, got.Checkpoint)
	assert.Equal(t, "100", got.ValorMin.String())
	assert.Equal(t, "104", got.ValorMax.String())
	assert.Equal(t, "102", got.ValorAvg.String())
	assert.Equal(t, 4.0, got.VariationPct)
	assert.Equal(t, 100, got.ProgressPct)

	sources, err := env.store.ListQuoteSources(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, sources, 3)

	// Artifact emitted alongside the terminal status.
	_, err = os.Stat(filepath.Join(env.artifact, "req-1.json"))
	assert.NoError(t, err)
}

func TestRunner_VehiclePath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	raw := `{"query_string":"fiat strada 2020","natureza":"veiculo_carro","veiculo":{"marca":"Fiat","modelo":"Strada","ano":"2020"}}`
	env.analyzer.analysis = &analyzer.Analysis{
		QueryString: "fiat strada 2020",
		Natureza:    analyzer.NaturezaCar,
		Vehicle:     &analyzer.VehicleInfo{Brand: "Fiat", Model: "Strada", Year: "2020"},
		Raw:         json.RawMessage(raw),
	}
	env.fipe.price = &fipe.Price{
		Value:     decimal.RequireFromString("52341"),
		Brand:     "Fiat",
		Model:     "Strada",
		YearModel: "2020",
		Reference: "agosto de 2026",
	}
	env.seed(t, "req-1")

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, "52341", got.ValorMin.String())
	assert.Equal(t, "52341", got.ValorMax.String())
	assert.Equal(t, 0.0, got.VariationPct)

	sources, err := env.store.ListQuoteSources(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, model.MethodAPIFipe, sources[0].ExtractionMethod)
	assert.Zero(t, env.renderer.calls)
}

func TestRunner_AnalysisFailureIsFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.analyzer.err = eris.New("analyzer: model unavailable")
	env.seed(t, "req-1")

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestRunner_NoCandidatesIsFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.serp.resp = searchFixture()
	env.seed(t, "req-1")

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "no acceptable offers")
	assert.Zero(t, env.renderer.calls)
}

func TestRunner_AllCandidatesRejectedIsFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.serp.resp = searchFixture(100, 102, 104)
	// No render fixtures: every candidate fails with PAGE_LOAD_ERROR.
	env.seed(t, "req-1")

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)

	failures, err := env.store.ListQuoteSourceFailures(ctx, "req-1")
	require.NoError(t, err)
	assert.Len(t, failures, 3)
}

func TestRunner_PartialResultAwaitsReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.serp.resp = searchFixture(100, 105, 108)
	// Only two candidates render; the third fails.
	env.renderer.prices = map[string]string{
		pageURL(0): "100",
		pageURL(1): "105",
	}
	env.seed(t, "req-1")

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingReview, got.Status)
	assert.Equal(t, "100", got.ValorMin.String())
	assert.Equal(t, "105", got.ValorMax.String())
}

func TestRunner_ResumeSkipsAnalysisAndSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The previous run persisted both payloads before dying; this run must
	// replay from them without calling the external APIs again.
	env.analyzer.err = eris.New("analyzer must not be called")
	env.serp.searchErr = eris.New("search must not be called")
	env.renderer.prices = pricesByURL(100, 102, 104)

	req := env.seed(t, "req-1")
	resume := model.ResumeData{
		model.ResumeKeyAnalysis:       productAnalysis("notebook dell latitude").Raw,
		model.ResumeKeySearchResponse: searchFixture(100, 102, 104).Raw,
	}
	require.NoError(t, env.store.SaveCheckpoint(ctx, req.ID, model.CheckpointShoppingSearchDone, resume, 20, time.Now().UTC()))
	require.NoError(t, env.store.MarkStarted(ctx, req.ID, "worker-dead", time.Now().UTC()))
	require.NoError(t, env.store.UpdateHeartbeat(ctx, req.ID, time.Now().UTC().Add(-30*time.Minute)))

	require.NoError(t, env.runner.Run(ctx, "req-1"))

	got, err := env.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Zero(t, env.analyzer.calls)
	assert.Zero(t, env.serp.searchCalls)
}

func TestRunner_TerminalRequestIsLeftAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.seed(t, "req-1")
	require.NoError(t, env.store.UpdateRequestStatus(ctx, req.ID, model.StatusCancelled))

	require.NoError(t, env.runner.Run(ctx, "req-1"))
	assert.Zero(t, env.analyzer.calls)
	assert.Zero(t, env.renderer.calls)
}

func TestRunner_ClaimRefusedWhenHeldByLiveWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.seed(t, "req-1")
	require.NoError(t, env.store.MarkStarted(ctx, req.ID, "worker-other", time.Now().UTC()))

	err := env.runner.Run(ctx, "req-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held by another worker")
	assert.Zero(t, env.analyzer.calls)
}
