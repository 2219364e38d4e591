// Package fipe provides a client for the FIPE vehicle reference-price API.
package fipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/avaliabr/cotador/internal/extract"
	"github.com/avaliabr/cotador/internal/resilience"
)

// VehicleType selects the FIPE table.
type VehicleType string

const (
	VehicleCar        VehicleType = "carros"
	VehicleMotorcycle VehicleType = "motos"
	VehicleTruck      VehicleType = "caminhoes"
)

// Client defines the FIPE lookups used by the vehicle path.
type Client interface {
	// FindPrice resolves a brand/model/year description to a reference price.
	FindPrice(ctx context.Context, vt VehicleType, brand, model, year string) (*Price, error)
}

// Price is a FIPE reference price.
type Price struct {
	Value     decimal.Decimal
	Brand     string
	Model     string
	YearModel string
	FipeCode  string
	Reference string // reference month, e.g. "agosto de 2026"
}

type namedCode struct {
	Nome   string `json:"nome"`
	Codigo string `json:"codigo"`
}

type modelsResponse struct {
	Modelos []namedCode `json:"modelos"`
}

type priceResponse struct {
	Valor          string `json:"Valor"` // "R$ 52.341,00"
	Marca          string `json:"Marca"`
	Modelo         string `json:"Modelo"`
	AnoModelo      int    `json:"AnoModelo"`
	CodigoFipe     string `json:"CodigoFipe"`
	MesReferencia  string `json:"MesReferencia"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(baseURL string) Option {
	return func(c *httpClient) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the transient-error retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewClient creates a FIPE client.
func NewClient(opts ...Option) Client {
	retry := resilience.DefaultRetryConfig(3)
	retry.OnRetry = resilience.RetryLogger("fipe", "lookup")
	c := &httpClient{
		baseURL: "https://parallelum.com.br/fipe/api/v1",
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindPrice walks brand → model → year, matching each level by name, and
// returns the reference price.
func (c *httpClient) FindPrice(ctx context.Context, vt VehicleType, brand, model, year string) (*Price, error) {
	var brands []namedCode
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/marcas", vt), &brands); err != nil {
		return nil, err
	}
	brandCode, ok := matchByName(brands, brand)
	if !ok {
		return nil, eris.Errorf("fipe: brand %q not found", brand)
	}

	var models modelsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/marcas/%s/modelos", vt, brandCode), &models); err != nil {
		return nil, err
	}
	modelCode, ok := matchByName(models.Modelos, model)
	if !ok {
		return nil, eris.Errorf("fipe: model %q not found for brand %q", model, brand)
	}

	var years []namedCode
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/marcas/%s/modelos/%s/anos", vt, brandCode, modelCode), &years); err != nil {
		return nil, err
	}
	yearCode, ok := matchByName(years, year)
	if !ok {
		return nil, eris.Errorf("fipe: year %q not found for model %q", year, model)
	}

	var pr priceResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/marcas/%s/modelos/%s/anos/%s", vt, brandCode, modelCode, yearCode), &pr); err != nil {
		return nil, err
	}

	value, ok := extract.ParseBRL(pr.Valor)
	if !ok {
		return nil, eris.Errorf("fipe: unparsable price %q", pr.Valor)
	}

	return &Price{
		Value:     value,
		Brand:     pr.Marca,
		Model:     pr.Modelo,
		YearModel: fmt.Sprintf("%d", pr.AnoModelo),
		FipeCode:  pr.CodigoFipe,
		Reference: pr.MesReferencia,
	}, nil
}

// matchByName finds the entry whose name contains (or is contained by) the
// wanted name, case-insensitively. FIPE names rarely match user input exactly.
func matchByName(entries []namedCode, want string) (string, bool) {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return "", false
	}
	// Exact match first.
	for _, e := range entries {
		if strings.ToLower(e.Nome) == want {
			return e.Codigo, true
		}
	}
	for _, e := range entries {
		name := strings.ToLower(e.Nome)
		if strings.Contains(name, want) || strings.Contains(want, name) {
			return e.Codigo, true
		}
	}
	return "", false
}

func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.fetchJSON(ctx, path, out)
	})
}

func (c *httpClient) fetchJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "fipe: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "fipe: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "fipe: read response body")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(
			eris.Errorf("fipe: status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("fipe: unexpected status %d for %s", resp.StatusCode, path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "fipe: unmarshal response")
	}
	return nil
}
