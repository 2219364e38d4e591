// Package serpapi provides a client for the shopping search and immersive
// product (deep-lookup) APIs.
package serpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/avaliabr/cotador/internal/resilience"
)

// Client defines the shopping search operations used by the pipeline.
type Client interface {
	// ShoppingSearch issues a single shopping-search call. The raw response
	// body is preserved on the result for diagnostics and resumption.
	ShoppingSearch(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
	// ImmersiveProduct resolves a deep-lookup token into concrete store offers.
	ImmersiveProduct(ctx context.Context, pageToken string) (*ProductResponse, error)
}

// ShoppingItem is a single product from the shopping search listing.
type ShoppingItem struct {
	Position            int     `json:"position"`
	Title               string  `json:"title"`
	Price               string  `json:"price"`
	ExtractedPrice      float64 `json:"extracted_price"`
	Source              string  `json:"source"`
	Link                string  `json:"link,omitempty"`
	ProductLink         string  `json:"product_link,omitempty"`
	ImmersiveProductAPI string  `json:"serpapi_immersive_product_api,omitempty"`
}

// SearchResponse is the parsed shopping-search response. The API yields two
// result arrays; both are relevant.
type SearchResponse struct {
	ShoppingResults       []ShoppingItem `json:"shopping_results"`
	InlineShoppingResults []ShoppingItem `json:"inline_shopping_results"`

	// Raw holds the unparsed response body for persistence.
	Raw json.RawMessage `json:"-"`
}

// StoreOffer is one concrete store offer from the deep lookup.
type StoreOffer struct {
	Name           string  `json:"name"`
	Link           string  `json:"link"`
	ExtractedPrice float64 `json:"extracted_price"`
}

// ProductResponse is the parsed immersive-product response.
type ProductResponse struct {
	ProductResults struct {
		Title  string       `json:"title"`
		Stores []StoreOffer `json:"stores"`
	} `json:"product_results"`
	OnlineSellers []StoreOffer `json:"online_sellers"`
}

// Offers merges the store list with the online sellers, stores first.
func (r *ProductResponse) Offers() []StoreOffer {
	offers := make([]StoreOffer, 0, len(r.ProductResults.Stores)+len(r.OnlineSellers))
	offers = append(offers, r.ProductResults.Stores...)
	offers = append(offers, r.OnlineSellers...)
	return offers
}

// SearchOption configures a shopping search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	location string
}

// WithLocation sets the configured search location.
func WithLocation(location string) SearchOption {
	return func(o *searchOpts) {
		o.location = location
	}
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

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a shopping search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://serpapi.com",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ShoppingSearch(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	params := url.Values{}
	params.Set("engine", "google_shopping")
	params.Set("q", query)
	params.Set("gl", "br")
	params.Set("hl", "pt-br")
	params.Set("google_domain", "google.com.br")
	params.Set("num", "100")
	if so.location != "" {
		params.Set("location", so.location)
	}
	params.Set("api_key", c.apiKey)

	body, err := c.get(ctx, "/search", params)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: shopping search")
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "serpapi: unmarshal search response")
	}
	result.Raw = body
	return &result, nil
}

func (c *httpClient) ImmersiveProduct(ctx context.Context, pageToken string) (*ProductResponse, error) {
	params := url.Values{}
	params.Set("engine", "google_immersive_product")
	params.Set("page_token", pageToken)
	params.Set("api_key", c.apiKey)

	body, err := c.get(ctx, "/search", params)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: immersive product")
	}

	var result ProductResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "serpapi: unmarshal product response")
	}
	return &result, nil
}

// get performs one rate-limited request. 429 and 5xx responses come back as
// transient errors so the caller's retry policy can back off.
func (c *httpClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "serpapi: rate limit wait")
		}
	}

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "serpapi: read response body")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("serpapi: status %d: %s", resp.StatusCode, truncate(body, 200)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("serpapi: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
