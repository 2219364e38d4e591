// Package search derives the candidate list from a single shopping search.
package search

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/resilience"
	"github.com/avaliabr/cotador/pkg/serpapi"
)

// Provider issues one shopping search per request and turns the response
// into a filtered, price-sorted candidate list.
type Provider struct {
	client   serpapi.Client
	policy   *domainpolicy.Policy
	location string
	retry    resilience.RetryConfig
}

// NewProvider creates a Provider. retries bounds backoff attempts on 429
// and transient 5xx responses.
func NewProvider(client serpapi.Client, policy *domainpolicy.Policy, location string, retries int) *Provider {
	retry := resilience.DefaultRetryConfig(retries)
	retry.OnRetry = resilience.RetryLogger("serpapi", "shopping_search")
	return &Provider{
		client:   client,
		policy:   policy,
		location: location,
		retry:    retry,
	}
}

// Search runs the shopping search and returns candidates sorted ascending
// by listing price, truncated to maxValid. The raw response body is
// returned for persistence alongside the candidates.
func (p *Provider) Search(ctx context.Context, query string, maxValid int) ([]model.Candidate, json.RawMessage, error) {
	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*serpapi.SearchResponse, error) {
		return p.client.ShoppingSearch(ctx, query, serpapi.WithLocation(p.location))
	})
	if err != nil {
		if resilience.IsRateLimited(err) {
			return nil, nil, eris.Wrap(err, "search: shopping search rate limited, retries exhausted")
		}
		return nil, nil, eris.Wrap(err, "search: shopping search")
	}

	candidates := p.Derive(resp, maxValid)
	zap.L().Info("shopping search complete",
		zap.String("query", query),
		zap.Int("raw_results", len(resp.ShoppingResults)+len(resp.InlineShoppingResults)),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, resp.Raw, nil
}

// Derive applies the merge, filter, sort and truncate transformation to an
// already-obtained response. Resumption re-derives candidates from the
// persisted raw response through this same path.
func (p *Provider) Derive(resp *serpapi.SearchResponse, maxValid int) []model.Candidate {
	merged := make([]serpapi.ShoppingItem, 0, len(resp.ShoppingResults)+len(resp.InlineShoppingResults))
	merged = append(merged, resp.ShoppingResults...)
	merged = append(merged, resp.InlineShoppingResults...)

	candidates := make([]model.Candidate, 0, len(merged))
	for _, item := range merged {
		if item.ExtractedPrice <= 0 {
			continue
		}
		link := productURL(item)
		if link != "" {
			if host := domainpolicy.Host(link); host != "" && p.policy.IsBlocked(host) {
				continue
			}
			if p.policy.IsListingURL(link) && item.ImmersiveProductAPI == "" {
				// A listing-only URL with no deep-lookup handle can never
				// yield a store page.
				continue
			}
		}
		candidates = append(candidates, model.Candidate{
			Title:           item.Title,
			ListingPrice:    decimal.NewFromFloat(item.ExtractedPrice),
			SourceName:      item.Source,
			DeepLookupToken: deepLookupToken(item.ImmersiveProductAPI),
			ProductLink:     link,
			Position:        item.Position,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ListingPrice.LessThan(candidates[j].ListingPrice)
	})

	if maxValid > 0 && len(candidates) > maxValid {
		candidates = candidates[:maxValid]
	}
	return candidates
}

// ParseRaw rebuilds a SearchResponse from a persisted raw response body.
func ParseRaw(raw json.RawMessage) (*serpapi.SearchResponse, error) {
	var resp serpapi.SearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, eris.Wrap(err, "search: unmarshal persisted response")
	}
	resp.Raw = raw
	return &resp, nil
}

func productURL(item serpapi.ShoppingItem) string {
	if item.ProductLink != "" {
		return item.ProductLink
	}
	return item.Link
}

// deepLookupToken extracts the page token from the deep-lookup API URL the
// search response carries per item.
func deepLookupToken(apiURL string) string {
	if apiURL == "" {
		return ""
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("page_token")
}
