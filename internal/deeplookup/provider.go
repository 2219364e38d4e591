// Package deeplookup resolves a search candidate into a concrete store offer.
package deeplookup

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/resilience"
	"github.com/avaliabr/cotador/pkg/serpapi"
)

// offerTolerance is the maximum relative difference allowed between a store
// offer and the candidate's listing price.
var offerTolerance = decimal.NewFromFloat(0.15)

// Offer is a store offer accepted for rendering.
type Offer struct {
	URL       string
	StoreName string
	Price     decimal.Decimal
}

// Provider resolves candidates through the immersive-product API, falling
// back to the candidate's product link when no deep-lookup handle exists.
type Provider struct {
	client serpapi.Client
	policy *domainpolicy.Policy
	retry  resilience.RetryConfig
}

// NewProvider creates a Provider.
func NewProvider(client serpapi.Client, policy *domainpolicy.Policy, retries int) *Provider {
	retry := resilience.DefaultRetryConfig(retries)
	retry.OnRetry = resilience.RetryLogger("serpapi", "immersive_product")
	return &Provider{client: client, policy: policy, retry: retry}
}

// Resolve returns the first offer within price tolerance of the candidate's
// listing price whose domain passes policy. A nil offer with nil error means
// the candidate has no acceptable store link. seenDomains holds hosts that
// already produced an accepted observation for the current request.
func (p *Provider) Resolve(ctx context.Context, cand model.Candidate, seenDomains map[string]struct{}) (*Offer, error) {
	if cand.DeepLookupToken == "" {
		return p.fromProductLink(cand, seenDomains), nil
	}

	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*serpapi.ProductResponse, error) {
		return p.client.ImmersiveProduct(ctx, cand.DeepLookupToken)
	})
	if err != nil {
		return nil, eris.Wrap(err, "deeplookup: immersive product")
	}

	for _, offer := range resp.Offers() {
		if offer.Link == "" || offer.ExtractedPrice <= 0 {
			continue
		}
		price := decimal.NewFromFloat(offer.ExtractedPrice)
		if !withinTolerance(price, cand.ListingPrice) {
			zap.L().Debug("offer outside listing tolerance",
				zap.String("store", offer.Name),
				zap.String("offer_price", price.String()),
				zap.String("listing_price", cand.ListingPrice.String()),
			)
			continue
		}
		if p.policy.Check(offer.Link, seenDomains) != nil {
			continue
		}
		return &Offer{URL: offer.Link, StoreName: offer.Name, Price: price}, nil
	}

	// A candidate that exposes store offers and has none acceptable is
	// exhausted; the product link stands in only when no handle exists.
	return nil, nil
}

// fromProductLink treats the candidate's product link as a single-offer
// result at the listing price.
func (p *Provider) fromProductLink(cand model.Candidate, seenDomains map[string]struct{}) *Offer {
	if cand.ProductLink == "" {
		return nil
	}
	if p.policy.Check(cand.ProductLink, seenDomains) != nil {
		return nil
	}
	return &Offer{
		URL:       cand.ProductLink,
		StoreName: cand.SourceName,
		Price:     cand.ListingPrice,
	}
}

// withinTolerance reports |offer − listing| / listing ≤ 15%.
func withinTolerance(offer, listing decimal.Decimal) bool {
	if listing.IsZero() {
		return false
	}
	diff := offer.Sub(listing).Abs()
	return diff.Div(listing).LessThanOrEqual(offerTolerance)
}
