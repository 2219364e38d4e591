// Package worker acquires a single price observation for a candidate:
// deep-lookup, render, extract, validate, persist.
package worker

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/deeplookup"
	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/extract"
	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/render"
	"github.com/avaliabr/cotador/internal/urlclean"
)

// mismatchTolerance bounds the relative difference between the extracted
// price and the search listing price.
var mismatchTolerance = decimal.NewFromFloat(0.15)

// Recorder persists observations and failures.
type Recorder interface {
	SaveQuoteSource(ctx context.Context, source *model.QuoteSource) error
	SaveQuoteSourceFailure(ctx context.Context, failure *model.QuoteSourceFailure) error
}

// Acquisition processes candidates for one request. It implements the
// engine's Worker interface.
type Acquisition struct {
	requestID     string
	params        model.QuoteParams
	policy        *domainpolicy.Policy
	lookup        *deeplookup.Provider
	renderer      render.Renderer
	recorder      Recorder
	screenshotDir string
	timeout       time.Duration
	retryTimeout  time.Duration
}

// NewAcquisition creates a worker bound to one request.
func NewAcquisition(requestID string, params model.QuoteParams, policy *domainpolicy.Policy, lookup *deeplookup.Provider, renderer render.Renderer, recorder Recorder, screenshotDir string, timeout, retryTimeout time.Duration) *Acquisition {
	return &Acquisition{
		requestID:     requestID,
		params:        params,
		policy:        policy,
		lookup:        lookup,
		renderer:      renderer,
		recorder:      recorder,
		screenshotDir: screenshotDir,
		timeout:       timeout,
		retryTimeout:  retryTimeout,
	}
}

// Process runs the acquisition steps for one candidate. It returns either
// an accepted source or a recorded failure; an error means persistence or
// cancellation, not candidate rejection.
func (a *Acquisition) Process(ctx context.Context, cand model.Candidate, seenDomains map[string]struct{}) (*model.QuoteSource, *model.QuoteSourceFailure, error) {
	log := zap.L().With(
		zap.String("request_id", a.requestID),
		zap.String("candidate", cand.Title),
	)

	link := urlclean.Clean(cand.ProductLink)
	if link != "" {
		if v := a.policy.Check(link, seenDomains); v != nil {
			return a.reject(ctx, link, v.Reason, v.Detail, nil)
		}
	}

	offer, err := a.lookup.Resolve(ctx, cand, seenDomains)
	if err != nil {
		return a.reject(ctx, link, model.FailNetworkError, err.Error(), nil)
	}
	if offer == nil {
		return a.reject(ctx, link, model.FailNoStoreLink, "no acceptable store offer", nil)
	}

	if !a.params.ValidatePriceMismatch {
		// Without cross-validation there is nothing to render; the listing
		// price stands as the observation.
		source := a.newSource(offer.URL, "", cand.ListingPrice, model.MethodGoogleShopping, "")
		if err := a.recorder.SaveQuoteSource(ctx, source); err != nil {
			return nil, nil, eris.Wrap(err, "worker: save source")
		}
		return source, nil, nil
	}

	offerURL := urlclean.Clean(offer.URL)
	screenshotID := uuid.NewString() + ".png"
	page, err := a.renderPage(ctx, offerURL, screenshotID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, eris.Wrap(err, "worker: render cancelled")
		}
		reason, detail := renderFailure(err)
		return a.reject(ctx, offerURL, reason, detail, nil)
	}

	result := extract.Price(page)
	if result == nil {
		return a.reject(ctx, offerURL, model.FailPriceExtractionFailed, "no price found on page", nil)
	}
	if !result.Amount.IsPositive() {
		return a.reject(ctx, offerURL, model.FailInvalidPrice, "extracted price not positive", &result.Amount)
	}

	if !withinTolerance(result.Amount, cand.ListingPrice) {
		failure := &model.QuoteSourceFailure{
			ID:             uuid.NewString(),
			RequestID:      a.requestID,
			URL:            offerURL,
			Domain:         domainpolicy.Host(offerURL),
			GooglePrice:    decimalPtr(cand.ListingPrice),
			ExtractedPrice: decimalPtr(result.Amount),
			FailureReason:  model.FailPriceMismatch,
			ErrorMessage:   "extracted price diverges from listing price beyond tolerance",
			AttemptedAt:    time.Now().UTC(),
		}
		if err := a.recorder.SaveQuoteSourceFailure(ctx, failure); err != nil {
			return nil, nil, eris.Wrap(err, "worker: save failure")
		}
		log.Info("candidate rejected",
			zap.String("reason", string(model.FailPriceMismatch)),
			zap.String("listing_price", cand.ListingPrice.String()),
			zap.String("extracted_price", result.Amount.String()),
		)
		return nil, failure, nil
	}

	source := a.newSource(offerURL, page.Title, result.Amount, result.Method, screenshotID)
	if err := a.recorder.SaveQuoteSource(ctx, source); err != nil {
		return nil, nil, eris.Wrap(err, "worker: save source")
	}
	log.Info("observation accepted",
		zap.String("domain", source.Domain),
		zap.String("price", source.PriceValue.String()),
		zap.String("method", string(source.ExtractionMethod)),
	)
	return source, nil, nil
}

// renderPage loads the page, retrying once with the extended timeout when
// the first attempt times out.
func (a *Acquisition) renderPage(ctx context.Context, url, screenshotID string) (*render.RenderedPage, error) {
	path := filepath.Join(a.screenshotDir, screenshotID)
	page, err := a.renderer.Render(ctx, url, path, a.timeout)
	if err == nil {
		return page, nil
	}

	var rerr *render.Error
	if errors.As(err, &rerr) && rerr.Kind == render.ErrLoadTimeout && ctx.Err() == nil {
		zap.L().Debug("render timed out, retrying with extended timeout", zap.String("url", url))
		return a.renderer.Render(ctx, url, path, a.retryTimeout)
	}
	return nil, err
}

func (a *Acquisition) reject(ctx context.Context, url string, reason model.FailureReason, message string, extracted *decimal.Decimal) (*model.QuoteSource, *model.QuoteSourceFailure, error) {
	failure := &model.QuoteSourceFailure{
		ID:             uuid.NewString(),
		RequestID:      a.requestID,
		URL:            url,
		Domain:         domainpolicy.Host(url),
		ExtractedPrice: extracted,
		FailureReason:  reason,
		ErrorMessage:   message,
		AttemptedAt:    time.Now().UTC(),
	}
	if err := a.recorder.SaveQuoteSourceFailure(ctx, failure); err != nil {
		return nil, nil, eris.Wrap(err, "worker: save failure")
	}
	zap.L().Info("candidate rejected",
		zap.String("request_id", a.requestID),
		zap.String("url", url),
		zap.String("reason", string(reason)),
	)
	return nil, failure, nil
}

func (a *Acquisition) newSource(url, title string, price decimal.Decimal, method model.ExtractionMethod, screenshotID string) *model.QuoteSource {
	return &model.QuoteSource{
		ID:               uuid.NewString(),
		RequestID:        a.requestID,
		URL:              url,
		Domain:           domainpolicy.Host(url),
		PageTitle:        title,
		PriceValue:       price,
		Currency:         "BRL",
		ExtractionMethod: method,
		ScreenshotFileID: screenshotID,
		CapturedAt:       time.Now().UTC(),
		IsAccepted:       true,
	}
}

// renderFailure maps a render error to its rejection reason.
func renderFailure(err error) (model.FailureReason, string) {
	var rerr *render.Error
	if !errors.As(err, &rerr) {
		return model.FailNetworkError, err.Error()
	}
	switch rerr.Kind {
	case render.ErrLoadTimeout:
		return model.FailTimeout, rerr.Error()
	case render.ErrBlockedBySite:
		return model.FailBlockedBySite, rerr.Error()
	case render.ErrScreenshot:
		return model.FailScreenshotError, rerr.Error()
	default:
		return model.FailPageLoadError, rerr.Error()
	}
}

func withinTolerance(extracted, listing decimal.Decimal) bool {
	if listing.IsZero() {
		return false
	}
	return extracted.Sub(listing).Abs().Div(listing).LessThanOrEqual(mismatchTolerance)
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	c := d.Copy()
	return &c
}
