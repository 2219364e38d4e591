package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExtractionMethod records how a price observation was obtained.
type ExtractionMethod string

const (
	MethodJSONLD         ExtractionMethod = "JSONLD"
	MethodMeta           ExtractionMethod = "META"
	MethodDOM            ExtractionMethod = "DOM"
	MethodLLM            ExtractionMethod = "LLM"
	MethodGoogleShopping ExtractionMethod = "GOOGLE_SHOPPING"
	MethodAPIFipe        ExtractionMethod = "API_FIPE"
)

// FailureReason is the closed enumeration of per-candidate rejection reasons.
type FailureReason string

const (
	FailNoStoreLink           FailureReason = "NO_STORE_LINK"
	FailBlockedDomain         FailureReason = "BLOCKED_DOMAIN"
	FailForeignDomain         FailureReason = "FOREIGN_DOMAIN"
	FailListingURL            FailureReason = "LISTING_URL"
	FailDuplicateURL          FailureReason = "DUPLICATE_URL"
	FailTimeout               FailureReason = "TIMEOUT"
	FailPageLoadError         FailureReason = "PAGE_LOAD_ERROR"
	FailScreenshotError       FailureReason = "SCREENSHOT_ERROR"
	FailBlockedBySite         FailureReason = "BLOCKED_BY_SITE"
	FailNetworkError          FailureReason = "NETWORK_ERROR"
	FailPriceExtractionFailed FailureReason = "PRICE_EXTRACTION_FAILED"
	FailInvalidPrice          FailureReason = "INVALID_PRICE"
	FailPriceMismatch         FailureReason = "PRICE_MISMATCH"
	FailOther                 FailureReason = "OTHER"
)

// QuoteSource is one accepted price observation: a store URL, the price found
// there, how it was extracted, and the screenshot that evidences it.
type QuoteSource struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	URL              string           `json:"url"`
	Domain           string           `json:"domain"`
	PageTitle        string           `json:"page_title,omitempty"`
	PriceValue       decimal.Decimal  `json:"price_value"`
	Currency         string           `json:"currency"` // always BRL
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	ScreenshotFileID string           `json:"screenshot_file_id,omitempty"`
	CapturedAt       time.Time        `json:"captured_at"`
	IsAccepted       bool             `json:"is_accepted"`
	FailureReason    FailureReason    `json:"failure_reason,omitempty"`
}

// QuoteSourceFailure is a rejected acquisition attempt, retained for
// diagnostics. No failure information is discarded.
type QuoteSourceFailure struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"request_id"`
	URL            string           `json:"url"`
	Domain         string           `json:"domain"`
	GooglePrice    *decimal.Decimal `json:"google_price,omitempty"`
	ExtractedPrice *decimal.Decimal `json:"extracted_price,omitempty"`
	FailureReason  FailureReason    `json:"failure_reason"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	AttemptedAt    time.Time        `json:"attempted_at"`
}
