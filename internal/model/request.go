// Package model defines the domain entities of the quotation pipeline.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus represents the lifecycle state of a quote request.
type RequestStatus string

const (
	StatusProcessing     RequestStatus = "processing"
	StatusAwaitingReview RequestStatus = "awaiting_review"
	StatusDone           RequestStatus = "done"
	StatusError          RequestStatus = "error"
	StatusCancelled      RequestStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal requests are never
// re-enqueued by the recovery task.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusAwaitingReview, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Checkpoint is a named progress marker stored alongside a request.
// Checkpoints are ordered; a request only moves forward except on restart.
type Checkpoint string

const (
	CheckpointInit                    Checkpoint = "INIT"
	CheckpointAIAnalysisStart         Checkpoint = "AI_ANALYSIS_START"
	CheckpointAIAnalysisDone          Checkpoint = "AI_ANALYSIS_DONE"
	CheckpointFipeSearch              Checkpoint = "FIPE_SEARCH"
	CheckpointFipeDone                Checkpoint = "FIPE_DONE"
	CheckpointShoppingSearchStart     Checkpoint = "SHOPPING_SEARCH_START"
	CheckpointShoppingSearchDone      Checkpoint = "SHOPPING_SEARCH_DONE"
	CheckpointPriceExtractionStart    Checkpoint = "PRICE_EXTRACTION_START"
	CheckpointPriceExtractionProgress Checkpoint = "PRICE_EXTRACTION_PROGRESS"
	CheckpointPriceExtractionDone     Checkpoint = "PRICE_EXTRACTION_DONE"
	CheckpointFinalization            Checkpoint = "FINALIZATION"
	CheckpointCompleted               Checkpoint = "COMPLETED"
)

// ResumeData is a free-form dictionary keyed by stage. Values are kept as raw
// JSON so a resumed run replays exactly what the original run persisted.
type ResumeData map[string]json.RawMessage

// Merge folds other into d, overwriting colliding keys with the newer value.
func (d ResumeData) Merge(other ResumeData) ResumeData {
	if d == nil {
		d = make(ResumeData, len(other))
	}
	for k, v := range other {
		d[k] = v
	}
	return d
}

// Stage keys under which resume payloads are stored.
const (
	ResumeKeyAnalysis       = "ai_analysis"
	ResumeKeySearchResponse = "shopping_search_response"
	ResumeKeyTestedProducts = "tested_products"
)

// QuoteParams holds the per-request configuration, resolved at start and
// frozen for the lifetime of the request.
type QuoteParams struct {
	TargetCount           int     `json:"target_count"`             // N accepted observations
	VariationMaxPct       float64 `json:"variation_max_pct"`        // max spread within a block / result set
	MaxValidProducts      int     `json:"max_valid_products"`       // candidate list ceiling
	MaxBlockIterations    int     `json:"max_block_iterations"`     // engine iteration cap
	DeepLookupRetries     int     `json:"deep_lookup_retries"`      // retry budget for search/deep-lookup calls
	MaxStoredPerItem      int     `json:"max_stored_per_item"`      // hard cap on persisted observations
	ValidatePriceMismatch bool    `json:"validate_price_mismatch"`  // cross-validate extracted vs listing price
	Location              string  `json:"location,omitempty"`       // shopping search location
	CountryCode           string  `json:"country_code,omitempty"`   // gl param
	LocaleCode            string  `json:"locale_code,omitempty"`    // hl param
}

// DefaultQuoteParams returns the standard configuration for a request with no
// project-level overrides.
func DefaultQuoteParams() QuoteParams {
	return QuoteParams{
		TargetCount:           3,
		VariationMaxPct:       25,
		MaxValidProducts:      150,
		MaxBlockIterations:    15,
		DeepLookupRetries:     3,
		MaxStoredPerItem:      5,
		ValidatePriceMismatch: true,
		CountryCode:           "br",
		LocaleCode:            "pt-br",
	}
}

// QuoteRequest is one item to be quoted: input, frozen configuration,
// execution state, and outputs.
type QuoteRequest struct {
	ID        string `json:"id"`
	Code      string `json:"code,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	InputText  string `json:"input_text,omitempty"`
	InputImage string `json:"input_image,omitempty"` // stored file reference

	Params QuoteParams `json:"params"`

	Status        RequestStatus `json:"status"`
	Checkpoint    Checkpoint    `json:"checkpoint"`
	ProgressPct   int           `json:"progress_pct"`
	WorkerID      string        `json:"worker_id,omitempty"`
	AttemptNumber int           `json:"attempt_number"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	ResumeData    ResumeData    `json:"resume_data,omitempty"`

	BatchID    string `json:"batch_id,omitempty"`
	BatchIndex int    `json:"batch_index,omitempty"`

	Sources      []QuoteSource   `json:"sources,omitempty"`
	ValorMin     decimal.Decimal `json:"valor_min"`
	ValorMax     decimal.Decimal `json:"valor_max"`
	ValorAvg     decimal.Decimal `json:"valor_avg"`
	VariationPct float64         `json:"variation_pct"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ReportFileID string          `json:"report_file_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AcceptedSources returns only the accepted observations.
func (r *QuoteRequest) AcceptedSources() []QuoteSource {
	var accepted []QuoteSource
	for _, s := range r.Sources {
		if s.IsAccepted {
			accepted = append(accepted, s)
		}
	}
	return accepted
}
