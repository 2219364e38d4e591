// Package store persists quote requests, observations, batches and the
// blocked-domain list.
package store

import (
	"context"
	"time"

	"github.com/avaliabr/cotador/internal/model"
)

// RequestFilter specifies criteria for listing quote requests.
type RequestFilter struct {
	Status  model.RequestStatus `json:"status,omitempty"`
	BatchID string              `json:"batch_id,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Offset  int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the quotation pipeline.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, req *model.QuoteRequest) error
	GetRequest(ctx context.Context, id string) (*model.QuoteRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.QuoteRequest, error)
	UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) error

	// Execution state. These back the checkpoint manager; see the claim
	// semantics there.
	MarkStarted(ctx context.Context, id, workerID string, at time.Time) error
	SaveCheckpoint(ctx context.Context, id string, checkpoint model.Checkpoint, resumeData model.ResumeData, progressPct int, at time.Time) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	TryClaim(ctx context.Context, id, workerID string, staleBefore time.Time) (bool, error)
	CompleteRequest(ctx context.Context, id string, status model.RequestStatus, at time.Time) error
	FailRequest(ctx context.Context, id, message string, at time.Time) error
	SaveAggregates(ctx context.Context, id string, valorMin, valorMax, valorAvg string, variationPct float64) error
	ResetForRetry(ctx context.Context, id string) error

	// Stuck and expired request scans
	ListStuckRequests(ctx context.Context, heartbeatBefore time.Time) ([]model.QuoteRequest, error)
	ListExpiredRequests(ctx context.Context, startedBefore time.Time) ([]model.QuoteRequest, error)

	// Observations
	SaveQuoteSource(ctx context.Context, source *model.QuoteSource) error
	SaveQuoteSourceFailure(ctx context.Context, failure *model.QuoteSourceFailure) error
	ListQuoteSources(ctx context.Context, requestID string) ([]model.QuoteSource, error)
	ListQuoteSourceFailures(ctx context.Context, requestID string) ([]model.QuoteSourceFailure, error)

	// Batches
	CreateBatch(ctx context.Context, batch *model.BatchJob) error
	GetBatch(ctx context.Context, id string) (*model.BatchJob, error)
	UpdateBatchProgress(ctx context.Context, id string, completed, failed, lastIndex int) error
	UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error
	ListBatchRequests(ctx context.Context, batchID string) ([]model.QuoteRequest, error)

	// Blocked domains
	ListBlockedDomains(ctx context.Context) ([]string, error)
	AddBlockedDomain(ctx context.Context, domain string) error
	RemoveBlockedDomain(ctx context.Context, domain string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
