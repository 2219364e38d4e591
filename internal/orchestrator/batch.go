package orchestrator

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/store"
)

// RequestRunner drives a single request to a terminal status.
type RequestRunner interface {
	Run(ctx context.Context, requestID string) error
}

// BatchRunner processes a batch's requests with bounded concurrency.
// Counters are always recalculated from the children so interrupted runs
// converge when resumed.
type BatchRunner struct {
	store   store.Store
	runner  RequestRunner
	workers int

	mu sync.Mutex
}

// NewBatchRunner creates a BatchRunner with the given worker limit.
func NewBatchRunner(st store.Store, runner RequestRunner, workers int) *BatchRunner {
	if workers < 1 {
		workers = 1
	}
	return &BatchRunner{store: st, runner: runner, workers: workers}
}

// Run processes the batch's pending requests in batch_index order and
// writes the terminal batch status.
func (b *BatchRunner) Run(ctx context.Context, batchID string) error {
	batch, err := b.store.GetBatch(ctx, batchID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load batch")
	}
	children, err := b.store.ListBatchRequests(ctx, batchID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list batch requests")
	}

	if err := b.store.UpdateBatchStatus(ctx, batchID, model.BatchProcessing); err != nil {
		return eris.Wrap(err, "orchestrator: mark batch processing")
	}
	zap.L().Info("batch started",
		zap.String("batch_id", batchID),
		zap.Int("total", len(children)),
		zap.Int("resume_from", batch.LastProcessedIndex+1),
		zap.Int("workers", b.workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, child := range children {
		if child.BatchIndex <= batch.LastProcessedIndex {
			continue
		}
		if child.Status.Terminal() {
			continue
		}
		id := child.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := b.runner.Run(gctx, id); err != nil {
				// A failed child never aborts its siblings.
				zap.L().Warn("batch child failed",
					zap.String("batch_id", batchID),
					zap.String("request_id", id),
					zap.Error(err),
				)
			}
			return b.recount(gctx, batchID)
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "orchestrator: batch interrupted")
	}

	completed, failed, err := b.tally(ctx, batchID)
	if err != nil {
		return err
	}
	status := model.TerminalStatus(completed, failed)
	if err := b.store.UpdateBatchStatus(ctx, batchID, status); err != nil {
		return eris.Wrap(err, "orchestrator: finalize batch")
	}
	zap.L().Info("batch finished",
		zap.String("batch_id", batchID),
		zap.String("status", string(status)),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
	)
	return nil
}

// recount recalculates the batch counters and the resume index from the
// children's current statuses.
func (b *BatchRunner) recount(ctx context.Context, batchID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	children, err := b.store.ListBatchRequests(ctx, batchID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: recount batch")
	}

	completed, failed := 0, 0
	lastProcessed := -1
	contiguous := true
	for _, child := range children {
		switch child.Status {
		case model.StatusDone, model.StatusAwaitingReview:
			completed++
		case model.StatusError, model.StatusCancelled:
			failed++
		}
		// last_processed_index only advances past an unbroken terminal
		// prefix; a resumed batch restarts at the first open child.
		if contiguous && child.Status.Terminal() {
			lastProcessed = child.BatchIndex
		} else {
			contiguous = false
		}
	}

	return eris.Wrap(
		b.store.UpdateBatchProgress(ctx, batchID, completed, failed, lastProcessed),
		"orchestrator: update batch progress")
}

func (b *BatchRunner) tally(ctx context.Context, batchID string) (completed, failed int, err error) {
	children, err := b.store.ListBatchRequests(ctx, batchID)
	if err != nil {
		return 0, 0, eris.Wrap(err, "orchestrator: tally batch")
	}
	for _, child := range children {
		switch child.Status {
		case model.StatusDone, model.StatusAwaitingReview:
			completed++
		case model.StatusError, model.StatusCancelled:
			failed++
		}
	}
	return completed, failed, nil
}
