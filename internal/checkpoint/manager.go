// Package checkpoint tracks request execution state: progress markers,
// worker ownership, heartbeats and crash recovery.
package checkpoint

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/model"
	"github.com/avaliabr/cotador/internal/store"
	"github.com/avaliabr/cotador/pkg/analyzer"
)

// maxErrorMessageLen bounds persisted failure messages.
const maxErrorMessageLen = 1000

// expiredMessage is the terminal error written to requests that exceed the
// processing ceiling.
const expiredMessage = "timeout: processing exceeded 24 hours"

// Manager mediates all execution-state writes for one worker process.
type Manager struct {
	store            store.Store
	workerID         string
	heartbeatTimeout time.Duration
	processingCap    time.Duration
}

// NewManager creates a Manager. heartbeatTimeout is the stuck-detection
// threshold; processingCap the hard ceiling on request age in processing.
func NewManager(st store.Store, workerID string, heartbeatTimeout, processingCap time.Duration) *Manager {
	return &Manager{
		store:            st,
		workerID:         workerID,
		heartbeatTimeout: heartbeatTimeout,
		processingCap:    processingCap,
	}
}

// WorkerID returns this manager's worker identity.
func (m *Manager) WorkerID() string { return m.workerID }

// Start marks the request as owned by this worker at INIT.
func (m *Manager) Start(ctx context.Context, req *model.QuoteRequest) error {
	now := time.Now().UTC()
	if err := m.store.MarkStarted(ctx, req.ID, m.workerID, now); err != nil {
		return eris.Wrap(err, "checkpoint: start")
	}
	req.Status = model.StatusProcessing
	req.Checkpoint = model.CheckpointInit
	req.WorkerID = m.workerID
	req.LastHeartbeat = now
	req.StartedAt = &now
	return nil
}

// Save advances the checkpoint, merging resumeData into what is already
// persisted and refreshing the heartbeat.
func (m *Manager) Save(ctx context.Context, req *model.QuoteRequest, cp model.Checkpoint, resumeData model.ResumeData, progressPct int) error {
	now := time.Now().UTC()
	req.ResumeData = req.ResumeData.Merge(resumeData)

	var payload model.ResumeData
	if resumeData != nil {
		payload = req.ResumeData
	}
	if err := m.store.SaveCheckpoint(ctx, req.ID, cp, payload, progressPct, now); err != nil {
		return eris.Wrapf(err, "checkpoint: save %s", cp)
	}
	req.Checkpoint = cp
	req.ProgressPct = progressPct
	req.LastHeartbeat = now
	zap.L().Debug("checkpoint saved",
		zap.String("request_id", req.ID),
		zap.String("checkpoint", string(cp)),
		zap.Int("progress_pct", progressPct),
	)
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (m *Manager) Heartbeat(ctx context.Context, req *model.QuoteRequest) error {
	now := time.Now().UTC()
	if err := m.store.UpdateHeartbeat(ctx, req.ID, now); err != nil {
		return eris.Wrap(err, "checkpoint: heartbeat")
	}
	req.LastHeartbeat = now
	return nil
}

// Complete moves the request to its terminal status and releases ownership.
func (m *Manager) Complete(ctx context.Context, req *model.QuoteRequest, status model.RequestStatus) error {
	now := time.Now().UTC()
	if err := m.store.CompleteRequest(ctx, req.ID, status, now); err != nil {
		return eris.Wrap(err, "checkpoint: complete")
	}
	req.Status = status
	req.Checkpoint = model.CheckpointCompleted
	req.WorkerID = ""
	req.CompletedAt = &now
	return nil
}

// Fail moves the request to ERROR with a bounded message and releases
// ownership.
func (m *Manager) Fail(ctx context.Context, req *model.QuoteRequest, message string) error {
	if len(message) > maxErrorMessageLen {
		message = message[:maxErrorMessageLen]
	}
	now := time.Now().UTC()
	if err := m.store.FailRequest(ctx, req.ID, message, now); err != nil {
		return eris.Wrap(err, "checkpoint: fail")
	}
	req.Status = model.StatusError
	req.ErrorMessage = message
	req.WorkerID = ""
	req.CompletedAt = &now
	return nil
}

// Claim attempts to take ownership of the request. It refuses when another
// worker's heartbeat is younger than the stuck threshold, and confirms the
// write survived concurrent claimers.
func (m *Manager) Claim(ctx context.Context, req *model.QuoteRequest) (bool, error) {
	staleBefore := time.Now().UTC().Add(-m.heartbeatTimeout)
	ok, err := m.store.TryClaim(ctx, req.ID, m.workerID, staleBefore)
	if err != nil {
		return false, eris.Wrap(err, "checkpoint: claim")
	}
	if ok {
		req.WorkerID = m.workerID
	}
	return ok, nil
}

// ResumePoint chooses where a restarted request continues, based on what
// its previous run managed to persist.
func ResumePoint(req *model.QuoteRequest) model.Checkpoint {
	if _, ok := req.ResumeData[model.ResumeKeyTestedProducts]; ok {
		return model.CheckpointPriceExtractionProgress
	}
	if _, ok := req.ResumeData[model.ResumeKeySearchResponse]; ok {
		return model.CheckpointPriceExtractionStart
	}
	if raw, ok := req.ResumeData[model.ResumeKeyAnalysis]; ok {
		if analysis, err := analyzer.ParseAnalysis(string(raw)); err == nil && analysis.Natureza.IsVehicle() {
			return model.CheckpointFipeSearch
		}
		return model.CheckpointShoppingSearchStart
	}
	return model.CheckpointInit
}

// RecoverStuck lists processing requests whose heartbeat lapsed, resets
// their ownership and increments their attempt counter. The returned
// requests are ready for re-enqueueing.
func (m *Manager) RecoverStuck(ctx context.Context) ([]model.QuoteRequest, error) {
	cutoff := time.Now().UTC().Add(-m.heartbeatTimeout)
	stuck, err := m.store.ListStuckRequests(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list stuck")
	}

	recovered := make([]model.QuoteRequest, 0, len(stuck))
	for _, req := range stuck {
		if err := m.store.ResetForRetry(ctx, req.ID); err != nil {
			zap.L().Warn("checkpoint: reset failed",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		req.WorkerID = ""
		req.AttemptNumber++
		recovered = append(recovered, req)
		zap.L().Info("stuck request recovered",
			zap.String("request_id", req.ID),
			zap.Int("attempt", req.AttemptNumber),
		)
	}
	return recovered, nil
}

// ExpireOverdue fails every processing request older than the processing
// ceiling. Returns the number of requests expired.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.processingCap)
	expired, err := m.store.ListExpiredRequests(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "checkpoint: list expired")
	}

	n := 0
	for _, req := range expired {
		if err := m.store.FailRequest(ctx, req.ID, expiredMessage, time.Now().UTC()); err != nil {
			zap.L().Warn("checkpoint: expire failed",
				zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
