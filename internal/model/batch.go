package model

import "time"

// BatchStatus represents the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchPending            BatchStatus = "pending"
	BatchProcessing         BatchStatus = "processing"
	BatchCompleted          BatchStatus = "completed"
	BatchPartiallyCompleted BatchStatus = "partially_completed"
	BatchError              BatchStatus = "error"
	BatchCancelled          BatchStatus = "cancelled"
)

// BatchJob groups many quote requests processed under the same project.
// Completed/failed counters are recalculated from children, never mutated
// directly, so partial runs converge on resume.
type BatchJob struct {
	ID                 string      `json:"id"`
	ProjectID          string      `json:"project_id,omitempty"`
	Status             BatchStatus `json:"status"`
	TotalItems         int         `json:"total_items"`
	CompletedItems     int         `json:"completed_items"`
	FailedItems        int         `json:"failed_items"`
	LastProcessedIndex int         `json:"last_processed_index"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TerminalStatus derives the batch terminal status from its children's
// outcomes: completed when nothing failed, error when nothing succeeded,
// partially completed otherwise.
func TerminalStatus(completed, failed int) BatchStatus {
	switch {
	case failed == 0:
		return BatchCompleted
	case completed == 0:
		return BatchError
	default:
		return BatchPartiallyCompleted
	}
}
