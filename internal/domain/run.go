package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes the two reconciliation paths.
type RunKind string

const (
	RunKindSnapshot RunKind = "snapshot"
	RunKindCDC      RunKind = "cdc"
)

// RunStatus is the terminal state of one batch invocation.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRejected  RunStatus = "rejected"
)

// RunSummary counts the operations a batch applied, by type, plus the
// records that needed none.
type RunSummary struct {
	InsertedFirst       int `json:"inserted_first"`
	ClosedAndInserted   int `json:"closed_and_inserted"`
	UpdatedInPlace      int `json:"updated_in_place"`
	ClosedNoReplacement int `json:"closed_no_replacement"`
	SkippedDuplicate    int `json:"skipped_duplicate"`
	Unchanged           int `json:"unchanged"`
	MissingIgnored      int `json:"missing_ignored"`
}

// Applied is the number of operations that mutated the store.
func (s RunSummary) Applied() int {
	return s.InsertedFirst + s.ClosedAndInserted + s.UpdatedInPlace + s.ClosedNoReplacement
}

// EngineRun is the persisted bookkeeping row for one batch invocation. The
// observation time of completed runs forms the monotonicity watermark that
// guards against stale replays.
type EngineRun struct {
	ID          uuid.UUID  `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	ObservedAt  time.Time  `json:"observed_at"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RecordCount int        `json:"record_count"`
	Summary     RunSummary `json:"summary"`
	Error       *string    `json:"error,omitempty"`
}
