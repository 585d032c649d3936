package domain

import (
	"time"

	"github.com/google/uuid"
)

// OpType is one of the four effects the lifecycle planners emit.
type OpType string

const (
	OpInsertFirst        OpType = "INSERT_FIRST"
	OpCloseAndInsert     OpType = "CLOSE_AND_INSERT"
	OpUpdateInPlace      OpType = "UPDATE_IN_PLACE"
	OpCloseNoReplacement OpType = "CLOSE_NO_REPLACEMENT"
)

// Operation is one planned mutation of an entity's version chain. A single
// ObservedAt timestamp supplies every boundary the operation writes: the
// close boundary of a superseded version and the valid_from of its successor
// are the same value by construction, which is what keeps validity windows
// gap-free.
type Operation struct {
	Type         OpType         `json:"type"`
	BusinessKey  string         `json:"business_key"`
	ObservedAt   time.Time      `json:"observed_at"`
	Tracked      map[string]any `json:"tracked_attributes,omitempty"`
	Overwritten  map[string]any `json:"overwritten_attributes,omitempty"`
	PriorTracked map[string]any `json:"prior_tracked_attributes,omitempty"`
}

// OperationBatch is one bounded unit of work for the merge applier: every
// operation commits atomically or none do. Planner-side counts (records that
// needed no operation) ride along so the run summary is complete.
type OperationBatch struct {
	RunID          uuid.UUID
	Kind           RunKind
	ObservedMin    time.Time
	ObservedMax    time.Time
	StartedAt      time.Time
	RecordCount    int
	Unchanged      int
	MissingIgnored int
	Operations     []Operation
}

// Keys returns the distinct business keys the batch touches, in first-seen
// order.
func (b OperationBatch) Keys() []string {
	seen := make(map[string]struct{}, len(b.Operations))
	keys := make([]string, 0, len(b.Operations))
	for _, op := range b.Operations {
		if _, ok := seen[op.BusinessKey]; ok {
			continue
		}
		seen[op.BusinessKey] = struct{}{}
		keys = append(keys, op.BusinessKey)
	}
	return keys
}
