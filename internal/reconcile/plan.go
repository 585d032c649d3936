// Package reconcile turns source snapshots and change feeds into the
// operation batches the merge applier commits. Planning is pure: it reads
// the store's current rows once and emits operations keyed by a single
// observation timestamp each, never touching the store itself.
package reconcile

import (
	"time"

	"dimhist/internal/domain"
)

// Plan is the planner output for one batch: the operations to apply plus the
// records that needed none.
type Plan struct {
	Operations     []domain.Operation
	Unchanged      int
	MissingIgnored int
}

// PlanRecords classifies each source record against its current version and
// emits the implied operation. Records must already be validated against the
// classifier. The slice may be any shard of the snapshot: records for
// distinct business keys are independent.
func PlanRecords(classifier *domain.Classifier, current map[string]*domain.VersionRow, records []domain.SourceRecord, observedAt time.Time) (Plan, error) {
	plan := Plan{Operations: make([]domain.Operation, 0, len(records))}
	for _, rec := range records {
		change, err := domain.DetectChange(classifier, current[rec.BusinessKey], rec)
		if err != nil {
			return Plan{}, err
		}
		op, ok := operationFor(change, observedAt)
		if !ok {
			plan.Unchanged++
			continue
		}
		plan.Operations = append(plan.Operations, op)
	}
	return plan, nil
}

// PlanMissing handles business keys that are current in the store but absent
// from the snapshot. With delete detection enabled each yields a
// CLOSE_NO_REPLACEMENT; otherwise they are counted and left untouched.
// sourceKeys is the set of business keys present in the snapshot.
func PlanMissing(current map[string]*domain.VersionRow, sourceKeys map[string]struct{}, observedAt time.Time, deleteMissing bool) Plan {
	var plan Plan
	for key := range current {
		if current[key] == nil {
			continue
		}
		if _, present := sourceKeys[key]; present {
			continue
		}
		if !deleteMissing {
			plan.MissingIgnored++
			continue
		}
		plan.Operations = append(plan.Operations, domain.Operation{
			Type:        domain.OpCloseNoReplacement,
			BusinessKey: key,
			ObservedAt:  observedAt,
		})
	}
	return plan
}

// PlanSnapshot is the serial composition of PlanRecords and PlanMissing.
func PlanSnapshot(classifier *domain.Classifier, current map[string]*domain.VersionRow, records []domain.SourceRecord, observedAt time.Time, deleteMissing bool) (Plan, error) {
	plan, err := PlanRecords(classifier, current, records, observedAt)
	if err != nil {
		return Plan{}, err
	}
	sourceKeys := make(map[string]struct{}, len(records))
	for _, rec := range records {
		sourceKeys[rec.BusinessKey] = struct{}{}
	}
	missing := PlanMissing(current, sourceKeys, observedAt, deleteMissing)
	plan.Operations = append(plan.Operations, missing.Operations...)
	plan.MissingIgnored += missing.MissingIgnored
	return plan, nil
}

// operationFor maps a detector verdict to the operation it implies. NO_CHANGE
// and MISSING map to none: the former needs no work, the latter is planned
// separately with the delete-detection flag in hand.
func operationFor(change domain.Change, observedAt time.Time) (domain.Operation, bool) {
	switch change.Kind {
	case domain.ChangeNew:
		return domain.Operation{
			Type:        domain.OpInsertFirst,
			BusinessKey: change.BusinessKey,
			ObservedAt:  observedAt,
			Tracked:     change.Tracked,
			Overwritten: change.Overwritten,
		}, true
	case domain.ChangeTrackedChanged:
		return domain.Operation{
			Type:         domain.OpCloseAndInsert,
			BusinessKey:  change.BusinessKey,
			ObservedAt:   observedAt,
			Tracked:      change.Tracked,
			Overwritten:  change.Overwritten,
			PriorTracked: change.PriorTracked,
		}, true
	case domain.ChangeOverwrittenChanged:
		return domain.Operation{
			Type:        domain.OpUpdateInPlace,
			BusinessKey: change.BusinessKey,
			ObservedAt:  observedAt,
			Overwritten: change.Overwritten,
		}, true
	default:
		return domain.Operation{}, false
	}
}
