package reconcile

import (
	"sort"

	"dimhist/internal/domain"
)

// PlanEvents derives operations from an ordered change feed. Events are
// grouped per business key and walked in ascending event time with an
// explicit stable sort; the walk maintains a simulated open version seeded
// from the store's current row, so a key mutated several times within one
// window yields the full operation sequence for its chain.
//
// Replay safety: an event at or before the committed current version's
// valid_from re-derives state the store already holds, so it reconciles to a
// no-op here or de-duplicates in the applier. Two differing events for one
// key at the same instant are ambiguous and rejected; identical duplicates
// are dropped as redelivery.
func PlanEvents(classifier *domain.Classifier, current map[string]*domain.VersionRow, events []domain.ChangeEvent) (Plan, error) {
	var plan Plan

	grouped := make(map[string][]domain.ChangeEvent)
	keys := make([]string, 0)
	for _, ev := range events {
		if _, seen := grouped[ev.BusinessKey]; !seen {
			keys = append(keys, ev.BusinessKey)
		}
		grouped[ev.BusinessKey] = append(grouped[ev.BusinessKey], ev)
	}

	for _, key := range keys {
		ordered, err := orderKeyEvents(key, grouped[key])
		if err != nil {
			return Plan{}, err
		}
		keyPlan, err := walkKeyEvents(classifier, current[key], ordered)
		if err != nil {
			return Plan{}, err
		}
		plan.Operations = append(plan.Operations, keyPlan.Operations...)
		plan.Unchanged += keyPlan.Unchanged
	}

	return plan, nil
}

// orderKeyEvents sorts one key's events by event time, dropping identical
// duplicates and rejecting differing events that share an instant.
func orderKeyEvents(key string, events []domain.ChangeEvent) ([]domain.ChangeEvent, error) {
	ordered := make([]domain.ChangeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].At.Before(ordered[j].At)
	})

	deduped := ordered[:0]
	for _, ev := range ordered {
		if len(deduped) == 0 {
			deduped = append(deduped, ev)
			continue
		}
		prev := deduped[len(deduped)-1]
		if !ev.At.Equal(prev.At) {
			deduped = append(deduped, ev)
			continue
		}
		if ev.Action == prev.Action && domain.AttributesEqual(ev.Attributes, prev.Attributes) {
			continue
		}
		return nil, domain.NewEventOrderingViolation(key, ev.At)
	}
	return deduped, nil
}

// walkKeyEvents replays one key's ordered events over a simulated open
// version and emits the implied operations.
func walkKeyEvents(classifier *domain.Classifier, open *domain.VersionRow, events []domain.ChangeEvent) (Plan, error) {
	var plan Plan

	for _, ev := range events {
		// Events behind the committed chain head re-derive state the store
		// already reflects.
		if open != nil && ev.At.Before(open.ValidFrom) {
			plan.Unchanged++
			continue
		}

		switch ev.Action {
		case domain.EventInsert, domain.EventUpdate:
			if open == nil {
				tracked, overwritten, err := classifier.Split(ev.Attributes)
				if err != nil {
					return Plan{}, err
				}
				plan.Operations = append(plan.Operations, domain.Operation{
					Type:        domain.OpInsertFirst,
					BusinessKey: ev.BusinessKey,
					ObservedAt:  ev.At,
					Tracked:     tracked,
					Overwritten: overwritten,
				})
				opened := domain.VersionRow{
					BusinessKey: ev.BusinessKey,
					Tracked:     tracked,
					Overwritten: overwritten,
					ValidFrom:   ev.At,
					IsCurrent:   true,
				}
				open = &opened
				continue
			}

			change, err := domain.DetectChange(classifier, open, ev.Record())
			if err != nil {
				return Plan{}, err
			}
			op, ok := operationFor(change, ev.At)
			if !ok {
				plan.Unchanged++
				continue
			}
			plan.Operations = append(plan.Operations, op)
			switch op.Type {
			case domain.OpCloseAndInsert:
				opened := domain.VersionRow{
					BusinessKey: ev.BusinessKey,
					Tracked:     op.Tracked,
					Overwritten: op.Overwritten,
					ValidFrom:   ev.At,
					IsCurrent:   true,
				}
				open = &opened
			case domain.OpUpdateInPlace:
				updated := open.WithOverwritten(op.Overwritten, ev.At)
				open = &updated
			}

		case domain.EventDelete:
			if open == nil {
				plan.Unchanged++
				continue
			}
			plan.Operations = append(plan.Operations, domain.Operation{
				Type:        domain.OpCloseNoReplacement,
				BusinessKey: ev.BusinessKey,
				ObservedAt:  ev.At,
			})
			open = nil

		default:
			return Plan{}, domain.NewConfigurationError("event for %q has unknown action %q", ev.BusinessKey, ev.Action)
		}
	}

	return plan, nil
}
