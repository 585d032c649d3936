package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"dimhist/internal/domain"
)

// applierTx is the transactional surface the merge applier needs. Both
// backends implement it over their native transaction handle so the apply
// semantics live in exactly one place.
type applierTx interface {
	// currentVersion returns the open version for the key, or nil.
	currentVersion(ctx context.Context, businessKey string) (*domain.VersionRow, error)
	// versionByNaturalKey returns the row with the given (business_key,
	// valid_from) pair, or nil.
	versionByNaturalKey(ctx context.Context, businessKey string, validFrom time.Time) (*domain.VersionRow, error)
	// insertVersion inserts the row, reporting false when a row with the
	// same natural key already exists.
	insertVersion(ctx context.Context, row domain.VersionRow) (bool, error)
	// closeVersion stamps valid_to on the row and clears its current flag,
	// reporting false when the row is no longer current.
	closeVersion(ctx context.Context, surrogateKey uuid.UUID, validTo, updatedAt time.Time) (bool, error)
	// updateOverwritten replaces the overwritten attributes on the key's
	// current row, reporting false when the key has no current row.
	updateOverwritten(ctx context.Context, businessKey string, overwritten map[string]any, updatedAt time.Time) (bool, error)
	// versionsForKey returns every version for the key ordered by valid_from.
	versionsForKey(ctx context.Context, businessKey string) ([]domain.VersionRow, error)
	// insertRun persists the run row within the same transaction.
	insertRun(ctx context.Context, run domain.EngineRun) error
}

// applyOperations executes an operation batch against an open transaction.
// Every operation is replay safe: rerunning an already committed batch
// counts skips instead of mutating rows, and a genuine collision on
// (business_key, valid_from) with different attributes aborts with an
// idempotency conflict. appliedAt is the audit stamp for created_at and
// updated_at; validity boundaries always come from the operations.
func applyOperations(ctx context.Context, tx applierTx, batch domain.OperationBatch, appliedAt time.Time) (domain.RunSummary, error) {
	summary := domain.RunSummary{
		Unchanged:      batch.Unchanged,
		MissingIgnored: batch.MissingIgnored,
	}

	ops := make([]domain.Operation, len(batch.Operations))
	copy(ops, batch.Operations)
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].BusinessKey != ops[j].BusinessKey {
			return ops[i].BusinessKey < ops[j].BusinessKey
		}
		return ops[i].ObservedAt.Before(ops[j].ObservedAt)
	})

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		switch op.Type {
		case domain.OpInsertFirst:
			inserted, err := applyInsert(ctx, tx, op, appliedAt)
			if err != nil {
				return summary, err
			}
			if inserted {
				summary.InsertedFirst++
			} else {
				summary.SkippedDuplicate++
			}

		case domain.OpCloseAndInsert:
			if err := applyClose(ctx, tx, op, appliedAt); err != nil {
				return summary, err
			}
			inserted, err := applyInsert(ctx, tx, op, appliedAt)
			if err != nil {
				return summary, err
			}
			if inserted {
				summary.ClosedAndInserted++
			} else {
				summary.SkippedDuplicate++
			}

		case domain.OpUpdateInPlace:
			updated, err := tx.updateOverwritten(ctx, op.BusinessKey, op.Overwritten, appliedAt)
			if err != nil {
				return summary, fmt.Errorf("failed to update overwritten attributes for %q: %w", op.BusinessKey, err)
			}
			if updated {
				summary.UpdatedInPlace++
				break
			}
			// No current row. A replayed batch whose chain was since closed
			// lands here; an update for a key with no history at all is a
			// planner bug.
			rows, err := tx.versionsForKey(ctx, op.BusinessKey)
			if err != nil {
				return summary, fmt.Errorf("failed to load versions for %q: %w", op.BusinessKey, err)
			}
			if len(rows) == 0 {
				return summary, domain.NewInvariantViolation(op.BusinessKey, "in-place update for key with no version history")
			}
			summary.SkippedDuplicate++

		case domain.OpCloseNoReplacement:
			cur, err := tx.currentVersion(ctx, op.BusinessKey)
			if err != nil {
				return summary, fmt.Errorf("failed to load current version for %q: %w", op.BusinessKey, err)
			}
			if cur == nil || !cur.ValidFrom.Before(op.ObservedAt) {
				// Already closed, or the open row postdates this close: the
				// batch was applied before.
				summary.SkippedDuplicate++
				break
			}
			closed, err := tx.closeVersion(ctx, cur.SurrogateKey, op.ObservedAt, appliedAt)
			if err != nil {
				return summary, fmt.Errorf("failed to close version for %q: %w", op.BusinessKey, err)
			}
			if closed {
				summary.ClosedNoReplacement++
			} else {
				summary.SkippedDuplicate++
			}

		default:
			return summary, domain.NewInvariantViolation(op.BusinessKey, "unknown operation type %q", op.Type)
		}
	}

	if err := verifyChains(ctx, tx, batch.Keys()); err != nil {
		return summary, err
	}

	run := domain.EngineRun{
		ID:          batch.RunID,
		Kind:        batch.Kind,
		Status:      domain.RunStatusCompleted,
		ObservedAt:  batch.ObservedMax,
		StartedAt:   batch.StartedAt,
		CompletedAt: &appliedAt,
		RecordCount: batch.RecordCount,
		Summary:     summary,
	}
	if err := tx.insertRun(ctx, run); err != nil {
		return summary, fmt.Errorf("failed to record run: %w", err)
	}

	return summary, nil
}

// applyClose closes the key's current row at the operation's observation
// time. The guard against rows at or past that time makes replays inert:
// when the batch already committed, the open row is the successor this very
// operation inserted, and closing it would corrupt the chain.
func applyClose(ctx context.Context, tx applierTx, op domain.Operation, appliedAt time.Time) error {
	cur, err := tx.currentVersion(ctx, op.BusinessKey)
	if err != nil {
		return fmt.Errorf("failed to load current version for %q: %w", op.BusinessKey, err)
	}
	if cur == nil || !cur.ValidFrom.Before(op.ObservedAt) {
		return nil
	}
	if _, err := tx.closeVersion(ctx, cur.SurrogateKey, op.ObservedAt, appliedAt); err != nil {
		return fmt.Errorf("failed to close version for %q: %w", op.BusinessKey, err)
	}
	return nil
}

// applyInsert inserts the operation's new version. When the natural key is
// already taken the stored row is fetched and compared canonically: an
// identical row is a replay and counts as a skip, a different row is an
// idempotency conflict reported with a full attribute diff.
func applyInsert(ctx context.Context, tx applierTx, op domain.Operation, appliedAt time.Time) (bool, error) {
	row := domain.NewVersionRow(op.BusinessKey, op.Tracked, op.Overwritten, op.ObservedAt, appliedAt)
	inserted, err := tx.insertVersion(ctx, row)
	if err != nil {
		return false, fmt.Errorf("failed to insert version for %q: %w", op.BusinessKey, err)
	}
	if inserted {
		return true, nil
	}

	existing, err := tx.versionByNaturalKey(ctx, op.BusinessKey, op.ObservedAt)
	if err != nil {
		return false, fmt.Errorf("failed to load conflicting version for %q: %w", op.BusinessKey, err)
	}
	if existing == nil {
		return false, domain.NewInvariantViolation(op.BusinessKey, "insert conflicted at %s but no row holds that natural key", op.ObservedAt.Format(time.RFC3339Nano))
	}

	if domain.AttributesEqual(existing.Tracked, op.Tracked) && domain.AttributesEqual(existing.Overwritten, op.Overwritten) {
		return false, nil
	}

	diff, err := domain.DiffAttributes("stored", existing.Attributes(), "incoming", row.Attributes())
	if err != nil {
		diff = fmt.Sprintf("diff unavailable: %v", err)
	}
	return false, domain.NewIdempotencyConflict(op.BusinessKey, op.ObservedAt, diff)
}

// verifyChains re-reads every key the batch touched and checks the chain
// invariants before commit: at most one current row, the current flag
// mirroring an open valid_to, windows strictly ordered without overlap, and
// only the last row open. A failure here aborts the transaction.
func verifyChains(ctx context.Context, tx applierTx, keys []string) error {
	for _, key := range keys {
		rows, err := tx.versionsForKey(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to verify chain for %q: %w", key, err)
		}
		if err := checkChain(key, rows); err != nil {
			return err
		}
	}
	return nil
}

// checkChain validates one key's version chain, ordered by valid_from.
func checkChain(key string, rows []domain.VersionRow) error {
	currents := 0
	for i, row := range rows {
		open := row.ValidTo == nil
		if open != row.IsCurrent {
			return domain.NewInvariantViolation(key, "row %s: is_current flag does not match open valid_to", row.SurrogateKey)
		}
		if row.IsCurrent {
			currents++
		}
		if row.ValidTo != nil && !row.ValidTo.After(row.ValidFrom) {
			return domain.NewInvariantViolation(key, "row %s: valid_to %s not after valid_from %s",
				row.SurrogateKey, row.ValidTo.Format(time.RFC3339Nano), row.ValidFrom.Format(time.RFC3339Nano))
		}
		if i == 0 {
			continue
		}
		prev := rows[i-1]
		if prev.ValidTo == nil {
			return domain.NewInvariantViolation(key, "row %s: open row is not the last version", prev.SurrogateKey)
		}
		if row.ValidFrom.Before(*prev.ValidTo) {
			return domain.NewInvariantViolation(key, "row %s: window overlaps predecessor closed at %s",
				row.SurrogateKey, prev.ValidTo.Format(time.RFC3339Nano))
		}
	}
	if currents > 1 {
		return domain.NewInvariantViolation(key, "%d current rows", currents)
	}
	return nil
}
