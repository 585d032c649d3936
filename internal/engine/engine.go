// Package engine drives the versioning pipeline: it validates a batch,
// guards the observation watermark, plans operations against the store's
// current rows and hands the plan to the merge applier. One batch is one
// atomic run; the engine is the single writer.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dimhist/internal/domain"
	"dimhist/internal/reconcile"
	"dimhist/internal/repository"
)

// Config tunes engine behavior. DeleteMissing must be an explicit choice:
// it decides whether entities absent from a snapshot are closed as deletions
// or left open.
type Config struct {
	DeleteMissing bool
	Workers       int
}

// Engine reconciles snapshots and change feeds into version chains.
type Engine struct {
	classifier    *domain.Classifier
	store         repository.Store
	logger        zerolog.Logger
	deleteMissing bool
	workers       int
}

// New assembles an engine over a classifier and a store.
func New(classifier *domain.Classifier, store repository.Store, cfg Config, logger zerolog.Logger) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		classifier:    classifier,
		store:         store,
		logger:        logger,
		deleteMissing: cfg.DeleteMissing,
		workers:       workers,
	}
}

// normalizeTime pins an observation instant to UTC at microsecond precision,
// the finest granularity both store backends persist losslessly. Boundary
// comparisons between planned and stored times rely on this.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ApplySnapshot reconciles one full source snapshot observed at the given
// instant. Every record is validated first; the batch is rejected when its
// observation time precedes the store watermark, and otherwise planned and
// committed atomically. The returned run reflects the persisted run row.
func (e *Engine) ApplySnapshot(ctx context.Context, records []domain.SourceRecord, observedAt time.Time) (domain.EngineRun, error) {
	runID := uuid.New()
	startedAt := time.Now().UTC()
	observedAt = normalizeTime(observedAt)

	logger := e.logger.With().
		Stringer("run_id", runID).
		Str("kind", string(domain.RunKindSnapshot)).
		Time("observed_at", observedAt).
		Int("records", len(records)).
		Logger()

	if err := e.validateRecords(records); err != nil {
		return e.finishRun(ctx, logger, failedRun(runID, domain.RunKindSnapshot, observedAt, startedAt, len(records), err), startedAt, err)
	}
	if err := e.guardWatermark(ctx, observedAt); err != nil {
		run := rejectedRun(runID, domain.RunKindSnapshot, observedAt, startedAt, len(records), err)
		if !domain.IsOrderingViolation(err) {
			run = failedRun(runID, domain.RunKindSnapshot, observedAt, startedAt, len(records), err)
		}
		return e.finishRun(ctx, logger, run, startedAt, err)
	}

	// Delete detection needs every open key, not just the snapshot's.
	current, err := e.store.CurrentVersions(ctx)
	if err != nil {
		err = fmt.Errorf("failed to load current versions: %w", err)
		return e.finishRun(ctx, logger, failedRun(runID, domain.RunKindSnapshot, observedAt, startedAt, len(records), err), startedAt, err)
	}

	plan, err := e.planSnapshot(current, records, observedAt)
	if err != nil {
		return e.finishRun(ctx, logger, failedRun(runID, domain.RunKindSnapshot, observedAt, startedAt, len(records), err), startedAt, err)
	}

	batch := domain.OperationBatch{
		RunID:          runID,
		Kind:           domain.RunKindSnapshot,
		ObservedMin:    observedAt,
		ObservedMax:    observedAt,
		StartedAt:      startedAt,
		RecordCount:    len(records),
		Unchanged:      plan.Unchanged,
		MissingIgnored: plan.MissingIgnored,
		Operations:     plan.Operations,
	}
	return e.commit(ctx, logger, batch, startedAt)
}

// ApplyEvents reconciles one ordered CDC window. Events may span several
// observation instants; the watermark is guarded against the window's
// maximum so a replay of the latest window stays idempotent while a batch
// entirely in the past is rejected.
func (e *Engine) ApplyEvents(ctx context.Context, events []domain.ChangeEvent) (domain.EngineRun, error) {
	runID := uuid.New()
	startedAt := time.Now().UTC()

	logger := e.logger.With().
		Stringer("run_id", runID).
		Str("kind", string(domain.RunKindCDC)).
		Int("events", len(events)).
		Logger()

	if len(events) == 0 {
		err := domain.NewConfigurationError("event batch is empty")
		return domain.EngineRun{}, err
	}

	normalized := make([]domain.ChangeEvent, len(events))
	copy(normalized, events)
	for i := range normalized {
		normalized[i].At = normalizeTime(normalized[i].At)
		if err := e.classifier.ValidateEvent(normalized[i]); err != nil {
			return e.finishRun(ctx, logger, failedRun(runID, domain.RunKindCDC, startedAt, startedAt, len(events), err), startedAt, err)
		}
	}

	observedMin, observedMax := normalized[0].At, normalized[0].At
	for _, ev := range normalized[1:] {
		if ev.At.Before(observedMin) {
			observedMin = ev.At
		}
		if ev.At.After(observedMax) {
			observedMax = ev.At
		}
	}
	logger = logger.With().Time("observed_max", observedMax).Logger()

	if err := e.guardWatermark(ctx, observedMax); err != nil {
		run := rejectedRun(runID, domain.RunKindCDC, observedMax, startedAt, len(events), err)
		if !domain.IsOrderingViolation(err) {
			run = failedRun(runID, domain.RunKindCDC, observedMax, startedAt, len(events), err)
		}
		return e.finishRun(ctx, logger, run, startedAt, err)
	}

	keys := make([]string, 0, len(normalized))
	for _, ev := range normalized {
		keys = append(keys, ev.BusinessKey)
	}
	current, err := e.store.CurrentVersionsByKeys(ctx, keys)
	if err != nil {
		err = fmt.Errorf("failed to load current versions: %w", err)
		return e.finishRun(ctx, logger, failedRun(runID, domain.RunKindCDC, observedMax, startedAt, len(events), err), startedAt, err)
	}

	plan, err := reconcile.PlanEvents(e.classifier, current, normalized)
	if err != nil {
		return e.finishRun(ctx, logger, failedRun(runID, domain.RunKindCDC, observedMax, startedAt, len(events), err), startedAt, err)
	}

	batch := domain.OperationBatch{
		RunID:          runID,
		Kind:           domain.RunKindCDC,
		ObservedMin:    observedMin,
		ObservedMax:    observedMax,
		StartedAt:      startedAt,
		RecordCount:    len(events),
		Unchanged:      plan.Unchanged,
		MissingIgnored: plan.MissingIgnored,
		Operations:     plan.Operations,
	}
	return e.commit(ctx, logger, batch, startedAt)
}

// validateRecords checks every snapshot record against the classifier and
// rejects duplicate business keys: a snapshot is a keyed full population.
func (e *Engine) validateRecords(records []domain.SourceRecord) error {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := e.classifier.ValidateRecord(rec); err != nil {
			return err
		}
		if _, dup := seen[rec.BusinessKey]; dup {
			return domain.NewConfigurationError("snapshot contains business key %q twice", rec.BusinessKey)
		}
		seen[rec.BusinessKey] = struct{}{}
	}
	return nil
}

// guardWatermark rejects batches whose newest observation precedes the
// newest completed run. Replays of the latest window carry an equal
// timestamp and pass through to the applier's idempotency handling.
func (e *Engine) guardWatermark(ctx context.Context, batchMax time.Time) error {
	watermark, err := e.store.LastObservedAt(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	if watermark != nil && batchMax.Before(*watermark) {
		return domain.NewOrderingViolation(batchMax, *watermark)
	}
	return nil
}

// planSnapshot shards the snapshot across the worker pool. Records for
// distinct keys are independent, so shards only share the read-only current
// map; shard order keeps the merge deterministic.
func (e *Engine) planSnapshot(current map[string]*domain.VersionRow, records []domain.SourceRecord, observedAt time.Time) (reconcile.Plan, error) {
	workers := e.workers
	if workers > len(records) {
		workers = len(records)
	}
	if workers <= 1 {
		return reconcile.PlanSnapshot(e.classifier, current, records, observedAt, e.deleteMissing)
	}

	shardSize := (len(records) + workers - 1) / workers
	plans := make([]reconcile.Plan, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * shardSize
		if start >= len(records) {
			break
		}
		end := start + shardSize
		if end > len(records) {
			end = len(records)
		}
		wg.Add(1)
		go func(slot int, shard []domain.SourceRecord) {
			defer wg.Done()
			plans[slot], errs[slot] = reconcile.PlanRecords(e.classifier, current, shard, observedAt)
		}(w, records[start:end])
	}
	wg.Wait()

	merged := reconcile.Plan{}
	for i := range plans {
		if errs[i] != nil {
			return reconcile.Plan{}, errs[i]
		}
		merged.Operations = append(merged.Operations, plans[i].Operations...)
		merged.Unchanged += plans[i].Unchanged
		merged.MissingIgnored += plans[i].MissingIgnored
	}

	sourceKeys := make(map[string]struct{}, len(records))
	for _, rec := range records {
		sourceKeys[rec.BusinessKey] = struct{}{}
	}
	missing := reconcile.PlanMissing(current, sourceKeys, observedAt, e.deleteMissing)
	merged.Operations = append(merged.Operations, missing.Operations...)
	merged.MissingIgnored += missing.MissingIgnored
	return merged, nil
}

// commit hands the batch to the store and reports the persisted run.
func (e *Engine) commit(ctx context.Context, logger zerolog.Logger, batch domain.OperationBatch, startedAt time.Time) (domain.EngineRun, error) {
	summary, err := e.store.ApplyBatch(ctx, batch)
	if err != nil {
		run := failedRun(batch.RunID, batch.Kind, batch.ObservedMax, startedAt, batch.RecordCount, err)
		run.Summary = summary
		return e.finishRun(ctx, logger, run, startedAt, err)
	}

	completed := domain.EngineRun{
		ID:          batch.RunID,
		Kind:        batch.Kind,
		Status:      domain.RunStatusCompleted,
		ObservedAt:  batch.ObservedMax,
		StartedAt:   startedAt,
		RecordCount: batch.RecordCount,
		Summary:     summary,
	}
	observeRun(completed, startedAt)

	logger.Info().
		Int("inserted_first", summary.InsertedFirst).
		Int("closed_and_inserted", summary.ClosedAndInserted).
		Int("updated_in_place", summary.UpdatedInPlace).
		Int("closed_no_replacement", summary.ClosedNoReplacement).
		Int("skipped_duplicate", summary.SkippedDuplicate).
		Int("unchanged", summary.Unchanged).
		Int("missing_ignored", summary.MissingIgnored).
		Msg("batch applied")

	if run, err := e.store.GetRun(ctx, batch.RunID); err == nil {
		return *run, nil
	}
	now := time.Now().UTC()
	completed.CompletedAt = &now
	return completed, nil
}

// finishRun records a failed or rejected run and returns the original error.
// Bookkeeping failures are logged, never masked over the root cause.
func (e *Engine) finishRun(ctx context.Context, logger zerolog.Logger, run domain.EngineRun, startedAt time.Time, cause error) (domain.EngineRun, error) {
	observeRun(run, startedAt)

	event := logger.Warn().Err(cause)
	if run.Status == domain.RunStatusRejected {
		event.Msg("batch rejected")
	} else {
		event.Msg("batch failed")
	}

	if err := e.store.RecordRun(ctx, run); err != nil {
		logger.Error().Err(err).Msg("failed to record run outcome")
	}
	return run, cause
}

func failedRun(id uuid.UUID, kind domain.RunKind, observedAt, startedAt time.Time, recordCount int, cause error) domain.EngineRun {
	return terminalRun(id, kind, domain.RunStatusFailed, observedAt, startedAt, recordCount, cause)
}

func rejectedRun(id uuid.UUID, kind domain.RunKind, observedAt, startedAt time.Time, recordCount int, cause error) domain.EngineRun {
	return terminalRun(id, kind, domain.RunStatusRejected, observedAt, startedAt, recordCount, cause)
}

func terminalRun(id uuid.UUID, kind domain.RunKind, status domain.RunStatus, observedAt, startedAt time.Time, recordCount int, cause error) domain.EngineRun {
	now := time.Now().UTC()
	msg := cause.Error()
	return domain.EngineRun{
		ID:          id,
		Kind:        kind,
		Status:      status,
		ObservedAt:  observedAt,
		StartedAt:   startedAt,
		CompletedAt: &now,
		RecordCount: recordCount,
		Error:       &msg,
	}
}
