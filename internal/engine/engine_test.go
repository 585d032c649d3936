package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dimhist/internal/domain"
	"dimhist/internal/repository"
)

func testEngine(t *testing.T, deleteMissing bool) (*Engine, repository.Store) {
	t.Helper()
	classifier, err := domain.NewClassifier("customer_id", []domain.AttributeSpec{
		{Name: "card_type", Type: domain.AttributeTypeString, Class: domain.ClassTracked},
		{Name: "credit_limit", Type: domain.AttributeTypeInteger, Class: domain.ClassTracked},
		{Name: "email", Type: domain.AttributeTypeString, Class: domain.ClassOverwritten},
	})
	if err != nil {
		t.Fatalf("failed to build classifier: %v", err)
	}
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "engine-test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(classifier, store, Config{DeleteMissing: deleteMissing, Workers: 2}, zerolog.Nop()), store
}

func record(key, cardType string, limit int64, email string) domain.SourceRecord {
	return domain.SourceRecord{
		BusinessKey: key,
		Attributes: map[string]any{
			"card_type":    cardType,
			"credit_limit": limit,
			"email":        email,
		},
	}
}

func TestApplySnapshotLifecycle(t *testing.T) {
	eng, store := testEngine(t, true)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	day3 := day1.Add(48 * time.Hour)

	run, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
		record("C-2", "gold", 1200, "b@example.com"),
		record("C-3", "basic", 500, "c@example.com"),
	}, day1)
	if err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}
	if run.Status != domain.RunStatusCompleted || run.Summary.InsertedFirst != 3 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if !run.ObservedAt.Equal(day1) {
		t.Fatalf("run must carry the observation time, got %v", run.ObservedAt)
	}

	// Day two: C-1 upgraded, C-2 unchanged, C-3 gone from the extract.
	run, err = eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "gold", 800, "a@example.com"),
		record("C-2", "gold", 1200, "b@example.com"),
	}, day2)
	if err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}
	if run.Summary.ClosedAndInserted != 1 || run.Summary.ClosedNoReplacement != 1 || run.Summary.Unchanged != 1 {
		t.Fatalf("unexpected summary: %+v", run.Summary)
	}

	// Day three: only C-1's overwritten attribute moves.
	run, err = eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "gold", 800, "a2@example.com"),
		record("C-2", "gold", 1200, "b@example.com"),
	}, day3)
	if err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}
	if run.Summary.UpdatedInPlace != 1 || run.Summary.Unchanged != 1 {
		t.Fatalf("unexpected summary: %+v", run.Summary)
	}

	history, err := store.History(ctx, "C-1")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected 2 versions for C-1, got %d (%v)", len(history), err)
	}
	if history[1].Overwritten["email"] != "a2@example.com" || !history[1].ValidFrom.Equal(day2) {
		t.Fatalf("overwrite must not open a version: %+v", history[1])
	}

	if _, err := store.CurrentVersion(ctx, "C-3"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected C-3 closed by delete detection, got %v", err)
	}

	persisted, err := store.GetRun(ctx, run.ID)
	if err != nil || persisted.Status != domain.RunStatusCompleted {
		t.Fatalf("run row not persisted: %+v (%v)", persisted, err)
	}
}

func TestApplySnapshotReplayAndEqualWatermark(t *testing.T) {
	eng, _ := testEngine(t, true)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	records := []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
		record("C-2", "gold", 1200, "b@example.com"),
	}

	if _, err := eng.ApplySnapshot(ctx, records, day1); err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}

	// Same file, same observation time: equal to the watermark, so the run
	// passes the guard and reconciles to no-ops.
	run, err := eng.ApplySnapshot(ctx, records, day1)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("unexpected status: %+v", run)
	}
	if run.Summary.Applied() != 0 || run.Summary.Unchanged != 2 {
		t.Fatalf("replay must not mutate the store: %+v", run.Summary)
	}
}

func TestApplySnapshotRejectsStaleBatch(t *testing.T) {
	eng, store := testEngine(t, true)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	if _, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
	}, day2); err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}

	run, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "gold", 800, "a@example.com"),
	}, day1)
	if !domain.IsOrderingViolation(err) {
		t.Fatalf("expected ordering violation, got %v", err)
	}
	if run.Status != domain.RunStatusRejected {
		t.Fatalf("unexpected status: %+v", run)
	}

	// The rejection is bookkept but nothing is written to the chain.
	persisted, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("rejected run not persisted: %v", err)
	}
	if persisted.Status != domain.RunStatusRejected || persisted.Error == nil ||
		!strings.Contains(*persisted.Error, "ORDERING_VIOLATION") {
		t.Fatalf("unexpected run row: %+v", persisted)
	}
	cur, err := store.CurrentVersion(ctx, "C-1")
	if err != nil || cur.Tracked["card_type"] != "silver" {
		t.Fatalf("stale batch must not change the chain: %+v (%v)", cur, err)
	}
}

func TestApplySnapshotKeepsMissingWhenDisabled(t *testing.T) {
	eng, store := testEngine(t, false)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	if _, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
		record("C-2", "gold", 1200, "b@example.com"),
	}, day1); err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}

	run, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
	}, day2)
	if err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}
	if run.Summary.MissingIgnored != 1 || run.Summary.ClosedNoReplacement != 0 {
		t.Fatalf("unexpected summary: %+v", run.Summary)
	}
	if _, err := store.CurrentVersion(ctx, "C-2"); err != nil {
		t.Fatalf("C-2 must stay open without delete detection: %v", err)
	}
}

func TestApplySnapshotValidationFailure(t *testing.T) {
	eng, store := testEngine(t, true)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

	run, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
		record("C-1", "gold", 800, "a@example.com"),
	}, day1)
	if !domain.IsConfigurationError(err) || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("expected duplicate key rejection, got %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("unexpected status: %+v", run)
	}

	persisted, err := store.GetRun(ctx, run.ID)
	if err != nil || persisted.Status != domain.RunStatusFailed {
		t.Fatalf("failed run not persisted: %+v (%v)", persisted, err)
	}
	count, err := store.CountVersions(ctx)
	if err != nil || count != 0 {
		t.Fatalf("failed batch must write nothing, got %d rows (%v)", count, err)
	}
}

func TestApplyEventsLifecycle(t *testing.T) {
	eng, store := testEngine(t, true)
	ctx := context.Background()

	e1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e2 := e1.Add(time.Hour)
	e3 := e1.Add(2 * time.Hour)

	events := []domain.ChangeEvent{
		{Action: domain.EventInsert, BusinessKey: "C-1", At: e1, Attributes: map[string]any{
			"card_type": "silver", "credit_limit": int64(800), "email": "a@example.com"}},
		{Action: domain.EventUpdate, BusinessKey: "C-1", At: e2, Attributes: map[string]any{
			"card_type": "gold", "credit_limit": int64(800), "email": "a@example.com"}},
		{Action: domain.EventDelete, BusinessKey: "C-1", At: e3},
	}

	run, err := eng.ApplyEvents(ctx, events)
	if err != nil {
		t.Fatalf("events returned error: %v", err)
	}
	if run.Status != domain.RunStatusCompleted || run.Kind != domain.RunKindCDC {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Summary.InsertedFirst != 1 || run.Summary.ClosedAndInserted != 1 || run.Summary.ClosedNoReplacement != 1 {
		t.Fatalf("unexpected summary: %+v", run.Summary)
	}
	if !run.ObservedAt.Equal(e3) {
		t.Fatalf("run must carry the window maximum, got %v", run.ObservedAt)
	}

	history, err := store.History(ctx, "C-1")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d (%v)", len(history), err)
	}
	if history[1].ValidTo == nil || !history[1].ValidTo.Equal(e3) {
		t.Fatalf("delete must close the chain at the event time: %+v", history[1])
	}

	// Replaying the window: its maximum equals the watermark, so it passes
	// the guard and reconciles to no-ops.
	run, err = eng.ApplyEvents(ctx, events)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if run.Summary.Applied() != 0 {
		t.Fatalf("replay must not mutate the store: %+v", run.Summary)
	}
}

func TestApplyEventsRejectsStaleWindow(t *testing.T) {
	eng, _ := testEngine(t, true)
	ctx := context.Background()

	e1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e2 := e1.Add(time.Hour)

	if _, err := eng.ApplyEvents(ctx, []domain.ChangeEvent{
		{Action: domain.EventInsert, BusinessKey: "C-1", At: e2, Attributes: map[string]any{
			"card_type": "silver", "credit_limit": int64(800), "email": "a@example.com"}},
	}); err != nil {
		t.Fatalf("events returned error: %v", err)
	}

	run, err := eng.ApplyEvents(ctx, []domain.ChangeEvent{
		{Action: domain.EventUpdate, BusinessKey: "C-1", At: e1, Attributes: map[string]any{
			"card_type": "gold", "credit_limit": int64(800), "email": "a@example.com"}},
	})
	if !domain.IsOrderingViolation(err) {
		t.Fatalf("expected ordering violation, got %v", err)
	}
	if run.Status != domain.RunStatusRejected {
		t.Fatalf("unexpected status: %+v", run)
	}
}

func TestApplyEventsEmptyBatch(t *testing.T) {
	eng, store := testEngine(t, true)
	ctx := context.Background()

	_, err := eng.ApplyEvents(ctx, nil)
	if !domain.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	// An empty batch is an input mistake, not a run.
	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("empty batch must not record a run, got %+v (%v)", runs, err)
	}
}

func TestApplySnapshotCanceledContextLeavesStoreUnchanged(t *testing.T) {
	eng, store := testEngine(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	day1 := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	_, err := eng.ApplySnapshot(ctx, []domain.SourceRecord{
		record("C-1", "silver", 800, "a@example.com"),
	}, day1)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in the chain, got %v", err)
	}

	count, err := store.CountVersions(context.Background())
	if err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if count != 0 {
		t.Fatalf("canceled batch must write nothing, found %d rows", count)
	}
}
