package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dimhist/internal/domain"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("not found")

// VersionStore defines the interface for version chain operations
type VersionStore interface {
	// ApplyBatch applies every operation in the batch inside a single
	// transaction and records the run row alongside. The returned summary
	// counts applied operations by type plus replay skips. Any error rolls
	// the whole batch back.
	ApplyBatch(ctx context.Context, batch domain.OperationBatch) (domain.RunSummary, error)

	CurrentVersion(ctx context.Context, businessKey string) (*domain.VersionRow, error)
	CurrentVersionsByKeys(ctx context.Context, businessKeys []string) (map[string]*domain.VersionRow, error)
	// CurrentVersions returns every open version keyed by business key.
	// Snapshot reconciliation reads this to detect missing entities.
	CurrentVersions(ctx context.Context) (map[string]*domain.VersionRow, error)
	ListCurrent(ctx context.Context, limit, offset int) ([]domain.VersionRow, int, error)
	VersionAt(ctx context.Context, businessKey string, at time.Time) (*domain.VersionRow, error)
	ListAt(ctx context.Context, at time.Time, limit, offset int) ([]domain.VersionRow, int, error)
	History(ctx context.Context, businessKey string) ([]domain.VersionRow, error)
	// ListVersions pages through every version row ordered by business key
	// and valid_from. Exports stream the dimension through this.
	ListVersions(ctx context.Context, limit, offset int) ([]domain.VersionRow, int, error)
	CountVersions(ctx context.Context) (int64, error)
}

// RunStore defines the interface for engine run bookkeeping
type RunStore interface {
	// RecordRun persists a run row outside ApplyBatch. Used for rejected
	// and failed runs, which have no operations to apply.
	RecordRun(ctx context.Context, run domain.EngineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*domain.EngineRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]domain.EngineRun, error)

	// LastObservedAt returns the maximum observation timestamp across
	// completed runs, or nil when no run has completed yet.
	LastObservedAt(ctx context.Context) (*time.Time, error)
}

// Store is the full persistence surface of the versioning engine.
type Store interface {
	VersionStore
	RunStore

	Ping(ctx context.Context) error
	Close() error
}
