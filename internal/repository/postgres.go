package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"dimhist/internal/db"
	"dimhist/internal/domain"
)

// PostgresStore is the shared-database backend, suitable when several
// readers need the dimension while the engine writes it.
type PostgresStore struct {
	conn *db.Connection
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an established connection pool.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.conn.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.conn.Pool.Ping(ctx)
}

const pgVersionColumns = `surrogate_key, business_key, tracked_attributes, overwritten_attributes, valid_from, valid_to, is_current, created_at, updated_at`

// ApplyBatch runs the shared applier inside one transaction.
func (s *PostgresStore) ApplyBatch(ctx context.Context, batch domain.OperationBatch) (domain.RunSummary, error) {
	appliedAt := time.Now().UTC()

	var summary domain.RunSummary
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		var applyErr error
		summary, applyErr = applyOperations(ctx, &postgresTx{tx: tx}, batch, appliedAt)
		return applyErr
	})
	return summary, err
}

// postgresTx adapts pgx.Tx to the applier's transactional surface.
type postgresTx struct {
	tx pgx.Tx
}

var _ applierTx = (*postgresTx)(nil)

func (t *postgresTx) currentVersion(ctx context.Context, businessKey string) (*domain.VersionRow, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions WHERE business_key = $1 AND is_current`,
		businessKey)
	version, err := scanPGVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

func (t *postgresTx) versionByNaturalKey(ctx context.Context, businessKey string, validFrom time.Time) (*domain.VersionRow, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions WHERE business_key = $1 AND valid_from = $2`,
		businessKey, validFrom)
	version, err := scanPGVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

func (t *postgresTx) insertVersion(ctx context.Context, row domain.VersionRow) (bool, error) {
	trackedJSON, err := domain.MarshalAttributes(row.Tracked)
	if err != nil {
		return false, err
	}
	overwrittenJSON, err := domain.MarshalAttributes(row.Overwritten)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO dimension_versions (`+pgVersionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, NULL, TRUE, $6, $7)
		 ON CONFLICT (business_key, valid_from) DO NOTHING`,
		row.SurrogateKey, row.BusinessKey, string(trackedJSON), string(overwrittenJSON),
		row.ValidFrom, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) closeVersion(ctx context.Context, surrogateKey uuid.UUID, validTo, updatedAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE dimension_versions SET valid_to = $2, is_current = FALSE, updated_at = $3
		 WHERE surrogate_key = $1 AND is_current`,
		surrogateKey, validTo, updatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) updateOverwritten(ctx context.Context, businessKey string, overwritten map[string]any, updatedAt time.Time) (bool, error) {
	overwrittenJSON, err := domain.MarshalAttributes(overwritten)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE dimension_versions SET overwritten_attributes = $2, updated_at = $3
		 WHERE business_key = $1 AND is_current`,
		businessKey, string(overwrittenJSON), updatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *postgresTx) versionsForKey(ctx context.Context, businessKey string) ([]domain.VersionRow, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions WHERE business_key = $1 ORDER BY valid_from`,
		businessKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPGVersions(rows)
}

func (t *postgresTx) insertRun(ctx context.Context, run domain.EngineRun) error {
	return pgInsertRun(ctx, t.tx.Exec, run)
}

type pgExecFunc func(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)

func pgInsertRun(ctx context.Context, exec pgExecFunc, run domain.EngineRun) error {
	var completedAt *time.Time
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC()
		completedAt = &t
	}
	_, err := exec(ctx,
		`INSERT INTO engine_runs (
			id, kind, status, observed_at, started_at, completed_at, record_count,
			inserted_first, closed_and_inserted, updated_in_place, closed_no_replacement,
			skipped_duplicate, unchanged, missing_ignored, error
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, string(run.Kind), string(run.Status),
		run.ObservedAt, run.StartedAt, completedAt, run.RecordCount,
		run.Summary.InsertedFirst, run.Summary.ClosedAndInserted, run.Summary.UpdatedInPlace,
		run.Summary.ClosedNoReplacement, run.Summary.SkippedDuplicate, run.Summary.Unchanged,
		run.Summary.MissingIgnored, run.Error)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CurrentVersion returns the open version for the key.
func (s *PostgresStore) CurrentVersion(ctx context.Context, businessKey string) (*domain.VersionRow, error) {
	row := s.conn.Pool.QueryRow(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions WHERE business_key = $1 AND is_current`,
		businessKey)
	version, err := scanPGVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("current version for %q: %w", businessKey, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	return &version, nil
}

// CurrentVersionsByKeys returns the open versions for the given keys. Keys
// with no current version are simply absent from the result.
func (s *PostgresStore) CurrentVersionsByKeys(ctx context.Context, businessKeys []string) (map[string]*domain.VersionRow, error) {
	result := make(map[string]*domain.VersionRow, len(businessKeys))
	if len(businessKeys) == 0 {
		return result, nil
	}
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions
		 WHERE is_current AND business_key = ANY($1)`,
		businessKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to get current versions: %w", err)
	}
	defer rows.Close()

	versions, err := collectPGVersions(rows)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		v := versions[i]
		result[v.BusinessKey] = &v
	}
	return result, nil
}

// CurrentVersions returns every open version keyed by business key.
func (s *PostgresStore) CurrentVersions(ctx context.Context) (map[string]*domain.VersionRow, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions WHERE is_current`)
	if err != nil {
		return nil, fmt.Errorf("failed to get current versions: %w", err)
	}
	defer rows.Close()

	versions, err := collectPGVersions(rows)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*domain.VersionRow, len(versions))
	for i := range versions {
		v := versions[i]
		result[v.BusinessKey] = &v
	}
	return result, nil
}

// ListCurrent pages through all open versions ordered by business key. The
// second return value is the total number of current rows.
func (s *PostgresStore) ListCurrent(ctx context.Context, limit, offset int) ([]domain.VersionRow, int, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+`, COUNT(*) OVER () AS total_count
		 FROM dimension_versions WHERE is_current
		 ORDER BY business_key LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list current versions: %w", err)
	}
	defer rows.Close()
	return collectPGVersionsWithTotal(rows)
}

// VersionAt returns the version whose validity window covers the instant.
func (s *PostgresStore) VersionAt(ctx context.Context, businessKey string, at time.Time) (*domain.VersionRow, error) {
	row := s.conn.Pool.QueryRow(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions
		 WHERE business_key = $1 AND valid_from <= $2 AND (valid_to IS NULL OR valid_to > $2)`,
		businessKey, at)
	version, err := scanPGVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("version of %q at %s: %w", businessKey, at.UTC().Format(time.RFC3339Nano), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get version at instant: %w", err)
	}
	return &version, nil
}

// ListAt pages through every version whose window covers the instant.
func (s *PostgresStore) ListAt(ctx context.Context, at time.Time, limit, offset int) ([]domain.VersionRow, int, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+`, COUNT(*) OVER () AS total_count
		 FROM dimension_versions
		 WHERE valid_from <= $1 AND (valid_to IS NULL OR valid_to > $1)
		 ORDER BY business_key LIMIT $2 OFFSET $3`,
		at, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions at instant: %w", err)
	}
	defer rows.Close()
	return collectPGVersionsWithTotal(rows)
}

// History returns the key's full version chain ordered by valid_from.
func (s *PostgresStore) History(ctx context.Context, businessKey string) ([]domain.VersionRow, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+` FROM dimension_versions WHERE business_key = $1 ORDER BY valid_from`,
		businessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()
	return collectPGVersions(rows)
}

// ListVersions pages through every version row ordered by business key and
// valid_from. The second return value is the total number of rows.
func (s *PostgresStore) ListVersions(ctx context.Context, limit, offset int) ([]domain.VersionRow, int, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+`, COUNT(*) OVER () AS total_count
		 FROM dimension_versions
		 ORDER BY business_key, valid_from LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()
	return collectPGVersionsWithTotal(rows)
}

// CountVersions returns the total number of version rows.
func (s *PostgresStore) CountVersions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM dimension_versions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count versions: %w", err)
	}
	return count, nil
}

// RecordRun persists a run row outside a batch transaction.
func (s *PostgresStore) RecordRun(ctx context.Context, run domain.EngineRun) error {
	return pgInsertRun(ctx, s.conn.Pool.Exec, run)
}

// GetRun returns one run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.EngineRun, error) {
	row := s.conn.Pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM engine_runs WHERE id = $1`, id)
	run, err := scanPGRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns pages through runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]domain.EngineRun, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgRunColumns+` FROM engine_runs ORDER BY started_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.EngineRun{}
	for rows.Next() {
		run, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastObservedAt returns the high-water observation timestamp over completed
// runs, or nil when nothing has completed yet.
func (s *PostgresStore) LastObservedAt(ctx context.Context) (*time.Time, error) {
	var observed pgtype.Timestamptz
	err := s.conn.Pool.QueryRow(ctx,
		`SELECT MAX(observed_at) FROM engine_runs WHERE status = $1`,
		string(domain.RunStatusCompleted)).Scan(&observed)
	if err != nil {
		return nil, fmt.Errorf("failed to get last observed timestamp: %w", err)
	}
	if !observed.Valid {
		return nil, nil
	}
	t := observed.Time.UTC()
	return &t, nil
}

const pgRunColumns = `id, kind, status, observed_at, started_at, completed_at, record_count,
	inserted_first, closed_and_inserted, updated_in_place, closed_no_replacement,
	skipped_duplicate, unchanged, missing_ignored, error`

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPGVersion(sc pgScanner) (domain.VersionRow, error) {
	var (
		trackedJSON     []byte
		overwrittenJSON []byte
		validTo         pgtype.Timestamptz
		row             domain.VersionRow
	)
	err := sc.Scan(&row.SurrogateKey, &row.BusinessKey, &trackedJSON, &overwrittenJSON,
		&row.ValidFrom, &validTo, &row.IsCurrent, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return domain.VersionRow{}, err
	}
	return finishPGVersion(row, trackedJSON, overwrittenJSON, validTo)
}

func scanPGVersionWithTotal(sc pgScanner) (domain.VersionRow, int, error) {
	var (
		trackedJSON     []byte
		overwrittenJSON []byte
		validTo         pgtype.Timestamptz
		total           int
		row             domain.VersionRow
	)
	err := sc.Scan(&row.SurrogateKey, &row.BusinessKey, &trackedJSON, &overwrittenJSON,
		&row.ValidFrom, &validTo, &row.IsCurrent, &row.CreatedAt, &row.UpdatedAt, &total)
	if err != nil {
		return domain.VersionRow{}, 0, err
	}
	version, err := finishPGVersion(row, trackedJSON, overwrittenJSON, validTo)
	return version, total, err
}

func finishPGVersion(row domain.VersionRow, trackedJSON, overwrittenJSON []byte, validTo pgtype.Timestamptz) (domain.VersionRow, error) {
	var err error
	if row.Tracked, err = domain.UnmarshalAttributes(trackedJSON); err != nil {
		return domain.VersionRow{}, err
	}
	if row.Overwritten, err = domain.UnmarshalAttributes(overwrittenJSON); err != nil {
		return domain.VersionRow{}, err
	}
	row.ValidFrom = row.ValidFrom.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	if validTo.Valid {
		to := validTo.Time.UTC()
		row.ValidTo = &to
	}
	return row, nil
}

func collectPGVersions(rows pgx.Rows) ([]domain.VersionRow, error) {
	versions := []domain.VersionRow{}
	for rows.Next() {
		version, err := scanPGVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func collectPGVersionsWithTotal(rows pgx.Rows) ([]domain.VersionRow, int, error) {
	versions := []domain.VersionRow{}
	total := 0
	for rows.Next() {
		version, rowTotal, err := scanPGVersionWithTotal(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, version)
		total = rowTotal
	}
	return versions, total, rows.Err()
}

func scanPGRun(sc pgScanner) (domain.EngineRun, error) {
	var (
		kind        string
		status      string
		completedAt pgtype.Timestamptz
		runErr      pgtype.Text
		run         domain.EngineRun
	)
	err := sc.Scan(&run.ID, &kind, &status, &run.ObservedAt, &run.StartedAt, &completedAt, &run.RecordCount,
		&run.Summary.InsertedFirst, &run.Summary.ClosedAndInserted, &run.Summary.UpdatedInPlace,
		&run.Summary.ClosedNoReplacement, &run.Summary.SkippedDuplicate, &run.Summary.Unchanged,
		&run.Summary.MissingIgnored, &runErr)
	if err != nil {
		return domain.EngineRun{}, err
	}
	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	run.ObservedAt = run.ObservedAt.UTC()
	run.StartedAt = run.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		run.CompletedAt = &t
	}
	if runErr.Valid {
		msg := runErr.String
		run.Error = &msg
	}
	return run, nil
}
