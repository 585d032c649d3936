package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dimhist/internal/domain"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

const sqliteSchemaVersion = 1

// sqliteTimeLayout renders UTC instants at fixed width so that string
// comparison in SQL matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the embedded single-file backend. SQLite allows one writer
// at a time, which matches the engine's single-writer batch model.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path and applies the
// schema. Safe to call repeatedly on the same file.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under concurrent batch attempts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySQLitePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < sqliteSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		// Older rows written before sub-second padding was enforced.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

// ApplyBatch runs the shared applier inside one SQLite transaction.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, batch domain.OperationBatch) (domain.RunSummary, error) {
	appliedAt := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	summary, err := applyOperations(ctx, &sqliteTx{tx: tx}, batch, appliedAt)
	if err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return summary, nil
}

// sqliteTx adapts *sql.Tx to the applier's transactional surface.
type sqliteTx struct {
	tx *sql.Tx
}

var _ applierTx = (*sqliteTx)(nil)

const sqliteVersionColumns = `surrogate_key, business_key, tracked_attributes, overwritten_attributes, valid_from, valid_to, is_current, created_at, updated_at`

func (t *sqliteTx) currentVersion(ctx context.Context, businessKey string) (*domain.VersionRow, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions WHERE business_key = ? AND is_current = 1`,
		businessKey)
	version, err := scanSQLiteVersion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

func (t *sqliteTx) versionByNaturalKey(ctx context.Context, businessKey string, validFrom time.Time) (*domain.VersionRow, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions WHERE business_key = ? AND valid_from = ?`,
		businessKey, sqliteTime(validFrom))
	version, err := scanSQLiteVersion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}

func (t *sqliteTx) insertVersion(ctx context.Context, row domain.VersionRow) (bool, error) {
	trackedJSON, err := domain.MarshalAttributes(row.Tracked)
	if err != nil {
		return false, err
	}
	overwrittenJSON, err := domain.MarshalAttributes(row.Overwritten)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO dimension_versions (`+sqliteVersionColumns+`)
		 VALUES (?, ?, ?, ?, ?, NULL, 1, ?, ?)
		 ON CONFLICT (business_key, valid_from) DO NOTHING`,
		row.SurrogateKey.String(), row.BusinessKey, string(trackedJSON), string(overwrittenJSON),
		sqliteTime(row.ValidFrom), sqliteTime(row.CreatedAt), sqliteTime(row.UpdatedAt))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *sqliteTx) closeVersion(ctx context.Context, surrogateKey uuid.UUID, validTo, updatedAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE dimension_versions SET valid_to = ?, is_current = 0, updated_at = ?
		 WHERE surrogate_key = ? AND is_current = 1`,
		sqliteTime(validTo), sqliteTime(updatedAt), surrogateKey.String())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *sqliteTx) updateOverwritten(ctx context.Context, businessKey string, overwritten map[string]any, updatedAt time.Time) (bool, error) {
	overwrittenJSON, err := domain.MarshalAttributes(overwritten)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE dimension_versions SET overwritten_attributes = ?, updated_at = ?
		 WHERE business_key = ? AND is_current = 1`,
		string(overwrittenJSON), sqliteTime(updatedAt), businessKey)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *sqliteTx) versionsForKey(ctx context.Context, businessKey string) ([]domain.VersionRow, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions WHERE business_key = ? ORDER BY valid_from`,
		businessKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteVersions(rows)
}

func (t *sqliteTx) insertRun(ctx context.Context, run domain.EngineRun) error {
	return execInsertRun(ctx, t.tx.ExecContext, run)
}

// sqliteExecFunc matches ExecContext on both *sql.DB and *sql.Tx, so run
// rows can be written inside or outside a batch transaction.
type sqliteExecFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func execInsertRun(ctx context.Context, exec sqliteExecFunc, run domain.EngineRun) error {
	var completedAt any
	if run.CompletedAt != nil {
		completedAt = sqliteTime(*run.CompletedAt)
	}
	var runErr any
	if run.Error != nil {
		runErr = *run.Error
	}
	_, err := exec(ctx,
		`INSERT INTO engine_runs (
			id, kind, status, observed_at, started_at, completed_at, record_count,
			inserted_first, closed_and_inserted, updated_in_place, closed_no_replacement,
			skipped_duplicate, unchanged, missing_ignored, error
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), string(run.Kind), string(run.Status),
		sqliteTime(run.ObservedAt), sqliteTime(run.StartedAt), completedAt, run.RecordCount,
		run.Summary.InsertedFirst, run.Summary.ClosedAndInserted, run.Summary.UpdatedInPlace,
		run.Summary.ClosedNoReplacement, run.Summary.SkippedDuplicate, run.Summary.Unchanged,
		run.Summary.MissingIgnored, runErr)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CurrentVersion returns the open version for the key.
func (s *SQLiteStore) CurrentVersion(ctx context.Context, businessKey string) (*domain.VersionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions WHERE business_key = ? AND is_current = 1`,
		businessKey)
	version, err := scanSQLiteVersion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("current version for %q: %w", businessKey, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	return &version, nil
}

// CurrentVersionsByKeys returns the open versions for the given keys. Keys
// with no current version are simply absent from the result.
func (s *SQLiteStore) CurrentVersionsByKeys(ctx context.Context, businessKeys []string) (map[string]*domain.VersionRow, error) {
	result := make(map[string]*domain.VersionRow, len(businessKeys))
	if len(businessKeys) == 0 {
		return result, nil
	}

	const chunkSize = 500
	for start := 0; start < len(businessKeys); start += chunkSize {
		end := start + chunkSize
		if end > len(businessKeys) {
			end = len(businessKeys)
		}
		chunk := businessKeys[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, key := range chunk {
			args[i] = key
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+sqliteVersionColumns+` FROM dimension_versions
			 WHERE is_current = 1 AND business_key IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to get current versions: %w", err)
		}
		versions, err := collectSQLiteVersions(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for i := range versions {
			v := versions[i]
			result[v.BusinessKey] = &v
		}
	}
	return result, nil
}

// CurrentVersions returns every open version keyed by business key.
func (s *SQLiteStore) CurrentVersions(ctx context.Context) (map[string]*domain.VersionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions WHERE is_current = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to get current versions: %w", err)
	}
	defer rows.Close()

	versions, err := collectSQLiteVersions(rows)
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
func (s *SQLiteStore) ListCurrent(ctx context.Context, limit, offset int) ([]domain.VersionRow, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+`, COUNT(*) OVER () AS total_count
		 FROM dimension_versions WHERE is_current = 1
		 ORDER BY business_key LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list current versions: %w", err)
	}
	defer rows.Close()
	return collectSQLiteVersionsWithTotal(rows)
}

// VersionAt returns the version whose validity window covers the instant.
func (s *SQLiteStore) VersionAt(ctx context.Context, businessKey string, at time.Time) (*domain.VersionRow, error) {
	atText := sqliteTime(at)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions
		 WHERE business_key = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)`,
		businessKey, atText, atText)
	version, err := scanSQLiteVersion(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("version of %q at %s: %w", businessKey, at.UTC().Format(time.RFC3339Nano), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get version at instant: %w", err)
	}
	return &version, nil
}

// ListAt pages through every version whose window covers the instant.
func (s *SQLiteStore) ListAt(ctx context.Context, at time.Time, limit, offset int) ([]domain.VersionRow, int, error) {
	atText := sqliteTime(at)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+`, COUNT(*) OVER () AS total_count
		 FROM dimension_versions
		 WHERE valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		 ORDER BY business_key LIMIT ? OFFSET ?`,
		atText, atText, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions at instant: %w", err)
	}
	defer rows.Close()
	return collectSQLiteVersionsWithTotal(rows)
}

// History returns the key's full version chain ordered by valid_from.
func (s *SQLiteStore) History(ctx context.Context, businessKey string) ([]domain.VersionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+` FROM dimension_versions WHERE business_key = ? ORDER BY valid_from`,
		businessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()
	return collectSQLiteVersions(rows)
}

// ListVersions pages through every version row ordered by business key and
// valid_from. The second return value is the total number of rows.
func (s *SQLiteStore) ListVersions(ctx context.Context, limit, offset int) ([]domain.VersionRow, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteVersionColumns+`, COUNT(*) OVER () AS total_count
		 FROM dimension_versions
		 ORDER BY business_key, valid_from LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()
	return collectSQLiteVersionsWithTotal(rows)
}

// CountVersions returns the total number of version rows.
func (s *SQLiteStore) CountVersions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dimension_versions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count versions: %w", err)
	}
	return count, nil
}

// RecordRun persists a run row outside a batch transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, run domain.EngineRun) error {
	return execInsertRun(ctx, s.db.ExecContext, run)
}

// GetRun returns one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.EngineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM engine_runs WHERE id = ?`, id.String())
	run, err := scanSQLiteRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns pages through runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]domain.EngineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM engine_runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.EngineRun{}
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastObservedAt returns the high-water observation timestamp over completed
// runs, or nil when nothing has completed yet.
func (s *SQLiteStore) LastObservedAt(ctx context.Context) (*time.Time, error) {
	var observed sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(observed_at) FROM engine_runs WHERE status = ?`,
		string(domain.RunStatusCompleted)).Scan(&observed)
	if err != nil {
		return nil, fmt.Errorf("failed to get last observed timestamp: %w", err)
	}
	if !observed.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTime(observed.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteRunColumns = `id, kind, status, observed_at, started_at, completed_at, record_count,
	inserted_first, closed_and_inserted, updated_in_place, closed_no_replacement,
	skipped_duplicate, unchanged, missing_ignored, error`

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteVersion(sc sqliteScanner) (domain.VersionRow, error) {
	var (
		surrogate       string
		trackedJSON     string
		overwrittenJSON string
		validFrom       string
		validTo         sql.NullString
		isCurrent       int64
		createdAt       string
		updatedAt       string
		row             domain.VersionRow
	)
	err := sc.Scan(&surrogate, &row.BusinessKey, &trackedJSON, &overwrittenJSON,
		&validFrom, &validTo, &isCurrent, &createdAt, &updatedAt)
	if err != nil {
		return domain.VersionRow{}, err
	}
	return buildVersionRow(surrogate, trackedJSON, overwrittenJSON, validFrom, validTo, isCurrent, createdAt, updatedAt, row)
}

// scanSQLiteVersionWithTotal scans a row that carries a COUNT(*) OVER ()
// trailer column.
func scanSQLiteVersionWithTotal(sc sqliteScanner) (domain.VersionRow, int, error) {
	var (
		surrogate       string
		trackedJSON     string
		overwrittenJSON string
		validFrom       string
		validTo         sql.NullString
		isCurrent       int64
		createdAt       string
		updatedAt       string
		total           int
		row             domain.VersionRow
	)
	err := sc.Scan(&surrogate, &row.BusinessKey, &trackedJSON, &overwrittenJSON,
		&validFrom, &validTo, &isCurrent, &createdAt, &updatedAt, &total)
	if err != nil {
		return domain.VersionRow{}, 0, err
	}
	version, err := buildVersionRow(surrogate, trackedJSON, overwrittenJSON, validFrom, validTo, isCurrent, createdAt, updatedAt, row)
	return version, total, err
}

func buildVersionRow(surrogate, trackedJSON, overwrittenJSON, validFrom string, validTo sql.NullString, isCurrent int64, createdAt, updatedAt string, row domain.VersionRow) (domain.VersionRow, error) {
	id, err := uuid.Parse(surrogate)
	if err != nil {
		return domain.VersionRow{}, fmt.Errorf("failed to parse surrogate key %q: %w", surrogate, err)
	}
	row.SurrogateKey = id

	if row.Tracked, err = domain.UnmarshalAttributes([]byte(trackedJSON)); err != nil {
		return domain.VersionRow{}, err
	}
	if row.Overwritten, err = domain.UnmarshalAttributes([]byte(overwrittenJSON)); err != nil {
		return domain.VersionRow{}, err
	}
	if row.ValidFrom, err = parseSQLiteTime(validFrom); err != nil {
		return domain.VersionRow{}, err
	}
	if validTo.Valid {
		to, err := parseSQLiteTime(validTo.String)
		if err != nil {
			return domain.VersionRow{}, err
		}
		row.ValidTo = &to
	}
	row.IsCurrent = isCurrent == 1
	if row.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return domain.VersionRow{}, err
	}
	if row.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return domain.VersionRow{}, err
	}
	return row, nil
}

func collectSQLiteVersions(rows *sql.Rows) ([]domain.VersionRow, error) {
	versions := []domain.VersionRow{}
	for rows.Next() {
		version, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func collectSQLiteVersionsWithTotal(rows *sql.Rows) ([]domain.VersionRow, int, error) {
	versions := []domain.VersionRow{}
	total := 0
	for rows.Next() {
		version, rowTotal, err := scanSQLiteVersionWithTotal(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, version)
		total = rowTotal
	}
	return versions, total, rows.Err()
}

func scanSQLiteRun(sc sqliteScanner) (domain.EngineRun, error) {
	var (
		id          string
		kind        string
		status      string
		observedAt  string
		startedAt   string
		completedAt sql.NullString
		runErr      sql.NullString
		run         domain.EngineRun
	)
	err := sc.Scan(&id, &kind, &status, &observedAt, &startedAt, &completedAt, &run.RecordCount,
		&run.Summary.InsertedFirst, &run.Summary.ClosedAndInserted, &run.Summary.UpdatedInPlace,
		&run.Summary.ClosedNoReplacement, &run.Summary.SkippedDuplicate, &run.Summary.Unchanged,
		&run.Summary.MissingIgnored, &runErr)
	if err != nil {
		return domain.EngineRun{}, err
	}

	runID, err := uuid.Parse(id)
	if err != nil {
		return domain.EngineRun{}, fmt.Errorf("failed to parse run id %q: %w", id, err)
	}
	run.ID = runID
	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	if run.ObservedAt, err = parseSQLiteTime(observedAt); err != nil {
		return domain.EngineRun{}, err
	}
	if run.StartedAt, err = parseSQLiteTime(startedAt); err != nil {
		return domain.EngineRun{}, err
	}
	if completedAt.Valid {
		t, err := parseSQLiteTime(completedAt.String)
		if err != nil {
			return domain.EngineRun{}, err
		}
		run.CompletedAt = &t
	}
	if runErr.Valid {
		msg := runErr.String
		run.Error = &msg
	}
	return run, nil
}
