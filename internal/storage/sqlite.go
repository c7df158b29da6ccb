package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed-width UTC layout so that string ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding ingestion runs, seed records and eval jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "seedload.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// Batch writes fan out concurrently and queue on this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime accepts both the fixed-width form written by formatTime and the
// RFC3339Nano form database/sql produces when the driver returns a
// time.Time for a DATETIME column, which drops trailing fraction zeros.
func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Runs ---

// CreateRun inserts a new run. Empty ID and Status default to a fresh UUID and STARTING.
func (s *Store) CreateRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = RunStarting
	}
	if !r.Status.Valid() {
		return Run{}, fmt.Errorf("unknown run status %q", r.Status)
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_runs (id, project_id, file_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.FileName, string(r.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var status, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.FileName, &status, &createdAt, &updatedAt); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	var err error
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Run{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Run{}, err
	}
	return r, nil
}

const runColumns = `id, project_id, file_name, status, created_at, updated_at`

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *Store) GetRunStatus(ctx context.Context, id string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM ingestion_runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return RunStatus(status), nil
}

// UpdateRunStatus moves a run forward through its lifecycle. Setting the
// current status again is a no-op; leaving a terminal status returns
// ErrTerminalRun and moving backwards returns ErrInvalidTransition.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus) (Run, error) {
	if !status.Valid() {
		return Run{}, fmt.Errorf("unknown run status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}

	if cur.Status == status {
		return cur, tx.Commit()
	}
	if cur.Status.Terminal() {
		return Run{}, fmt.Errorf("%w: %s -> %s", ErrTerminalRun, cur.Status, status)
	}
	if status.rank() < cur.Status.rank() {
		return Run{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE ingestion_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), formatTime(now), id, string(cur.Status))
	if err != nil {
		return Run{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Run{}, err
	}
	if n != 1 {
		return Run{}, fmt.Errorf("%w: run %s changed concurrently", ErrInvalidTransition, id)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("committing status update: %w", err)
	}

	cur.Status = status
	cur.UpdatedAt = now
	return cur, nil
}

// ListRuns returns the project's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, projectID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs
		WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListRecentRuns returns the most recently created runs across all projects.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Seed records ---

// CreateSeedRecord stores one record and assigns its ID.
func (s *Store) CreateSeedRecord(ctx context.Context, rec NewSeedRecord) (SeedRecord, error) {
	if !json.Valid(rec.Payload) {
		return SeedRecord{}, fmt.Errorf("payload is not valid JSON")
	}
	out := SeedRecord{
		ID:         uuid.New().String(),
		ProjectID:  rec.ProjectID,
		SourceFile: rec.SourceFile,
		Payload:    rec.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seed_records (id, project_id, source_file, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		out.ID, out.ProjectID, out.SourceFile, string(out.Payload), formatTime(out.CreatedAt),
	)
	if err != nil {
		return SeedRecord{}, err
	}
	return out, nil
}

// ListRecordsByProject returns every record of the project in creation order.
func (s *Store) ListRecordsByProject(ctx context.Context, projectID string) ([]SeedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, source_file, payload, created_at
		FROM seed_records WHERE project_id = ? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SeedRecord
	for rows.Next() {
		var r SeedRecord
		var payload, createdAt string
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.SourceFile, &payload, &createdAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountRecords counts records of a project produced from one source file.
func (s *Store) CountRecords(ctx context.Context, projectID, sourceFile string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seed_records WHERE project_id = ? AND source_file = ?`,
		projectID, sourceFile).Scan(&n)
	return n, err
}

// --- Eval jobs ---

func (s *Store) CreateEvalJob(ctx context.Context, j EvalJob) (EvalJob, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = EvalPending
	}
	if !j.Status.Valid() {
		return EvalJob{}, fmt.Errorf("unknown eval status %q", j.Status)
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_jobs (id, project_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.Name, string(j.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return EvalJob{}, err
	}
	return j, nil
}

func scanEvalJob(row rowScanner) (EvalJob, error) {
	var j EvalJob
	var status, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.ProjectID, &j.Name, &status, &createdAt, &updatedAt); err != nil {
		return EvalJob{}, err
	}
	j.Status = EvalStatus(status)
	var err error
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return EvalJob{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return EvalJob{}, err
	}
	return j, nil
}

const evalColumns = `id, project_id, name, status, created_at, updated_at`

// UpdateEvalJobStatus sets the job status and bumps updated_at.
func (s *Store) UpdateEvalJobStatus(ctx context.Context, id string, status EvalStatus) (EvalJob, error) {
	if !status.Valid() {
		return EvalJob{}, fmt.Errorf("unknown eval status %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE eval_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(now), id)
	if err != nil {
		return EvalJob{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return EvalJob{}, err
	}
	if n == 0 {
		return EvalJob{}, ErrNotFound
	}
	return scanEvalJob(s.db.QueryRowContext(ctx, `SELECT `+evalColumns+` FROM eval_jobs WHERE id = ?`, id))
}

// ListEvalJobs returns the project's eval jobs, oldest first.
func (s *Store) ListEvalJobs(ctx context.Context, projectID string) ([]EvalJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evalColumns+` FROM eval_jobs
		WHERE project_id = ? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []EvalJob
	for rows.Next() {
		j, err := scanEvalJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}
