package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"style-pipeline/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  owner TEXT NOT NULL DEFAULT '',
  input TEXT NOT NULL,
  output TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  completed_at INTEGER,
  failed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

const sqliteColumns = `id, type, status, progress, owner, input, output, error_message, created_at, updated_at, completed_at, failed_at`

// SQLite persists jobs in a single-file database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, job models.Job) (string, error) {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+sqliteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		string(job.Status),
		job.Progress,
		job.Owner,
		string(input),
		nullableRaw(job.Output),
		nullableText(job.Error),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		nullableMillis(job.CompletedAt),
		nullableMillis(job.FailedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

func (s *SQLite) Update(ctx context.Context, id string, patch models.JobPatch) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	current, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return models.Job{}, err
	}
	next, err := current.Apply(patch, s.now())
	if err != nil {
		return models.Job{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
         SET status = ?, progress = ?, output = ?, error_message = ?, updated_at = ?, completed_at = ?, failed_at = ?
         WHERE id = ?`,
		string(next.Status),
		next.Progress,
		nullableRaw(next.Output),
		nullableText(next.Error),
		next.UpdatedAt.UnixMilli(),
		nullableMillis(next.CompletedAt),
		nullableMillis(next.FailedAt),
		id,
	)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLite) List(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) Prune(ctx context.Context, before time.Time) ([]models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	cutoff := before.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM jobs
         WHERE (completed_at IS NOT NULL AND completed_at < ?) OR (failed_at IS NOT NULL AND failed_at < ?)`,
		cutoff, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select prunable jobs: %w", err)
	}
	var pruned []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pruned = append(pruned, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range pruned {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
			return nil, fmt.Errorf("delete job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                   models.Job
		status, input         string
		output, errMsg        sql.NullString
		createdMs, updatedMs  int64
		completedMs, failedMs sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Type, &status, &job.Progress, &job.Owner, &input, &output, &errMsg,
		&createdMs, &updatedMs, &completedMs, &failedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(input), &job.Input); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
	}
	job.Status = models.JobStatus(status)
	if output.Valid {
		job.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.CompletedAt = millisPtr(completedMs)
	job.FailedAt = millisPtr(failedMs)
	return job, nil
}

func nullableRaw(v json.RawMessage) any {
	if v == nil {
		return nil
	}
	return string(v)
}

func nullableText(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
