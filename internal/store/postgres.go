package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"style-pipeline/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const postgresColumns = `id, type, status, progress, owner, input, output, error, created_at, updated_at, completed_at, failed_at`

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// RunMigrations executes the embedded SQL migrations in file-name order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, job models.Job) (string, error) {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+postgresColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.Type, string(job.Status), job.Progress, job.Owner, input,
		rawPtr(job.Output), emptyToNil(job.Error), job.CreatedAt, job.UpdatedAt, job.CompletedAt, job.FailedAt)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM jobs WHERE id = $1`, id)
	return scanPostgresJob(row)
}

// Update locks the row for the read-modify-write so concurrent writers serialise.
func (s *Postgres) Update(ctx context.Context, id string, patch models.JobPatch) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current, err := scanPostgresJob(tx.QueryRow(ctx, `SELECT `+postgresColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, err
	}
	next, err := current.Apply(patch, time.Now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = $3, output = $4, error = $5, updated_at = $6, completed_at = $7, failed_at = $8
		WHERE id = $1
	`, id, string(next.Status), next.Progress, rawPtr(next.Output), emptyToNil(next.Error),
		next.UpdatedAt, next.CompletedAt, next.FailedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Postgres) List(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postgresColumns+` FROM jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) Prune(ctx context.Context, before time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM jobs
		WHERE (completed_at IS NOT NULL AND completed_at < $1) OR (failed_at IS NOT NULL AND failed_at < $1)
		RETURNING `+postgresColumns, before)
	if err != nil {
		return nil, fmt.Errorf("prune jobs: %w", err)
	}
	defer rows.Close()

	var pruned []models.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		pruned = append(pruned, job)
	}
	return pruned, rows.Err()
}

func scanPostgresJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		status    string
		input     []byte
		output    pgtype.Text
		lastErr   pgtype.Text
		completed *time.Time
		failed    *time.Time
	)
	if err := row.Scan(&job.ID, &job.Type, &status, &job.Progress, &job.Owner, &input, &output, &lastErr,
		&job.CreatedAt, &job.UpdatedAt, &completed, &failed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(input, &job.Input); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
	}
	job.Status = models.JobStatus(status)
	if output.Valid {
		job.Output = json.RawMessage(output.String)
	}
	if p := textPtr(lastErr); p != nil {
		job.Error = *p
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.CompletedAt = utcPtr(completed)
	job.FailedAt = utcPtr(failed)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func rawPtr(v json.RawMessage) *string {
	if v == nil {
		return nil
	}
	s := string(v)
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
