// ABOUTME: Control-plane SQLite store holding organizations and the job queue table
// ABOUTME: Shared by all processes; tenant data never lives here

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrDuplicateJob is returned when a live job with the same idempotency key exists
var ErrDuplicateJob = errors.New("job already queued")

// ErrDuplicateOrganization is returned when the organization id or slug is taken
var ErrDuplicateOrganization = errors.New("organization already exists")

// OrganizationStatus reports whether a tenant is ready to serve traffic
type OrganizationStatus string

const (
	OrganizationActive       OrganizationStatus = "active"
	OrganizationProvisioning OrganizationStatus = "provisioning"
)

// Organization is one tenant
type Organization struct {
	ID        string
	Slug      string
	Name      string
	Status    OrganizationStatus
	CreatedAt time.Time
}

// JobStatus is the lifecycle state of a queued job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of background work
type Job struct {
	ID             string
	Name           string
	Payload        []byte
	IdempotencyKey string
	Status         JobStatus
	Attempts       int
	LastError      string
	RunAfter       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ControlStore persists organizations and jobs
type ControlStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewControlStore opens the control-plane database at path
func NewControlStore(path string) (*ControlStore, error) {
	logger := slog.Default().With("component", "control-store")

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &ControlStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("control store initialized", "path", path)
	return s, nil
}

func (s *ControlStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS organizations (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (status IN ('active', 'provisioning'))
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			payload         BLOB NOT NULL,
			idempotency_key TEXT,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			run_after       TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'running', 'completed', 'failed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency_live
			ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL AND status IN ('pending', 'running');
		CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, run_after);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *ControlStore) Close() error {
	return s.db.Close()
}

// CreateOrganization inserts a tenant record
func (s *ControlStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	if org.Status == "" {
		org.Status = OrganizationProvisioning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, slug, name, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, org.ID, org.Slug, org.Name, string(org.Status), formatTime(org.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateOrganization
		}
		return fmt.Errorf("inserting organization: %w", err)
	}
	return nil
}

func (s *ControlStore) getOrganizationWhere(ctx context.Context, where, arg string) (*Organization, error) {
	var org Organization
	var status, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, status, created_at FROM organizations WHERE `+where, arg,
	).Scan(&org.ID, &org.Slug, &org.Name, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}
	org.Status = OrganizationStatus(status)
	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &org, nil
}

// GetOrganization retrieves a tenant by ID
func (s *ControlStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return s.getOrganizationWhere(ctx, "id = ?", id)
}

// GetOrganizationBySlug retrieves a tenant by slug
func (s *ControlStore) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.getOrganizationWhere(ctx, "slug = ?", slug)
}

// ListOrganizations returns tenants with the given status, oldest first
func (s *ControlStore) ListOrganizations(ctx context.Context, status OrganizationStatus) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, status, created_at
		FROM organizations
		WHERE status = ?
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		var org Organization
		var st, createdAt string
		if err := rows.Scan(&org.ID, &org.Slug, &org.Name, &st, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning organization row: %w", err)
		}
		org.Status = OrganizationStatus(st)
		if org.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		orgs = append(orgs, &org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating organization rows: %w", err)
	}
	return orgs, nil
}

// UpdateOrganizationStatus moves a tenant between provisioning and active
func (s *ControlStore) UpdateOrganizationStatus(ctx context.Context, id string, status OrganizationStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE organizations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating organization status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertJob adds a pending job.
// Returns ErrDuplicateJob if a pending or running job already holds the idempotency key.
func (s *ControlStore) InsertJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.RunAfter.IsZero() {
		job.RunAfter = job.CreatedAt
	}
	job.Status = JobPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, payload, idempotency_key, status, attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		job.ID,
		job.Name,
		job.Payload,
		nullString(job.IdempotencyKey),
		string(job.Status),
		formatTime(job.RunAfter),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

const jobColumns = `id, name, payload, idempotency_key, status, attempts, last_error, run_after, created_at, updated_at`

func scanJob(row scanner) (*Job, error) {
	var job Job
	var key, lastError sql.NullString
	var status, runAfter, createdAt, updatedAt string

	if err := row.Scan(&job.ID, &job.Name, &job.Payload, &key, &status, &job.Attempts,
		&lastError, &runAfter, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.IdempotencyKey = fromNull(key)
	job.Status = JobStatus(status)
	job.LastError = fromNull(lastError)

	var err error
	if job.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after: %w", err)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID
func (s *ControlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ListJobsByKey returns every job ever queued under an idempotency key, oldest first
func (s *ControlStore) ListJobsByKey(ctx context.Context, key string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ? ORDER BY created_at ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return jobs, nil
}

// ClaimJob marks the oldest ready job as running and returns it. A job left
// running for longer than lease is treated as abandoned and claimed again;
// a zero lease never reclaims.
// Returns ErrNotFound when nothing is ready.
func (s *ControlStore) ClaimJob(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE (status = 'pending' AND run_after <= ?)`
	args := []any{formatTime(now)}
	if lease > 0 {
		query += ` OR (status = 'running' AND updated_at <= ?)`
		args = append(args, formatTime(now.Add(-lease)))
	}
	query += ` ORDER BY run_after ASC, created_at ASC LIMIT 1`

	for {
		job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying ready job: %w", err)
		}

		// attempts changes on every claim, so a concurrent claim of the same row loses here
		result, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = ? AND attempts = ?
		`, formatTime(now), job.ID, string(job.Status), job.Attempts)
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			continue
		}

		job.Status = JobRunning
		job.Attempts++
		job.UpdatedAt = now
		return job, nil
	}
}

// CompleteJob marks a running job as done
func (s *ControlStore) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobCompleted, "", time.Time{})
}

// RetryJob returns a running job to pending, to run again after runAfter
func (s *ControlStore) RetryJob(ctx context.Context, id, lastError string, runAfter time.Time) error {
	return s.finishJob(ctx, id, JobPending, lastError, runAfter)
}

// FailJob marks a running job as terminally failed
func (s *ControlStore) FailJob(ctx context.Context, id, lastError string) error {
	return s.finishJob(ctx, id, JobFailed, lastError, time.Time{})
}

func (s *ControlStore) finishJob(ctx context.Context, id string, status JobStatus, lastError string, runAfter time.Time) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), nullString(lastError), formatTime(now), id}
	if !runAfter.IsZero() {
		query = `UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, run_after = ? WHERE id = ?`
		args = []any{string(status), nullString(lastError), formatTime(now), formatTime(runAfter), id}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
