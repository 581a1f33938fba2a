package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gamerg21/converter/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `id, organization_id, input_file_id, output_file_id, source_format, target_format, status, progress, error_message, created_at, updated_at, started_at, completed_at`

// claimAttempts bounds how often ClaimNextQueued re-selects after losing a
// claim race to another worker.
const claimAttempts = 3

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		input_file_id TEXT NOT NULL,
		output_file_id TEXT,
		source_format TEXT NOT NULL,
		target_format TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS conversion_jobs_status_created_idx ON conversion_jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS job_tasks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES conversion_jobs (id) ON DELETE CASCADE,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_assets (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		format TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_endpoints (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret BYTEA NOT NULL,
		events TEXT[] NOT NULL,
		disabled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL,
		event TEXT NOT NULL,
		delivered BOOLEAN NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

type DatabaseService struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newDatabaseService(db), nil
}

func newDatabaseService(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db, now: time.Now}
}

// Migrate creates the tables the worker needs if they do not exist yet.
func (d *DatabaseService) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// CreateJob inserts job in QUEUED with progress 0 together with its
// convert-main task.
func (d *DatabaseService) CreateJob(ctx context.Context, job *models.ConversionJob) error {
	now := d.now().UTC()
	job.Status = models.StatusQueued
	job.Progress = 0
	job.OutputFileID = nil
	job.ErrorMessage = nil
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversion_jobs (id, organization_id, input_file_id, source_format, target_format, status, progress, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.OrganizationID, job.InputFileID, job.SourceFormat, job.TargetFormat, job.Status, job.Progress, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_tasks (id, job_id, step, status, retry_count, log, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, '', $5, $6)`,
		uuid.NewString(), job.ID, models.MainTaskStep, models.StatusQueued, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (d *DatabaseService) GetJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs of an organization first.
func (d *DatabaseService) ListJobs(ctx context.Context, organizationID string, limit int) ([]models.ConversionJob, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2`,
		organizationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimNextQueued claims the oldest QUEUED job. It returns nil when nothing is
// queued or every candidate was taken by another worker first.
func (d *DatabaseService) ClaimNextQueued(ctx context.Context) (*models.ConversionJob, error) {
	for range claimAttempts {
		var id string
		err := d.db.QueryRowContext(ctx,
			`SELECT id FROM conversion_jobs WHERE status = $1 ORDER BY created_at ASC LIMIT 1`,
			models.StatusQueued,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select queued job: %w", err)
		}

		job, err := d.ClaimJob(ctx, id)
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

// ClaimJob moves job id from QUEUED to PROCESSING with a compare-and-swap
// update. It returns nil when the job was not QUEUED anymore.
func (d *DatabaseService) ClaimJob(ctx context.Context, id string) (*models.ConversionJob, error) {
	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET status = $2, progress = GREATEST(progress, $3), started_at = $4, updated_at = $4 WHERE id = $1 AND status = $5`,
		id, models.StatusProcessing, models.ClaimedProgress, now, models.StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	return d.GetJob(ctx, id)
}

// UpdateProgress raises the progress of an active job. Lower values are
// ignored.
func (d *DatabaseService) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET progress = GREATEST(progress, $2), updated_at = $3 WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')`,
		id, clampProgress(progress), d.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkTerminal writes FINISHED or FAILED, but only over an active job.
// Repeating the same status is a no-op; any other terminal status already
// present yields ErrTerminalConflict.
func (d *DatabaseService) MarkTerminal(ctx context.Context, id string, upd models.TerminalUpdate) error {
	if err := validateTerminal(upd); err != nil {
		return err
	}

	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET status = $2, progress = $3, error_message = $4, output_file_id = $5, completed_at = $6, updated_at = $6 WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')`,
		id, upd.Status, models.DoneProgress, nullString(upd.ErrorMessage), nullString(upd.OutputFileID), now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job terminal: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read terminal result: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := d.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return terminalOutcome(id, current, upd.Status)
}

// CancelJob cancels an active job. It reports whether this call made the
// transition; canceling a CANCELED job is a no-op.
func (d *DatabaseService) CancelJob(ctx context.Context, id string) (bool, error) {
	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE conversion_jobs SET status = $2, progress = $3, error_message = $4, completed_at = $5, updated_at = $5 WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')`,
		id, models.StatusCanceled, models.DoneProgress, models.CanceledByUser, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	current, err := d.currentStatus(ctx, id)
	if err != nil {
		return false, err
	}
	if current == models.StatusCanceled {
		return false, nil
	}
	return false, fmt.Errorf("%w: cannot cancel %s job %s", models.ErrInvalidTransition, current, id)
}

// DeleteJob removes a terminal job and its tasks.
func (d *DatabaseService) DeleteJob(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM conversion_jobs WHERE id = $1 AND status IN ('FINISHED', 'FAILED', 'CANCELED')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := d.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot delete %s job %s", models.ErrInvalidTransition, current, id)
}

// DeleteFinished removes every terminal job of an organization and returns
// the removed jobs so their outputs can be cleaned up.
func (d *DatabaseService) DeleteFinished(ctx context.Context, organizationID string) ([]models.ConversionJob, error) {
	rows, err := d.db.QueryContext(ctx,
		`DELETE FROM conversion_jobs WHERE organization_id = $1 AND status IN ('FINISHED', 'FAILED', 'CANCELED') RETURNING `+jobColumns,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListStaleProcessing returns PROCESSING jobs started before cutoff.
func (d *DatabaseService) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.ConversionJob, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM conversion_jobs WHERE status = $1 AND started_at < $2 ORDER BY started_at ASC`,
		models.StatusProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func (d *DatabaseService) GetTask(ctx context.Context, jobID, step string) (*models.JobTask, error) {
	var t models.JobTask
	err := d.db.QueryRowContext(ctx,
		`SELECT id, job_id, step, status, retry_count, log, created_at, updated_at FROM job_tasks WHERE job_id = $1 AND step = $2`,
		jobID, step,
	).Scan(&t.ID, &t.JobID, &t.Step, &t.Status, &t.RetryCount, &t.Log, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no %s task for %s", models.ErrJobNotFound, step, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

func (d *DatabaseService) UpdateTask(ctx context.Context, task *models.JobTask) error {
	task.UpdatedAt = d.now().UTC()
	_, err := d.db.ExecContext(ctx,
		`UPDATE job_tasks SET status = $2, retry_count = $3, log = $4, updated_at = $5 WHERE id = $1`,
		task.ID, task.Status, task.RetryCount, task.Log, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

func (d *DatabaseService) CreateFileAsset(ctx context.Context, f *models.FileAsset) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = d.now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO file_assets (id, organization_id, filename, mime_type, size_bytes, format, storage_key, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.OrganizationID, f.Filename, f.MimeType, f.SizeBytes, f.Format, f.StorageKey, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert file asset: %w", err)
	}
	return nil
}

func (d *DatabaseService) GetFileAsset(ctx context.Context, id string) (*models.FileAsset, error) {
	var f models.FileAsset
	err := d.db.QueryRowContext(ctx,
		`SELECT id, organization_id, filename, mime_type, size_bytes, format, storage_key, created_at FROM file_assets WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.OrganizationID, &f.Filename, &f.MimeType, &f.SizeBytes, &f.Format, &f.StorageKey, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file asset: %w", err)
	}
	return &f, nil
}

// DeleteFileAsset removes a file record. A missing record is not an error.
func (d *DatabaseService) DeleteFileAsset(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM file_assets WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete file asset: %w", err)
	}
	return nil
}

func (d *DatabaseService) CreateWebhookEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints (id, organization_id, url, secret, events, disabled_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ep.ID, ep.OrganizationID, ep.URL, ep.Secret, pq.Array(ep.Events), ep.DisabledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook endpoint: %w", err)
	}
	return nil
}

// ListWebhookEndpoints returns the enabled endpoints of an organization that
// subscribe to event.
func (d *DatabaseService) ListWebhookEndpoints(ctx context.Context, organizationID, event string) ([]models.WebhookEndpoint, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, organization_id, url, secret, events, disabled_at FROM webhook_endpoints WHERE organization_id = $1 AND disabled_at IS NULL AND $2 = ANY(events) ORDER BY created_at ASC`,
		organizationID, event,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.WebhookEndpoint
	for rows.Next() {
		var (
			ep       models.WebhookEndpoint
			disabled sql.NullTime
		)
		if err := rows.Scan(&ep.ID, &ep.OrganizationID, &ep.URL, &ep.Secret, pq.Array(&ep.Events), &disabled); err != nil {
			return nil, fmt.Errorf("failed to scan webhook endpoint: %w", err)
		}
		if disabled.Valid {
			ep.DisabledAt = &disabled.Time
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook endpoints: %w", err)
	}
	return endpoints, nil
}

func (d *DatabaseService) RecordDelivery(ctx context.Context, del *models.WebhookDelivery) error {
	if del.ID == "" {
		del.ID = uuid.NewString()
	}
	if del.CreatedAt.IsZero() {
		del.CreatedAt = d.now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, endpoint_id, event, delivered, attempts, last_error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		del.ID, del.EndpointID, del.Event, del.Delivered, del.Attempts, del.LastError, del.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func (d *DatabaseService) currentStatus(ctx context.Context, id string) (models.JobStatus, error) {
	var status models.JobStatus
	err := d.db.QueryRowContext(ctx, `SELECT status FROM conversion_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ConversionJob, error) {
	var (
		job                    models.ConversionJob
		outputFileID, errorMsg sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.OrganizationID, &job.InputFileID, &outputFileID,
		&job.SourceFormat, &job.TargetFormat, &job.Status, &job.Progress, &errorMsg,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if outputFileID.Valid {
		job.OutputFileID = &outputFileID.String
	}
	if errorMsg.Valid {
		job.ErrorMessage = &errorMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]models.ConversionJob, error) {
	defer rows.Close()

	var jobs []models.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
