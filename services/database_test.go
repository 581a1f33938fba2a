package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/gamerg21/converter/models"

	"github.com/DATA-DOG/go-sqlmock"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockDatabase(t *testing.T) (*DatabaseService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := newDatabaseService(db)
	svc.now = func() time.Time { return fixedNow }
	return svc, mock
}

func jobRow(id string, status models.JobStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "input_file_id", "output_file_id", "source_format", "target_format",
		"status", "progress", "error_message", "created_at", "updated_at", "started_at", "completed_at",
	}).AddRow(id, "org-1", "file-1", nil, "png", "jpg", string(status), 15, nil, fixedNow, fixedNow, fixedNow, nil)
}

func TestDatabaseService_CreateJob(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO conversion_jobs`)).
		WithArgs("job-1", "org-1", "file-1", "png", "jpg", "QUEUED", 0, fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_tasks`)).
		WithArgs(sqlmock.AnyArg(), "job-1", models.MainTaskStep, "QUEUED", fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.ConversionJob{ID: "job-1", OrganizationID: "org-1", InputFileID: "file-1", SourceFormat: "png", TargetFormat: "jpg"}
	if err := svc.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != models.StatusQueued || job.Progress != 0 {
		t.Fatalf("unexpected job state: %s/%d", job.Status, job.Progress)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_CreateJobRollsBackWithoutTask(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO conversion_jobs`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO job_tasks`)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	job := &models.ConversionJob{ID: "job-1", OrganizationID: "org-1", InputFileID: "file-1", SourceFormat: "png", TargetFormat: "jpg"}
	if err := svc.CreateJob(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_ClaimJobLostRace(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversion_jobs SET status = $2, progress = GREATEST(progress, $3), started_at = $4, updated_at = $4 WHERE id = $1 AND status = $5`)).
		WithArgs("job-1", "PROCESSING", models.ClaimedProgress, fixedNow, "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	job, err := svc.ClaimJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no claim, got %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_ClaimNextQueued(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM conversion_jobs WHERE status = $1 ORDER BY created_at ASC LIMIT 1`)).
		WithArgs("QUEUED").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversion_jobs SET status = $2`)).
		WithArgs("job-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversion_jobs WHERE id = $1`)).
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", models.StatusProcessing))

	job, err := svc.ClaimNextQueued(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextQueued failed: %v", err)
	}
	if job == nil || job.ID != "job-1" || job.Status != models.StatusProcessing {
		t.Fatalf("unexpected claim: %+v", job)
	}
	if job.StartedAt == nil || job.OutputFileID != nil || job.ErrorMessage != nil {
		t.Fatalf("unexpected nullable fields: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_ClaimNextQueuedEmpty(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM conversion_jobs`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := svc.ClaimNextQueued(context.Background())
	if err != nil || job != nil {
		t.Fatalf("expected nil, nil; got %v, %v", job, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_MarkTerminal(t *testing.T) {
	tests := []struct {
		name    string
		current string
		want    error
	}{
		{name: "same status is a no-op", current: "FINISHED", want: nil},
		{name: "different terminal status conflicts", current: "CANCELED", want: models.ErrTerminalConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := newMockDatabase(t)

			mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND status IN ('QUEUED', 'PROCESSING')`)).
				WithArgs("job-1", "FINISHED", models.DoneProgress, nil, "out-1", fixedNow).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM conversion_jobs WHERE id = $1`)).
				WithArgs("job-1").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tt.current))

			err := svc.MarkTerminal(context.Background(), "job-1", models.TerminalUpdate{
				Status:       models.StatusFinished,
				OutputFileID: "out-1",
			})
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestDatabaseService_MarkTerminalApplied(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversion_jobs SET status = $2, progress = $3`)).
		WithArgs("job-1", "FAILED", models.DoneProgress, "CONVERSION_FAILED: bad input", nil, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.MarkTerminal(context.Background(), "job-1", models.TerminalUpdate{
		Status:       models.StatusFailed,
		ErrorMessage: "CONVERSION_FAILED: bad input",
	})
	if err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_CancelJob(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversion_jobs SET status = $2`)).
		WithArgs("job-1", "CANCELED", models.DoneProgress, models.CanceledByUser, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM conversion_jobs`)).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FINISHED"))

	changed, err := svc.CancelJob(context.Background(), "job-1")
	if changed || !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("CancelJob = %v, %v; want ErrInvalidTransition", changed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_GetJobNotFound(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversion_jobs WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := svc.GetJob(context.Background(), "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestDatabaseService_ListWebhookEndpoints(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM webhook_endpoints WHERE organization_id = $1 AND disabled_at IS NULL AND $2 = ANY(events)`)).
		WithArgs("org-1", models.EventJobFinished).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "url", "secret", "events", "disabled_at"}).
			AddRow("ep-1", "org-1", "https://hooks.example.com/a", []byte("s3cret"), "{job.finished,job.failed}", nil))

	eps, err := svc.ListWebhookEndpoints(context.Background(), "org-1", models.EventJobFinished)
	if err != nil {
		t.Fatalf("ListWebhookEndpoints failed: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(eps))
	}
	if string(eps[0].Secret) != "s3cret" || len(eps[0].Events) != 2 || eps[0].Events[1] != models.EventJobFailed {
		t.Fatalf("unexpected endpoint: %+v", eps[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_DeleteFinishedReturnsRemovedJobs(t *testing.T) {
	svc, mock := newMockDatabase(t)

	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM conversion_jobs WHERE organization_id = $1 AND status IN ('FINISHED', 'FAILED', 'CANCELED') RETURNING`)).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "input_file_id", "output_file_id", "source_format", "target_format",
			"status", "progress", "error_message", "created_at", "updated_at", "started_at", "completed_at",
		}).AddRow("job-1", "org-1", "file-1", "out-1", "png", "jpg", "FINISHED", 100, nil, fixedNow, fixedNow, fixedNow, fixedNow))

	removed, err := svc.DeleteFinished(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("DeleteFinished failed: %v", err)
	}
	if len(removed) != 1 || removed[0].OutputFileID == nil || *removed[0].OutputFileID != "out-1" {
		t.Fatalf("unexpected removed jobs: %+v", removed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
