package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gamerg21/converter/models"
)

func newQueuedJob(t *testing.T, s *MemoryStore, id string) *models.ConversionJob {
	t.Helper()

	job := &models.ConversionJob{
		ID:             id,
		OrganizationID: "org-1",
		InputFileID:    "file-" + id,
		SourceFormat:   "png",
		TargetFormat:   "jpg",
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob(%s) failed: %v", id, err)
	}
	return job
}

func TestMemoryStore_CreateJob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newQueuedJob(t, s, "a")

	job, err := s.GetJob(ctx, "a")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != models.StatusQueued || job.Progress != 0 {
		t.Fatalf("got %s/%d, want QUEUED/0", job.Status, job.Progress)
	}

	task, err := s.GetTask(ctx, "a", models.MainTaskStep)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.RetryCount != 0 || task.Status != models.StatusQueued {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestMemoryStore_ConcurrentClaimSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	newQueuedJob(t, s, "only")

	const callers = 32
	var (
		wins  atomic.Int32
		nones atomic.Int32
		wg    sync.WaitGroup
	)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				job *models.ConversionJob
				err error
			)
			if i%2 == 0 {
				job, err = s.ClaimNextQueued(context.Background())
			} else {
				job, err = s.ClaimJob(context.Background(), "only")
			}
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if job != nil {
				wins.Add(1)
			} else {
				nones.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || nones.Load() != callers-1 {
		t.Fatalf("wins=%d nones=%d, want 1/%d", wins.Load(), nones.Load(), callers-1)
	}

	job, _ := s.GetJob(context.Background(), "only")
	if job.Status != models.StatusProcessing || job.Progress != models.ClaimedProgress || job.StartedAt == nil {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
}

func TestMemoryStore_ClaimNextQueuedOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	for i := range 5 {
		newQueuedJob(t, s, fmt.Sprintf("job-%d", i))
	}

	for i := range 5 {
		job, err := s.ClaimNextQueued(context.Background())
		if err != nil {
			t.Fatalf("ClaimNextQueued failed: %v", err)
		}
		if want := fmt.Sprintf("job-%d", i); job == nil || job.ID != want {
			t.Fatalf("claim %d = %v, want %s", i, job, want)
		}
	}

	job, err := s.ClaimNextQueued(context.Background())
	if err != nil || job != nil {
		t.Fatalf("expected empty queue, got %v, %v", job, err)
	}
}

func TestMemoryStore_MarkTerminalIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newQueuedJob(t, s, "a")
	if _, err := s.ClaimJob(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	upd := models.TerminalUpdate{Status: models.StatusFinished, OutputFileID: "out-1"}
	if err := s.MarkTerminal(ctx, "a", upd); err != nil {
		t.Fatalf("first MarkTerminal failed: %v", err)
	}
	first, _ := s.GetJob(ctx, "a")

	if err := s.MarkTerminal(ctx, "a", upd); err != nil {
		t.Fatalf("second MarkTerminal failed: %v", err)
	}
	second, _ := s.GetJob(ctx, "a")

	if !second.UpdatedAt.Equal(first.UpdatedAt) || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatal("second MarkTerminal modified the record")
	}
	if second.Progress != models.DoneProgress || *second.OutputFileID != "out-1" || second.ErrorMessage != nil {
		t.Fatalf("unexpected finished job: %+v", second)
	}
}

func TestMemoryStore_MarkTerminalNeverOverwritesCanceled(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newQueuedJob(t, s, "a")
	if _, err := s.ClaimJob(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	changed, err := s.CancelJob(ctx, "a")
	if err != nil || !changed {
		t.Fatalf("CancelJob = %v, %v", changed, err)
	}

	err = s.MarkTerminal(ctx, "a", models.TerminalUpdate{Status: models.StatusFinished, OutputFileID: "out-1"})
	if !errors.Is(err, models.ErrTerminalConflict) {
		t.Fatalf("expected ErrTerminalConflict, got %v", err)
	}

	job, _ := s.GetJob(ctx, "a")
	if job.Status != models.StatusCanceled || job.OutputFileID != nil {
		t.Fatalf("canceled job was overwritten: %+v", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != models.CanceledByUser {
		t.Fatalf("unexpected error message: %v", job.ErrorMessage)
	}
}

func TestMemoryStore_CancelRules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newQueuedJob(t, s, "queued")
	newQueuedJob(t, s, "failed")

	if changed, err := s.CancelJob(ctx, "queued"); err != nil || !changed {
		t.Fatalf("cancel queued = %v, %v", changed, err)
	}
	if changed, err := s.CancelJob(ctx, "queued"); err != nil || changed {
		t.Fatalf("second cancel = %v, %v, want no-op", changed, err)
	}

	if err := s.MarkTerminal(ctx, "failed", models.TerminalUpdate{Status: models.StatusFailed, ErrorMessage: "boom"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CancelJob(ctx, "failed"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("cancel failed job: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.CancelJob(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Fatalf("cancel missing job: got %v, want ErrJobNotFound", err)
	}
}

func TestMemoryStore_ProgressMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newQueuedJob(t, s, "a")
	if _, err := s.ClaimJob(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	for _, p := range []int{40, 20, 70, 10} {
		if err := s.UpdateProgress(ctx, "a", p); err != nil {
			t.Fatal(err)
		}
	}
	job, _ := s.GetJob(ctx, "a")
	if job.Progress != 70 {
		t.Fatalf("progress = %d, want 70", job.Progress)
	}

	if err := s.MarkTerminal(ctx, "a", models.TerminalUpdate{Status: models.StatusFailed, ErrorMessage: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(ctx, "a", 5); err != nil {
		t.Fatal(err)
	}
	job, _ = s.GetJob(ctx, "a")
	if job.Progress != models.DoneProgress {
		t.Fatalf("terminal progress = %d, want 100", job.Progress)
	}
}

func TestMemoryStore_MarkTerminalValidation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newQueuedJob(t, s, "a")

	tests := []struct {
		name string
		upd  models.TerminalUpdate
		want error
	}{
		{"finished without output", models.TerminalUpdate{Status: models.StatusFinished}, models.ErrInvalidRequest},
		{"failed without message", models.TerminalUpdate{Status: models.StatusFailed}, models.ErrInvalidRequest},
		{"processing is not terminal", models.TerminalUpdate{Status: models.StatusProcessing}, models.ErrInvalidTransition},
		{"cancel goes through CancelJob", models.TerminalUpdate{Status: models.StatusCanceled, ErrorMessage: "x"}, models.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.MarkTerminal(ctx, "a", tt.upd); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMemoryStore_ListAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := range 3 {
		newQueuedJob(t, s, fmt.Sprintf("job-%d", i))
	}

	jobs, err := s.ListJobs(ctx, "org-1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 || jobs[0].ID != "job-2" || jobs[2].ID != "job-0" {
		t.Fatalf("expected newest first, got %v", jobs)
	}

	if err := s.DeleteJob(ctx, "job-0"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("deleting queued job: got %v", err)
	}

	if _, err := s.CancelJob(ctx, "job-0"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CancelJob(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteJob(ctx, "job-0"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}

	removed, err := s.DeleteFinished(ctx, "org-1")
	if err != nil || len(removed) != 1 || removed[0].ID != "job-1" {
		t.Fatalf("DeleteFinished = %v, %v, want job-1", removed, err)
	}

	jobs, _ = s.ListJobs(ctx, "org-1", 50)
	if len(jobs) != 1 || jobs[0].ID != "job-2" {
		t.Fatalf("unexpected remaining jobs: %v", jobs)
	}
}

func TestMemoryStore_WebhookEndpoints(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, ep := range []models.WebhookEndpoint{
		{ID: "a", OrganizationID: "org-1", Events: []string{models.EventJobFinished}},
		{ID: "b", OrganizationID: "org-1", Events: []string{models.EventJobFailed}},
		{ID: "c", OrganizationID: "org-2", Events: []string{models.EventJobFinished}},
	} {
		if err := s.CreateWebhookEndpoint(ctx, &ep); err != nil {
			t.Fatal(err)
		}
	}

	eps, err := s.ListWebhookEndpoints(ctx, "org-1", models.EventJobFinished)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].ID != "a" {
		t.Fatalf("unexpected endpoints: %v", eps)
	}
}
