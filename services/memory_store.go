package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gamerg21/converter/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process job store with the same transition rules as
// DatabaseService. It backs the tests.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.ConversionJob
	tasks      map[string]*models.JobTask
	files      map[string]*models.FileAsset
	endpoints  []models.WebhookEndpoint
	deliveries []models.WebhookDelivery
	seq        int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.ConversionJob),
		tasks: make(map[string]*models.JobTask),
		files: make(map[string]*models.FileAsset),
		now:   time.Now,
	}
}

// stamp returns a strictly increasing creation time so ordering by
// CreatedAt stays deterministic when jobs are created in the same instant.
func (m *MemoryStore) stamp() time.Time {
	m.seq++
	return m.now().UTC().Add(time.Duration(m.seq))
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.ConversionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: duplicate job id %s", models.ErrInvalidRequest, job.ID)
	}

	now := m.stamp()
	job.Status = models.StatusQueued
	job.Progress = 0
	job.OutputFileID = nil
	job.ErrorMessage = nil
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	m.jobs[job.ID] = &stored
	m.tasks[job.ID] = &models.JobTask{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Step:      models.MainTaskStep,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, organizationID string, limit int) ([]models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ConversionJob
	for _, job := range m.jobs {
		if job.OrganizationID == organizationID {
			out = append(out, *cloneJob(job))
		}
	}
	slices.SortFunc(out, func(a, b models.ConversionJob) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimNextQueued(_ context.Context) (*models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.ConversionJob
	for _, job := range m.jobs {
		if job.Status != models.StatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return m.claimLocked(oldest), nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id string) (*models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusQueued {
		return nil, nil
	}
	return m.claimLocked(job), nil
}

func (m *MemoryStore) claimLocked(job *models.ConversionJob) *models.ConversionJob {
	now := m.now().UTC()
	job.Status = models.StatusProcessing
	job.Progress = max(job.Progress, models.ClaimedProgress)
	job.StartedAt = &now
	job.UpdatedAt = now
	return cloneJob(job)
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || !job.Status.IsActive() {
		return nil
	}
	job.Progress = max(job.Progress, clampProgress(progress))
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) MarkTerminal(_ context.Context, id string, upd models.TerminalUpdate) error {
	if err := validateTerminal(upd); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if !job.Status.IsActive() {
		return terminalOutcome(id, job.Status, upd.Status)
	}

	now := m.now().UTC()
	job.Status = upd.Status
	job.Progress = models.DoneProgress
	job.ErrorMessage = optional(upd.ErrorMessage)
	job.OutputFileID = optional(upd.OutputFileID)
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CancelJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	switch {
	case job.Status == models.StatusCanceled:
		return false, nil
	case job.Status.IsTerminal():
		return false, fmt.Errorf("%w: cannot cancel %s job %s", models.ErrInvalidTransition, job.Status, id)
	}

	now := m.now().UTC()
	msg := models.CanceledByUser
	job.Status = models.StatusCanceled
	job.Progress = models.DoneProgress
	job.ErrorMessage = &msg
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot delete %s job %s", models.ErrInvalidTransition, job.Status, id)
	}
	delete(m.jobs, id)
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) DeleteFinished(_ context.Context, organizationID string) ([]models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []models.ConversionJob
	for id, job := range m.jobs {
		if job.OrganizationID == organizationID && job.Status.IsTerminal() {
			removed = append(removed, *cloneJob(job))
			delete(m.jobs, id)
			delete(m.tasks, id)
		}
	}
	return removed, nil
}

func (m *MemoryStore) ListStaleProcessing(_ context.Context, cutoff time.Time) ([]models.ConversionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ConversionJob
	for _, job := range m.jobs {
		if job.Status == models.StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			out = append(out, *cloneJob(job))
		}
	}
	slices.SortFunc(out, func(a, b models.ConversionJob) int {
		return a.StartedAt.Compare(*b.StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetTask(_ context.Context, jobID, step string) (*models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[jobID]
	if !ok || task.Step != step {
		return nil, fmt.Errorf("%w: no %s task for %s", models.ErrJobNotFound, step, jobID)
	}
	t := *task
	return &t, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *models.JobTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tasks[task.JobID]
	if !ok || stored.ID != task.ID {
		return fmt.Errorf("%w: task %s", models.ErrJobNotFound, task.ID)
	}
	task.UpdatedAt = m.now().UTC()
	*stored = *task
	return nil
}

func (m *MemoryStore) CreateFileAsset(_ context.Context, f *models.FileAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = m.now().UTC()
	}
	stored := *f
	m.files[f.ID] = &stored
	return nil
}

func (m *MemoryStore) GetFileAsset(_ context.Context, id string) (*models.FileAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, id)
	}
	out := *f
	return &out, nil
}

func (m *MemoryStore) DeleteFileAsset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, id)
	return nil
}

func (m *MemoryStore) CreateWebhookEndpoint(_ context.Context, ep *models.WebhookEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *ep
	stored.Secret = slices.Clone(ep.Secret)
	stored.Events = slices.Clone(ep.Events)
	m.endpoints = append(m.endpoints, stored)
	return nil
}

func (m *MemoryStore) ListWebhookEndpoints(_ context.Context, organizationID, event string) ([]models.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.WebhookEndpoint
	for _, ep := range m.endpoints {
		if ep.OrganizationID == organizationID && ep.Subscribed(event) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, del *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if del.ID == "" {
		del.ID = uuid.NewString()
	}
	if del.CreatedAt.IsZero() {
		del.CreatedAt = m.now().UTC()
	}
	m.deliveries = append(m.deliveries, *del)
	return nil
}

// Deliveries returns the recorded deliveries ordered by endpoint.
func (m *MemoryStore) Deliveries() []models.WebhookDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := slices.Clone(m.deliveries)
	slices.SortStableFunc(out, func(a, b models.WebhookDelivery) int {
		return cmp.Compare(a.EndpointID, b.EndpointID)
	})
	return out
}

func cloneJob(job *models.ConversionJob) *models.ConversionJob {
	out := *job
	if job.OutputFileID != nil {
		v := *job.OutputFileID
		out.OutputFileID = &v
	}
	if job.ErrorMessage != nil {
		v := *job.ErrorMessage
		out.ErrorMessage = &v
	}
	if job.StartedAt != nil {
		v := *job.StartedAt
		out.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := *job.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
