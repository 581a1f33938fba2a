// Package jobs is the entry point for job submission and management used by
// the HTTP layer.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ListLimit caps how many jobs ListJobs returns.
const ListLimit = 50

type Store interface {
	CreateJob(ctx context.Context, job *models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	ListJobs(ctx context.Context, organizationID string, limit int) ([]models.ConversionJob, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteFinished(ctx context.Context, organizationID string) ([]models.ConversionJob, error)
	GetFileAsset(ctx context.Context, id string) (*models.FileAsset, error)
	DeleteFileAsset(ctx context.Context, id string) error
}

// OutputStorage removes the outputs of deleted jobs.
type OutputStorage interface {
	Delete(ctx context.Context, key string) error
}

type Publisher interface {
	Publish(ctx context.Context, msg models.QueueMessage) error
}

type Notifier interface {
	Emit(ctx context.Context, organizationID, event string, payload any)
}

type SubmitRequest struct {
	OrganizationID string `json:"organizationId" validate:"required"`
	InputFileID    string `json:"inputFileId" validate:"required"`
	SourceFormat   string `json:"sourceFormat" validate:"required,min=2,max=16"`
	TargetFormat   string `json:"targetFormat" validate:"required,min=2,max=16"`
}

type Service struct {
	store     Store
	storage   OutputStorage
	publisher Publisher
	notifier  Notifier
	registry  *capability.Registry
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService builds the job service. notifier may be nil.
func NewService(store Store, storage OutputStorage, publisher Publisher, notifier Notifier, registry *capability.Registry, validate *validator.Validate, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		storage:   storage,
		publisher: publisher,
		notifier:  notifier,
		registry:  registry,
		validate:  validate,
		logger:    logger.With(slog.String("component", "jobs")),
	}
}

// SubmitJob creates a QUEUED job and publishes a hint for schedulers. A lost
// hint only delays the job until the next sweep.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (*models.ConversionJob, error) {
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	c, ok := s.registry.Find(req.SourceFormat, req.TargetFormat)
	if !ok {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidRequest, &models.ConversionError{
			Code:    models.ErrUnsupportedPair,
			Message: "Unsupported conversion pair.",
		})
	}

	input, err := s.store.GetFileAsset(ctx, req.InputFileID)
	if err != nil {
		return nil, err
	}
	if input.OrganizationID != req.OrganizationID {
		return nil, fmt.Errorf("%w: %s", models.ErrFileNotFound, req.InputFileID)
	}

	job := &models.ConversionJob{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		InputFileID:    req.InputFileID,
		SourceFormat:   c.Source,
		TargetFormat:   c.Target,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.emit(ctx, job, models.EventJobQueued)

	if err := s.publisher.Publish(ctx, job.Message()); err != nil {
		s.logger.Warn("failed to publish job hint, sweep will pick it up",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("pipeline", string(c.Pipeline)),
	)
	return job, nil
}

// CancelJob cancels a QUEUED or PROCESSING job. Canceling a job that is
// already CANCELED returns it unchanged.
func (s *Service) CancelJob(ctx context.Context, organizationID, jobID string) (*models.ConversionJob, error) {
	if _, err := s.GetJob(ctx, organizationID, jobID); err != nil {
		return nil, err
	}

	changed, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.emit(ctx, job, models.EventJobCanceled)
	}
	return job, nil
}

// GetJob returns a job of the organization. Jobs of other organizations are
// reported as not found.
func (s *Service) GetJob(ctx context.Context, organizationID, jobID string) (*models.ConversionJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrganizationID != organizationID {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, organizationID string) ([]models.ConversionJob, error) {
	return s.store.ListJobs(ctx, organizationID, ListLimit)
}

// DeleteJob removes a terminal job and its output. Active jobs yield
// ErrInvalidTransition.
func (s *Service) DeleteJob(ctx context.Context, organizationID, jobID string) error {
	job, err := s.GetJob(ctx, organizationID, jobID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.removeOutput(ctx, job)
	return nil
}

// DeleteFinished removes every terminal job of the organization together
// with the outputs and reports how many jobs were removed.
func (s *Service) DeleteFinished(ctx context.Context, organizationID string) (int64, error) {
	removed, err := s.store.DeleteFinished(ctx, organizationID)
	if err != nil {
		return 0, err
	}
	for i := range removed {
		s.removeOutput(ctx, &removed[i])
	}
	return int64(len(removed)), nil
}

// removeOutput deletes the output object of a removed job and its file
// record. Failures are logged; the job is already gone.
func (s *Service) removeOutput(ctx context.Context, job *models.ConversionJob) {
	log := s.logger.With(slog.String("job_id", job.ID))

	key := job.OutputStorageKey()
	if job.OutputFileID != nil {
		f, err := s.store.GetFileAsset(ctx, *job.OutputFileID)
		switch {
		case err == nil:
			key = f.StorageKey
			if err := s.store.DeleteFileAsset(ctx, f.ID); err != nil {
				log.Warn("failed to delete output record", slog.String("error", err.Error()))
			}
		case !errors.Is(err, models.ErrFileNotFound):
			log.Warn("failed to look up output record", slog.String("error", err.Error()))
		}
	}

	if err := s.storage.Delete(ctx, key); err != nil {
		log.Warn("failed to delete output", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// OutputFile resolves the output of a FINISHED job.
func (s *Service) OutputFile(ctx context.Context, organizationID, jobID string) (*models.FileAsset, error) {
	job, err := s.GetJob(ctx, organizationID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusFinished || job.OutputFileID == nil {
		return nil, fmt.Errorf("%w: output not ready, job is %s", models.ErrInvalidTransition, job.Status)
	}

	f, err := s.store.GetFileAsset(ctx, *job.OutputFileID)
	if errors.Is(err, models.ErrFileNotFound) {
		return nil, fmt.Errorf("output of job %s is missing: %w", jobID, err)
	}
	return f, err
}

func (s *Service) emit(ctx context.Context, job *models.ConversionJob, event string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(ctx, job.OrganizationID, event, job)
}
