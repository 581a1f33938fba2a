package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"time"

	"github.com/gamerg21/converter/adapters"
	"github.com/gamerg21/converter/models"

	"github.com/google/uuid"
)

const internalErrorMessage = "Internal conversion error."

type JobStore interface {
	ClaimNextQueued(ctx context.Context) (*models.ConversionJob, error)
	ClaimJob(ctx context.Context, id string) (*models.ConversionJob, error)
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	MarkTerminal(ctx context.Context, id string, upd models.TerminalUpdate) error
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]models.ConversionJob, error)
	GetTask(ctx context.Context, jobID, step string) (*models.JobTask, error)
	UpdateTask(ctx context.Context, task *models.JobTask) error
	GetFileAsset(ctx context.Context, id string) (*models.FileAsset, error)
	CreateFileAsset(ctx context.Context, f *models.FileAsset) error
	DeleteFileAsset(ctx context.Context, id string) error
}

// OutputStorage removes outputs that no job will reference.
type OutputStorage interface {
	Delete(ctx context.Context, key string) error
}

type Converter interface {
	Execute(ctx context.Context, req adapters.Request) adapters.Result
}

// Notifier receives job transition events. webhook.Service implements it.
type Notifier interface {
	Emit(ctx context.Context, organizationID, event string, payload any)
}

// StatusMirror copies job states to a secondary store such as Redis.
type StatusMirror interface {
	MirrorStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error
}

type ExecutorConfig struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Executor runs one claimed job to a terminal state.
type Executor struct {
	store     JobStore
	converter Converter
	storage   OutputStorage
	notifier  Notifier
	mirror    StatusMirror
	cfg       ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor builds an executor. storage, notifier and mirror may be nil.
func NewExecutor(store JobStore, converter Converter, storage OutputStorage, notifier Notifier, mirror StatusMirror, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Executor{
		store:     store,
		converter: converter,
		storage:   storage,
		notifier:  notifier,
		mirror:    mirror,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "worker")),
	}
}

// Execute converts a job that the caller has already claimed. Failures are
// recorded on the job and never returned.
func (e *Executor) Execute(ctx context.Context, job *models.ConversionJob) {
	log := e.logger.With(slog.String("job_id", job.ID))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("conversion panicked", slog.Any("panic", r))
			e.finalize(ctx, job, models.TerminalUpdate{Status: models.StatusFailed, ErrorMessage: internalErrorMessage})
		}
	}()

	log.Info("processing conversion",
		slog.String("source", job.SourceFormat),
		slog.String("target", job.TargetFormat),
	)
	e.publish(ctx, job, models.StatusProcessing, "")

	input, err := e.store.GetFileAsset(ctx, job.InputFileID)
	if err != nil {
		if errors.Is(err, models.ErrFileNotFound) {
			e.fail(ctx, job, &models.ConversionError{Code: models.ErrInputMissing, Message: "Input file not found."})
			return
		}
		log.Error("failed to load input file", slog.String("error", err.Error()))
		e.fail(ctx, job, errors.New(internalErrorMessage))
		return
	}

	task, err := e.store.GetTask(ctx, job.ID, models.MainTaskStep)
	if err != nil {
		log.Warn("task record unavailable, retry history will not be kept", slog.String("error", err.Error()))
	} else {
		task.Status = models.StatusProcessing
		e.saveTask(ctx, task)
	}

	req := adapters.Request{
		JobID:        job.ID,
		InputKey:     input.StorageKey,
		OutputKey:    job.OutputStorageKey(),
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
	}

	var res adapters.Result
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res = e.attempt(ctx, req)
		if res.OK {
			break
		}

		log.Warn("conversion attempt failed",
			slog.Int("attempt", attempt),
			slog.String("code", string(res.Code)),
			slog.String("error", res.Message),
		)
		if task != nil {
			task.RetryCount = attempt
			task.Log = fmt.Sprintf("Retry %d: %s", attempt, res.Message)
			e.saveTask(ctx, task)
		}

		if res.Code.Permanent() || e.canceled(ctx, job.ID) {
			break
		}
	}

	if !res.OK {
		e.fail(ctx, job, res.Err())
		return
	}

	// A cancel or the stale recovery may have ended the job meanwhile.
	if !e.processing(ctx, job.ID) {
		log.Info("job is no longer processing, discarding output")
		e.discardOutput(ctx, req.OutputKey, "")
		return
	}

	if err := e.store.UpdateProgress(ctx, job.ID, 90); err != nil {
		log.Warn("failed to update progress", slog.String("error", err.Error()))
	}

	output := &models.FileAsset{
		ID:             uuid.NewString(),
		OrganizationID: job.OrganizationID,
		Filename:       job.ID + "." + job.TargetFormat,
		MimeType:       mimeType(job.TargetFormat),
		SizeBytes:      res.SizeBytes,
		Format:         job.TargetFormat,
		StorageKey:     req.OutputKey,
	}
	if err := e.store.CreateFileAsset(ctx, output); err != nil {
		log.Error("failed to record output file", slog.String("error", err.Error()))
		e.discardOutput(ctx, req.OutputKey, "")
		e.fail(ctx, job, errors.New(internalErrorMessage))
		return
	}

	if !e.finalize(ctx, job, models.TerminalUpdate{Status: models.StatusFinished, OutputFileID: output.ID}) {
		e.discardOutput(ctx, output.StorageKey, output.ID)
		return
	}

	log.Info("conversion completed",
		slog.String("adapter", res.Adapter),
		slog.Int64("size_bytes", res.SizeBytes),
		slog.Duration("duration", time.Since(start)),
	)
}

// discardOutput removes an output object and, when assetID is set, its file
// record.
func (e *Executor) discardOutput(ctx context.Context, key, assetID string) {
	if assetID != "" {
		if err := e.store.DeleteFileAsset(ctx, assetID); err != nil {
			e.logger.Warn("failed to delete output record", slog.String("file_id", assetID), slog.String("error", err.Error()))
		}
	}
	if e.storage == nil {
		return
	}
	if err := e.storage.Delete(ctx, key); err != nil {
		e.logger.Warn("failed to delete output", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (e *Executor) attempt(ctx context.Context, req adapters.Request) adapters.Result {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	return e.converter.Execute(ctx, req)
}

func (e *Executor) fail(ctx context.Context, job *models.ConversionJob, cause error) {
	e.finalize(ctx, job, models.TerminalUpdate{Status: models.StatusFailed, ErrorMessage: cause.Error()})
}

// finalize performs the guarded terminal write and reports whether this call
// moved the job to upd.Status. A job canceled in the meantime is left alone.
func (e *Executor) finalize(ctx context.Context, job *models.ConversionJob, upd models.TerminalUpdate) bool {
	log := e.logger.With(slog.String("job_id", job.ID))

	if e.canceled(ctx, job.ID) {
		log.Info("job already canceled, skipping terminal write", slog.String("status", string(upd.Status)))
		return false
	}

	if err := e.store.MarkTerminal(ctx, job.ID, upd); err != nil {
		if errors.Is(err, models.ErrTerminalConflict) {
			log.Warn("terminal state already set", slog.String("error", err.Error()))
		} else {
			log.Error("failed to record terminal state", slog.String("error", err.Error()))
		}
		return false
	}

	if task, err := e.store.GetTask(ctx, job.ID, models.MainTaskStep); err == nil {
		task.Status = upd.Status
		e.saveTask(ctx, task)
	}

	if upd.Status == models.StatusFailed {
		log.Warn("conversion failed", slog.String("error", upd.ErrorMessage))
	}
	e.publish(ctx, job, upd.Status, upd.ErrorMessage)
	return true
}

// processing reports whether the job is still PROCESSING. A failed lookup
// counts as processing; the guarded terminal write settles it.
func (e *Executor) processing(ctx context.Context, id string) bool {
	current, err := e.store.GetJob(ctx, id)
	return err != nil || current.Status == models.StatusProcessing
}

func (e *Executor) canceled(ctx context.Context, id string) bool {
	current, err := e.store.GetJob(ctx, id)
	return err == nil && current.Status == models.StatusCanceled
}

// publish mirrors the status and emits the transition event with the
// current job snapshot.
func (e *Executor) publish(ctx context.Context, job *models.ConversionJob, status models.JobStatus, errMsg string) {
	if e.mirror != nil {
		if err := e.mirror.MirrorStatus(ctx, job.ID, status, errMsg); err != nil {
			e.logger.Warn("failed to mirror status", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}

	if e.notifier == nil {
		return
	}
	snapshot, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		snapshot = job
	}
	e.notifier.Emit(ctx, job.OrganizationID, models.EventForStatus(status), snapshot)
}

func (e *Executor) saveTask(ctx context.Context, task *models.JobTask) {
	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Warn("failed to update task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func mimeType(format string) string {
	if t := mime.TypeByExtension("." + format); t != "" {
		return t
	}
	return "application/octet-stream"
}
