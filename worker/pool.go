package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gamerg21/converter/config"
	"github.com/gamerg21/converter/models"
)

// Pool schedules queued jobs onto a bounded number of execution slots. Jobs
// arrive through queue hints (HandleHint) and through a periodic sweep of the
// job store; the claim compare-and-swap keeps several pools, in this or other
// processes, from running the same job.
type Pool struct {
	store    JobStore
	executor *Executor
	logger   *slog.Logger

	sweepInterval    time.Duration
	staleAfter       time.Duration
	recoveryInterval time.Duration

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	stopping bool
}

func NewPool(cfg *config.Config, store JobStore, executor *Executor, logger *slog.Logger) *Pool {
	return &Pool{
		store:            store,
		executor:         executor,
		logger:           logger.With(slog.String("component", "scheduler")),
		sweepInterval:    cfg.SweepInterval,
		staleAfter:       cfg.StaleAfter,
		recoveryInterval: cfg.RecoveryInterval,
		slots:            make(chan struct{}, max(1, cfg.WorkerCount)),
	}
}

// Run sweeps the job store until ctx is canceled, then waits for in-flight
// jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("scheduler started",
		slog.Int("slots", cap(p.slots)),
		slog.Duration("sweep_interval", p.sweepInterval),
	)

	p.sweep(ctx)

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduler stopping, waiting for in-flight jobs")
			p.mu.Lock()
			p.stopping = true
			p.mu.Unlock()
			p.wg.Wait()
			p.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// HandleHint reacts to a queue notification. The claim re-checks that the
// job is still QUEUED; when no slot is free the hint is dropped and the
// sweep picks the job up later.
func (p *Pool) HandleHint(ctx context.Context, msg models.QueueMessage) {
	if ctx.Err() != nil {
		return
	}
	if !p.tryAcquire() {
		p.logger.Debug("no free slot, leaving job to sweep", slog.String("job_id", msg.JobID))
		return
	}
	if !p.enter() {
		p.release()
		return
	}

	job, err := p.store.ClaimJob(ctx, msg.JobID)
	if err != nil {
		p.leave()
		p.logger.Error("failed to claim job", slog.String("job_id", msg.JobID), slog.String("error", err.Error()))
		return
	}
	if job == nil {
		p.leave()
		return
	}

	p.start(ctx, job)
}

// sweep claims queued jobs until none is left, waiting for free slots as
// needed.
func (p *Pool) sweep(ctx context.Context) {
	for {
		if !p.acquire(ctx) {
			return
		}
		if !p.enter() {
			p.release()
			return
		}

		job, err := p.store.ClaimNextQueued(ctx)
		if err != nil {
			p.leave()
			p.logger.Error("sweep failed", slog.String("error", err.Error()))
			return
		}
		if job == nil {
			p.leave()
			return
		}

		p.start(ctx, job)
	}
}

// start runs job in the slot and execution registered by the caller.
// Execution is detached from ctx so shutdown lets a started job reach a
// terminal state.
func (p *Pool) start(ctx context.Context, job *models.ConversionJob) {
	go func() {
		defer p.leave()
		p.executor.Execute(context.WithoutCancel(ctx), job)
	}()
}

// enter registers an execution before its claim, unless Run is already
// waiting for in-flight jobs.
func (p *Pool) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) leave() {
	p.wg.Done()
	p.release()
}

// Wait blocks until every started job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) tryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) acquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case p.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) release() {
	<-p.slots
}

// RecoveryLoop fails jobs stuck in PROCESSING longer than the stale limit,
// for example after a worker crashed mid-conversion.
func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.recoveryInterval)
	defer ticker.Stop()

	log := p.logger.With(slog.String("component", "recovery"))
	log.Info("starting stale job recovery loop", slog.Duration("stale_after", p.staleAfter))

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			p.recoverStaleJobs(ctx)
		}
	}
}

func (p *Pool) recoverStaleJobs(ctx context.Context) int {
	jobs, err := p.store.ListStaleProcessing(ctx, time.Now().Add(-p.staleAfter))
	if err != nil {
		p.logger.Error("failed to list stale jobs", slog.String("component", "recovery"), slog.String("error", err.Error()))
		return 0
	}

	msg := fmt.Sprintf("Job timeout - exceeded %s", p.staleAfter)
	recovered := 0
	for i := range jobs {
		if p.executor.finalize(ctx, &jobs[i], models.TerminalUpdate{Status: models.StatusFailed, ErrorMessage: msg}) {
			recovered++
		}
	}

	if recovered > 0 {
		p.logger.Info("failed stale jobs", slog.String("component", "recovery"), slog.Int("count", recovered))
	}
	return recovered
}
