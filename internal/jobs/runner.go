// Package jobs runs upload enrichment jobs in the background.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/entity"
	"github.com/lvonguyen/iocforge/internal/observability"
	"github.com/lvonguyen/iocforge/internal/pipeline"
)

// Store is the job and upload state the runner reads and writes.
type Store interface {
	GetJob(ctx context.Context, id string) (*entity.Job, error)
	UpdateJob(ctx context.Context, job *entity.Job) error
	UploadIOCs(ctx context.Context, uploadID string) ([]entity.IOC, error)
}

// Enricher runs enrichment passes for a batch of IOCs.
type Enricher interface {
	EnrichBatch(ctx context.Context, iocs []entity.IOC, concurrency int, onDone pipeline.BatchFunc) error
}

// Handler processes one job by ID.
type Handler func(ctx context.Context, jobID string) error

// Runner executes jobs: it enriches every IOC of the job's upload and keeps
// the job's progress counters current.
type Runner struct {
	store       Store
	enricher    Enricher
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewRunner creates a runner. concurrency bounds passes per job.
func NewRunner(store Store, enricher Enricher, concurrency int, metrics *observability.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:       store,
		enricher:    enricher,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With(zap.String("component", "job-runner")),
		now:         time.Now,
	}
}

// Run executes the job. Jobs that are not queued are left alone.
//
// Final status: incomplete when any pass found no provider ready, error when
// the job was cancelled or every pass failed, done otherwise.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job.Status != entity.JobStatusQueued {
		r.logger.Debug("Skipping job that is not queued",
			zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil
	}

	iocs, err := r.store.UploadIOCs(ctx, job.UploadID)
	if err != nil {
		return fmt.Errorf("loading iocs for job %s: %w", jobID, err)
	}

	started := r.now()
	job.Status = entity.JobStatusRunning
	job.StartedAt = &started
	job.Total = len(iocs)
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("starting job %s: %w", jobID, err)
	}
	r.metrics.JobStarted()
	r.logger.Info("Job started", zap.String("job_id", jobID), zap.Int("iocs", len(iocs)))

	var (
		mu          sync.Mutex
		noProviders bool
		errored     int
	)
	onDone := func(ioc entity.IOC, outcome *pipeline.Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()

		job.Processed++
		switch {
		case errors.Is(err, pipeline.ErrNoProvidersReady):
			noProviders = true
			job.Failed++
		case err != nil:
			errored++
			job.Failed++
			r.logger.Warn("Enrichment pass failed", zap.String("job_id", jobID),
				zap.String("ioc_id", ioc.ID), zap.Error(err))
		case outcome.Incomplete:
			job.Failed++
		default:
			job.Successful++
		}

		snapshot := *job
		if err := r.store.UpdateJob(ctx, &snapshot); err != nil && ctx.Err() == nil {
			r.logger.Warn("Failed to record job progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	batchErr := r.enricher.EnrichBatch(ctx, iocs, r.concurrency, onDone)

	mu.Lock()
	defer mu.Unlock()

	finished := r.now()
	job.FinishedAt = &finished
	switch {
	case batchErr != nil:
		job.Status = entity.JobStatusError
		job.Message = "cancelled: " + batchErr.Error()
	case noProviders:
		job.Status = entity.JobStatusIncomplete
		job.Message = pipeline.ErrNoProvidersReady.Error()
	case errored > 0 && errored == len(iocs):
		job.Status = entity.JobStatusError
		job.Message = fmt.Sprintf("all %d enrichment passes failed", errored)
	default:
		job.Status = entity.JobStatusDone
		if job.Failed > 0 {
			job.Message = fmt.Sprintf("%d of %d IOCs without a usable result", job.Failed, job.Total)
		}
	}

	// The final state is written even when ctx was cancelled.
	if err := r.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("finishing job %s: %w", jobID, err)
	}
	r.metrics.JobFinished(string(job.Status))
	r.logger.Info("Job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
		zap.Int("successful", job.Successful),
		zap.Int("failed", job.Failed),
		zap.Duration("duration", finished.Sub(started)),
	)
	return nil
}
