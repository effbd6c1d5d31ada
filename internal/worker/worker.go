package worker

import (
	"context"
	"time"

	"github.com/gridsight/gridsight-api/internal/pipeline"
	"github.com/gridsight/gridsight-api/internal/repository"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Config struct {
	Jobs         repository.JobRepository
	Executor     *pipeline.Executor
	PollInterval time.Duration
	BatchSize    int
}

// Worker repeatedly claims a batch of queued jobs and runs each through
// the pipeline. It only stops when its context is cancelled.
type Worker struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("worker started, polling for jobs")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				// A store failure is not a job failure: nothing was
				// claimed, so just retry on the next tick.
				w.logger.Error().Err(err).Msg("claim attempt failed, retrying next tick")
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	jobs, err := w.cfg.Jobs.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to claim batch")
	}
	if len(jobs) == 0 {
		return nil
	}

	w.logger.Info().Int("claimed", len(jobs)).Msg("processing batch")
	for _, job := range jobs {
		// A failed job never aborts its siblings: the executor records
		// the outcome on the row and returns the error for logging only.
		if err := w.cfg.Executor.Run(ctx, job); err != nil {
			w.logger.Error().Err(err).
				Str("job_id", job.ID).
				Str("distributor", job.DistributorName).
				Int("year", job.Year).
				Msg("import job failed")
		}
	}
	return nil
}
