package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ansible-runner-service/internal/store"
)

// abandonedError is recorded on jobs whose worker disappeared mid-run.
const abandonedError = "Worker crashed or timed out"

// staleLister is the durable-store slice recovery reads.
type staleLister interface {
	ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]*store.Job, error)
	UpdateStatus(ctx context.Context, id string, status store.Status, update store.StatusUpdate) (bool, error)
}

// keyChecker tests whether a job still has a live ephemeral record.
type keyChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// RecoverStaleJobs marks abandoned jobs failed: durable says running for
// longer than the threshold and the ephemeral key is gone, so no worker can
// still be driving the job. Writes go to durable only, since there is no
// ephemeral record left to update. Errors are logged, never returned:
// recovery must not block startup.
func RecoverStaleJobs(ctx context.Context, durable staleLister, ephemeral keyChecker, olderThan time.Duration, logger zerolog.Logger) {
	logger = logger.With().Str("component", "recovery").Logger()

	stale, err := durable.ListStaleRunning(ctx, olderThan)
	if err != nil {
		logger.Error().Err(err).Msg("Could not scan for stale jobs")
		return
	}
	if len(stale) == 0 {
		logger.Info().Msg("No stale running jobs")
		return
	}

	recovered := 0
	for _, job := range stale {
		exists, err := ephemeral.Exists(ctx, job.ID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("Ephemeral check failed")
			continue
		}
		if exists {
			// A worker is (or recently was) still on it. Leave it alone.
			continue
		}

		finishedAt := time.Now().UTC()
		found, err := durable.UpdateStatus(ctx, job.ID, store.StatusFailed, store.StatusUpdate{
			FinishedAt: &finishedAt,
			Error:      abandonedError,
		})
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("Could not mark job failed")
			continue
		}
		if found {
			recovered++
			logger.Warn().Str("job_id", job.ID).Msg("Recovered abandoned job")
		}
	}

	logger.Info().Int("stale", len(stale)).Int("recovered", recovered).Msg("Stale job recovery finished")
}
