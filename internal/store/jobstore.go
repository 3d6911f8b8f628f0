package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobStore composes the ephemeral and durable tiers under a strict
// consistency contract.
//
// Create writes ephemeral first so the job is discoverable by immediate
// polling, then durable; a durable failure rolls the ephemeral key back.
// Update writes durable first; a status visible in ephemeral must never be
// ahead of durable, or a post-TTL read would appear to regress.
type JobStore struct {
	ephemeral *Ephemeral
	durable   *Repository
	logger    zerolog.Logger
}

// NewJobStore builds the two-tier store.
func NewJobStore(ephemeral *Ephemeral, durable *Repository, logger zerolog.Logger) *JobStore {
	return &JobStore{
		ephemeral: ephemeral,
		durable:   durable,
		logger:    logger.With().Str("component", "jobstore").Logger(),
	}
}

// NewJob holds the caller-supplied fields of a job about to be created.
type NewJob struct {
	Playbook  string
	ExtraVars map[string]interface{}
	Inventory Inventory
	Options   *Options
	Source    *SourceConfig
}

// CreateJob assigns a fresh id, persists the pending job in both tiers and
// returns it.
func (s *JobStore) CreateJob(ctx context.Context, req NewJob) (*Job, error) {
	job := &Job{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Playbook:     req.Playbook,
		ExtraVars:    req.ExtraVars,
		Inventory:    req.Inventory,
		Options:      req.Options,
		CreatedAt:    time.Now().UTC(),
		SourceType:   "local",
		SourceTarget: "playbook",
	}
	if req.Source != nil {
		job.SourceType = req.Source.Type
		job.SourceTarget = req.Source.Target
		job.SourceRepo = req.Source.Repo
		job.SourceBranch = req.Source.Branch
	}

	if err := s.ephemeral.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("ephemeral create: %w", err)
	}

	if err := s.durable.Create(ctx, job); err != nil {
		// Roll back the fast tier so the two never disagree about existence.
		if delErr := s.ephemeral.Delete(ctx, job.ID); delErr != nil {
			s.logger.Error().
				Err(delErr).
				Str("job_id", job.ID).
				Msg("Failed to roll back ephemeral record after durable create failure")
		}
		return nil, fmt.Errorf("durable create: %w", err)
	}

	return job, nil
}

// UpdateStatus applies a status transition durable-first.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, status Status, update StatusUpdate) error {
	found, err := s.durable.UpdateStatus(ctx, id, status, update)
	if err != nil {
		return fmt.Errorf("durable update: %w", err)
	}
	if !found {
		return fmt.Errorf("job %s not found in durable store", id)
	}

	fields := map[string]string{"status": string(status)}
	if update.StartedAt != nil {
		fields["started_at"] = update.StartedAt.Format(time.RFC3339Nano)
	}
	if update.FinishedAt != nil {
		fields["finished_at"] = update.FinishedAt.Format(time.RFC3339Nano)
	}
	if update.Result != nil {
		result, err := json.Marshal(update.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fields["result"] = string(result)
	}
	if update.Error != "" {
		fields["error"] = update.Error
	}

	if err := s.ephemeral.UpdateFields(ctx, id, fields); err != nil {
		// Durable already holds the transition; the read path falls through
		// to it once the stale ephemeral record expires or is overwritten.
		s.logger.Warn().
			Err(err).
			Str("job_id", id).
			Str("status", string(status)).
			Msg("Ephemeral update failed after durable write")
	}
	return nil
}

// GetJob reads the fast tier and falls through to durable, so terminal jobs
// remain readable after their TTL expires. Returns nil when neither tier
// holds the id.
func (s *JobStore) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.ephemeral.GetJob(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Ephemeral read failed, falling back to durable")
	} else if job != nil {
		return job, nil
	}
	return s.durable.Get(ctx, id)
}
