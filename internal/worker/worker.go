// Package worker runs the job-executing pool: it drains the work queue,
// materializes job content, shells out to the Ansible runtime and records
// the outcome in the two-tier store.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"ansible-runner-service/internal/gitsource"
	"ansible-runner-service/internal/metrics"
	"ansible-runner-service/internal/queue"
	"ansible-runner-service/internal/runner"
	"ansible-runner-service/internal/store"
)

// defaultInventory targets the control node when a job supplies none.
const defaultInventory = "localhost,"

const dequeueTimeout = 5 * time.Second

// jobQueue is the slice of the queue the pool consumes.
type jobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Descriptor, error)
}

// jobStore is the slice of the two-tier store the pool writes.
type jobStore interface {
	UpdateStatus(ctx context.Context, id string, status store.Status, update store.StatusUpdate) error
}

// playbookRunner executes a single playbook run.
type playbookRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// materializer makes git content locally available.
type materializer interface {
	Clone(ctx context.Context, repoURL, branch, dest string) error
	InstallCollection(ctx context.Context, repoURL, branch, collectionsDir string) (*gitsource.Collection, error)
}

// Config carries the pool's static settings.
type Config struct {
	Count          int
	PlaybooksDir   string
	CollectionsDir string
}

// Pool consumes the work queue with a fixed number of workers.
type Pool struct {
	queue  jobQueue
	store  jobStore
	runner playbookRunner
	git    materializer
	cfg    Config
	logger zerolog.Logger
}

func NewPool(q jobQueue, s jobStore, r playbookRunner, git materializer, cfg Config, logger zerolog.Logger) *Pool {
	return &Pool{
		queue:  q,
		store:  s,
		runner: r,
		git:    git,
		cfg:    cfg,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Run blocks until ctx is cancelled, operating cfg.Count workers.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	logger := p.logger.With().Int("worker", workerID).Logger()
	logger.Info().Msg("Worker started")

	for {
		desc, err := p.queue.Dequeue(ctx, dequeueTimeout)
		if ctx.Err() != nil {
			logger.Info().Msg("Worker stopping")
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Dequeue failed")
			continue
		}
		if desc == nil {
			continue
		}
		p.Process(ctx, desc)
	}
}

// Process executes one dequeued job descriptor end to end. Every failure
// path records a terminal failed status; Process itself never returns an
// error because there is no caller to retry.
func (p *Pool) Process(ctx context.Context, desc *queue.Descriptor) {
	logger := p.logger.With().Str("job_id", desc.JobID).Logger()
	start := time.Now()
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()
	defer func() { metrics.JobDuration.Observe(time.Since(start).Seconds()) }()

	startedAt := time.Now().UTC()
	if err := p.store.UpdateStatus(ctx, desc.JobID, store.StatusRunning, store.StatusUpdate{
		StartedAt: &startedAt,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job running")
		// The record may be gone (recovery marked it failed). Drop the job.
		return
	}
	logger.Info().Str("playbook", desc.Playbook).Msg("Job started")

	result, err := p.Execute(ctx, desc)
	finishedAt := time.Now().UTC()

	if err != nil {
		logger.Error().Err(err).Msg("Job failed before the playbook could run")
		metrics.JobsProcessed.WithLabelValues(string(store.StatusFailed)).Inc()
		if updateErr := p.store.UpdateStatus(ctx, desc.JobID, store.StatusFailed, store.StatusUpdate{
			FinishedAt: &finishedAt,
			Error:      err.Error(),
		}); updateErr != nil {
			logger.Error().Err(updateErr).Msg("Failed to record job failure")
		}
		return
	}

	status := store.StatusSuccessful
	if result.RC != 0 {
		status = store.StatusFailed
	}
	metrics.JobsProcessed.WithLabelValues(string(status)).Inc()

	if err := p.store.UpdateStatus(ctx, desc.JobID, status, store.StatusUpdate{
		FinishedAt: &finishedAt,
		Result: &store.Result{
			RC:     result.RC,
			Stdout: result.Stdout,
			Stats:  result.Stats,
		},
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record job result")
		return
	}

	logger.Info().
		Str("status", string(status)).
		Int("rc", result.RC).
		Dur("duration", time.Since(start)).
		Msg("Job finished")
}

// Execute materializes the job's content and inventory in a fresh temp dir
// and runs the playbook. The temp dir is removed on every exit path. The
// API server calls this directly for sync submissions; async jobs go
// through Process.
func (p *Pool) Execute(ctx context.Context, desc *queue.Descriptor) (*runner.Result, error) {
	workDir, err := os.MkdirTemp("", "job-"+desc.JobID)
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	playbookPath, env, err := p.materializeSource(ctx, desc, workDir)
	if err != nil {
		return nil, err
	}

	inventory, err := p.materializeInventory(ctx, desc.Inventory, workDir)
	if err != nil {
		return nil, err
	}

	return p.runner.Run(ctx, runner.Request{
		PlaybookPath: playbookPath,
		Inventory:    inventory,
		ExtraVars:    desc.ExtraVars,
		Options:      desc.Options,
		Env:          env,
		WorkDir:      workDir,
	})
}

// materializeSource resolves the descriptor's source into an on-disk
// playbook path plus any extra environment the run needs.
func (p *Pool) materializeSource(ctx context.Context, desc *queue.Descriptor, workDir string) (string, map[string]string, error) {
	src := desc.SourceConfig
	if src == nil || (src.Type == "local" && src.Target == "playbook") {
		name := desc.Playbook
		if src != nil && src.Path != "" {
			name = src.Path
		}
		return filepath.Join(p.cfg.PlaybooksDir, name), nil, nil
	}

	switch {
	case src.Type == "local" && src.Target == "role":
		fqcn := fmt.Sprintf("%s.%s", src.Collection, src.Role)
		path, err := p.writeWrapper(workDir, fqcn, src.RoleVars)
		if err != nil {
			return "", nil, err
		}
		return path, map[string]string{"ANSIBLE_COLLECTIONS_PATH": p.cfg.CollectionsDir}, nil

	case src.Type == "git" && src.Target == "playbook":
		repoDir := filepath.Join(workDir, "repo")
		if err := p.git.Clone(ctx, src.Repo, src.Branch, repoDir); err != nil {
			return "", nil, err
		}
		path, err := gitsource.ContainedPath(repoDir, src.Path)
		if err != nil {
			return "", nil, err
		}
		return path, nil, nil

	case src.Type == "git" && src.Target == "role":
		collectionsDir := filepath.Join(workDir, "collections")
		primary, err := p.git.InstallCollection(ctx, src.Repo, src.Branch, collectionsDir)
		if err != nil {
			return "", nil, err
		}
		fqcn, err := gitsource.ResolveFQCN(src.Role, collectionsDir, primary)
		if err != nil {
			return "", nil, err
		}
		path, err := p.writeWrapper(workDir, fqcn, src.RoleVars)
		if err != nil {
			return "", nil, err
		}
		return path, map[string]string{"ANSIBLE_COLLECTIONS_PATH": collectionsDir}, nil

	default:
		return "", nil, fmt.Errorf("unsupported source %s/%s", src.Type, src.Target)
	}
}

func (p *Pool) writeWrapper(workDir, fqcn string, roleVars map[string]interface{}) (string, error) {
	data, err := gitsource.WrapperPlaybook(fqcn, roleVars)
	if err != nil {
		return "", fmt.Errorf("synthesize wrapper playbook: %w", err)
	}
	path := filepath.Join(workDir, "run_role.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write wrapper playbook: %w", err)
	}
	return path, nil
}

// materializeInventory turns the job's inventory into a -i argument: a
// literal host list, a written YAML file, or a file from a cloned repo.
func (p *Pool) materializeInventory(ctx context.Context, inv store.Inventory, workDir string) (string, error) {
	switch {
	case inv.IsZero():
		return defaultInventory, nil

	case inv.Literal != "":
		return inv.Literal, nil

	case inv.Inline != nil:
		data, err := yaml.Marshal(inv.Inline)
		if err != nil {
			return "", fmt.Errorf("encode inline inventory: %w", err)
		}
		path := filepath.Join(workDir, "inventory.yml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("write inline inventory: %w", err)
		}
		return path, nil

	default:
		repoDir := filepath.Join(workDir, "inventory-repo")
		if err := p.git.Clone(ctx, inv.Git.Repo, inv.Git.Branch, repoDir); err != nil {
			return "", err
		}
		return gitsource.ContainedPath(repoDir, inv.Git.Path)
	}
}
