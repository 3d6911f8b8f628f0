package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository is the durable tier: the system of record for every job.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps an sqlx database handle.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// jobRow mirrors the jobs table.
type jobRow struct {
	ID           string     `db:"id"`
	Status       string     `db:"status"`
	Playbook     string     `db:"playbook"`
	ExtraVars    []byte     `db:"extra_vars"`
	Inventory    []byte     `db:"inventory"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	FinishedAt   *time.Time `db:"finished_at"`
	ResultRC     *int       `db:"result_rc"`
	ResultStdout *string    `db:"result_stdout"`
	ResultStats  []byte     `db:"result_stats"`
	Error        *string    `db:"error"`
	Options      []byte     `db:"options"`
	SourceType   string     `db:"source_type"`
	SourceTarget string     `db:"source_target"`
	SourceRepo   *string    `db:"source_repo"`
	SourceBranch *string    `db:"source_branch"`
}

const jobColumns = `id, status, playbook, extra_vars, inventory, created_at, started_at,
	finished_at, result_rc, result_stdout, result_stats, error, options,
	source_type, source_target, source_repo, source_branch`

// Create inserts a new job row.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	extraVars, err := json.Marshal(job.ExtraVars)
	if err != nil {
		return fmt.Errorf("marshal extra_vars: %w", err)
	}
	inventory, err := json.Marshal(job.Inventory)
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}
	var options []byte
	if job.Options != nil {
		if options, err = json.Marshal(job.Options); err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, playbook, extra_vars, inventory, created_at,
			options, source_type, source_target, source_repo, source_branch)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, string(job.Status), job.Playbook, extraVars, inventory, job.CreatedAt,
		nullBytes(options), job.SourceType, job.SourceTarget,
		nullString(job.SourceRepo), nullString(job.SourceBranch),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Get looks a job up by primary key. Returns nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", id, err)
	}
	return row.toJob()
}

// UpdateStatus applies a partial status update. Reports whether the row
// existed.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status, update StatusUpdate) (bool, error) {
	sets := []string{"status = $1"}
	args := []interface{}{string(status)}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.FinishedAt != nil {
		add("finished_at", *update.FinishedAt)
	}
	if update.Result != nil {
		stats, err := json.Marshal(update.Result.Stats)
		if err != nil {
			return false, fmt.Errorf("marshal result stats: %w", err)
		}
		add("result_rc", update.Result.RC)
		add("result_stdout", update.Result.Stdout)
		add("result_stats", stats)
	}
	if update.Error != "" {
		add("error", update.Error)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for job %s: %w", id, err)
	}
	return affected > 0, nil
}

// List returns a page of jobs ordered by created_at DESC plus the total
// count of the filtered set before pagination.
func (r *Repository) List(ctx context.Context, status Status, limit, offset int) ([]*Job, int, error) {
	var (
		total int
		rows  []jobRow
	)

	if status != "" {
		if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)); err != nil {
			return nil, 0, fmt.Errorf("count jobs: %w", err)
		}
		err := r.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
			WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			string(status), limit, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("list jobs: %w", err)
		}
	} else {
		if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`); err != nil {
			return nil, 0, fmt.Errorf("count jobs: %w", err)
		}
		err := r.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("list jobs: %w", err)
		}
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// ListStaleRunning returns running jobs whose started_at is older than the
// threshold. Used by startup recovery.
func (r *Repository) ListStaleRunning(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND started_at < $2`, string(StatusRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ping verifies database connectivity with a trivial roundtrip.
func (r *Repository) Ping(ctx context.Context) error {
	var one int
	return r.db.GetContext(ctx, &one, "SELECT 1")
}

func (row *jobRow) toJob() (*Job, error) {
	job := &Job{
		ID:           row.ID,
		Status:       Status(row.Status),
		Playbook:     row.Playbook,
		CreatedAt:    row.CreatedAt,
		StartedAt:    row.StartedAt,
		FinishedAt:   row.FinishedAt,
		SourceType:   row.SourceType,
		SourceTarget: row.SourceTarget,
	}
	if row.SourceRepo != nil {
		job.SourceRepo = *row.SourceRepo
	}
	if row.SourceBranch != nil {
		job.SourceBranch = *row.SourceBranch
	}
	if row.Error != nil {
		job.Error = *row.Error
	}
	if len(row.ExtraVars) > 0 {
		if err := json.Unmarshal(row.ExtraVars, &job.ExtraVars); err != nil {
			return nil, fmt.Errorf("unmarshal extra_vars for %s: %w", row.ID, err)
		}
	}
	if len(row.Inventory) > 0 {
		if err := json.Unmarshal(row.Inventory, &job.Inventory); err != nil {
			return nil, fmt.Errorf("unmarshal inventory for %s: %w", row.ID, err)
		}
	}
	if len(row.Options) > 0 {
		if err := json.Unmarshal(row.Options, &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options for %s: %w", row.ID, err)
		}
	}
	if row.ResultRC != nil {
		result := &Result{RC: *row.ResultRC}
		if row.ResultStdout != nil {
			result.Stdout = *row.ResultStdout
		}
		if len(row.ResultStats) > 0 {
			if err := json.Unmarshal(row.ResultStats, &result.Stats); err != nil {
				return nil, fmt.Errorf("unmarshal result_stats for %s: %w", row.ID, err)
			}
		}
		job.Result = result
	}
	return job, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
