package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ephemeral is the fast tier: one Redis hash per job under job:<id>, with a
// TTL. All values are string-encoded; nested structures are JSON.
type Ephemeral struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEphemeral wraps a Redis client. ttl bounds how long a job stays in the
// fast tier after its last write.
func NewEphemeral(client *redis.Client, ttl time.Duration) *Ephemeral {
	return &Ephemeral{client: client, ttl: ttl}
}

func jobKey(id string) string {
	return "job:" + id
}

// SaveJob writes the whole record and arms the TTL.
func (e *Ephemeral) SaveJob(ctx context.Context, job *Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return err
	}
	key := jobKey(job.ID)
	if err := e.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if err := e.client.Expire(ctx, key, e.ttl).Err(); err != nil {
		return fmt.Errorf("expire job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateFields overwrites a subset of the record and re-arms the TTL.
func (e *Ephemeral) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	key := jobKey(id)
	if err := e.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if err := e.client.Expire(ctx, key, e.ttl).Err(); err != nil {
		return fmt.Errorf("expire job %s: %w", id, err)
	}
	return nil
}

// GetJob reads the whole record. Returns nil when the key is absent.
func (e *Ephemeral) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := e.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return decodeJob(data)
}

// Delete removes the record.
func (e *Ephemeral) Delete(ctx context.Context, id string) error {
	if err := e.client.Del(ctx, jobKey(id)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Exists reports whether the record is present. Used by startup recovery.
func (e *Ephemeral) Exists(ctx context.Context, id string) (bool, error) {
	n, err := e.client.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("exists job %s: %w", id, err)
	}
	return n > 0, nil
}

// Ping verifies Redis connectivity.
func (e *Ephemeral) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

func encodeJob(job *Job) (map[string]string, error) {
	extraVars, err := json.Marshal(job.ExtraVars)
	if err != nil {
		return nil, fmt.Errorf("marshal extra_vars: %w", err)
	}
	inventory, err := json.Marshal(job.Inventory)
	if err != nil {
		return nil, fmt.Errorf("marshal inventory: %w", err)
	}

	fields := map[string]string{
		"job_id":        job.ID,
		"status":        string(job.Status),
		"playbook":      job.Playbook,
		"extra_vars":    string(extraVars),
		"inventory":     string(inventory),
		"created_at":    job.CreatedAt.Format(time.RFC3339Nano),
		"started_at":    encodeTime(job.StartedAt),
		"finished_at":   encodeTime(job.FinishedAt),
		"error":         job.Error,
		"source_type":   job.SourceType,
		"source_target": job.SourceTarget,
		"source_repo":   job.SourceRepo,
		"source_branch": job.SourceBranch,
	}

	fields["options"] = ""
	if job.Options != nil {
		options, err := json.Marshal(job.Options)
		if err != nil {
			return nil, fmt.Errorf("marshal options: %w", err)
		}
		fields["options"] = string(options)
	}

	fields["result"] = ""
	if job.Result != nil {
		result, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		fields["result"] = string(result)
	}

	return fields, nil
}

func decodeJob(data map[string]string) (*Job, error) {
	job := &Job{
		ID:           data["job_id"],
		Status:       Status(data["status"]),
		Playbook:     data["playbook"],
		Error:        data["error"],
		SourceType:   data["source_type"],
		SourceTarget: data["source_target"],
		SourceRepo:   data["source_repo"],
		SourceBranch: data["source_branch"],
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job.CreatedAt = createdAt

	if job.StartedAt, err = decodeTime(data["started_at"]); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if job.FinishedAt, err = decodeTime(data["finished_at"]); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	if raw := data["extra_vars"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.ExtraVars); err != nil {
			return nil, fmt.Errorf("unmarshal extra_vars: %w", err)
		}
	}
	if raw := data["inventory"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Inventory); err != nil {
			return nil, fmt.Errorf("unmarshal inventory: %w", err)
		}
	}
	if raw := data["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if raw := data["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return job, nil
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func decodeTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
