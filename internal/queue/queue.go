package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ansible-runner-service/internal/store"
)

const jobsKey = "queue:jobs"

// Descriptor is the job payload carried over the queue. Its keys belong to
// the caller; the adapter must deliver them unchanged, in particular
// job_id, which the adapter also uses for its own delivery tracking.
type Descriptor struct {
	JobID        string                 `json:"job_id"`
	Playbook     string                 `json:"playbook"`
	ExtraVars    map[string]interface{} `json:"extra_vars"`
	Inventory    store.Inventory        `json:"inventory"`
	SourceConfig *store.SourceConfig    `json:"source_config,omitempty"`
	Options      *store.Options         `json:"options,omitempty"`
}

// envelope is what actually travels on the wire. The caller's descriptor is
// nested under payload so its fields can never collide with the adapter's
// own delivery metadata.
type envelope struct {
	DeliveryID string     `json:"delivery_id"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Payload    Descriptor `json:"payload"`
}

// Queue is a FIFO work queue over a Redis list.
type Queue struct {
	client *redis.Client
}

// New wraps a Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue pushes a job descriptor for the worker pool.
func (q *Queue) Enqueue(ctx context.Context, d Descriptor) error {
	env := envelope{
		DeliveryID: uuid.New().String(),
		EnqueuedAt: time.Now().UTC(),
		Payload:    d,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := q.client.LPush(ctx, jobsKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", d.JobID, err)
	}
	return nil
}

// Dequeue blocks for up to timeout waiting for the next descriptor. Returns
// nil when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Descriptor, error) {
	res, err := q.client.BRPop(ctx, timeout, jobsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPop returns [key, value].
	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	return &env.Payload, nil
}

// Depth reports the number of waiting descriptors.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobsKey).Result()
}
