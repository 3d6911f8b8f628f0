package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ansible-runner-service/internal/store"
)

type fakeDurable struct {
	stale    []*store.Job
	staleErr error
	updates  []recoveryUpdate
}

type recoveryUpdate struct {
	id     string
	status store.Status
	update store.StatusUpdate
}

func (f *fakeDurable) ListStaleRunning(_ context.Context, _ time.Duration) ([]*store.Job, error) {
	return f.stale, f.staleErr
}

func (f *fakeDurable) UpdateStatus(_ context.Context, id string, status store.Status, update store.StatusUpdate) (bool, error) {
	f.updates = append(f.updates, recoveryUpdate{id, status, update})
	return true, nil
}

type fakeEphemeral struct {
	live map[string]bool
	err  error
}

func (f *fakeEphemeral) Exists(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.live[id], nil
}

func TestRecoverStaleJobs(t *testing.T) {
	durable := &fakeDurable{stale: []*store.Job{
		{ID: "abandoned", Status: store.StatusRunning},
		{ID: "still-alive", Status: store.StatusRunning},
	}}
	ephemeral := &fakeEphemeral{live: map[string]bool{"still-alive": true}}

	RecoverStaleJobs(context.Background(), durable, ephemeral, time.Hour, zerolog.Nop())

	if len(durable.updates) != 1 {
		t.Fatalf("updates = %+v, want only the abandoned job", durable.updates)
	}
	u := durable.updates[0]
	if u.id != "abandoned" || u.status != store.StatusFailed {
		t.Fatalf("update = %+v", u)
	}
	if u.update.Error != "Worker crashed or timed out" {
		t.Fatalf("error = %q", u.update.Error)
	}
	if u.update.FinishedAt == nil {
		t.Fatal("finished_at must be set")
	}
	if u.update.StartedAt != nil {
		t.Fatal("recovery must not rewrite started_at")
	}
}

func TestRecoverStaleJobsScanFailureDoesNotPanic(t *testing.T) {
	durable := &fakeDurable{staleErr: errors.New("db down")}
	RecoverStaleJobs(context.Background(), durable, &fakeEphemeral{}, time.Hour, zerolog.Nop())
	if len(durable.updates) != 0 {
		t.Fatalf("updates = %+v", durable.updates)
	}
}

func TestRecoverStaleJobsEphemeralErrorSkipsJob(t *testing.T) {
	durable := &fakeDurable{stale: []*store.Job{{ID: "x", Status: store.StatusRunning}}}
	ephemeral := &fakeEphemeral{err: errors.New("redis down")}

	RecoverStaleJobs(context.Background(), durable, ephemeral, time.Hour, zerolog.Nop())
	if len(durable.updates) != 0 {
		t.Fatalf("updates = %+v, want none when the ephemeral check fails", durable.updates)
	}
}
