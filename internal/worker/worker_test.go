package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ansible-runner-service/internal/gitsource"
	"ansible-runner-service/internal/queue"
	"ansible-runner-service/internal/runner"
	"ansible-runner-service/internal/store"
)

type recordedUpdate struct {
	id     string
	status store.Status
	update store.StatusUpdate
}

type stubStore struct {
	updates []recordedUpdate
	failOn  store.Status
}

func (s *stubStore) UpdateStatus(_ context.Context, id string, status store.Status, update store.StatusUpdate) error {
	if s.failOn != "" && status == s.failOn {
		return errors.New("store unavailable")
	}
	s.updates = append(s.updates, recordedUpdate{id, status, update})
	return nil
}

type stubRunner struct {
	lastReq runner.Request
	result  *runner.Result
	err     error
}

func (r *stubRunner) Run(_ context.Context, req runner.Request) (*runner.Result, error) {
	r.lastReq = req
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type stubGit struct {
	cloneErr   error
	cloned     []string
	installed  []string
	primary    *gitsource.Collection
	installErr error
	// planted files created inside every clone destination, relative paths.
	plant []string
}

func (g *stubGit) Clone(_ context.Context, repoURL, _, dest string) error {
	if g.cloneErr != nil {
		return g.cloneErr
	}
	g.cloned = append(g.cloned, repoURL)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, rel := range g.plant {
		path := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte("---\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (g *stubGit) InstallCollection(_ context.Context, repoURL, _, collectionsDir string) (*gitsource.Collection, error) {
	if g.installErr != nil {
		return nil, g.installErr
	}
	g.installed = append(g.installed, repoURL)
	if err := os.MkdirAll(collectionsDir, 0o755); err != nil {
		return nil, err
	}
	return g.primary, nil
}

func newTestPool(s jobStore, r playbookRunner, g materializer) *Pool {
	return NewPool(nil, s, r, g, Config{
		Count:          1,
		PlaybooksDir:   "/srv/playbooks",
		CollectionsDir: "/srv/collections",
	}, zerolog.Nop())
}

func successResult() *runner.Result {
	return &runner.Result{
		Status: runner.StatusSuccessful,
		RC:     0,
		Stdout: "PLAY RECAP\nlocalhost : ok=1 changed=0 unreachable=0 failed=0",
		Stats:  map[string]interface{}{"localhost": map[string]int{"ok": 1}},
	}
}

func TestProcessLocalPlaybook(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:     "job-1",
		Playbook:  "site.yml",
		ExtraVars: map[string]interface{}{"env": "prod"},
	})

	if len(st.updates) != 2 {
		t.Fatalf("got %d updates, want running+terminal", len(st.updates))
	}

	running := st.updates[0]
	if running.status != store.StatusRunning || running.update.StartedAt == nil {
		t.Fatalf("first update = %+v, want running with started_at", running)
	}

	terminal := st.updates[1]
	if terminal.status != store.StatusSuccessful {
		t.Fatalf("terminal status = %s", terminal.status)
	}
	if terminal.update.FinishedAt == nil || terminal.update.Result == nil {
		t.Fatalf("terminal update incomplete: %+v", terminal.update)
	}
	if terminal.update.Result.RC != 0 {
		t.Fatalf("rc = %d", terminal.update.Result.RC)
	}

	if rn.lastReq.PlaybookPath != "/srv/playbooks/site.yml" {
		t.Fatalf("playbook path = %q", rn.lastReq.PlaybookPath)
	}
	if rn.lastReq.Inventory != defaultInventory {
		t.Fatalf("inventory = %q, want default", rn.lastReq.Inventory)
	}
}

func TestProcessNonzeroRCIsFailed(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: &runner.Result{Status: runner.StatusFailed, RC: 2, Stdout: "boom"}}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{JobID: "job-2", Playbook: "site.yml"})

	terminal := st.updates[len(st.updates)-1]
	if terminal.status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", terminal.status)
	}
	if terminal.update.Result == nil || terminal.update.Result.RC != 2 {
		t.Fatalf("result = %+v", terminal.update.Result)
	}
	if terminal.update.Error != "" {
		t.Fatalf("playbook failure must not set error, got %q", terminal.update.Error)
	}
}

func TestProcessLocalRole(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:    "job-3",
		Playbook: "nginx",
		SourceConfig: &store.SourceConfig{
			Type:       "local",
			Target:     "role",
			Collection: "mycompany.infra",
			Role:       "nginx",
			RoleVars:   map[string]interface{}{"listen_port": 8080},
		},
	})

	if !strings.HasSuffix(rn.lastReq.PlaybookPath, "run_role.yml") {
		t.Fatalf("playbook path = %q, want wrapper", rn.lastReq.PlaybookPath)
	}
	if rn.lastReq.Env["ANSIBLE_COLLECTIONS_PATH"] != "/srv/collections" {
		t.Fatalf("env = %v", rn.lastReq.Env)
	}
	if st.updates[len(st.updates)-1].status != store.StatusSuccessful {
		t.Fatalf("status = %s", st.updates[len(st.updates)-1].status)
	}
}

func TestProcessGitPlaybook(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	git := &stubGit{plant: []string{"playbooks/deploy.yml"}}
	pool := newTestPool(st, rn, git)

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:    "job-4",
		Playbook: "playbooks/deploy.yml",
		SourceConfig: &store.SourceConfig{
			Type:   "git",
			Target: "playbook",
			Repo:   "https://dev.azure.com/xxxit/proj/_git/repo",
			Branch: "main",
			Path:   "playbooks/deploy.yml",
		},
	})

	if len(git.cloned) != 1 {
		t.Fatalf("clones = %v", git.cloned)
	}
	if !strings.HasSuffix(rn.lastReq.PlaybookPath, "playbooks/deploy.yml") {
		t.Fatalf("playbook path = %q", rn.lastReq.PlaybookPath)
	}
	if st.updates[len(st.updates)-1].status != store.StatusSuccessful {
		t.Fatalf("status = %s", st.updates[len(st.updates)-1].status)
	}
}

func TestProcessGitPlaybookEscapingPathFails(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{
		JobID: "job-5",
		SourceConfig: &store.SourceConfig{
			Type:   "git",
			Target: "playbook",
			Repo:   "https://dev.azure.com/xxxit/proj/_git/repo",
			Branch: "main",
			Path:   "../outside.yml",
		},
	})

	terminal := st.updates[len(st.updates)-1]
	if terminal.status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", terminal.status)
	}
	if terminal.update.Error == "" {
		t.Fatal("expected an error message on the job")
	}
	if rn.lastReq.PlaybookPath != "" {
		t.Fatal("runner must not be invoked for an escaping path")
	}
}

func TestProcessGitRole(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	git := &stubGit{primary: &gitsource.Collection{Namespace: "mycompany", Name: "infra"}}
	pool := newTestPool(st, rn, git)

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:    "job-6",
		Playbook: "nginx",
		SourceConfig: &store.SourceConfig{
			Type:   "git",
			Target: "role",
			Repo:   "https://gitlab.company.com/team/col.git",
			Branch: "main",
			Role:   "nginx",
		},
	})

	if len(git.installed) != 1 {
		t.Fatalf("installs = %v", git.installed)
	}
	if !strings.HasSuffix(rn.lastReq.PlaybookPath, "run_role.yml") {
		t.Fatalf("playbook path = %q", rn.lastReq.PlaybookPath)
	}
	// The per-job collections dir, not the configured local one.
	if rn.lastReq.Env["ANSIBLE_COLLECTIONS_PATH"] == "/srv/collections" {
		t.Fatalf("env points at the local collections dir: %v", rn.lastReq.Env)
	}
	if rn.lastReq.Env["ANSIBLE_COLLECTIONS_PATH"] == "" {
		t.Fatal("collections path not set")
	}
}

func TestProcessCloneFailureRecordsError(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	git := &stubGit{cloneErr: errors.New("git clone failed: authentication ***")}
	pool := newTestPool(st, rn, git)

	pool.Process(context.Background(), &queue.Descriptor{
		JobID: "job-7",
		SourceConfig: &store.SourceConfig{
			Type:   "git",
			Target: "playbook",
			Repo:   "https://dev.azure.com/xxxit/proj/_git/repo",
			Branch: "main",
			Path:   "site.yml",
		},
	})

	terminal := st.updates[len(st.updates)-1]
	if terminal.status != store.StatusFailed {
		t.Fatalf("status = %s", terminal.status)
	}
	if !strings.Contains(terminal.update.Error, "git clone failed") {
		t.Fatalf("error = %q", terminal.update.Error)
	}
	if terminal.update.Result != nil {
		t.Fatal("materialization failure must not fabricate a result")
	}
}

func TestProcessInlineInventory(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:    "job-8",
		Playbook: "site.yml",
		Inventory: store.Inventory{Inline: map[string]interface{}{
			"all": map[string]interface{}{"hosts": map[string]interface{}{"web1": nil}},
		}},
	})

	if !strings.HasSuffix(rn.lastReq.Inventory, "inventory.yml") {
		t.Fatalf("inventory = %q, want a written file", rn.lastReq.Inventory)
	}
}

func TestProcessLiteralInventory(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:     "job-9",
		Playbook:  "site.yml",
		Inventory: store.Inventory{Literal: "web1,web2,"},
	})

	if rn.lastReq.Inventory != "web1,web2," {
		t.Fatalf("inventory = %q", rn.lastReq.Inventory)
	}
}

func TestProcessGitInventory(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	git := &stubGit{plant: []string{"inventories/prod.yml"}}
	pool := newTestPool(st, rn, git)

	pool.Process(context.Background(), &queue.Descriptor{
		JobID:    "job-10",
		Playbook: "site.yml",
		Inventory: store.Inventory{Git: &store.GitInventory{
			Repo:   "https://gitlab.company.com/team/inv.git",
			Branch: "main",
			Path:   "inventories/prod.yml",
		}},
	})

	if len(git.cloned) != 1 {
		t.Fatalf("clones = %v", git.cloned)
	}
	if !strings.HasSuffix(rn.lastReq.Inventory, "inventories/prod.yml") {
		t.Fatalf("inventory = %q", rn.lastReq.Inventory)
	}
}

func TestProcessDropsJobWhenRunningUpdateFails(t *testing.T) {
	st := &stubStore{failOn: store.StatusRunning}
	rn := &stubRunner{result: successResult()}
	pool := newTestPool(st, rn, &stubGit{})

	pool.Process(context.Background(), &queue.Descriptor{JobID: "job-11", Playbook: "site.yml"})

	if rn.lastReq.PlaybookPath != "" {
		t.Fatal("runner must not be invoked when the job cannot be marked running")
	}
	if len(st.updates) != 0 {
		t.Fatalf("updates = %+v", st.updates)
	}
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	st := &stubStore{}
	rn := &stubRunner{result: successResult()}
	pool := NewPool(emptyQueue{}, st, rn, &stubGit{}, Config{Count: 2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

type emptyQueue struct{}

func (emptyQueue) Dequeue(ctx context.Context, _ time.Duration) (*queue.Descriptor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
