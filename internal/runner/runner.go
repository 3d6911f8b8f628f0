package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"ansible-runner-service/internal/store"
)

// Statuses reported by the runner. RC == 0 maps to successful; a nonzero
// exit is a normal outcome, not an error.
const (
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// Request describes a single playbook execution.
type Request struct {
	// PlaybookPath is the absolute path of the playbook to run.
	PlaybookPath string
	// Inventory is either a file path or a literal inventory string such
	// as "localhost,". Both are passed to -i verbatim.
	Inventory string
	ExtraVars map[string]interface{}
	Options   *store.Options
	// Env entries are appended to the inherited environment, e.g.
	// ANSIBLE_COLLECTIONS_PATH for role runs.
	Env map[string]string
	// WorkDir is the per-run scratch directory the child runs in.
	WorkDir string
}

// Result is the runner's verdict on one execution.
type Result struct {
	Status string
	RC     int
	Stdout string
	Stats  map[string]interface{}
}

// Runner executes ansible-playbook as a child process.
type Runner struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger.With().Str("component", "runner").Logger()}
}

// Run executes the playbook and returns its result. An error is returned
// only when the process could not be started or the arguments could not be
// built; a failing playbook comes back as a Result with Status failed.
//
// The child is deliberately not bound to ctx: a playbook killed mid-run
// leaves partial effects on target hosts, so a started run always proceeds
// to completion regardless of caller cancellation.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	args, err := buildArgs(req)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("playbook", req.PlaybookPath).
		Strs("args", args).
		Msg("Starting ansible-playbook")

	var output bytes.Buffer
	cmd := exec.Command("ansible-playbook", args...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.Env = os.Environ()
	for key, value := range req.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	rc := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("start ansible-playbook: %w", err)
		}
		rc = exitErr.ExitCode()
	}

	status := StatusSuccessful
	if rc != 0 {
		status = StatusFailed
	}

	stdout := output.String()
	r.logger.Info().
		Str("playbook", req.PlaybookPath).
		Int("rc", rc).
		Str("status", status).
		Msg("ansible-playbook finished")

	return &Result{
		Status: status,
		RC:     rc,
		Stdout: stdout,
		Stats:  parsePlayRecap(stdout),
	}, nil
}

// buildArgs maps a request onto the ansible-playbook command line.
func buildArgs(req Request) ([]string, error) {
	args := []string{req.PlaybookPath, "-i", req.Inventory}

	if len(req.ExtraVars) > 0 {
		encoded, err := json.Marshal(req.ExtraVars)
		if err != nil {
			return nil, fmt.Errorf("encode extra vars: %w", err)
		}
		args = append(args, "-e", string(encoded))
	}

	opts := req.Options
	if opts == nil {
		return args, nil
	}

	if len(opts.Tags) > 0 {
		args = append(args, "--tags", strings.Join(opts.Tags, ","))
	}
	if len(opts.SkipTags) > 0 {
		args = append(args, "--skip-tags", strings.Join(opts.SkipTags, ","))
	}
	if opts.Limit != "" {
		args = append(args, "--limit", opts.Limit)
	}
	if opts.Verbosity > 0 {
		args = append(args, "-"+strings.Repeat("v", opts.Verbosity))
	}
	if opts.Check {
		args = append(args, "--check")
	}
	if opts.Diff {
		args = append(args, "--diff")
	}
	if opts.VaultPasswordFile != "" {
		args = append(args, "--vault-password-file", opts.VaultPasswordFile)
	}
	return args, nil
}

// parsePlayRecap extracts per-host counters from the PLAY RECAP block.
// Lines look like:
//
//	localhost : ok=3 changed=1 unreachable=0 failed=0 skipped=2 rescued=0 ignored=0
func parsePlayRecap(output string) map[string]interface{} {
	stats := make(map[string]interface{})
	inRecap := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "PLAY RECAP") {
			inRecap = true
			continue
		}
		if !inRecap {
			continue
		}

		host, counters, ok := strings.Cut(line, ":")
		if !ok || !strings.Contains(counters, "ok=") {
			continue
		}

		hostStats := make(map[string]int)
		for _, field := range strings.Fields(counters) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			hostStats[key] = n
		}
		stats[strings.TrimSpace(host)] = hostStats
	}
	return stats
}
