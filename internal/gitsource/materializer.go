package gitsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ansible-runner-service/internal/gitpolicy"
)

// Materializer errors, recorded on the job by the worker.
var (
	ErrCloneFailed    = errors.New("git clone failed")
	ErrCloneTimeout   = errors.New("git clone timed out")
	ErrInstallFailed  = errors.New("collection install failed")
	ErrInstallTimeout = errors.New("collection install timed out")
)

const commandTimeout = 120 * time.Second

var installingPattern = regexp.MustCompile(`Installing '(\w+)\.(\w+):`)

// Collection identifies an installed Ansible collection.
type Collection struct {
	Namespace string
	Name      string
}

// Materializer makes remote Git content locally available: shallow clones
// and collection installs, both authenticated through the askpass side
// channel.
type Materializer struct {
	policy  *gitpolicy.Policy
	timeout time.Duration
	logger  zerolog.Logger
}

// NewMaterializer builds a materializer bound to the provider policy.
func NewMaterializer(policy *gitpolicy.Policy, logger zerolog.Logger) *Materializer {
	return &Materializer{
		policy:  policy,
		timeout: commandTimeout,
		logger:  logger.With().Str("component", "gitsource").Logger(),
	}
}

// Clone shallow-clones a single branch into dest. The repo URL is resolved
// against the provider policy; the credential flows through the askpass
// channel and is scrubbed from any error output.
func (m *Materializer) Clone(ctx context.Context, repoURL, branch, dest string) error {
	provider, credential, cloneURL, err := m.prepare(ctx, repoURL)
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("repo", repoURL).
		Str("branch", branch).
		Str("provider", provider.Type).
		Msg("Cloning repository")

	args := []string{"clone", "--depth", "1", "--branch", branch, "--single-branch", cloneURL, dest}
	_, err = m.runAuthenticated(ctx, credential, "git", args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrCloneTimeout, m.timeout)
		}
		return fmt.Errorf("%w: %s", ErrCloneFailed, scrub(stderrOf(err), credential))
	}
	return nil
}

// InstallCollection installs an Ansible collection from a Git repo into
// collectionsDir via ansible-galaxy. Returns the primary installed
// collection parsed from the tool's output, or nil when unparseable (the
// caller falls back to galaxy.yml inspection).
func (m *Materializer) InstallCollection(ctx context.Context, repoURL, branch, collectionsDir string) (*Collection, error) {
	provider, credential, cloneURL, err := m.prepare(ctx, repoURL)
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("repo", repoURL).
		Str("branch", branch).
		Str("provider", provider.Type).
		Str("collections_dir", collectionsDir).
		Msg("Installing collection")

	// ansible-galaxy expects git+<url>,<branch>.
	source := fmt.Sprintf("git+%s,%s", cloneURL, branch)
	stdout, err := m.runAuthenticated(ctx, credential, "ansible-galaxy",
		"collection", "install", source, "-p", collectionsDir)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrInstallTimeout, m.timeout)
		}
		return nil, fmt.Errorf("%w: %s", ErrInstallFailed, scrub(stderrOf(err), credential))
	}

	return parsePrimaryCollection(stdout), nil
}

// prepare resolves the provider, fetches its credential and builds the
// username-only clone URL.
func (m *Materializer) prepare(ctx context.Context, repoURL string) (*gitpolicy.Provider, string, string, error) {
	provider, err := m.policy.Resolve(repoURL)
	if err != nil {
		return nil, "", "", err
	}
	credential, err := m.policy.Credential(ctx, provider)
	if err != nil {
		return nil, "", "", err
	}
	cloneURL, err := buildUsernameURL(repoURL, provider)
	if err != nil {
		return nil, "", "", err
	}
	return provider, credential, cloneURL, nil
}

// runAuthenticated runs a child process with the askpass environment inside
// a scratch directory that is removed on every exit path.
func (m *Materializer) runAuthenticated(ctx context.Context, credential, name string, args ...string) (string, error) {
	scratch, err := os.MkdirTemp("", "askpass")
	if err != nil {
		return "", fmt.Errorf("create askpass dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	askpassPath, err := writeAskpass(scratch)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = askpassEnv(askpassPath, credential)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", context.DeadlineExceeded
		}
		return "", &commandError{err: err, stderr: stderr.String()}
	}
	return stdout.String(), nil
}

// buildUsernameURL embeds only the provider-specific username in the clone
// URL; the credential itself never appears in it.
func buildUsernameURL(repoURL string, provider *gitpolicy.Provider) (string, error) {
	username, err := provider.CloneUsername()
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository URL: %w", err)
	}
	parsed.User = url.User(username)
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

// parsePrimaryCollection extracts the first collection ansible-galaxy
// reports installing; later matches are dependencies.
func parsePrimaryCollection(stdout string) *Collection {
	match := installingPattern.FindStringSubmatch(stdout)
	if match == nil {
		return nil
	}
	return &Collection{Namespace: match[1], Name: match[2]}
}

// scrub replaces every occurrence of the live credential with *** so it can
// never leak through persisted or surfaced error messages.
func scrub(message, credential string) string {
	if message == "" {
		return "unknown error"
	}
	if credential == "" {
		return message
	}
	return strings.ReplaceAll(message, credential, "***")
}

type commandError struct {
	err    error
	stderr string
}

func (e *commandError) Error() string {
	if e.stderr != "" {
		return e.stderr
	}
	return e.err.Error()
}

func (e *commandError) Unwrap() error { return e.err }

func stderrOf(err error) string {
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Error()
	}
	return err.Error()
}
