package gitsource

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathEscapesRepo = errors.New("path resolves outside the repository")

// ContainedPath joins rel onto repoDir and asserts, symlink-aware, that the
// result stays inside repoDir. Defends against both .. segments and
// symlinks planted in the repo.
func ContainedPath(repoDir, rel string) (string, error) {
	repoReal, err := filepath.EvalSymlinks(repoDir)
	if err != nil {
		return "", fmt.Errorf("resolve repo dir: %w", err)
	}

	joined := filepath.Join(repoReal, rel)
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}

	// Containment is judged before existence so a symlinked directory
	// pointing outside the repo classifies as an escape even when the
	// requested leaf does not exist at the other end.
	if resolved != repoReal && !strings.HasPrefix(resolved, repoReal+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRepo, rel)
	}

	if _, err := os.Lstat(resolved); err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	return resolved, nil
}

// resolveExisting resolves symlinks in the deepest existing ancestor of
// path and re-joins the nonexistent remainder onto it.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for current := path; ; {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
