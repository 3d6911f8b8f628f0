package gitsource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoCollectionInstalled = errors.New("no collection installed")
	ErrAmbiguousCollection   = errors.New("multiple collections installed")
)

// ResolveFQCN produces the fully-qualified collection name for a role.
//
// A role that already contains at least two dots is treated as fully
// qualified. Otherwise the primary collection from the install output is
// used when known, falling back to the single galaxy.yml under the
// collections directory.
func ResolveFQCN(role, collectionsDir string, primary *Collection) (string, error) {
	if strings.Count(role, ".") >= 2 {
		return role, nil
	}

	if primary != nil {
		return fmt.Sprintf("%s.%s.%s", primary.Namespace, primary.Name, role), nil
	}

	pattern := filepath.Join(collectionsDir, "ansible_collections", "*", "*", "galaxy.yml")
	galaxyFiles, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("scan collections: %w", err)
	}

	switch len(galaxyFiles) {
	case 0:
		return "", fmt.Errorf("%w in %s: ensure the repo is a valid Ansible collection",
			ErrNoCollectionInstalled, collectionsDir)
	case 1:
	default:
		return "", fmt.Errorf("%w in %s: pass the role as namespace.collection.role",
			ErrAmbiguousCollection, collectionsDir)
	}

	data, err := os.ReadFile(galaxyFiles[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", galaxyFiles[0], err)
	}

	var galaxy struct {
		Namespace string `yaml:"namespace"`
		Name      string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &galaxy); err != nil {
		return "", fmt.Errorf("parse %s: %w", galaxyFiles[0], err)
	}
	if galaxy.Namespace == "" || galaxy.Name == "" {
		return "", fmt.Errorf("parse %s: missing namespace or name", galaxyFiles[0])
	}

	return fmt.Sprintf("%s.%s.%s", galaxy.Namespace, galaxy.Name, role), nil
}
