package server

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"ansible-runner-service/internal/store"
)

// SubmitJobRequest is the POST /api/v1/jobs body. A bare playbook field is
// shorthand for a local playbook source.
type SubmitJobRequest struct {
	Playbook  string                 `json:"playbook,omitempty"`
	Source    *SourceRequest         `json:"source,omitempty"`
	ExtraVars map[string]interface{} `json:"extra_vars,omitempty"`
	Inventory store.Inventory        `json:"inventory,omitempty"`
	Options   *store.Options         `json:"options,omitempty"`
}

// SourceRequest is the tagged union describing where job content comes
// from, discriminated by (type, target).
type SourceRequest struct {
	Type   string `json:"type" validate:"required,oneof=local git"`
	Target string `json:"target" validate:"required,oneof=playbook role"`

	Path string `json:"path,omitempty" validate:"omitempty,relpath"`

	Collection string                 `json:"collection,omitempty"`
	Role       string                 `json:"role,omitempty"`
	RoleVars   map[string]interface{} `json:"role_vars,omitempty"`

	Repo   string `json:"repo,omitempty" validate:"omitempty,url"`
	Branch string `json:"branch,omitempty"`
}

// RequestValidator validates submissions.
type RequestValidator struct {
	validator *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New()

	// Relative paths only: no absolute paths, no parent traversal.
	_ = v.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		return path != "" && !strings.HasPrefix(path, "/") && !strings.Contains(path, "..")
	})

	return &RequestValidator{validator: v}
}

// Validate checks the submission and normalizes it into a SourceConfig.
func (rv *RequestValidator) Validate(req *SubmitJobRequest) (*store.SourceConfig, error) {
	src := req.Source
	if src == nil {
		if req.Playbook == "" {
			return nil, fmt.Errorf("either source or playbook is required")
		}
		src = &SourceRequest{Type: "local", Target: "playbook", Path: req.Playbook}
	}

	if err := rv.validator.Struct(src); err != nil {
		return nil, err
	}

	switch {
	case src.Type == "local" && src.Target == "playbook":
		if src.Path == "" {
			return nil, fmt.Errorf("local playbook source requires path")
		}
	case src.Type == "local" && src.Target == "role":
		if src.Collection == "" || src.Role == "" {
			return nil, fmt.Errorf("local role source requires collection and role")
		}
	case src.Type == "git" && src.Target == "playbook":
		if src.Repo == "" || src.Branch == "" || src.Path == "" {
			return nil, fmt.Errorf("git playbook source requires repo, branch and path")
		}
	case src.Type == "git" && src.Target == "role":
		if src.Repo == "" || src.Branch == "" || src.Role == "" {
			return nil, fmt.Errorf("git role source requires repo, branch and role")
		}
	}

	if req.Inventory.Git != nil {
		git := req.Inventory.Git
		if git.Repo == "" || git.Branch == "" || git.Path == "" {
			return nil, fmt.Errorf("git inventory requires repo, branch and path")
		}
		if strings.HasPrefix(git.Path, "/") || strings.Contains(git.Path, "..") {
			return nil, fmt.Errorf("git inventory path must be relative without traversal")
		}
	}

	if opts := req.Options; opts != nil {
		if opts.Verbosity < 0 || opts.Verbosity > 4 {
			return nil, fmt.Errorf("verbosity must be between 0 and 4")
		}
	}

	return &store.SourceConfig{
		Type:       src.Type,
		Target:     src.Target,
		Path:       src.Path,
		Collection: src.Collection,
		Role:       src.Role,
		RoleVars:   src.RoleVars,
		Repo:       src.Repo,
		Branch:     src.Branch,
	}, nil
}
