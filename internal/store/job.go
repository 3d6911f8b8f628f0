package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job lifecycle state. Transitions form a DAG:
// pending -> running -> {successful, failed}, with pending -> failed
// permitted for materialization failures.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Result holds the outcome of a playbook run. Present iff the job is
// terminal. RC == 0 iff the job is successful.
type Result struct {
	RC     int                    `json:"rc"`
	Stdout string                 `json:"stdout"`
	Stats  map[string]interface{} `json:"stats"`
}

// Options are execution modifiers forwarded to the playbook runner.
type Options struct {
	Check             bool     `json:"check,omitempty"`
	Diff              bool     `json:"diff,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	SkipTags          []string `json:"skip_tags,omitempty"`
	Limit             string   `json:"limit,omitempty"`
	Verbosity         int      `json:"verbosity,omitempty"`
	VaultPasswordFile string   `json:"vault_password_file,omitempty"`
}

// GitInventory references an inventory file in an allowed Git repository.
type GitInventory struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// Inventory is either a literal inventory spec string, an inline mapping, or
// a git reference. Exactly one of the fields is set.
type Inventory struct {
	Literal string
	Inline  map[string]interface{}
	Git     *GitInventory
}

// IsZero reports whether no inventory was supplied.
func (inv Inventory) IsZero() bool {
	return inv.Literal == "" && inv.Inline == nil && inv.Git == nil
}

func (inv Inventory) MarshalJSON() ([]byte, error) {
	switch {
	case inv.Git != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*GitInventory
		}{Type: "git", GitInventory: inv.Git})
	case inv.Inline != nil:
		return json.Marshal(struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}{Type: "inline", Data: inv.Inline})
	default:
		return json.Marshal(inv.Literal)
	}
}

func (inv *Inventory) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		*inv = Inventory{Literal: literal}
		return nil
	}

	var tagged struct {
		Type   string                 `json:"type"`
		Data   map[string]interface{} `json:"data"`
		Repo   string                 `json:"repo"`
		Branch string                 `json:"branch"`
		Path   string                 `json:"path"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("invalid inventory: %w", err)
	}

	switch tagged.Type {
	case "inline":
		if tagged.Data == nil {
			return fmt.Errorf("inline inventory requires a data mapping")
		}
		*inv = Inventory{Inline: tagged.Data}
	case "git":
		*inv = Inventory{Git: &GitInventory{Repo: tagged.Repo, Branch: tagged.Branch, Path: tagged.Path}}
	default:
		return fmt.Errorf("unknown inventory type %q", tagged.Type)
	}
	return nil
}

// SourceConfig is the tagged union describing where job content comes from,
// discriminated by (type, target).
type SourceConfig struct {
	Type   string `json:"type"`   // local | git
	Target string `json:"target"` // playbook | role

	// Playbook targets.
	Path string `json:"path,omitempty"`

	// Role targets.
	Collection string                 `json:"collection,omitempty"`
	Role       string                 `json:"role,omitempty"`
	RoleVars   map[string]interface{} `json:"role_vars,omitempty"`

	// Git sources.
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// DisplayName is the value stored in the job's playbook column: the relative
// playbook path for playbook targets, the short role name for role targets.
func (s *SourceConfig) DisplayName() string {
	if s.Target == "role" {
		return s.Role
	}
	return s.Path
}

// Job is the unit of work tracked across both tiers of the store.
type Job struct {
	ID        string                 `json:"job_id"`
	Status    Status                 `json:"status"`
	Playbook  string                 `json:"playbook"`
	ExtraVars map[string]interface{} `json:"extra_vars"`
	Inventory Inventory              `json:"inventory"`
	Options   *Options               `json:"options,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	SourceType   string `json:"source_type"`
	SourceTarget string `json:"source_target"`
	SourceRepo   string `json:"source_repo,omitempty"`
	SourceBranch string `json:"source_branch,omitempty"`
}

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
	Result     *Result
	Error      string
}
