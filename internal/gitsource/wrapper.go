package gitsource

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type wrapperRole struct {
	Role string                 `yaml:"role"`
	Vars map[string]interface{} `yaml:"vars,omitempty"`
}

type wrapperPlay struct {
	Name        string        `yaml:"name"`
	Hosts       string        `yaml:"hosts"`
	GatherFacts bool          `yaml:"gather_facts"`
	Roles       []wrapperRole `yaml:"roles"`
}

// WrapperPlaybook synthesizes a single-play playbook that runs a role by
// FQCN. The document is produced by the serializer, not templating: ansible
// parses it again, so it has to round-trip.
func WrapperPlaybook(fqcn string, roleVars map[string]interface{}) ([]byte, error) {
	role := wrapperRole{Role: fqcn}
	if len(roleVars) > 0 {
		role.Vars = roleVars
	}

	playbook := []wrapperPlay{{
		Name:        fmt.Sprintf("Run role %s", fqcn),
		Hosts:       "all",
		GatherFacts: true,
		Roles:       []wrapperRole{role},
	}}

	return yaml.Marshal(playbook)
}
