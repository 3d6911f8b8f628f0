package gitsource

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestWrapperPlaybookRoundTrip(t *testing.T) {
	data, err := WrapperPlaybook("mycompany.infra.nginx", map[string]interface{}{
		"listen_port": 8080,
		"server_name": "example.com",
	})
	if err != nil {
		t.Fatalf("WrapperPlaybook: %v", err)
	}

	var plays []struct {
		Name        string `yaml:"name"`
		Hosts       string `yaml:"hosts"`
		GatherFacts bool   `yaml:"gather_facts"`
		Roles       []struct {
			Role string                 `yaml:"role"`
			Vars map[string]interface{} `yaml:"vars"`
		} `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &plays); err != nil {
		t.Fatalf("playbook does not parse back: %v", err)
	}

	if len(plays) != 1 {
		t.Fatalf("got %d plays, want 1", len(plays))
	}
	play := plays[0]
	if play.Hosts != "all" || !play.GatherFacts {
		t.Fatalf("play header = %+v", play)
	}
	if len(play.Roles) != 1 || play.Roles[0].Role != "mycompany.infra.nginx" {
		t.Fatalf("roles = %+v", play.Roles)
	}

	wantVars := map[string]interface{}{"listen_port": 8080, "server_name": "example.com"}
	if diff := cmp.Diff(wantVars, play.Roles[0].Vars); diff != "" {
		t.Fatalf("vars mismatch (-want +got):\n%s", diff)
	}
}

func TestWrapperPlaybookNoVars(t *testing.T) {
	data, err := WrapperPlaybook("mycompany.infra.nginx", nil)
	if err != nil {
		t.Fatalf("WrapperPlaybook: %v", err)
	}
	if strings.Contains(string(data), "vars") {
		t.Fatalf("empty vars should be omitted:\n%s", data)
	}
}
