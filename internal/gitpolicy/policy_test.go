package gitpolicy

import (
	"context"
	"errors"
	"testing"
)

const providersJSON = `[
	{"type":"azure","host":"dev.azure.com","orgs":["xxxit"],"credential_env":"AZURE_PAT"},
	{"type":"gitlab","host":"gitlab.company.com","orgs":["team","infra"],"credential_env":"GITLAB_TOKEN"}
]`

func loadPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := Load(providersJSON)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestLoadEmpty(t *testing.T) {
	p, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Providers()) != 0 {
		t.Fatalf("expected empty policy, got %d providers", len(p.Providers()))
	}
	if _, err := p.Resolve("https://dev.azure.com/xxxit/p/_git/r"); !errors.Is(err, ErrHostNotConfigured) {
		t.Fatalf("expected ErrHostNotConfigured, got %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	if _, err := Load("{not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestResolve(t *testing.T) {
	p := loadPolicy(t)

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"azure allowed", "https://dev.azure.com/xxxit/project/_git/repo", nil},
		{"gitlab allowed", "https://gitlab.company.com/team/col.git", nil},
		{"gitlab subgroup allowed", "https://gitlab.company.com/infra/sub/repo.git", nil},
		{"http rejected", "http://dev.azure.com/xxxit/project/_git/repo", ErrSchemeNotHTTPS},
		{"ssh rejected", "ssh://git@dev.azure.com/xxxit/p", ErrSchemeNotHTTPS},
		{"unknown host", "https://github.com/x/y.git", ErrHostNotConfigured},
		{"org not allowed", "https://dev.azure.com/otherorg/project/_git/repo", ErrOrgNotAllowed},
		{"empty path", "https://dev.azure.com", ErrOrgNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := p.Resolve(tt.url)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Resolve(%q): %v", tt.url, err)
				}
				if provider == nil {
					t.Fatal("expected a provider")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestResolveBindsProviderRecord(t *testing.T) {
	p := loadPolicy(t)

	provider, err := p.Resolve("https://gitlab.company.com/team/col.git")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.Type != "gitlab" || provider.CredentialEnv != "GITLAB_TOKEN" {
		t.Fatalf("wrong provider matched: %+v", provider)
	}
}

func TestCredentialFromEnv(t *testing.T) {
	p := loadPolicy(t)
	provider, err := p.Resolve("https://dev.azure.com/xxxit/project/_git/repo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Setenv("AZURE_PAT", "s3cret")
	cred, err := p.Credential(context.Background(), provider)
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred != "s3cret" {
		t.Fatalf("Credential = %q, want s3cret", cred)
	}
}

func TestCredentialMissing(t *testing.T) {
	p := loadPolicy(t)
	provider, err := p.Resolve("https://dev.azure.com/xxxit/project/_git/repo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Setenv("AZURE_PAT", "")
	if _, err := p.Credential(context.Background(), provider); !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}
}

type stubSecrets struct {
	data map[string]interface{}
}

func (s *stubSecrets) GetSecret(path string) (map[string]interface{}, error) {
	return s.data, nil
}

func TestCredentialVaultFallback(t *testing.T) {
	p := loadPolicy(t).WithSecretSource(&stubSecrets{
		data: map[string]interface{}{"GITLAB_TOKEN": "from-vault"},
	}, "ansible/git-credentials")

	provider, err := p.Resolve("https://gitlab.company.com/team/col.git")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	t.Setenv("GITLAB_TOKEN", "")
	cred, err := p.Credential(context.Background(), provider)
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred != "from-vault" {
		t.Fatalf("Credential = %q, want from-vault", cred)
	}
}

func TestCloneUsername(t *testing.T) {
	tests := []struct {
		ptype string
		want  string
	}{
		{"azure", "pat"},
		{"gitlab", "oauth2"},
		{"github", "x-access-token"},
	}
	for _, tt := range tests {
		p := &Provider{Type: tt.ptype}
		got, err := p.CloneUsername()
		if err != nil {
			t.Fatalf("CloneUsername(%s): %v", tt.ptype, err)
		}
		if got != tt.want {
			t.Fatalf("CloneUsername(%s) = %q, want %q", tt.ptype, got, tt.want)
		}
	}

	if _, err := (&Provider{Type: "bitbucket"}).CloneUsername(); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}
