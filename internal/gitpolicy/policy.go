package gitpolicy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"ansible-runner-service/internal/githubapp"
)

// Policy errors. Intake maps all of these to a single client-visible 400;
// the worker records them on the job.
var (
	ErrSchemeNotHTTPS    = errors.New("only HTTPS repository URLs are allowed")
	ErrHostNotConfigured = errors.New("repository host is not configured")
	ErrOrgNotAllowed     = errors.New("repository organization is not in the allowed list")
	ErrCredentialMissing = errors.New("credential environment variable is not set")
)

// Provider is one allowlist entry from GIT_PROVIDERS. Loaded at startup and
// treated as immutable.
type Provider struct {
	Type          string   `json:"type"` // azure | gitlab | github
	Host          string   `json:"host"`
	Orgs          []string `json:"orgs"`
	CredentialEnv string   `json:"credential_env"`

	// GitHub App fields, only meaningful for type "github".
	AppID          int64  `json:"app_id,omitempty"`
	InstallationID int64  `json:"installation_id,omitempty"`
	PrivateKeyEnv  string `json:"private_key_env,omitempty"`
	APIBaseURL     string `json:"api_base_url,omitempty"`
}

// CloneUsername is the username embedded in the clone URL. The credential
// itself never appears in the URL; it flows through the askpass channel.
func (p *Provider) CloneUsername() (string, error) {
	switch p.Type {
	case "azure":
		return "pat", nil
	case "gitlab":
		return "oauth2", nil
	case "github":
		return "x-access-token", nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", p.Type)
	}
}

// SecretSource is the optional fallback consulted when a provider's
// credential_env variable is unset. Satisfied by vault.Client.
type SecretSource interface {
	GetSecret(path string) (map[string]interface{}, error)
}

// Policy resolves repository URLs against the configured provider allowlist
// and binds credential lookup to the matched provider record.
type Policy struct {
	providers []Provider
	secrets   SecretSource
	vaultPath string
}

// Load parses the GIT_PROVIDERS JSON value. An empty value yields an empty
// policy under which every git source is rejected.
func Load(raw string) (*Policy, error) {
	p := &Policy{}
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p.providers); err != nil {
		return nil, fmt.Errorf("invalid GIT_PROVIDERS value: %w", err)
	}
	return p, nil
}

// WithSecretSource attaches a fallback secret store for credential lookup.
func (p *Policy) WithSecretSource(secrets SecretSource, path string) *Policy {
	p.secrets = secrets
	p.vaultPath = path
	return p
}

// Providers returns the configured provider records.
func (p *Policy) Providers() []Provider { return p.providers }

// Resolve validates a repository URL and returns the matching provider.
// The scheme must be https, the host must match a configured provider
// exactly, and the first non-empty path segment (the organization) must be
// in that provider's org set.
func (p *Policy) Resolve(repoURL string) (*Provider, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid repository URL: %w", err)
	}
	if parsed.Scheme != "https" {
		return nil, ErrSchemeNotHTTPS
	}

	host := parsed.Hostname()
	var provider *Provider
	for i := range p.providers {
		if p.providers[i].Host == host {
			provider = &p.providers[i]
			break
		}
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: %q", ErrHostNotConfigured, host)
	}

	org, err := extractOrg(parsed.Path)
	if err != nil {
		return nil, err
	}
	for _, allowed := range provider.Orgs {
		if allowed == org {
			return provider, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not allowed for %s", ErrOrgNotAllowed, org, host)
}

// Credential resolves the secret bound to a provider record. For azure and
// gitlab providers this is the credential_env variable, falling back to the
// configured secret store when the variable is unset. For github providers
// it is a freshly minted App installation token.
func (p *Policy) Credential(ctx context.Context, provider *Provider) (string, error) {
	if provider.Type == "github" {
		pem := os.Getenv(provider.PrivateKeyEnv)
		if pem == "" {
			return "", fmt.Errorf("%w: %q", ErrCredentialMissing, provider.PrivateKeyEnv)
		}
		return githubapp.InstallationToken(ctx, githubapp.AuthConfig{
			AppID:          provider.AppID,
			InstallationID: provider.InstallationID,
			PrivateKeyPEM:  pem,
			APIBaseURL:     provider.APIBaseURL,
		})
	}

	if value := os.Getenv(provider.CredentialEnv); value != "" {
		return value, nil
	}

	if p.secrets != nil {
		if data, err := p.secrets.GetSecret(p.vaultPath); err == nil {
			if value, ok := data[provider.CredentialEnv].(string); ok && value != "" {
				return value, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %q", ErrCredentialMissing, provider.CredentialEnv)
}

// extractOrg returns the first non-empty path segment.
//
// Azure DevOps: /org/project/_git/repo -> org
// GitLab:       /group/subgroup/repo.git -> group
func extractOrg(urlPath string) (string, error) {
	for _, part := range strings.Split(strings.Trim(urlPath, "/"), "/") {
		if part != "" {
			return part, nil
		}
	}
	return "", fmt.Errorf("%w: cannot extract organization from URL path", ErrOrgNotAllowed)
}
