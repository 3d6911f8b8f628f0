package vault

import (
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is a thin wrapper over the Vault API used as a fallback source for
// Git provider credentials.
type Client struct {
	client *vault.Client
	logger zerolog.Logger
}

// NewClient initializes a Vault client from the environment. Authentication
// uses VAULT_TOKEN when set, otherwise an AppRole login with
// VAULT_ROLE_ID / VAULT_SECRET_ID.
func NewClient() (*Client, error) {
	logger := log.With().Str("component", "vault").Logger()

	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		return nil, fmt.Errorf("VAULT_ADDR is not set")
	}

	config := vault.DefaultConfig()
	config.Address = vaultAddr

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
		logger.Info().Str("vault_addr", vaultAddr).Msg("Vault client initialized with token auth")
		return &Client{client: client, logger: logger}, nil
	}

	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")
	if roleID == "" || secretID == "" {
		return nil, fmt.Errorf("VAULT_TOKEN or VAULT_ROLE_ID and VAULT_SECRET_ID must be set")
	}

	loginSecret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		logger.Error().
			Err(err).
			Str("role_id", maskString(roleID)).
			Str("vault_addr", vaultAddr).
			Msg("Failed to authenticate with Vault")
		return nil, fmt.Errorf("failed to login to vault: %w", err)
	}

	client.SetToken(loginSecret.Auth.ClientToken)
	logger.Info().Str("vault_addr", vaultAddr).Msg("Vault client initialized with AppRole auth")
	return &Client{client: client, logger: logger}, nil
}

// GetSecret reads a KV v2 secret at the given logical path.
func (c *Client) GetSecret(path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("kv/data/%s", path)

	secret, err := c.client.Logical().Read(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret not found: %s", path)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret data format at %s", path)
	}

	c.logger.Debug().
		Str("path", path).
		Int("data_keys", len(data)).
		Msg("Secret retrieved")

	return data, nil
}

func maskString(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
