package githubapp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const jwtLifetime = 10 * time.Minute

// AuthConfig holds GitHub App authentication parameters for a provider.
type AuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  string
	APIBaseURL     string
}

// AuthError wraps a failure during token minting with the step it occurred in.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("github authentication error during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// InstallationToken mints a short-lived GitHub App installation token. The
// token serves as the clone credential for github-type providers; it is
// handed to git via the askpass side channel, never on the command line.
func InstallationToken(ctx context.Context, config AuthConfig) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(config.PrivateKeyPEM))
	if err != nil {
		return "", &AuthError{Op: "parse private key", Err: err}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
		"iss": config.AppID,
	}

	appJWT, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", &AuthError{Op: "sign JWT", Err: err}
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: appJWT, TokenType: "Bearer"},
	))

	client, err := newClient(httpClient, config.APIBaseURL)
	if err != nil {
		return "", &AuthError{Op: "create client", Err: err}
	}

	token, _, err := client.Apps.CreateInstallationToken(ctx, config.InstallationID, nil)
	if err != nil {
		return "", &AuthError{Op: "create installation token", Err: err}
	}

	return token.GetToken(), nil
}

func newClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	if apiBaseURL == "" || apiBaseURL == "https://api.github.com" {
		return github.NewClient(httpClient), nil
	}
	return github.NewClient(httpClient).WithEnterpriseURLs(apiBaseURL, apiBaseURL)
}
