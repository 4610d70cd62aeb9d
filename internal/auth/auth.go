// Package auth checks the projectId/apiToken pair a peer presents when it
// connects to the relay.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator decides whether token grants access to projectID.
type Authenticator interface {
	Authenticate(projectID, token string) error
}

func New(cfg config.Relay) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return None{}, nil
	case config.AuthModeAPIKey:
		return APIKeys{Keys: cfg.APIKeys}, nil
	case config.AuthModeJWT:
		return NewJWT(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// None accepts every connection.
type None struct{}

func (None) Authenticate(string, string) error { return nil }

// Query parameters carrying credentials.
const (
	QueryProjectID = "projectId"
	QueryAPIToken  = "apiToken"
)

// CredentialsFromRequest reads credentials from the query string. The token
// may also be sent as "Authorization: Bearer <token>".
func CredentialsFromRequest(r *http.Request) (projectID, token string, err error) {
	q := r.URL.Query()
	projectID = strings.TrimSpace(q.Get(QueryProjectID))
	token = strings.TrimSpace(q.Get(QueryAPIToken))
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if projectID == "" || token == "" {
		return "", "", ErrMissingCredentials
	}
	return projectID, token, nil
}
