package auth

import "crypto/subtle"

// APIKeys maps each project id to the token it must present.
type APIKeys struct {
	Keys map[string]string
}

func (v APIKeys) Authenticate(projectID, token string) error {
	expected, ok := v.Keys[projectID]
	if !ok || token == "" || expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
