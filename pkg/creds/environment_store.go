package creds

import (
	"os"
	"strings"
	"time"
)

// EnvironmentStore implements Store using environment variables of the form
// BOOKFETCH_PASSWORD_<EMAIL> where the email has non-alphanumerics mapped to
// underscores. Read-only; mainly for CI and containers.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based credential store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// envKey maps an account email to its environment variable name
func envKey(email string) string {
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, email)
	return "BOOKFETCH_PASSWORD_" + strings.ToUpper(mapped)
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(c *Credential) error {
	return ErrStoreUnavailable
}

// Retrieve gets a credential from the environment
func (e *EnvironmentStore) Retrieve(email string) (*Credential, error) {
	if email == "" {
		return nil, ErrInvalidCredential
	}

	password := os.Getenv(envKey(email))
	if password == "" {
		return nil, ErrCredentialsNotFound
	}

	return &Credential{
		Email:     email,
		Password:  password,
		UpdatedAt: time.Now(),
	}, nil
}

// List cannot enumerate environment credentials without the account list
func (e *EnvironmentStore) List() ([]*Credential, error) {
	return []*Credential{}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(email string) error {
	return ErrStoreUnavailable
}

// Exists checks if an environment credential exists
func (e *EnvironmentStore) Exists(email string) bool {
	return os.Getenv(envKey(email)) != ""
}
