package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credential holds the secret material for one account of the pool
type Credential struct {
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the interface for storing and retrieving account secrets
type Store interface {
	// Store saves the credential for an account
	Store(c *Credential) error

	// Retrieve gets the credential for a specific account
	Retrieve(email string) (*Credential, error)

	// List returns all stored credentials
	List() ([]*Credential, error)

	// Delete removes the credential for a specific account
	Delete(email string) error

	// Exists checks if a credential exists for an account
	Exists(email string) bool
}

// Manager handles credential storage with fallback mechanisms
type Manager struct {
	stores []Store
}

// NewManager creates a credential manager with the available backends:
// system keyring first, encrypted file as fallback, environment last.
func NewManager() (*Manager, error) {
	var stores []Store

	keyringStore, err := NewKeyringStore()
	if err == nil {
		stores = append(stores, keyringStore)
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "credentials.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	stores = append(stores, NewEnvironmentStore())

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores builds a manager over explicit backends. Used in tests.
func NewManagerWithStores(stores ...Store) *Manager {
	return &Manager{stores: stores}
}

// Store saves a credential using the first backend that accepts it
func (m *Manager) Store(c *Credential) error {
	if c.Email == "" {
		return errors.New("email is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}

	c.UpdatedAt = time.Now()

	var lastErr error
	for _, store := range m.stores {
		if err := store.Store(c); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to store credential: %w", lastErr)
	}
	return errors.New("no available credential stores")
}

// Retrieve gets a credential from the first backend that has it
func (m *Manager) Retrieve(email string) (*Credential, error) {
	for _, store := range m.stores {
		if c, err := store.Retrieve(email); err == nil && c != nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCredentialsNotFound, email)
}

// List returns all stored credentials across backends, most recent wins
func (m *Manager) List() ([]*Credential, error) {
	byEmail := make(map[string]*Credential)

	for _, store := range m.stores {
		creds, err := store.List()
		if err != nil {
			continue
		}
		for _, c := range creds {
			if existing, ok := byEmail[c.Email]; !ok || c.UpdatedAt.After(existing.UpdatedAt) {
				byEmail[c.Email] = c
			}
		}
	}

	var result []*Credential
	for _, c := range byEmail {
		result = append(result, c)
	}
	return result, nil
}

// Delete removes a credential from all backends
func (m *Manager) Delete(email string) error {
	var deleted bool
	var lastErr error

	for _, store := range m.stores {
		if err := store.Delete(email); err == nil {
			deleted = true
		} else {
			lastErr = err
		}
	}

	if !deleted && lastErr != nil {
		return fmt.Errorf("failed to delete credential: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrCredentialsNotFound, email)
	}
	return nil
}

// getConfigDir returns the configuration directory path
func getConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "bookfetch")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config", "bookfetch")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// MaskSecret masks all but the first and last character of a secret
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:1] + "****" + s[len(s)-1:]
}

// Errors
var (
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrStoreUnavailable    = errors.New("credential store unavailable")
)
