package creds

import "sync"

// MockStore implements Store for testing purposes
type MockStore struct {
	creds map[string]*Credential
	mu    sync.RWMutex

	// Error injection for testing
	StoreError    error
	RetrieveError error
	ListError     error
	DeleteError   error
}

// NewMockStore creates a new mock credential store
func NewMockStore() *MockStore {
	return &MockStore{creds: make(map[string]*Credential)}
}

// Store saves a credential to the mock store
func (m *MockStore) Store(c *Credential) error {
	if m.StoreError != nil {
		return m.StoreError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c == nil || c.Email == "" {
		return ErrInvalidCredential
	}

	cc := *c
	m.creds[c.Email] = &cc
	return nil
}

// Retrieve gets a credential from the mock store
func (m *MockStore) Retrieve(email string) (*Credential, error) {
	if m.RetrieveError != nil {
		return nil, m.RetrieveError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if email == "" {
		return nil, ErrInvalidCredential
	}

	c, exists := m.creds[email]
	if !exists {
		return nil, ErrCredentialsNotFound
	}

	cc := *c
	return &cc, nil
}

// List returns all stored credentials
func (m *MockStore) List() ([]*Credential, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Credential
	for _, c := range m.creds {
		cc := *c
		result = append(result, &cc)
	}
	return result, nil
}

// Delete removes a credential from the mock store
func (m *MockStore) Delete(email string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.creds[email]; !exists {
		return ErrCredentialsNotFound
	}
	delete(m.creds, email)
	return nil
}

// Exists checks if a credential exists in the mock store
func (m *MockStore) Exists(email string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.creds[email]
	return exists
}
