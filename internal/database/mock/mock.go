// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/facegallery/internal/database"
)

// MockBackend is an in-memory database.Backend
type MockBackend struct {
	mu            sync.RWMutex
	accounts      map[string]*database.Account // by ID
	confirmations []database.Confirmation      // append order
	sessions      *MockSessionStore

	// Now is the clock used for CreatedAt defaults.
	Now func() time.Time

	// Error injection
	CreateAccountError      error
	GetAccountError         error
	AppendConfirmationError error
	ConfirmationsError      error
	PingError               error

	// Call tracking
	AppendCalls int
}

var _ database.Backend = (*MockBackend)(nil)

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		accounts: make(map[string]*database.Account),
		sessions: NewMockSessionStore(),
		Now:      time.Now,
	}
}

func (m *MockBackend) Name() string                      { return "mock" }
func (m *MockBackend) Migrate(ctx context.Context) error { return nil }
func (m *MockBackend) Close() error                      { return nil }
func (m *MockBackend) Sessions() database.SessionStore   { return m.sessions }

func (m *MockBackend) Ping(ctx context.Context) error {
	return m.PingError
}

// CreateAccount stores a copy of a
func (m *MockBackend) CreateAccount(ctx context.Context, a *database.Account) error {
	if m.CreateAccountError != nil {
		return m.CreateAccountError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Username == a.Username {
			return fmt.Errorf("create account %q: %w", a.Username, database.ErrDuplicate)
		}
	}
	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("create account %q: %w", a.ID, database.ErrDuplicate)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.Now().UTC()
	}
	stored := *a
	m.accounts[a.ID] = &stored
	return nil
}

// AccountByUsername looks an account up by username
func (m *MockBackend) AccountByUsername(ctx context.Context, username string) (*database.Account, error) {
	if m.GetAccountError != nil {
		return nil, m.GetAccountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.Username == username {
			out := *a
			return &out, nil
		}
	}
	return nil, database.ErrNotFound
}

// AccountByID looks an account up by ID
func (m *MockBackend) AccountByID(ctx context.Context, id string) (*database.Account, error) {
	if m.GetAccountError != nil {
		return nil, m.GetAccountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	out := *a
	return &out, nil
}

// AppendConfirmation records a confirmation
func (m *MockBackend) AppendConfirmation(ctx context.Context, c *database.Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls++
	if m.AppendConfirmationError != nil {
		return m.AppendConfirmationError
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.Now().UTC()
	}
	m.confirmations = append(m.confirmations, *c)
	return nil
}

// Confirmations returns matching records newest first
func (m *MockBackend) Confirmations(ctx context.Context, userID, person string, limit int) ([]database.Confirmation, error) {
	if m.ConfirmationsError != nil {
		return nil, m.ConfirmationsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.Confirmation
	for i := len(m.confirmations) - 1; i >= 0; i-- {
		c := m.confirmations[i]
		if c.UserID != userID {
			continue
		}
		if person != "" && c.Person != person && c.CorrectedPerson != person {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountConfirmations counts a user's records
func (m *MockBackend) CountConfirmations(ctx context.Context, userID string) (int, error) {
	if m.ConfirmationsError != nil {
		return 0, m.ConfirmationsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.confirmations {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

// Usernames returns all registered usernames, sorted
func (m *MockBackend) Usernames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.accounts))
	for _, a := range m.accounts {
		names = append(names, a.Username)
	}
	sort.Strings(names)
	return names
}

// MockSessionStore is an in-memory database.SessionStore
type MockSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]database.StoredSession

	// Error injection
	SaveError error
	GetError  error
}

// NewMockSessionStore creates a new mock session store
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{sessions: make(map[string]database.StoredSession)}
}

func (m *MockSessionStore) Save(ctx context.Context, s database.StoredSession) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MockSessionStore) Get(ctx context.Context, sessionID string) (*database.StoredSession, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || !time.Now().Before(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

func (m *MockSessionStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MockSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := time.Now()
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
