package store

import (
	"context"
	"sync"

	"studiochat/pkg/domain"
)

// MemoryStore keeps sessions and users in-process. Used by tests and as the
// fallback when neither Postgres nor Redis is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]domain.Session // user ID -> session ID -> session
	users    map[string]domain.User
	email    map[string]string // email -> user ID
	provider map[string]string // provider|subject -> user ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]domain.Session),
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		provider: make(map[string]string),
	}
}

func (m *MemoryStore) ListSessions(_ context.Context, userID string) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Session, 0, len(m.sessions[userID]))
	for _, s := range m.sessions[userID] {
		res = append(res, s.Clone())
	}
	sortSessions(res)
	return res, nil
}

func (m *MemoryStore) UpsertSession(_ context.Context, userID string, session domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.sessions[userID]
	if !ok {
		byID = make(map[string]domain.Session)
		m.sessions[userID] = byID
	}
	byID[session.ID] = persistable(session)
	return nil
}

func (m *MemoryStore) UpdateSessionFields(_ context.Context, userID, sessionID string, patch domain.SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[userID][sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	applyPatch(&session, patch)
	m.sessions[userID][sessionID] = session
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions[userID], sessionID)
	return nil
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(u.Email)
	if email != "" {
		if owner, ok := m.email[email]; ok && owner != u.ID {
			return ErrEmailTaken
		}
	}
	if prev, ok := m.users[u.ID]; ok {
		delete(m.email, normalizeEmail(prev.Email))
		delete(m.provider, providerKey(prev.Provider, prev.Subject))
	}
	u.Email = email
	m.users[u.ID] = u
	if email != "" {
		m.email[email] = u.ID
	}
	if u.Provider != "" && u.Subject != "" {
		m.provider[providerKey(u.Provider, u.Subject)] = u.ID
	}
	return nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[normalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByProvider(_ context.Context, provider, subject string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.provider[providerKey(provider, subject)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[normalizeEmail(email)]
	return ok, nil
}

func providerKey(provider, subject string) string {
	return provider + "|" + subject
}
