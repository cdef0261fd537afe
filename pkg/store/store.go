package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"studiochat/pkg/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmailTaken      = errors.New("email already registered")
)

// SessionStore persists each user's chat sessions.
type SessionStore interface {
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
	UpsertSession(ctx context.Context, userID string, session domain.Session) error
	UpdateSessionFields(ctx context.Context, userID, sessionID string, patch domain.SessionPatch) error
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// UserStore persists identities.
type UserStore interface {
	SaveUser(ctx context.Context, user domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByProvider(ctx context.Context, provider, subject string) (domain.User, bool, error)
	HasUserEmail(ctx context.Context, email string) (bool, error)
}

// TokenStore issues and resolves bearer tokens.
type TokenStore interface {
	NewToken(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	RevokeToken(token string) error
}

// persistable strips transient generation state before a write.
// A reload after a crash mid-turn shows whatever content had landed.
func persistable(s domain.Session) domain.Session {
	out := s.Clone()
	for i := range out.Messages {
		out.Messages[i].Settle()
	}
	return out
}

// sortSessions orders newest first, matching the listing order of every backend.
func sortSessions(sessions []domain.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func applyPatch(s *domain.Session, patch domain.SessionPatch) {
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if !patch.UpdatedAt.IsZero() {
		s.UpdatedAt = patch.UpdatedAt
	} else {
		s.UpdatedAt = time.Now().UTC()
	}
}
