package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"studiochat/pkg/domain"
)

const (
	redisKeyPrefix = "studiochat:"
	redisTimeout   = 3 * time.Second
	maxTxRetries   = 5
)

var errWriteConflict = errors.New("concurrent session write")

// RedisStore is the local key-value fallback. Each user owns one key holding
// the serialized session list and one key holding the serialized identity.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a Redis-backed session and user store.
func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionsKey(userID string) string {
	return redisKeyPrefix + "sessions:" + userID
}

func identityKey(userID string) string {
	return redisKeyPrefix + "identity:" + userID
}

func emailKey(email string) string {
	return redisKeyPrefix + "email:" + email
}

func providerIndexKey(provider, subject string) string {
	return redisKeyPrefix + "provider:" + providerKey(provider, subject)
}

func (s *RedisStore) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	sessions, err := readSessions(ctx, s.client, sessionsKey(userID))
	if err != nil {
		return nil, err
	}
	sortSessions(sessions)
	return sessions, nil
}

func (s *RedisStore) UpsertSession(ctx context.Context, userID string, session domain.Session) error {
	session = persistable(session)
	return s.mutateSessions(ctx, userID, func(sessions []domain.Session) ([]domain.Session, error) {
		for i := range sessions {
			if sessions[i].ID == session.ID {
				sessions[i] = session
				return sessions, nil
			}
		}
		return append(sessions, session), nil
	})
}

func (s *RedisStore) UpdateSessionFields(ctx context.Context, userID, sessionID string, patch domain.SessionPatch) error {
	return s.mutateSessions(ctx, userID, func(sessions []domain.Session) ([]domain.Session, error) {
		for i := range sessions {
			if sessions[i].ID == sessionID {
				applyPatch(&sessions[i], patch)
				return sessions, nil
			}
		}
		return nil, ErrSessionNotFound
	})
}

func (s *RedisStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.mutateSessions(ctx, userID, func(sessions []domain.Session) ([]domain.Session, error) {
		out := sessions[:0]
		for _, session := range sessions {
			if session.ID != sessionID {
				out = append(out, session)
			}
		}
		return out, nil
	})
}

// mutateSessions applies fn to the stored list under optimistic locking.
func (s *RedisStore) mutateSessions(ctx context.Context, userID string, fn func([]domain.Session) ([]domain.Session, error)) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	key := sessionsKey(userID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			sessions, err := readSessions(ctx, tx, key)
			if err != nil {
				return err
			}
			next, err := fn(sessions)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode sessions: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errWriteConflict
}

func readSessions(ctx context.Context, c redis.Cmdable, key string) ([]domain.Session, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	var sessions []domain.Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// redisUser carries the fields domain.User hides from JSON.
type redisUser struct {
	domain.User
	Subject  string `json:"subject,omitempty"`
	PassHash string `json:"passHash,omitempty"`
}

func (s *RedisStore) SaveUser(ctx context.Context, u domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	u.Email = normalizeEmail(u.Email)
	raw, err := json.Marshal(redisUser{User: u, Subject: u.Subject, PassHash: u.PassHash})
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	watched := []string{identityKey(u.ID)}
	if u.Email != "" {
		watched = append(watched, emailKey(u.Email))
	}
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			if u.Email != "" {
				owner, err := tx.Get(ctx, emailKey(u.Email)).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if owner != "" && owner != u.ID {
					return ErrEmailTaken
				}
			}
			prev, found, err := s.getUser(ctx, tx, u.ID)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if found && prev.Email != "" && prev.Email != u.Email {
					pipe.Del(ctx, emailKey(prev.Email))
				}
				pipe.Set(ctx, identityKey(u.ID), raw, 0)
				if u.Email != "" {
					pipe.Set(ctx, emailKey(u.Email), u.ID, 0)
				}
				if u.Provider != "" && u.Subject != "" {
					pipe.Set(ctx, providerIndexKey(u.Provider, u.Subject), u.ID, 0)
				}
				return nil
			})
			return err
		}, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errWriteConflict
}

func (s *RedisStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	return s.getUser(ctx, s.client, id)
}

func (s *RedisStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.userByIndex(ctx, emailKey(normalizeEmail(email)))
}

func (s *RedisStore) GetUserByProvider(ctx context.Context, provider, subject string) (domain.User, bool, error) {
	return s.userByIndex(ctx, providerIndexKey(provider, subject))
}

func (s *RedisStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	n, err := s.client.Exists(ctx, emailKey(normalizeEmail(email))).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) userByIndex(ctx context.Context, key string) (domain.User, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	return s.getUser(ctx, s.client, id)
}

func (s *RedisStore) getUser(ctx context.Context, c redis.Cmdable, id string) (domain.User, bool, error) {
	raw, err := c.Get(ctx, identityKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	var rec redisUser
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.User{}, false, fmt.Errorf("decode user: %w", err)
	}
	u := rec.User
	u.Subject = rec.Subject
	u.PassHash = rec.PassHash
	return u, true, nil
}
