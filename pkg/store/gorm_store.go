package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"studiochat/pkg/domain"
)

const migrateLockID int64 = 51827301

// GormStore implements SessionStore and UserStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &SessionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened connection without migrating.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// ListSessions returns a user's sessions, newest first.
func (s *GormStore) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	var models []SessionModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(models))
	for _, m := range models {
		session, err := sessionFromModel(m)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// UpsertSession writes the whole session document.
func (s *GormStore) UpsertSession(ctx context.Context, userID string, session domain.Session) error {
	model, err := sessionToModel(userID, persistable(session))
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "messages", "updated_at"}),
	}).Create(&model).Error
}

// UpdateSessionFields patches scalar fields without touching messages.
func (s *GormStore) UpdateSessionFields(ctx context.Context, userID, sessionID string, patch domain.SessionPatch) error {
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	updates := map[string]any{"updated_at": updatedAt}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	res := s.db.WithContext(ctx).Model(&SessionModel{}).
		Where("id = ? AND user_id = ?", sessionID, userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session; deleting a missing one is not an error.
func (s *GormStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return s.db.WithContext(ctx).
		Delete(&SessionModel{}, "id = ? AND user_id = ?", sessionID, userID).Error
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "display_name", "avatar_url", "password_hash",
			"anonymous", "provider", "subject", "updated_at",
		}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return err
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	return s.firstUser(ctx, "id = ?", id)
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return s.firstUser(ctx, "email = ?", normalizeEmail(email))
}

// GetUserByProvider looks up an identity linked to an external provider.
func (s *GormStore) GetUserByProvider(ctx context.Context, provider, subject string) (domain.User, bool, error) {
	return s.firstUser(ctx, "provider = ? AND subject = ?", provider, subject)
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).
		Where("email = ?", normalizeEmail(email)).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) firstUser(ctx context.Context, query string, args ...any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func sessionToModel(userID string, s domain.Session) (SessionModel, error) {
	messages := s.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return SessionModel{}, fmt.Errorf("encode messages: %w", err)
	}
	return SessionModel{
		ID:        s.ID,
		UserID:    userID,
		Title:     s.Title,
		Messages:  datatypes.JSON(raw),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}, nil
}

func sessionFromModel(m SessionModel) (domain.Session, error) {
	session := domain.Session{
		ID:        m.ID,
		Title:     m.Title,
		Messages:  []domain.Message{},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &session.Messages); err != nil {
			return domain.Session{}, fmt.Errorf("decode messages of session %s: %w", m.ID, err)
		}
	}
	return session, nil
}

func userToModel(u domain.User) UserModel {
	var email *string
	if e := normalizeEmail(u.Email); e != "" {
		email = &e
	}
	return UserModel{
		ID:           u.ID,
		Email:        email,
		DisplayName:  u.DisplayName,
		AvatarURL:    u.AvatarURL,
		PasswordHash: u.PassHash,
		Anonymous:    u.Anonymous,
		Provider:     u.Provider,
		Subject:      u.Subject,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	u := domain.User{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		PassHash:    m.PasswordHash,
		Anonymous:   m.Anonymous,
		Provider:    m.Provider,
		Subject:     m.Subject,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Email != nil {
		u.Email = *m.Email
	}
	return u
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
