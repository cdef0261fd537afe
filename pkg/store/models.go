package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string  `gorm:"primaryKey"`
	Email        *string `gorm:"uniqueIndex"`
	DisplayName  string
	AvatarURL    string
	PasswordHash string
	Anonymous    bool      `gorm:"not null;default:false"`
	Provider     string    `gorm:"index:idx_user_provider_subject"`
	Subject      string    `gorm:"index:idx_user_provider_subject"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

// SessionModel keeps the ordered message list in one jsonb column; a
// session is always read and written whole.
type SessionModel struct {
	ID        string         `gorm:"primaryKey"`
	UserID    string         `gorm:"primaryKey;index"`
	Title     string         `gorm:"not null"`
	Messages  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
	UpdatedAt time.Time      `gorm:"not null"`
}
