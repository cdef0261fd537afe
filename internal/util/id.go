package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for users, sessions and messages.
func NewID() string {
	return uuid.NewString()
}
