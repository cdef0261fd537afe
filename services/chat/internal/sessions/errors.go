package sessions

import "errors"

var (
	ErrNotOpened       = errors.New("sessions not opened for user")
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnInProgress  = errors.New("a response is still being generated for this chat")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidTitle    = errors.New("title must not be empty")
)
