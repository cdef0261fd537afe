package app

import "errors"

// Messages are shown to end users as is.
var (
	// ErrInvalidCredentials must not reveal whether the email exists.
	ErrInvalidCredentials = errors.New("Incorrect email address or password.")
	ErrEmailInUse         = errors.New("This email is already in use by another account.")
	ErrMissingFields      = errors.New("Please fill in all required fields.")
	ErrRateLimited        = errors.New("Too many attempts. Please wait a moment and try again.")

	ErrUnauthorized       = errors.New("unauthorized")
	ErrOAuthNotConfigured = errors.New("Sign-in with this provider is not available.")
	ErrProviderSignIn     = errors.New("Sign-in with the provider failed. Please try again.")
)
