package session

import "errors"

var (
	// ErrUsernameTaken is returned when a currently active session already holds the username.
	ErrUsernameTaken = errors.New("username taken")
	// ErrNotFound is returned when a session cannot be found in the store.
	ErrNotFound = errors.New("not found")
	// ErrInvalidUsername is returned for an empty display name.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrTokenGeneration is returned when session token generation fails.
	ErrTokenGeneration = errors.New("failed to generate session token")
)
