package auth

import "errors"

// Errors returned by the services. Their messages are shown to callers as is.
var (
	ErrMissingFields       = errors.New("username and password are required")
	ErrWeakPassword        = errors.New("password too weak: use at least 8 characters and mix letters and digits")
	ErrUsernameExists      = errors.New("username already exists")
	ErrInvalidCredentials  = errors.New("Invalid username or password")
	ErrInvalidAPIKey       = errors.New("Invalid or inactive API key")
	ErrInvalidSession      = errors.New("Invalid or expired session")
	ErrUserExists          = errors.New("users already exist")
	ErrRegistrationMissing = errors.New("registration request not found")
	ErrRegistrationClosed  = errors.New("registration request already resolved")
)
