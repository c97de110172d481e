package storage

import (
	"fmt"

	"jihu_proxy/internal/models"
)

var (
	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = fmt.Errorf("user %w", models.ErrNotFound)

	// ErrAPIKeyNotFound is returned when an active API key is not found
	ErrAPIKeyNotFound = fmt.Errorf("API key %w", models.ErrNotFound)

	// ErrSessionNotFound is returned when a session token is unknown
	ErrSessionNotFound = fmt.Errorf("session %w", models.ErrNotFound)

	// ErrRegistrationNotFound is returned when a registration request is not found
	ErrRegistrationNotFound = fmt.Errorf("registration request %w", models.ErrNotFound)

	// ErrUsernameTaken is returned on a duplicate username
	ErrUsernameTaken = fmt.Errorf("username already exists: %w", models.ErrConflict)

	// ErrRegistrationResolved is returned when approving or rejecting a
	// request that is no longer pending
	ErrRegistrationResolved = fmt.Errorf("registration request already resolved: %w", models.ErrConflict)
)
