package auth

import (
	"context"
	"time"

	"jihu_proxy/internal/models"
)

// Store interfaces consumed by the services. Not-found errors wrap
// models.ErrNotFound and duplicates wrap models.ErrConflict.

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	// CreateFirstAdmin creates user as admin only when no user exists yet,
	// atomically with that check.
	CreateFirstAdmin(ctx context.Context, user *models.User) (bool, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	Exists(ctx context.Context) (bool, error)
	FirstAdmin(ctx context.Context) (*models.User, error)
	SetPasswordHash(ctx context.Context, id int64, hash string) error
}

type APIKeyStore interface {
	Create(ctx context.Context, userID int64, key string, name *string) (*models.APIKey, error)
	FindActive(ctx context.Context, key string) (*models.APIKeyRecord, error)
	SetActive(ctx context.Context, id int64, active bool) error
	ListByUser(ctx context.Context, userID int64) ([]*models.APIKeyWithUsage, error)
	ListAll(ctx context.Context) ([]*models.APIKeyWithUsage, error)
	AddUsage(ctx context.Context, apiKeyID int64, inputTokens, outputTokens int64) error
}

type SessionStore interface {
	Create(ctx context.Context, userID int64) (*models.Session, error)
	FindByToken(ctx context.Context, token string) (*models.Session, error)
	Touch(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

type RegistrationStore interface {
	Create(ctx context.Context, req *models.RegistrationRequest) error
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ListPending(ctx context.Context) ([]*models.RegistrationRequest, error)
	Approve(ctx context.Context, id int64) (*models.User, error)
	Reject(ctx context.Context, id int64) error
}
