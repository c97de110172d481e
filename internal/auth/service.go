// Package auth implements accounts, sessions, API keys and registration
// approval on top of the persisted stores.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// DefaultSessionTTL is how long an idle session stays valid.
const DefaultSessionTTL = 30 * 24 * time.Hour

// DefaultKeyName names the key issued to the first user.
const DefaultKeyName = "default"

// Service handles registration, login and sessions.
type Service struct {
	users         UserStore
	keys          APIKeyStore
	sessions      SessionStore
	registrations RegistrationStore
	passwords     Passwords
	sessionTTL    time.Duration
	now           func() time.Time
	logger        *utils.Logger
}

// Config holds Service settings.
type Config struct {
	LegacyPasswordSalt string
	SessionTTL         time.Duration
}

// NewService creates an account service.
func NewService(users UserStore, keys APIKeyStore, sessions SessionStore, registrations RegistrationStore, cfg Config) *Service {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{
		users:         users,
		keys:          keys,
		sessions:      sessions,
		registrations: registrations,
		passwords:     Passwords{LegacySalt: cfg.LegacyPasswordSalt},
		sessionTTL:    ttl,
		now:           time.Now,
		logger:        utils.NewLogger("auth"),
	}
}

// RegisterResult is the outcome of Register. Exactly one of User or
// PendingRequest is set.
type RegisterResult struct {
	User           *models.User
	APIKey         *models.APIKey
	PendingRequest *models.RegistrationRequest
	AdminUsername  string // empty when no admin could be found
}

// Register creates the first account directly as admin with a "default"
// key. Later registrations become pending requests for an admin.
func (s *Service) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingFields
	}
	if err := ValidateStrength(password); err != nil {
		return nil, err
	}

	if err := s.ensureUsernameFree(ctx, username); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &models.User{Username: username, PasswordHash: hash}
	created, err := s.users.CreateFirstAdmin(ctx, user)
	if err != nil {
		return nil, mapConflict(err)
	}

	if created {
		key, err := s.keys.Create(ctx, user.ID, "", utils.StringPtr(DefaultKeyName))
		if err != nil {
			return nil, err
		}
		s.logger.Info("first user registered as admin", "username", username, "user_id", user.ID)
		return &RegisterResult{User: user, APIKey: key}, nil
	}

	req := &models.RegistrationRequest{Username: username, PasswordHash: hash}
	if err := s.registrations.Create(ctx, req); err != nil {
		return nil, mapConflict(err)
	}

	result := &RegisterResult{PendingRequest: req}
	if admin, err := s.users.FirstAdmin(ctx); err == nil {
		result.AdminUsername = admin.Username
	} else if !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("failed to look up admin", "err", err)
	}
	s.logger.Info("registration request created", "username", username, "request_id", req.ID)
	return result, nil
}

func (s *Service) ensureUsernameFree(ctx context.Context, username string) error {
	_, err := s.users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		return ErrUsernameExists
	case !errors.Is(err, models.ErrNotFound):
		return err
	}

	pending, err := s.registrations.ExistsByUsername(ctx, username)
	if err != nil {
		return err
	}
	if pending {
		return ErrUsernameExists
	}
	return nil
}

func mapConflict(err error) error {
	if errors.Is(err, models.ErrConflict) {
		return ErrUsernameExists
	}
	return err
}

// LoginResult is the outcome of a successful Login.
type LoginResult struct {
	User    *models.User
	Session *models.Session
	APIKeys []*models.APIKeyWithUsage
}

// Login checks the password and opens a session. Unknown users and wrong
// passwords both fail with ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, ErrMissingFields
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, legacy := s.passwords.Verify(password, user.PasswordHash)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if legacy {
		s.upgradeHash(ctx, user, password)
	}

	session, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	keys, err := s.keys.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: user, Session: session, APIKeys: keys}, nil
}

// upgradeHash replaces a legacy hash with bcrypt. Failure only costs a
// repeat upgrade on the next login.
func (s *Service) upgradeHash(ctx context.Context, user *models.User, password string) {
	hash, err := s.passwords.Hash(password)
	if err == nil {
		err = s.users.SetPasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("failed to upgrade legacy password hash", "user_id", user.ID, "err", err)
		return
	}
	user.PasswordHash = hash
	s.logger.Info("upgraded legacy password hash", "user_id", user.ID)
}

// Logout deletes the session.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// ValidateSession returns the live session for token and advances its
// last-seen time. Unknown and idle-expired sessions fail with ErrInvalidSession.
func (s *Service) ValidateSession(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}

	session, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}

	if session.IsExpired(s.sessionTTL, s.now()) {
		if err := s.sessions.Delete(ctx, token); err != nil {
			s.logger.Warn("failed to delete expired session", "err", err)
		}
		return nil, ErrInvalidSession
	}

	if err := s.sessions.Touch(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	session.LastSeenAt = models.NewTimestamp(s.now())

	return session, nil
}

// CleanupSessions deletes sessions idle longer than the TTL.
func (s *Service) CleanupSessions(ctx context.Context) (int64, error) {
	removed, err := s.sessions.CleanupExpired(ctx, s.sessionTTL)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("expired sessions removed", "count", removed)
	}
	return removed, nil
}

// StartSessionSweeper runs CleanupSessions every interval until ctx ends.
func (s *Service) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupSessions(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("session cleanup failed", "err", err)
				}
			}
		}
	}()
}

// BootstrapAdmin creates the first admin with a default key. It fails with
// ErrUserExists once any user exists, so it cannot mint a second admin.
func (s *Service) BootstrapAdmin(ctx context.Context, username, password string) (*RegisterResult, error) {
	exists, err := s.users.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrUserExists
	}
	result, err := s.Register(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if result.User == nil {
		return nil, ErrUserExists
	}
	return result, nil
}

// ResetPassword sets a new password for username.
func (s *Service) ResetPassword(ctx context.Context, username, password string) error {
	if err := ValidateStrength(password); err != nil {
		return err
	}
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	hash, err := s.passwords.Hash(password)
	if err != nil {
		return err
	}
	return s.users.SetPasswordHash(ctx, user.ID, hash)
}
