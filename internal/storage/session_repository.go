package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"jihu_proxy/internal/models"
)

// SessionRepository handles login session database operations
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// newSessionToken returns 32 random bytes, base64url without padding.
func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create starts a session for userID.
func (r *SessionRepository) Create(ctx context.Context, userID int64) (*models.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	now := models.Now()
	session := &models.Session{
		Token:      token,
		UserID:     userID,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	query := r.db.rebind(`
		INSERT INTO sessions (token, user_id, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
	`)
	if _, err := r.db.conn.ExecContext(ctx, query, session.Token, session.UserID, session.CreatedAt, session.LastSeenAt); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// FindByToken retrieves a session by token
func (r *SessionRepository) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	var session models.Session
	query := r.db.rebind(`SELECT token, user_id, created_at, last_seen_at FROM sessions WHERE token = ?`)

	err := r.db.conn.GetContext(ctx, &session, query, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// Touch sets last_seen_at to now.
func (r *SessionRepository) Touch(ctx context.Context, token string) error {
	query := r.db.rebind(`UPDATE sessions SET last_seen_at = ? WHERE token = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, models.Now(), token); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Delete removes a session. Unknown tokens are ignored.
func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	query := r.db.rebind(`DELETE FROM sessions WHERE token = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpired deletes sessions idle for longer than ttl and returns
// how many were removed.
func (r *SessionRepository) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := models.NewTimestamp(time.Now().Add(-ttl))
	query := r.db.rebind(`DELETE FROM sessions WHERE last_seen_at < ?`)

	result, err := r.db.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
