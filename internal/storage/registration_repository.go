package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jihu_proxy/internal/models"
)

// RegistrationRepository handles registration request database operations
type RegistrationRepository struct {
	db *DB
}

// NewRegistrationRepository creates a new registration request repository
func NewRegistrationRepository(db *DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

const registrationColumns = `id, username, password_hash, status, created_at`

// Create stores a pending request and fills in its ID.
func (r *RegistrationRepository) Create(ctx context.Context, req *models.RegistrationRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = models.Now()
	}
	if req.Status == "" {
		req.Status = models.RegistrationPending
	}

	query := r.db.rebind(`
		INSERT INTO registration_requests (username, password_hash, status, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)
	err := r.db.conn.QueryRowxContext(ctx, query,
		req.Username, req.PasswordHash, req.Status, req.CreatedAt,
	).Scan(&req.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to create registration request: %w", err)
	}

	return nil
}

// GetByID retrieves a registration request by ID
func (r *RegistrationRepository) GetByID(ctx context.Context, id int64) (*models.RegistrationRequest, error) {
	var req models.RegistrationRequest
	query := r.db.rebind(`SELECT ` + registrationColumns + ` FROM registration_requests WHERE id = ?`)

	err := r.db.conn.GetContext(ctx, &req, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to get registration request: %w", err)
	}

	return &req, nil
}

// ExistsByUsername reports whether any request, in any state, holds username.
func (r *RegistrationRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var n int
	query := r.db.rebind(`SELECT COUNT(*) FROM registration_requests WHERE username = ?`)
	if err := r.db.conn.GetContext(ctx, &n, query, username); err != nil {
		return false, fmt.Errorf("failed to check registration requests: %w", err)
	}
	return n > 0, nil
}

// ListPending returns pending requests, newest first.
func (r *RegistrationRepository) ListPending(ctx context.Context) ([]*models.RegistrationRequest, error) {
	query := r.db.rebind(`
		SELECT ` + registrationColumns + `
		FROM registration_requests
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
	`)

	requests := []*models.RegistrationRequest{}
	if err := r.db.conn.SelectContext(ctx, &requests, query, models.RegistrationPending); err != nil {
		return nil, fmt.Errorf("failed to list registration requests: %w", err)
	}

	return requests, nil
}

// Approve creates a non-admin user from a pending request, keeping the
// request's created_at, then marks the request approved. The two writes
// are not atomic; a failure between them leaves the user created and the
// request pending.
func (r *RegistrationRepository) Approve(ctx context.Context, id int64) (*models.User, error) {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.IsPending() {
		return nil, ErrRegistrationResolved
	}

	user := &models.User{
		Username:     req.Username,
		PasswordHash: req.PasswordHash,
		IsAdmin:      false,
		CreatedAt:    req.CreatedAt,
	}
	if err := NewUserRepository(r.db).Create(ctx, user); err != nil {
		return nil, err
	}

	if err := r.setStatus(ctx, id, models.RegistrationApproved); err != nil {
		return nil, err
	}
	return user, nil
}

// Reject marks a pending request rejected.
func (r *RegistrationRepository) Reject(ctx context.Context, id int64) error {
	req, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !req.IsPending() {
		return ErrRegistrationResolved
	}
	return r.setStatus(ctx, id, models.RegistrationRejected)
}

func (r *RegistrationRepository) setStatus(ctx context.Context, id int64, status models.RegistrationStatus) error {
	query := r.db.rebind(`UPDATE registration_requests SET status = ? WHERE id = ? AND status = ?`)

	result, err := r.db.conn.ExecContext(ctx, query, status, id, models.RegistrationPending)
	if err != nil {
		return fmt.Errorf("failed to update registration request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRegistrationResolved
	}
	return nil
}
