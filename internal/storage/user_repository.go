package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jihu_proxy/internal/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, password_hash, is_admin, created_at`

// Create inserts user and fills in its ID. A zero CreatedAt is set to now.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = models.Now()
	}

	query := r.db.rebind(`
		INSERT INTO users (username, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)

	err := r.db.conn.QueryRowxContext(ctx, query,
		user.Username, user.PasswordHash, boolInt(user.IsAdmin), user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// CreateFirstAdmin inserts user as an admin only while the users table is
// empty. It reports false, with no error, when a user already exists.
func (r *UserRepository) CreateFirstAdmin(ctx context.Context, user *models.User) (bool, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = models.Now()
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// NOT EXISTS does not serialize concurrent inserts on postgres
	if r.db.dialect.name == DriverPostgres {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE users IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return false, fmt.Errorf("failed to lock users: %w", err)
		}
	}

	query := r.db.rebind(`
		INSERT INTO users (username, password_hash, is_admin, created_at)
		SELECT ?, ?, 1, ?
		WHERE NOT EXISTS (SELECT 1 FROM users)
		RETURNING id
	`)
	err = tx.QueryRowxContext(ctx, query, user.Username, user.PasswordHash, user.CreatedAt).Scan(&user.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		if isUniqueViolation(err) {
			return false, ErrUsernameTaken
		}
		return false, fmt.Errorf("failed to create first admin: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit first admin: %w", err)
	}
	user.IsAdmin = true
	return true, nil
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	query := r.db.rebind(`SELECT ` + userColumns + ` FROM users WHERE username = ?`)

	err := r.db.conn.GetContext(ctx, &user, query, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	query := r.db.rebind(`SELECT ` + userColumns + ` FROM users WHERE id = ?`)

	err := r.db.conn.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// Exists reports whether any user has been created.
func (r *UserRepository) Exists(ctx context.Context) (bool, error) {
	var n int
	err := r.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM (SELECT 1 FROM users LIMIT 1) AS u`)
	if err != nil {
		return false, fmt.Errorf("failed to check users: %w", err)
	}
	return n > 0, nil
}

// FirstAdmin returns the oldest admin.
func (r *UserRepository) FirstAdmin(ctx context.Context) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE is_admin = 1 ORDER BY id ASC LIMIT 1`

	err := r.db.conn.GetContext(ctx, &user, query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get first admin: %w", err)
	}

	return &user, nil
}

// SetPasswordHash replaces a user's password hash.
func (r *UserRepository) SetPasswordHash(ctx context.Context, id int64, hash string) error {
	query := r.db.rebind(`UPDATE users SET password_hash = ? WHERE id = ?`)

	result, err := r.db.conn.ExecContext(ctx, query, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}
