package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SettingRepository is the persisted key/value store for OAuth credentials.
type SettingRepository struct {
	db *DB
}

// NewSettingRepository creates a new setting repository
func NewSettingRepository(db *DB) *SettingRepository {
	return &SettingRepository{db: db}
}

// Get returns the value for key, or "" when it is not set.
func (r *SettingRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	query := r.db.rebind(`SELECT value FROM settings WHERE key = ?`)

	err := r.db.conn.GetContext(ctx, &value, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get setting: %w", err)
	}

	if r.db.cipher != nil {
		value, err = r.db.cipher.Open(value)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt setting %s: %w", key, err)
		}
	}
	return value, nil
}

// Set inserts or overwrites key.
func (r *SettingRepository) Set(ctx context.Context, key, value string) error {
	if r.db.cipher != nil {
		sealed, err := r.db.cipher.Seal(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt setting %s: %w", key, err)
		}
		value = sealed
	}

	query := r.db.rebind(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`)
	if _, err := r.db.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an unknown key is not an error.
func (r *SettingRepository) Delete(ctx context.Context, key string) error {
	query := r.db.rebind(`DELETE FROM settings WHERE key = ?`)
	if _, err := r.db.conn.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}
