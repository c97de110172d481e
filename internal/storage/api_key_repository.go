package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"jihu_proxy/internal/models"
)

// APIKeyRepository handles API key and usage database operations
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository creates a new API key repository
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a key for userID together with its zero usage row.
// An empty key is generated by the backend. name may be nil.
func (r *APIKeyRepository) Create(ctx context.Context, userID int64, key string, name *string) (*models.APIKey, error) {
	if key == "" {
		generated, err := r.db.newAPIKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}

	apiKey := &models.APIKey{
		UserID:    userID,
		Key:       key,
		Name:      name,
		IsActive:  true,
		CreatedAt: models.Now(),
	}

	query := r.db.rebind(`
		INSERT INTO api_keys (user_id, key, name, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)
		RETURNING id
	`)
	err := r.db.conn.QueryRowxContext(ctx, query,
		apiKey.UserID, apiKey.Key, apiKey.Name, apiKey.CreatedAt,
	).Scan(&apiKey.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("api key already exists: %w", models.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	usageQuery := r.db.rebind(`
		INSERT INTO api_usage (api_key_id, total_input_tokens, total_output_tokens, total_requests, updated_at)
		VALUES (?, 0, 0, 0, ?)
	`)
	if _, err := r.db.conn.ExecContext(ctx, usageQuery, apiKey.ID, apiKey.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create api usage: %w", err)
	}

	return apiKey, nil
}

// FindActive returns the active key joined with its owner.
// Unknown and inactive keys both yield ErrAPIKeyNotFound.
func (r *APIKeyRepository) FindActive(ctx context.Context, key string) (*models.APIKeyRecord, error) {
	var record models.APIKeyRecord
	query := r.db.rebind(`
		SELECT ak.id, ak.user_id, ak.key, ak.name, ak.is_active, ak.created_at,
			u.username, u.is_admin
		FROM api_keys ak
		JOIN users u ON ak.user_id = u.id
		WHERE ak.key = ? AND ak.is_active = 1
	`)

	err := r.db.conn.GetContext(ctx, &record, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return &record, nil
}

// SetActive enables or disables a key.
func (r *APIKeyRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := r.db.rebind(`UPDATE api_keys SET is_active = ? WHERE id = ?`)

	result, err := r.db.conn.ExecContext(ctx, query, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// ListByUser returns a user's keys with usage totals, newest first.
func (r *APIKeyRepository) ListByUser(ctx context.Context, userID int64) ([]*models.APIKeyWithUsage, error) {
	query := r.db.rebind(`
		SELECT ak.id, ak.key, ak.name, ak.is_active, ak.created_at,
			COALESCE(au.total_input_tokens, 0) AS total_input_tokens,
			COALESCE(au.total_output_tokens, 0) AS total_output_tokens,
			COALESCE(au.total_requests, 0) AS total_requests
		FROM api_keys ak
		LEFT JOIN api_usage au ON ak.id = au.api_key_id
		WHERE ak.user_id = ?
		ORDER BY ak.created_at DESC, ak.id DESC
	`)

	keys := []*models.APIKeyWithUsage{}
	if err := r.db.conn.SelectContext(ctx, &keys, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	return keys, nil
}

// ListAll returns every key with its owner and usage totals, newest first.
func (r *APIKeyRepository) ListAll(ctx context.Context) ([]*models.APIKeyWithUsage, error) {
	query := `
		SELECT ak.id, ak.key, ak.name, ak.is_active, ak.created_at,
			u.username, u.is_admin,
			COALESCE(au.total_input_tokens, 0) AS total_input_tokens,
			COALESCE(au.total_output_tokens, 0) AS total_output_tokens,
			COALESCE(au.total_requests, 0) AS total_requests
		FROM api_keys ak
		JOIN users u ON ak.user_id = u.id
		LEFT JOIN api_usage au ON ak.id = au.api_key_id
		ORDER BY ak.created_at DESC, ak.id DESC
	`

	keys := []*models.APIKeyWithUsage{}
	if err := r.db.conn.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	return keys, nil
}

// AddUsage adds one request and the given token counts to a key's totals.
// The three counters advance in a single statement.
func (r *APIKeyRepository) AddUsage(ctx context.Context, apiKeyID int64, inputTokens, outputTokens int64) error {
	query := r.db.rebind(`
		INSERT INTO api_usage (api_key_id, total_input_tokens, total_output_tokens, total_requests, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (api_key_id) DO UPDATE SET
			total_input_tokens = api_usage.total_input_tokens + excluded.total_input_tokens,
			total_output_tokens = api_usage.total_output_tokens + excluded.total_output_tokens,
			total_requests = api_usage.total_requests + 1,
			updated_at = excluded.updated_at
	`)

	if _, err := r.db.conn.ExecContext(ctx, query, apiKeyID, inputTokens, outputTokens, models.Now()); err != nil {
		return fmt.Errorf("failed to update api usage: %w", err)
	}
	return nil
}

// GetUsage returns the usage totals for a key.
func (r *APIKeyRepository) GetUsage(ctx context.Context, apiKeyID int64) (*models.APIUsage, error) {
	var usage models.APIUsage
	query := r.db.rebind(`
		SELECT api_key_id, total_input_tokens, total_output_tokens, total_requests, updated_at
		FROM api_usage WHERE api_key_id = ?
	`)

	err := r.db.conn.GetContext(ctx, &usage, query, apiKeyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api usage: %w", err)
	}

	return &usage, nil
}
