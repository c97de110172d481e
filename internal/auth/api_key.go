package auth

import (
	"context"
	"errors"
	"strings"

	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// APIKeyService issues, validates and meters API keys.
type APIKeyService struct {
	keys   APIKeyStore
	logger *utils.Logger
}

func NewAPIKeyService(keys APIKeyStore) *APIKeyService {
	return &APIKeyService{keys: keys, logger: utils.NewLogger("api-keys")}
}

// Create issues a new key for userID. A blank name is stored as NULL.
func (s *APIKeyService) Create(ctx context.Context, userID int64, name string) (*models.APIKey, error) {
	return s.keys.Create(ctx, userID, "", utils.StringPtr(strings.TrimSpace(name)))
}

// Validate returns the active key record. Unknown and inactive keys fail
// identically with ErrInvalidAPIKey.
func (s *APIKeyService) Validate(ctx context.Context, key string) (*models.APIKeyRecord, error) {
	if key == "" {
		return nil, ErrInvalidAPIKey
	}
	record, err := s.keys.FindActive(ctx, key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	return record, nil
}

func (s *APIKeyService) ListUserKeys(ctx context.Context, userID int64) ([]*models.APIKeyWithUsage, error) {
	return s.keys.ListByUser(ctx, userID)
}

func (s *APIKeyService) ListAll(ctx context.Context) ([]*models.APIKeyWithUsage, error) {
	return s.keys.ListAll(ctx)
}

func (s *APIKeyService) Deactivate(ctx context.Context, id int64) error {
	return s.keys.SetActive(ctx, id, false)
}

// RecordUsage adds one billable request to a key's totals.
func (s *APIKeyService) RecordUsage(ctx context.Context, apiKeyID int64, inputTokens, outputTokens int64) error {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return s.keys.AddUsage(ctx, apiKeyID, inputTokens, outputTokens)
}
