// Package middleware holds the HTTP gates in front of the proxy routes.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"jihu_proxy/internal/auth"
	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// APIKeyRecordKey is the context key for storing the authenticated API key record
	APIKeyRecordKey ContextKey = "apiKeyRecord"

	// SessionKey is the context key for the validated session
	SessionKey ContextKey = "session"
)

// KeyValidator resolves an API key to its active record.
type KeyValidator interface {
	Validate(ctx context.Context, key string) (*models.APIKeyRecord, error)
}

// APIKeyMiddleware validates the API key and adds its record to the request
// context. OpenAI SDK clients send the key as a Bearer token instead.
func APIKeyMiddleware(keys KeyValidator) func(http.Handler) http.Handler {
	logger := utils.NewLogger("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					apiKey = strings.TrimSpace(token)
				}
			}

			if apiKey == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing X-API-Key header")
				return
			}

			record, err := keys.Validate(r.Context(), apiKey)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidAPIKey) {
					utils.RespondWithError(w, http.StatusUnauthorized, auth.ErrInvalidAPIKey.Error())
					return
				}
				logger.Error("api key lookup failed", "err", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key")
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyRecordKey, record)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKeyRecord retrieves the API key record from the request context
func GetAPIKeyRecord(ctx context.Context) (*models.APIKeyRecord, bool) {
	record, ok := ctx.Value(APIKeyRecordKey).(*models.APIKeyRecord)
	return record, ok
}
