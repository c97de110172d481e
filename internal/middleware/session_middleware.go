package middleware

import (
	"context"
	"errors"
	"net/http"

	"jihu_proxy/internal/auth"
	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// SessionValidator resolves a session token, touching it on success.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*models.Session, error)
}

// SessionMiddleware requires a live X-Session-Token.
func SessionMiddleware(sessions SessionValidator) func(http.Handler) http.Handler {
	logger := utils.NewLogger("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Session-Token")
			if token == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing X-Session-Token header")
				return
			}

			session, err := sessions.ValidateSession(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidSession) {
					utils.RespondWithError(w, http.StatusUnauthorized, auth.ErrInvalidSession.Error())
					return
				}
				logger.Error("session validation failed", "err", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "Error validating session")
				return
			}

			ctx := context.WithValue(r.Context(), SessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession retrieves the validated session from the request context
func GetSession(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*models.Session)
	return session, ok
}

// RequireSameUser rejects requests whose API key and session belong to
// different users. It must run after both gates.
func RequireSameUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record, okKey := GetAPIKeyRecord(r.Context())
		session, okSession := GetSession(r.Context())
		if !okKey || !okSession {
			utils.RespondWithError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if record.UserID != session.UserID {
			utils.RespondWithError(w, http.StatusForbidden, "session and api key mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests whose API key owner is not an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record, ok := GetAPIKeyRecord(r.Context())
		if !ok {
			utils.RespondWithError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !auth.RoleOf(record.IsAdmin).HasPermission(auth.RoleAdmin) {
			utils.RespondWithError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
