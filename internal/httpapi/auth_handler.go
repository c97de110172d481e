package httpapi

import (
	"errors"
	"net/http"

	"jihu_proxy/internal/auth"
	"jihu_proxy/internal/middleware"
	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// AuthHandler serves account, session and self-service key routes.
type AuthHandler struct {
	accounts *auth.Service
	keys     *auth.APIKeyService
	logger   *utils.Logger
}

func NewAuthHandler(accounts *auth.Service, keys *auth.APIKeyService) *AuthHandler {
	return &AuthHandler{
		accounts: accounts,
		keys:     keys,
		logger:   utils.NewLogger("auth-api"),
	}
}

// CredentialsRequest is the body of register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterResponse covers both outcomes of a registration.
type RegisterResponse struct {
	User            *models.UserSummary `json:"user,omitempty"`
	APIKey          string              `json:"api_key,omitempty"`
	PendingApproval bool                `json:"pending_approval"`
	Message         string              `json:"message,omitempty"`
	AdminUsername   *string             `json:"admin_username,omitempty"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	User         models.UserSummary        `json:"user"`
	SessionToken string                    `json:"session_token"`
	APIKeys      []*models.APIKeyWithUsage `json:"api_keys"`
}

// CreateKeyRequest is the body of POST /auth/api-keys.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

const pendingMessage = "Registration request created. Please wait for admin approval."

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingFields),
			errors.Is(err, auth.ErrWeakPassword),
			errors.Is(err, auth.ErrUsernameExists):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("registration failed", "username", req.Username, "err", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	if result.User != nil {
		summary := result.User.Summary()
		utils.RespondWithJSON(w, http.StatusOK, RegisterResponse{
			User:   &summary,
			APIKey: result.APIKey.Key,
		})
		return
	}

	resp := RegisterResponse{PendingApproval: true, Message: pendingMessage}
	if result.AdminUsername != "" {
		resp.AdminUsername = utils.StringPtr(result.AdminUsername)
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingFields):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrInvalidCredentials):
			utils.RespondWithError(w, http.StatusUnauthorized, err.Error())
		default:
			h.logger.Error("login failed", "username", req.Username, "err", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	keys := result.APIKeys
	if keys == nil {
		keys = []*models.APIKeyWithUsage{}
	}
	utils.RespondWithJSON(w, http.StatusOK, LoginResponse{
		User:         result.User.Summary(),
		SessionToken: result.Session.Token,
		APIKeys:      keys,
	})
}

// Logout handles POST /auth/logout behind the session gate.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing X-Session-Token header")
		return
	}
	if err := h.accounts.Logout(r.Context(), session.Token); err != nil {
		h.logger.Error("logout failed", "user_id", session.UserID, "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListKeys handles GET /auth/api-keys for the session's own user.
func (h *AuthHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	session, _ := middleware.GetSession(r.Context())
	keys, err := h.keys.ListUserKeys(r.Context(), session.UserID)
	if err != nil {
		h.logger.Error("failed to list api keys", "user_id", session.UserID, "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []*models.APIKeyWithUsage{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

// CreateKey handles POST /auth/api-keys.
func (h *AuthHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	session, _ := middleware.GetSession(r.Context())

	var req CreateKeyRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.keys.Create(r.Context(), session.UserID, req.Name)
	if err != nil {
		h.logger.Error("failed to create api key", "user_id", session.UserID, "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}
	h.logger.Info("api key created", "user_id", session.UserID, "key_id", key.ID)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"api_key": key.Key})
}
