package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jihu_proxy/internal/auth"
	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// AdminHandler serves the /admin routes. Callers have passed RequireAdmin.
type AdminHandler struct {
	keys          *auth.APIKeyService
	registrations *auth.RegistrationService
	logger        *utils.Logger
}

func NewAdminHandler(keys *auth.APIKeyService, registrations *auth.RegistrationService) *AdminHandler {
	return &AdminHandler{
		keys:          keys,
		registrations: registrations,
		logger:        utils.NewLogger("admin"),
	}
}

// ListKeys handles GET /admin/api-keys.
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list api keys", "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []*models.APIKeyWithUsage{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

// DeactivateKey handles POST /admin/api-keys/{id}/deactivate. Keys are
// never deleted, so this is how an admin revokes one.
func (h *AdminHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid api key id")
	if !ok {
		return
	}
	if err := h.keys.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("failed to deactivate api key", "key_id", id, "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to deactivate api key")
		return
	}
	h.logger.Info("api key deactivated", "key_id", id)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListRegistrations handles GET /admin/registrations.
func (h *AdminHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	pending, err := h.registrations.ListPending(r.Context())
	if err != nil {
		h.logger.Error("failed to list registrations", "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list registration requests")
		return
	}
	if pending == nil {
		pending = []*models.RegistrationRequest{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"registration_requests": pending})
}

// Approve handles POST /admin/registrations/{id}/approve.
func (h *AdminHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid registration request id")
	if !ok {
		return
	}
	user, err := h.registrations.Approve(r.Context(), id)
	if err != nil {
		h.respondRegistrationError(w, id, err)
		return
	}
	h.logger.Info("registration approved", "request_id", id, "user_id", user.ID, "username", user.Username)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Reject handles POST /admin/registrations/{id}/reject.
func (h *AdminHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid registration request id")
	if !ok {
		return
	}
	if err := h.registrations.Reject(r.Context(), id); err != nil {
		h.respondRegistrationError(w, id, err)
		return
	}
	h.logger.Info("registration rejected", "request_id", id)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses the positive {id} URL parameter.
func pathID(w http.ResponseWriter, r *http.Request, invalidMsg string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondWithError(w, http.StatusBadRequest, invalidMsg)
		return 0, false
	}
	return id, true
}

func (h *AdminHandler) respondRegistrationError(w http.ResponseWriter, id int64, err error) {
	switch {
	case errors.Is(err, auth.ErrRegistrationMissing):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrRegistrationClosed):
		utils.RespondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("registration update failed", "request_id", id, "err", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to update registration request")
	}
}
