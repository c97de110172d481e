package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"jihu_proxy/internal/credentials"
	"jihu_proxy/internal/oauth"
	"jihu_proxy/internal/utils"
)

const callbackPath = "/auth/oauth-callback"

// cacheInvalidator drops a cached upstream credential.
type cacheInvalidator interface {
	Invalidate()
}

// OAuthHandler runs the browser authorization_code flow against Jihu GitLab.
type OAuthHandler struct {
	resolver     *credentials.Resolver
	tokens       *oauth.TokenManager
	jwt          cacheInvalidator // optional
	snapshotPath string
	logger       *utils.Logger
}

func NewOAuthHandler(resolver *credentials.Resolver, tokens *oauth.TokenManager, jwt cacheInvalidator, snapshotPath string) *OAuthHandler {
	return &OAuthHandler{
		resolver:     resolver,
		tokens:       tokens,
		jwt:          jwt,
		snapshotPath: snapshotPath,
		logger:       utils.NewLogger("oauth-api"),
	}
}

// OAuthResult is the body returned by a successful callback.
type OAuthResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	RedirectURI string `json:"redirect_uri"`
}

// Start handles GET /auth/oauth-start by redirecting to the authorize page.
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	clientID, okID := h.resolver.ClientID(r.Context())
	_, okSecret := h.resolver.ClientSecret(r.Context())
	if !okID || !okSecret {
		utils.RespondWithError(w, http.StatusBadRequest,
			"GitLab application credentials not found; run jihu-proxy oauth-setup first")
		return
	}
	http.Redirect(w, r, h.tokens.AuthorizeURL(clientID, callbackURL(r)), http.StatusFound)
}

// Callback handles GET /auth/oauth-callback. The exchanged tokens are
// persisted to the settings store and the snapshot file, then the cached
// upstream credentials are dropped.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if oauthErr := query.Get("error"); oauthErr != "" {
		msg := oauthErr
		if desc := query.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		utils.RespondWithError(w, http.StatusBadRequest, msg)
		return
	}
	code := query.Get("code")
	if code == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "No authorization code received")
		return
	}

	redirectURI := callbackURL(r)
	tok, err := h.tokens.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		h.logger.Warn("oauth code exchange failed", "err", err)
		status := http.StatusBadGateway
		if errors.Is(err, utils.ErrMissingClientCredentials) {
			status = http.StatusBadRequest
		}
		utils.RespondWithError(w, status, normalizeErrorMessage(utils.ErrorMessage(err)))
		return
	}

	if store := h.resolver.Store(); store != nil {
		for key, value := range map[string]string{
			credentials.KeyAccessToken:  tok.AccessToken,
			credentials.KeyRefreshToken: tok.RefreshToken,
			credentials.KeyRedirectURI:  redirectURI,
		} {
			if err := store.Set(ctx, key, value); err != nil {
				h.logger.Error("failed to persist oauth setting", "key", key, "err", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "failed to save oauth tokens")
				return
			}
		}
	}

	clientID, _ := h.resolver.ClientID(ctx)
	clientSecret, _ := h.resolver.ClientSecret(ctx)
	if h.snapshotPath != "" {
		err := credentials.WriteSnapshot(h.snapshotPath, map[string]string{
			credentials.KeyClientID:     clientID,
			credentials.KeyClientSecret: clientSecret,
			credentials.KeyAccessToken:  tok.AccessToken,
			credentials.KeyRefreshToken: tok.RefreshToken,
			credentials.KeyRedirectURI:  redirectURI,
		})
		if err != nil {
			h.logger.Error("failed to write oauth snapshot", "path", h.snapshotPath, "err", err)
		}
	}

	h.tokens.ClearCache()
	if h.jwt != nil {
		h.jwt.Invalidate()
	}
	h.logger.Info("oauth authorization completed", "redirect_uri", redirectURI)

	utils.RespondWithJSON(w, http.StatusOK, OAuthResult{
		Status:      "ok",
		Message:     "OAuth authorization successful; access and refresh tokens saved",
		RedirectURI: redirectURI,
	})
}

// callbackURL derives the callback from the request so the redirect URI
// matches whatever host the browser used.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host + callbackPath
}
