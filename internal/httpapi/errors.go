package httpapi

import (
	"net/http"
	"strings"

	"jihu_proxy/internal/utils"
)

const (
	loginURL      = "https://jihulab.com/-/user_settings/applications"
	localOAuthURL = "/auth/oauth-start"
	reauthHint    = `Run "jihu-proxy oauth-setup" to re-authenticate, or open /auth/oauth-start in a browser.`
)

// AuthExpiredDetail is the detail body sent when the upstream rejected
// our OAuth credentials.
type AuthExpiredDetail struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	LoginURL      string `json:"login_url"`
	LocalOAuthURL string `json:"local_oauth_url"`
	Hint          string `json:"hint"`
}

// legacySetupCommands are setup commands older releases printed. Order
// matters: the longer form must be replaced first.
var legacySetupCommands = []string{
	"python oauth_setup.py",
	"oauth_setup.py",
	"npm run oauth-setup",
}

// normalizeErrorMessage rewrites legacy setup instructions to the current command.
func normalizeErrorMessage(msg string) string {
	for _, legacy := range legacySetupCommands {
		msg = strings.ReplaceAll(msg, legacy, "jihu-proxy oauth-setup")
	}
	return msg
}

func respondAuthExpired(w http.ResponseWriter, err error) {
	utils.RespondWithDetail(w, http.StatusUnauthorized, AuthExpiredDetail{
		Error:         "jihu_auth_expired",
		Message:       normalizeErrorMessage(utils.ErrorMessage(err)),
		LoginURL:      loginURL,
		LocalOAuthURL: localOAuthURL,
		Hint:          reauthHint,
	})
}

// respondUpstreamError maps a chat proxy failure. Auth expiry gets the
// structured 401, everything else a 500.
func respondUpstreamError(w http.ResponseWriter, err error) {
	if utils.IsRecoverableError(err) {
		respondAuthExpired(w, err)
		return
	}
	utils.RespondWithError(w, http.StatusInternalServerError, normalizeErrorMessage(err.Error()))
}
