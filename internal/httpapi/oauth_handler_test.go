package httpapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jihu_proxy/internal/credentials"
)

func setClientCredentials(t *testing.T, deps *Dependencies) {
	t.Helper()
	require.NoError(t, deps.Settings.Set(t.Context(), credentials.KeyClientID, "app-id"))
	require.NoError(t, deps.Settings.Set(t.Context(), credentials.KeyClientSecret, "app-secret"))
}

func TestOAuthStartRedirects(t *testing.T) {
	upstream := newFakeUpstream(t)
	deps := newTestDeps(t, upstream)
	setClientCredentials(t, deps)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local:8000/auth/oauth-start", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, upstream.URL+"/oauth/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "app-id", loc.Query().Get("client_id"))
	assert.Equal(t, "http://proxy.local:8000/auth/oauth-callback", loc.Query().Get("redirect_uri"))
	assert.Equal(t, "code", loc.Query().Get("response_type"))
	assert.Equal(t, "api", loc.Query().Get("scope"))
}

func TestOAuthStartHonoursForwardedProto(t *testing.T) {
	deps := newTestDeps(t, newFakeUpstream(t))
	setClientCredentials(t, deps)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.example.com/auth/oauth-start", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://proxy.example.com/auth/oauth-callback", callbackURL(req))
}

func TestOAuthStartWithoutClientCredentials(t *testing.T) {
	deps := newTestDeps(t, newFakeUpstream(t))
	router := NewRouter(deps)

	rec := doJSON(t, router, http.MethodGet, "/auth/oauth-start", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detailOf(t, rec), "jihu-proxy oauth-setup")
}

func TestOAuthCallbackPersistsTokens(t *testing.T) {
	upstream := newFakeUpstream(t)
	deps := newTestDeps(t, upstream)
	setClientCredentials(t, deps)
	router := NewRouter(deps)
	admin := registerAdmin(t, router, "root", "s3cretpass")

	// prime both caches with the old credentials
	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions", chatBody(nil), testHeaders{"X-API-Key": admin.APIKey})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int32(1), upstream.jwtCalls.Load())

	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8000/auth/oauth-callback?code=auth-code", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody[OAuthResult](t, rec)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "http://127.0.0.1:8000/auth/oauth-callback", result.RedirectURI)

	upstream.set(func(f *fakeUpstream) {
		assert.Equal(t, "authorization_code", f.tokenForm.Get("grant_type"))
		assert.Equal(t, "auth-code", f.tokenForm.Get("code"))
		assert.Equal(t, "app-id", f.tokenForm.Get("client_id"))
		assert.Equal(t, "app-secret", f.tokenForm.Get("client_secret"))
		assert.Equal(t, result.RedirectURI, f.tokenForm.Get("redirect_uri"))
	})

	for key, expected := range map[string]string{
		credentials.KeyAccessToken:  "browser-access-token",
		credentials.KeyRefreshToken: "browser-refresh-token",
		credentials.KeyRedirectURI:  result.RedirectURI,
	} {
		got, err := deps.Settings.Get(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, expected, got, key)
	}

	snapshot, err := credentials.LoadSnapshot(deps.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, credentials.Snapshot{
		credentials.KeyClientID:     "app-id",
		credentials.KeyClientSecret: "app-secret",
		credentials.KeyAccessToken:  "browser-access-token",
		credentials.KeyRefreshToken: "browser-refresh-token",
		credentials.KeyRedirectURI:  result.RedirectURI,
	}, snapshot)

	// the cached JWT was dropped, so the next call exchanges the new token
	rec = doJSON(t, router, http.MethodPost, "/v1/chat/completions", chatBody(nil), testHeaders{"X-API-Key": admin.APIKey})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), upstream.jwtCalls.Load())
	upstream.set(func(f *fakeUpstream) {
		assert.Equal(t, "browser-access-token", f.lastAccess)
	})
}

func TestOAuthCallbackErrors(t *testing.T) {
	upstream := newFakeUpstream(t)
	deps := newTestDeps(t, upstream)
	router := NewRouter(deps)

	tests := []struct {
		name     string
		query    string
		status   int
		contains string
	}{
		{"provider error", "?error=access_denied&error_description=denied+by+user", http.StatusBadRequest, "access_denied: denied by user"},
		{"missing code", "", http.StatusBadRequest, "No authorization code received"},
		{"missing client credentials", "?code=abc", http.StatusBadRequest, "jihu-proxy oauth-setup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodGet, "/auth/oauth-callback"+tt.query, nil, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, detailOf(t, rec), tt.contains)
		})
	}
}
