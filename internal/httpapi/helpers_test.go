package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jihu_proxy/internal/config"
	"jihu_proxy/internal/credentials"
)

const (
	testAccessToken = "gitlab-access-token"
	testJWT         = "upstream-jwt"
)

// fakeUpstream plays both Jihu GitLab (/oauth/token) and CodeRider.
type fakeUpstream struct {
	*httptest.Server

	jwtCalls  atomic.Int32
	chatCalls atomic.Int32

	mu           sync.Mutex
	jwtStatus    int
	chatStatus   int
	configStatus int
	usages       []map[string]int
	lastChat     map[string]any
	lastAccess   string
	tokenForm    url.Values
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/auth/jwt", func(w http.ResponseWriter, r *http.Request) {
		f.jwtCalls.Add(1)
		f.mu.Lock()
		f.lastAccess = r.Header.Get("X-Access-Token")
		status := f.jwtStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"401 Unauthorized"}`))
			return
		}
		writeTestJSON(w, map[string]any{
			"token":          testJWT,
			"tokenExpiresAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/api/v1/llm/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testJWT {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		f.mu.Lock()
		f.lastChat = payload
		status := f.chatStatus
		var usage map[string]int
		if len(f.usages) > 0 {
			usage, f.usages = f.usages[0], f.usages[1:]
		}
		f.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("upstream exploded"))
			return
		}
		if stream, _ := payload["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: {\"choices\":[]}\n\ndata: [DONE]\n\n"))
			return
		}

		body := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   payload["model"],
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "hello from coderider"},
				"finish_reason": "stop",
			}},
		}
		if usage != nil {
			body["usage"] = map[string]int{
				"prompt_tokens":     usage["prompt"],
				"completion_tokens": usage["completion"],
				"total_tokens":      usage["prompt"] + usage["completion"],
			}
		}
		writeTestJSON(w, body)
	})

	mux.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.configStatus
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("config unavailable"))
			return
		}
		writeTestJSON(w, map[string]any{
			"chat_models":       []string{"maas/maas-chat-model"},
			"llm_models_params": []map[string]any{{"name": "maas-chat-model", "context_window": 128000}},
		})
	})

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.tokenForm = r.PostForm
		f.mu.Unlock()
		writeTestJSON(w, map[string]string{
			"access_token":  "browser-access-token",
			"refresh_token": "browser-refresh-token",
			"token_type":    "Bearer",
		})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) queueUsage(prompt, completion int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usages = append(f.usages, map[string]int{"prompt": prompt, "completion": completion})
}

func (f *fakeUpstream) set(fn func(f *fakeUpstream)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeUpstream) chatPayload() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastChat
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newTestDeps builds the full stack over a temp SQLite database. A GitLab
// access token is stored in settings so no refresh is needed.
func newTestDeps(t *testing.T, upstream *fakeUpstream) *Dependencies {
	t.Helper()
	for _, k := range []string{
		credentials.EnvAccessToken, credentials.EnvRefreshToken, credentials.EnvClientID,
		credentials.EnvClientSecret, credentials.EnvRedirectURI,
	} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(dir, "proxy.db")},
		Upstream: config.UpstreamConfig{
			CodeRiderHost:  upstream.URL,
			DefaultModel:   "maas/maas-chat-model",
			RequestTimeout: 5 * time.Second,
			JWTExpirySkew:  time.Minute,
		},
		OAuth: config.OAuthConfig{
			Host:       upstream.URL,
			ConfigPath: filepath.Join(dir, "jihu_oauth_config.json"),
		},
		Auth: config.AuthConfig{SessionTTL: time.Hour},
	}

	deps, err := NewDependencies(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(context.Background()) })

	require.NoError(t, deps.Settings.Set(context.Background(), credentials.KeyAccessToken, testAccessToken))
	return deps
}

type testHeaders map[string]string

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers testHeaders) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

// detailOf returns the string detail of an error response.
func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]any](t, rec)
	detail, _ := body["detail"].(string)
	return detail
}

// account is a registered user with a live session.
type account struct {
	UserID  int64
	APIKey  string
	Session string
}

func (a account) headers() testHeaders {
	return testHeaders{"X-API-Key": a.APIKey, "X-Session-Token": a.Session}
}

// registerAdmin registers the first user and logs in.
func registerAdmin(t *testing.T, h http.Handler, username, password string) account {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/auth/register", CredentialsRequest{Username: username, Password: password}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reg := decodeBody[RegisterResponse](t, rec)
	require.NotNil(t, reg.User)
	require.True(t, reg.User.IsAdmin)

	acc := login(t, h, username, password)
	acc.APIKey = reg.APIKey
	return acc
}

func login(t *testing.T, h http.Handler, username, password string) account {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/auth/login", CredentialsRequest{Username: username, Password: password}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[LoginResponse](t, rec)
	acc := account{UserID: resp.User.ID, Session: resp.SessionToken}
	if len(resp.APIKeys) > 0 {
		acc.APIKey = resp.APIKeys[0].Key
	}
	return acc
}
