// Package oauth obtains GitLab OAuth access tokens for the upstream and
// launches re-authorization when the refresh token stops working.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jihu_proxy/internal/credentials"
	"jihu_proxy/internal/utils"
)

// DefaultHost is the Jihu GitLab instance.
const DefaultHost = "https://jihulab.com"

// OutOfBandRedirectURI is sent when no redirect URI resolves at all.
const OutOfBandRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

const maxErrorBody = 2048

// Reauthorizer starts interactive re-authorization. Trigger must return
// immediately and never fail the caller.
type Reauthorizer interface {
	Trigger()
}

// ReauthorizerFunc adapts a function to Reauthorizer.
type ReauthorizerFunc func()

func (f ReauthorizerFunc) Trigger() { f() }

// TokenResponse is the body of a successful /oauth/token call.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// TokenManager hands out upstream access tokens, refreshing them with the
// refresh-token grant when no access token is configured.
type TokenManager struct {
	resolver *credentials.Resolver
	host     string
	client   *http.Client
	reauth   Reauthorizer
	logger   *utils.Logger

	mu     sync.RWMutex
	cached string

	refreshes singleflight.Group
}

// Options configures a TokenManager.
type Options struct {
	Host         string // defaults to DefaultHost
	HTTPClient   *http.Client
	Reauthorizer Reauthorizer // optional
}

func NewTokenManager(resolver *credentials.Resolver, opts Options) *TokenManager {
	host := strings.TrimRight(opts.Host, "/")
	if host == "" {
		host = DefaultHost
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	reauth := opts.Reauthorizer
	if reauth == nil {
		reauth = ReauthorizerFunc(func() {})
	}
	return &TokenManager{
		resolver: resolver,
		host:     host,
		client:   client,
		reauth:   reauth,
		logger:   utils.NewLogger("oauth"),
	}
}

// Host returns the OAuth host, without trailing slash.
func (m *TokenManager) Host() string {
	return m.host
}

// GetAccessToken returns a usable access token. A configured access token
// is re-resolved on every call so newly persisted values apply at once.
func (m *TokenManager) GetAccessToken(ctx context.Context) (string, error) {
	if token, ok := m.resolver.AccessToken(ctx); ok {
		m.setCached(token)
		return token, nil
	}

	if token := m.Cached(); token != "" {
		return token, nil
	}

	// Waiting callers share the refresh; one of them going away must not
	// fail the others.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.refresh(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cached returns the last known access token, or "".
func (m *TokenManager) Cached() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached
}

func (m *TokenManager) setCached(token string) {
	m.mu.Lock()
	m.cached = token
	m.mu.Unlock()
}

// ClearCache forgets the cached token.
func (m *TokenManager) ClearCache() {
	m.setCached("")
}

func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	refreshToken, ok := m.resolver.RefreshToken(ctx)
	if !ok {
		return "", utils.NewUpstreamError(utils.ErrMissingCredentials, "oauth refresh",
			"missing GitLab OAuth access token; run jihu-proxy oauth-setup first")
	}

	clientID, okID := m.resolver.ClientID(ctx)
	clientSecret, okSecret := m.resolver.ClientSecret(ctx)
	if !okID || !okSecret {
		return "", utils.NewUpstreamError(utils.ErrMissingClientCredentials, "oauth refresh",
			"refreshing the access token requires GITLAB_OAUTH_CLIENT_ID and GITLAB_OAUTH_CLIENT_SECRET")
	}

	redirectURI := m.resolver.RedirectURI(ctx)
	if redirectURI == "" {
		redirectURI = OutOfBandRedirectURI
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"redirect_uri":  {redirectURI},
	}

	tok, status, body, err := m.postToken(ctx, form)
	if err != nil {
		return "", &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "oauth refresh", Message: "token refresh request failed", Err: err}
	}

	switch {
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		m.logger.Warn("refresh token rejected, launching re-authorization", "status", status)
		m.reauth.Trigger()
		return "", &utils.UpstreamError{
			Kind:       utils.ErrUpstreamAuthExpired,
			Op:         "oauth refresh",
			StatusCode: status,
			Message:    "refresh token invalid or expired; please run jihu-proxy oauth-setup",
		}
	case status < 200 || status > 299:
		return "", &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "oauth refresh", StatusCode: status, Body: body, Message: "token refresh failed"}
	case tok.AccessToken == "":
		return "", &utils.UpstreamError{Kind: utils.ErrMalformedUpstreamResponse, Op: "oauth refresh", Message: "token refresh response has no access_token"}
	}

	m.setCached(tok.AccessToken)
	m.logger.Info("access token refreshed")

	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		m.persistRefreshToken(ctx, tok.RefreshToken)
	}
	return tok.AccessToken, nil
}

// persistRefreshToken stores a rotated refresh token. GitLab invalidates
// the old one on use.
func (m *TokenManager) persistRefreshToken(ctx context.Context, token string) {
	store := m.resolver.Store()
	if store == nil {
		m.logger.Warn("refresh token rotated but no setting store is configured")
		return
	}
	if err := store.Set(ctx, credentials.KeyRefreshToken, token); err != nil {
		m.logger.Error("failed to persist rotated refresh token", "err", err)
	}
}

// ExchangeCode performs the authorization_code grant. Both tokens must be
// present in the response.
func (m *TokenManager) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	clientID, okID := m.resolver.ClientID(ctx)
	clientSecret, okSecret := m.resolver.ClientSecret(ctx)
	if !okID || !okSecret {
		return nil, utils.NewUpstreamError(utils.ErrMissingClientCredentials, "oauth exchange",
			"GitLab application credentials not found; run jihu-proxy oauth-setup first")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"redirect_uri":  {redirectURI},
	}

	tok, status, body, err := m.postToken(ctx, form)
	if err != nil {
		return nil, &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "oauth exchange", Message: "code exchange request failed", Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "oauth exchange", StatusCode: status, Body: body, Message: "code exchange failed"}
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, &utils.UpstreamError{Kind: utils.ErrMalformedUpstreamResponse, Op: "oauth exchange", Message: "code exchange response is missing access_token or refresh_token"}
	}
	return tok, nil
}

// AuthorizeURL builds the browser URL that starts the authorization_code flow.
func (m *TokenManager) AuthorizeURL(clientID, redirectURI string) string {
	return AuthorizeURL(m.host, clientID, redirectURI)
}

func AuthorizeURL(host, clientID, redirectURI string) string {
	q := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {"api"},
	}
	return strings.TrimRight(host, "/") + "/oauth/authorize?" + q.Encode()
}

func (m *TokenManager) postToken(ctx context.Context, form url.Values) (*TokenResponse, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TokenResponse{}, resp.StatusCode, truncate(string(raw), maxErrorBody), nil
	}

	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		// a 2xx that is not JSON has no usable token
		return &TokenResponse{}, resp.StatusCode, "", nil
	}
	return &tok, resp.StatusCode, "", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
