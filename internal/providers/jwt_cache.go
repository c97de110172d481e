package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	"jihu_proxy/internal/utils"
)

// DefaultJWTSkew is how long before expiry a cached JWT is replaced.
const DefaultJWTSkew = 60 * time.Second

const maxErrorBody = 2048

// JWTCache exchanges GitLab access tokens for short-lived CodeRider JWTs
// and caches the result until shortly before it expires.
type JWTCache struct {
	tokens AccessTokenSource
	host   string
	client *http.Client
	skew   time.Duration
	now    func() time.Time
	logger *utils.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	fetches singleflight.Group
}

// NewJWTCache creates a cache against host. A zero skew means DefaultJWTSkew.
func NewJWTCache(tokens AccessTokenSource, host string, client *http.Client, skew time.Duration) *JWTCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if skew <= 0 {
		skew = DefaultJWTSkew
	}
	return &JWTCache{
		tokens: tokens,
		host:   strings.TrimRight(host, "/"),
		client: client,
		skew:   skew,
		now:    time.Now,
		logger: utils.NewLogger("jwt"),
	}
}

// GetJWT returns a JWT that is valid for at least the skew.
func (c *JWTCache) GetJWT(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	// shared by every waiting caller; only the client timeout bounds it
	flightCtx := context.WithoutCancel(ctx)
	ch := c.fetches.DoChan("jwt", func() (any, error) {
		// another caller may have filled the cache while we queued
		if token, ok := c.cached(); ok {
			return token, nil
		}
		return c.fetch(flightCtx)
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

// Authenticate sets the Bearer JWT on req.
func (c *JWTCache) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := c.GetJWT(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Invalidate drops the cached JWT.
func (c *JWTCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// ExpiresAt returns the expiry of the cached JWT, zero when none is cached.
func (c *JWTCache) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

func (c *JWTCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.now().Before(c.expiresAt.Add(-c.skew)) {
		return "", false
	}
	return c.token, true
}

type jwtResponse struct {
	Token          string `json:"token"`
	TokenExpiresAt any    `json:"tokenExpiresAt"`
}

func (c *JWTCache) fetch(ctx context.Context) (string, error) {
	accessToken, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/v1/auth/jwt", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "jwt exchange", Message: "jwt request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &utils.UpstreamError{Kind: utils.ErrUpstreamFailure, Op: "jwt exchange", StatusCode: resp.StatusCode, Message: "failed to read jwt response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// the access token is stale; let the next call resolve or refresh again
		c.tokens.ClearCache()
		return "", &utils.UpstreamError{
			Kind:       utils.ErrUpstreamAuthExpired,
			Op:         "jwt exchange",
			StatusCode: resp.StatusCode,
			Message:    "coderider jwt unauthorized; please run jihu-proxy oauth-setup",
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &utils.UpstreamError{
			Kind:       utils.ErrUpstreamFailure,
			Op:         "jwt exchange",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			Message:    "jwt request failed",
		}
	}

	var parsed jwtResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &utils.UpstreamError{Kind: utils.ErrMalformedUpstreamResponse, Op: "jwt exchange", Message: "jwt response is not valid JSON"}
	}
	expiresAt, ok := parseExpiry(parsed.TokenExpiresAt)
	if parsed.Token == "" || !ok {
		return "", &utils.UpstreamError{Kind: utils.ErrMalformedUpstreamResponse, Op: "jwt exchange", Message: "jwt response is missing token or tokenExpiresAt"}
	}
	if exp, ok := claimExpiry(parsed.Token); ok && exp.Before(expiresAt) {
		expiresAt = exp
	}

	c.mu.Lock()
	c.token = parsed.Token
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.logger.Debug("jwt refreshed", "expires_at", expiresAt.UTC().Format(time.RFC3339))
	return parsed.Token, nil
}

// parseExpiry accepts RFC 3339 strings and epoch numbers. Numbers above
// 1e12 are milliseconds.
func parseExpiry(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, true
		}
		return time.Time{}, false
	case float64:
		if x <= 0 {
			return time.Time{}, false
		}
		if x > 1e12 {
			return time.UnixMilli(int64(x)), true
		}
		return time.Unix(int64(x), 0), true
	default:
		return time.Time{}, false
	}
}

// claimExpiry reads the exp claim without verifying the signature. The
// upstream signs the token; this process only needs its lifetime.
func claimExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
