// Package credentials resolves OAuth configuration values from the
// environment, the persisted settings table and the on-disk snapshot.
package credentials

import (
	"context"
	"os"

	"jihu_proxy/internal/utils"
)

// Setting keys, shared by the settings table and the snapshot file.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
	KeyRedirectURI  = "redirect_uri"
)

// Environment variables that override every other source.
const (
	EnvAccessToken  = "GITLAB_OAUTH_ACCESS_TOKEN"
	EnvRefreshToken = "GITLAB_OAUTH_REFRESH_TOKEN"
	EnvClientID     = "GITLAB_OAUTH_CLIENT_ID"
	EnvClientSecret = "GITLAB_OAUTH_CLIENT_SECRET"
	EnvRedirectURI  = "GITLAB_OAUTH_REDIRECT_URI"
)

// DefaultRedirectURI is the local callback served by the proxy itself.
const DefaultRedirectURI = "http://127.0.0.1:8000/auth/oauth-callback"

// SettingStore is the persisted key/value store. Get returns "" and a nil
// error for an unknown key.
type SettingStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Resolver looks values up in env, store, snapshot, fallback order.
type Resolver struct {
	store    SettingStore // optional
	snapshot Snapshot
	getenv   func(string) string
	logger   *utils.Logger
}

// NewResolver creates a resolver. store may be nil.
func NewResolver(store SettingStore, snapshot Snapshot) *Resolver {
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	return &Resolver{
		store:    store,
		snapshot: snapshot,
		getenv:   os.Getenv,
		logger:   utils.NewLogger("credentials"),
	}
}

// Store returns the configured setting store, or nil.
func (r *Resolver) Store() SettingStore {
	return r.store
}

// Resolve returns the first non-empty value and true, or "" and false.
// Store errors are treated as a missing value.
func (r *Resolver) Resolve(ctx context.Context, settingKey, envVar, fallback string) (string, bool) {
	if v := r.getenv(envVar); v != "" {
		return v, true
	}

	if r.store != nil {
		v, err := r.store.Get(ctx, settingKey)
		if err != nil {
			r.logger.Debug("setting lookup failed", "key", settingKey, "err", err)
		} else if v != "" {
			return v, true
		}
	}

	if v := r.snapshot.Get(settingKey); v != "" {
		return v, true
	}

	if fallback != "" {
		return fallback, true
	}
	return "", false
}

func (r *Resolver) AccessToken(ctx context.Context) (string, bool) {
	return r.Resolve(ctx, KeyAccessToken, EnvAccessToken, "")
}

func (r *Resolver) RefreshToken(ctx context.Context) (string, bool) {
	return r.Resolve(ctx, KeyRefreshToken, EnvRefreshToken, "")
}

func (r *Resolver) ClientID(ctx context.Context) (string, bool) {
	return r.Resolve(ctx, KeyClientID, EnvClientID, "")
}

func (r *Resolver) ClientSecret(ctx context.Context) (string, bool) {
	return r.Resolve(ctx, KeyClientSecret, EnvClientSecret, "")
}

// RedirectURI always resolves, falling back to DefaultRedirectURI.
func (r *Resolver) RedirectURI(ctx context.Context) string {
	v, _ := r.Resolve(ctx, KeyRedirectURI, EnvRedirectURI, DefaultRedirectURI)
	return v
}
