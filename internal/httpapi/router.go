// Package httpapi exposes the proxy over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"jihu_proxy/internal/auth"
	"jihu_proxy/internal/config"
	"jihu_proxy/internal/credentials"
	"jihu_proxy/internal/logging"
	"jihu_proxy/internal/middleware"
	"jihu_proxy/internal/oauth"
	"jihu_proxy/internal/providers"
	"jihu_proxy/internal/ratelimit"
	"jihu_proxy/internal/storage"
	"jihu_proxy/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	DB            *storage.DB
	Redis         *redis.Client // nil when rate limiting is off
	Settings      *storage.SettingRepository
	Accounts      *auth.Service
	APIKeys       *auth.APIKeyService
	Registrations *auth.RegistrationService
	Resolver      *credentials.Resolver
	Tokens        *oauth.TokenManager
	JWT           *providers.JWTCache
	Chat          *providers.CodeRiderClient
	RateLimit     ratelimit.Limiter
	UsageLog      logging.Sink

	SnapshotPath string
	Reauthorizer oauth.Reauthorizer
}

// NewDependencies opens storage and builds every service from cfg. The
// caller owns the result and must Close it.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	logger := utils.NewLogger("startup")

	db, err := storage.NewDB(ctx, storage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		SettingsKey:     cfg.Database.SettingsKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps := &Dependencies{DB: db, SnapshotPath: cfg.OAuth.ConfigPath}
	deps.Settings = db.NewSettingRepository()

	users := db.NewUserRepository()
	keys := db.NewAPIKeyRepository()
	sessions := db.NewSessionRepository()
	registrations := db.NewRegistrationRepository()

	deps.Accounts = auth.NewService(users, keys, sessions, registrations, auth.Config{
		LegacyPasswordSalt: cfg.Auth.LegacyPasswordSalt,
		SessionTTL:         cfg.Auth.SessionTTL,
	})
	deps.APIKeys = auth.NewAPIKeyService(keys)
	deps.Registrations = auth.NewRegistrationService(registrations)

	snapshot, err := credentials.LoadSnapshot(cfg.OAuth.ConfigPath)
	if err != nil {
		logger.Warn("ignoring unreadable oauth snapshot", "path", cfg.OAuth.ConfigPath, "err", err)
	}
	deps.Resolver = credentials.NewResolver(deps.Settings, snapshot)

	deps.Reauthorizer = oauth.NewCommandReauthorizer(oauth.ReauthConfig{
		Enabled:  cfg.OAuth.ReauthEnabled,
		Command:  cfg.OAuth.ReauthCommand,
		Cooldown: cfg.OAuth.ReauthCooldown,
	})
	deps.Tokens = oauth.NewTokenManager(deps.Resolver, oauth.Options{
		Host:         cfg.OAuth.Host,
		Reauthorizer: deps.Reauthorizer,
	})
	deps.JWT = providers.NewJWTCache(deps.Tokens, cfg.Upstream.CodeRiderHost, nil, cfg.Upstream.JWTExpirySkew)
	deps.Chat = providers.NewCodeRiderClient(providers.ClientConfig{
		Host:         cfg.Upstream.CodeRiderHost,
		DefaultModel: cfg.Upstream.DefaultModel,
		Timeout:      cfg.Upstream.RequestTimeout,
	}, deps.JWT)

	deps.RateLimit = ratelimit.NewNoopLimiter()
	if cfg.Redis.Address != "" && cfg.RateLimit.RequestsPerMinute > 0 {
		deps.Redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := deps.Redis.Ping(ctx).Err(); err != nil {
			// the limiter fails open, so an unreachable redis only costs limiting
			logger.Warn("redis unreachable; requests will not be rate limited", "address", cfg.Redis.Address, "err", err)
		}
		deps.RateLimit = ratelimit.NewRedisLimiter(deps.Redis, cfg.RateLimit.RequestsPerMinute, time.Minute)
	}

	deps.UsageLog = logging.NewNoopSink()
	if cfg.RequestLogger.FilePathTemplate != "" {
		usageLog, err := logging.NewUsageLogger(logging.UsageLoggerConfig{
			FileTemplate:  cfg.RequestLogger.FilePathTemplate,
			MaxSize:       cfg.RequestLogger.MaxSize,
			MaxFiles:      cfg.RequestLogger.MaxFiles,
			BufferSize:    cfg.RequestLogger.BufferSize,
			FlushInterval: cfg.RequestLogger.FlushInterval,
		})
		if err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize usage log: %w", err)
		}
		deps.UsageLog = usageLog
	}

	return deps, nil
}

// Close flushes the usage log and releases connections.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	if d.UsageLog != nil {
		if err := d.UsageLog.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("usage log: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewRouter builds the chi router with every route wired to deps.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(utils.NewLogger("http")))
	r.Use(chimw.Recoverer)

	chat := NewChatHandler(deps.Chat, deps.APIKeys, deps.UsageLog)
	accounts := NewAuthHandler(deps.Accounts, deps.APIKeys)
	admin := NewAdminHandler(deps.APIKeys, deps.Registrations)
	oauthFlow := NewOAuthHandler(deps.Resolver, deps.Tokens, deps.JWT, deps.SnapshotPath)

	requireKey := middleware.APIKeyMiddleware(deps.APIKeys)
	requireSession := middleware.SessionMiddleware(deps.Accounts)
	limit := middleware.RateLimitMiddleware(deps.RateLimit)

	r.Get("/health", deps.handleHealth)

	// OpenAI- and Claude-compatible proxy
	r.Get("/v1/models", chat.Models)
	r.Get("/v1/models/full", chat.ModelsFull)
	r.Group(func(r chi.Router) {
		r.Use(requireKey, limit)
		r.Post("/v1/chat/completions", chat.ChatCompletions)
		r.Post("/v1/messages", chat.Messages)
	})

	// Accounts
	r.Post("/auth/register", accounts.Register)
	r.Post("/auth/login", accounts.Login)
	r.With(requireSession).Post("/auth/logout", accounts.Logout)
	r.Group(func(r chi.Router) {
		r.Use(requireKey, requireSession, middleware.RequireSameUser)
		r.Get("/auth/api-keys", accounts.ListKeys)
		r.Post("/auth/api-keys", accounts.CreateKey)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireKey, requireSession, middleware.RequireAdmin)
		r.Get("/api-keys", admin.ListKeys)
		r.Post("/api-keys/{id}/deactivate", admin.DeactivateKey)
		r.Get("/registrations", admin.ListRegistrations)
		r.Post("/registrations/{id}/approve", admin.Approve)
		r.Post("/registrations/{id}/reject", admin.Reject)
	})

	// Browser OAuth flow
	r.Get("/auth/oauth-start", oauthFlow.Start)
	r.Get(callbackPath, oauthFlow.Callback)

	// Claude Code telemetry sink; accepted and dropped
	r.Post("/api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok", Redis: "disabled"}
	status := http.StatusOK

	if err := d.DB.Health(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	if d.Redis != nil {
		resp.Redis = "ok"
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			resp.Redis = err.Error()
		}
	}

	utils.RespondWithJSON(w, status, resp)
}
