package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds configuration for the proxy.
type Config struct {
	HTTPHost      string
	HTTPPort      string
	LogLevel      string
	Database      DatabaseConfig
	Redis         RedisConfig
	RateLimit     RateLimitConfig
	Upstream      UpstreamConfig
	OAuth         OAuthConfig
	Auth          AuthConfig
	RequestLogger RequestLoggerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // "sqlite" or "postgres"
	URL             string // file path for sqlite, DSN for postgres
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SettingsKey     string // base64 AES key; encrypts persisted OAuth settings when set
}

// RedisConfig holds Redis connection settings. An empty Address disables Redis.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RateLimitConfig holds per-API-key limits. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
}

// UpstreamConfig holds CodeRider settings
type UpstreamConfig struct {
	CodeRiderHost  string
	DefaultModel   string
	RequestTimeout time.Duration
	JWTExpirySkew  time.Duration
}

// OAuthConfig holds Jihu GitLab OAuth settings
type OAuthConfig struct {
	Host           string
	ConfigPath     string        // on-disk credential snapshot
	ReauthEnabled  bool          // launch the re-authorization command on refresh failure
	ReauthCommand  string        // empty means "<self> oauth-setup --open"
	ReauthCooldown time.Duration // minimum gap between two launches
}

// AuthConfig holds account and session settings
type AuthConfig struct {
	LegacyPasswordSalt     string
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
}

// RequestLoggerConfig configures the usage audit log. An empty template disables it.
type RequestLoggerConfig struct {
	FilePathTemplate string
	MaxSize          int64
	MaxFiles         int
	BufferSize       int
	FlushInterval    time.Duration
}

// fileConfig mirrors the optional TOML file. Values act as defaults under env vars.
type fileConfig struct {
	HTTPHost string `toml:"http_host"`
	HTTPPort string `toml:"http_port"`
	LogLevel string `toml:"log_level"`

	Database struct {
		Driver string `toml:"driver"`
		URL    string `toml:"url"`
	} `toml:"database"`

	Redis struct {
		Address  string `toml:"address"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`

	RateLimit struct {
		RequestsPerMinute int `toml:"requests_per_minute"`
	} `toml:"rate_limit"`

	Upstream struct {
		CodeRiderHost  string `toml:"coderider_host"`
		DefaultModel   string `toml:"default_model"`
		RequestTimeout string `toml:"request_timeout"`
	} `toml:"upstream"`

	OAuth struct {
		Host          string `toml:"host"`
		ConfigPath    string `toml:"config_path"`
		ReauthCommand string `toml:"reauth_command"`
	} `toml:"oauth"`

	Auth struct {
		LegacyPasswordSalt string `toml:"legacy_password_salt"`
		SessionTTL         string `toml:"session_ttl"`
	} `toml:"auth"`

	RequestLogger struct {
		FilePathTemplate string `toml:"file_path_template"`
	} `toml:"request_logger"`
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads configuration from a .env file, an optional TOML file
// (CONFIG_FILE) and environment variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit TOML path; an empty path falls back to CONFIG_FILE.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	var fc fileConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(b, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPHost: getEnvString("HTTP_HOST", fc.HTTPHost),
		HTTPPort: getEnvString("HTTP_PORT", orString(fc.HTTPPort, "8000")),
		LogLevel: getEnvString("LOG_LEVEL", orString(fc.LogLevel, "info")),
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnvString("DATABASE_DRIVER", orString(fc.Database.Driver, "sqlite"))),
			URL:             getEnvString("DATABASE_URL", fc.Database.URL),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			SettingsKey:     getEnvString("SETTINGS_ENCRYPTION_KEY", ""),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", fc.Redis.Address),
			Password:     getEnvString("REDIS_PASSWORD", fc.Redis.Password),
			DB:           getEnvInt("REDIS_DB", fc.Redis.DB),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", fc.RateLimit.RequestsPerMinute),
		},
		Upstream: UpstreamConfig{
			CodeRiderHost:  strings.TrimRight(getEnvString("CODERIDER_HOST", orString(fc.Upstream.CodeRiderHost, "https://coderider.jihulab.com")), "/"),
			DefaultModel:   getEnvString("CODERIDER_MODEL", orString(fc.Upstream.DefaultModel, "maas/maas-chat-model")),
			RequestTimeout: getEnvDuration("UPSTREAM_TIMEOUT", orDuration(fc.Upstream.RequestTimeout, 60*time.Second)),
			JWTExpirySkew:  getEnvDuration("JWT_EXPIRY_SKEW", 60*time.Second),
		},
		OAuth: OAuthConfig{
			Host:           strings.TrimRight(getEnvString("JIHU_OAUTH_HOST", orString(fc.OAuth.Host, "https://jihulab.com")), "/"),
			ConfigPath:     getEnvString("OAUTH_CONFIG_PATH", orString(fc.OAuth.ConfigPath, "jihu_oauth_config.json")),
			ReauthEnabled:  getEnvBool("OAUTH_REAUTH_ENABLED", true),
			ReauthCommand:  getEnvString("OAUTH_REAUTH_COMMAND", fc.OAuth.ReauthCommand),
			ReauthCooldown: getEnvDuration("OAUTH_REAUTH_COOLDOWN", time.Minute),
		},
		Auth: AuthConfig{
			LegacyPasswordSalt:     getEnvString("LEGACY_PASSWORD_SALT", fc.Auth.LegacyPasswordSalt),
			SessionTTL:             getEnvDuration("SESSION_TTL", orDuration(fc.Auth.SessionTTL, 30*24*time.Hour)),
			SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour),
		},
		RequestLogger: RequestLoggerConfig{
			FilePathTemplate: getEnvString("USAGE_LOG_PATH_TEMPLATE", fc.RequestLogger.FilePathTemplate),
			MaxSize:          getEnvInt64("USAGE_LOG_MAX_SIZE", 10_485_760),
			MaxFiles:         getEnvInt("USAGE_LOG_MAX_FILES", 5),
			BufferSize:       getEnvInt("USAGE_LOG_BUFFER_SIZE", 100),
			FlushInterval:    getEnvDuration("USAGE_LOG_FLUSH_INTERVAL", 10*time.Second),
		},
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.URL == "" {
			cfg.Database.URL = "jihu_proxy.db"
		}
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}

	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.HTTPHost + ":" + c.HTTPPort
}
