package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // embedded backend
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the database connection. Both backends share every query;
// only the schema DDL and key generation differ.
type DB struct {
	conn    *sqlx.DB
	dialect dialect
	cipher  *Encryption // optional, for settings at rest
}

// DBConfig holds database configuration
type DBConfig struct {
	Driver string // DriverSQLite or DriverPostgres
	DSN    string // file path for sqlite, connection string for postgres

	// Pool settings, ignored for sqlite
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SettingsKey is a base64 AES key. When set, setting values are
	// encrypted before they are written.
	SettingsKey string
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver:          DriverSQLite,
		DSN:             "jihu_proxy.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

type dialect struct {
	name     string
	schema   []string
	newKeyFn func() (string, error)
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			key TEXT UNIQUE NOT NULL,
			name TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_usage (
			api_key_id INTEGER PRIMARY KEY REFERENCES api_keys(id),
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registration_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		)`,
	},
	newKeyFn: randomHexKey,
}

var postgresDialect = dialect{
	name: DriverPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			key TEXT UNIQUE NOT NULL,
			name TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_usage (
			api_key_id BIGINT PRIMARY KEY REFERENCES api_keys(id),
			total_input_tokens BIGINT NOT NULL DEFAULT 0,
			total_output_tokens BIGINT NOT NULL DEFAULT 0,
			total_requests BIGINT NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registration_requests (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		)`,
	},
	newKeyFn: uuidKey,
}

// randomHexKey returns 32 random bytes as 64 hex characters.
func randomHexKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// uuidKey returns a v4 UUID without dashes (32 hex characters).
func uuidKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// NewDB opens the configured backend and creates the schema.
func NewDB(ctx context.Context, cfg DBConfig) (*DB, error) {
	var (
		d   dialect
		dsn = cfg.DSN
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		d = sqliteDialect
		if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DriverPostgres:
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sqlx.ConnectContext(ctx, d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if d.name == DriverSQLite {
		// one writer; the pragmas are per connection
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
			}
		}
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	db := &DB{conn: conn, dialect: d}

	if cfg.SettingsKey != "" {
		enc, err := NewEncryptionFromBase64(cfg.SettingsKey)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("invalid settings encryption key: %w", err)
		}
		db.cipher = enc
	}

	if err := db.createSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) createSchema(ctx context.Context) error {
	for _, stmt := range db.dialect.schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.dialect.name
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

func (db *DB) rebind(query string) string {
	return db.conn.Rebind(query)
}

func (db *DB) newAPIKey() (string, error) {
	return db.dialect.newKeyFn()
}

// isUniqueViolation matches both drivers' unique constraint errors.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Repository factory methods

// NewSettingRepository creates a new setting repository
func (db *DB) NewSettingRepository() *SettingRepository {
	return NewSettingRepository(db)
}

// NewUserRepository creates a new user repository
func (db *DB) NewUserRepository() *UserRepository {
	return NewUserRepository(db)
}

// NewAPIKeyRepository creates a new API key repository
func (db *DB) NewAPIKeyRepository() *APIKeyRepository {
	return NewAPIKeyRepository(db)
}

// NewSessionRepository creates a new session repository
func (db *DB) NewSessionRepository() *SessionRepository {
	return NewSessionRepository(db)
}

// NewRegistrationRepository creates a new registration request repository
func (db *DB) NewRegistrationRepository() *RegistrationRepository {
	return NewRegistrationRepository(db)
}
