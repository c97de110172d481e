package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

func createUser(t *testing.T, db *DB, username string, admin bool) *models.User {
	t.Helper()
	user := &models.User{Username: username, PasswordHash: "hash", IsAdmin: admin}
	require.NoError(t, db.NewUserRepository().Create(context.Background(), user))
	return user
}

func TestSettingRepository(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewSettingRepository()
	ctx := context.Background()

	v, err := repo.Get(ctx, "client_id")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, repo.Set(ctx, "client_id", "one"))
	require.NoError(t, repo.Set(ctx, "client_id", "two"))

	v, err = repo.Get(ctx, "client_id")
	require.NoError(t, err)
	assert.Equal(t, "two", v)

	require.NoError(t, repo.Delete(ctx, "client_id"))
	v, err = repo.Get(ctx, "client_id")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSettingRepositoryEncrypted(t *testing.T) {
	key, err := GenerateKey(32)
	require.NoError(t, err)

	cfg := DefaultDBConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "enc.db")
	cfg.SettingsKey = key
	db, err := NewDB(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	repo := db.NewSettingRepository()
	require.NoError(t, repo.Set(ctx, "refresh_token", "rt-secret"))

	var raw string
	require.NoError(t, db.Conn().GetContext(ctx, &raw, "SELECT value FROM settings WHERE key = 'refresh_token'"))
	assert.True(t, IsSealed(raw))
	assert.NotContains(t, raw, "rt-secret")

	v, err := repo.Get(ctx, "refresh_token")
	require.NoError(t, err)
	assert.Equal(t, "rt-secret", v)
}

func TestUserRepositoryCreateFirstAdmin(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewUserRepository()
	ctx := context.Background()

	first := &models.User{Username: "alice", PasswordHash: "hash"}
	created, err := repo.CreateFirstAdmin(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, first.ID)
	assert.True(t, first.IsAdmin)

	got, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.IsAdmin)

	second := &models.User{Username: "bob", PasswordHash: "hash"}
	created, err = repo.CreateFirstAdmin(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, second.ID)
	assert.False(t, second.IsAdmin)

	_, err = repo.GetByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserRepository(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewUserRepository()
	ctx := context.Background()

	exists, err := repo.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.FirstAdmin(ctx)
	assert.ErrorIs(t, err, ErrUserNotFound)

	alice := createUser(t, db, "alice", true)
	bob := createUser(t, db, "bob", false)
	assert.NotZero(t, alice.ID)
	assert.NotEqual(t, alice.ID, bob.ID)

	exists, err = repo.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.IsAdmin)
	assert.Equal(t, alice.CreatedAt.String(), got.CreatedAt.String())

	got, err = repo.GetByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.False(t, got.IsAdmin)

	admin, err := repo.FirstAdmin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", admin.Username)

	err = repo.Create(ctx, &models.User{Username: "alice", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = repo.GetByUsername(ctx, "carol")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, repo.SetPasswordHash(ctx, bob.ID, "new-hash"))
	got, _ = repo.GetByID(ctx, bob.ID)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.ErrorIs(t, repo.SetPasswordHash(ctx, 9999, "x"), ErrUserNotFound)
}

func TestAPIKeyRepository(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewAPIKeyRepository()
	ctx := context.Background()

	alice := createUser(t, db, "alice", true)
	bob := createUser(t, db, "bob", false)

	def, err := repo.Create(ctx, alice.ID, "", utils.StringPtr("default"))
	require.NoError(t, err)
	assert.Len(t, def.Key, 64)
	assert.True(t, def.IsActive)

	unnamed, err := repo.Create(ctx, bob.ID, "bob-key", nil)
	require.NoError(t, err)
	assert.Equal(t, "bob-key", unnamed.Key)

	_, err = repo.Create(ctx, bob.ID, "bob-key", nil)
	assert.ErrorIs(t, err, models.ErrConflict)

	t.Run("find active joins owner", func(t *testing.T) {
		rec, err := repo.FindActive(ctx, def.Key)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, rec.UserID)
		assert.Equal(t, "alice", rec.Username)
		assert.True(t, rec.IsAdmin)
		assert.Equal(t, "default", *rec.Name)
	})

	t.Run("inactive same as unknown", func(t *testing.T) {
		require.NoError(t, repo.SetActive(ctx, unnamed.ID, false))

		_, errInactive := repo.FindActive(ctx, "bob-key")
		_, errUnknown := repo.FindActive(ctx, "no-such-key")
		assert.ErrorIs(t, errInactive, ErrAPIKeyNotFound)
		assert.Equal(t, errUnknown, errInactive)
	})

	t.Run("zero usage row created", func(t *testing.T) {
		usage, err := repo.GetUsage(ctx, def.ID)
		require.NoError(t, err)
		assert.Zero(t, usage.TotalRequests)
		assert.Zero(t, usage.TotalInputTokens)
	})

	t.Run("usage accumulates", func(t *testing.T) {
		require.NoError(t, repo.AddUsage(ctx, def.ID, 10, 5))
		require.NoError(t, repo.AddUsage(ctx, def.ID, 3, 2))

		usage, err := repo.GetUsage(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(13), usage.TotalInputTokens)
		assert.Equal(t, int64(7), usage.TotalOutputTokens)
		assert.Equal(t, int64(2), usage.TotalRequests)
	})

	t.Run("list by user", func(t *testing.T) {
		keys, err := repo.ListByUser(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, int64(13), keys[0].TotalInputTokens)
		assert.Nil(t, keys[0].Username)

		none, err := repo.ListByUser(ctx, 4242)
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})

	t.Run("list all", func(t *testing.T) {
		keys, err := repo.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 2)

		byKey := map[string]*models.APIKeyWithUsage{}
		for _, k := range keys {
			byKey[k.Key] = k
		}
		require.NotNil(t, byKey["bob-key"].Username)
		assert.Equal(t, "bob", *byKey["bob-key"].Username)
		assert.False(t, *byKey["bob-key"].IsAdmin)
		assert.False(t, byKey["bob-key"].IsActive)
		assert.True(t, *byKey[def.Key].IsAdmin)
	})
}

func TestSessionRepository(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewSessionRepository()
	ctx := context.Background()
	alice := createUser(t, db, "alice", true)

	s, err := repo.Create(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, s.Token, 43)

	got, err := repo.FindByToken(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.UserID)

	_, err = repo.FindByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// age the session, then touch it back to now
	old := models.NewTimestamp(time.Now().Add(-40 * 24 * time.Hour))
	_, err = db.Conn().ExecContext(ctx, "UPDATE sessions SET last_seen_at = ? WHERE token = ?", old, s.Token)
	require.NoError(t, err)
	require.NoError(t, repo.Touch(ctx, s.Token))
	got, _ = repo.FindByToken(ctx, s.Token)
	assert.WithinDuration(t, time.Now(), got.LastSeenAt.Time, time.Minute)

	require.NoError(t, repo.Delete(ctx, s.Token))
	_, err = repo.FindByToken(ctx, s.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, repo.Delete(ctx, s.Token))
}

func TestSessionCleanupExpired(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewSessionRepository()
	ctx := context.Background()
	alice := createUser(t, db, "alice", true)

	fresh, err := repo.Create(ctx, alice.ID)
	require.NoError(t, err)
	stale, err := repo.Create(ctx, alice.ID)
	require.NoError(t, err)

	old := models.NewTimestamp(time.Now().Add(-31 * 24 * time.Hour))
	_, err = db.Conn().ExecContext(ctx, "UPDATE sessions SET last_seen_at = ? WHERE token = ?", old, stale.Token)
	require.NoError(t, err)

	removed, err := repo.CleanupExpired(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.FindByToken(ctx, fresh.Token)
	assert.NoError(t, err)
	_, err = repo.FindByToken(ctx, stale.Token)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestRegistrationRepository(t *testing.T) {
	db := newTestDB(t)
	repo := db.NewRegistrationRepository()
	users := db.NewUserRepository()
	ctx := context.Background()
	createUser(t, db, "admin", true)

	created := models.NewTimestamp(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	bob := &models.RegistrationRequest{Username: "bob", PasswordHash: "bob-hash", CreatedAt: created}
	carol := &models.RegistrationRequest{Username: "carol", PasswordHash: "carol-hash"}
	require.NoError(t, repo.Create(ctx, bob))
	require.NoError(t, repo.Create(ctx, carol))
	assert.Equal(t, models.RegistrationPending, bob.Status)

	assert.ErrorIs(t, repo.Create(ctx, &models.RegistrationRequest{Username: "bob", PasswordHash: "x"}), ErrUsernameTaken)

	exists, err := repo.ExistsByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, exists)

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "carol", pending[0].Username)

	t.Run("approve", func(t *testing.T) {
		user, err := repo.Approve(ctx, bob.ID)
		require.NoError(t, err)
		assert.False(t, user.IsAdmin)

		stored, err := users.GetByUsername(ctx, "bob")
		require.NoError(t, err)
		assert.False(t, stored.IsAdmin)
		assert.Equal(t, "bob-hash", stored.PasswordHash)
		assert.Equal(t, created.String(), stored.CreatedAt.String())

		req, err := repo.GetByID(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RegistrationApproved, req.Status)

		_, err = repo.Approve(ctx, bob.ID)
		assert.ErrorIs(t, err, ErrRegistrationResolved)
	})

	t.Run("reject", func(t *testing.T) {
		require.NoError(t, repo.Reject(ctx, carol.ID))
		assert.ErrorIs(t, repo.Reject(ctx, carol.ID), ErrRegistrationResolved)
		_, err := repo.Approve(ctx, carol.ID)
		assert.ErrorIs(t, err, models.ErrConflict)

		_, err = users.GetByUsername(ctx, "carol")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := repo.Approve(ctx, 999)
		assert.ErrorIs(t, err, ErrRegistrationNotFound)
		assert.ErrorIs(t, repo.Reject(ctx, 999), models.ErrNotFound)
	})

	pending, err = repo.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
