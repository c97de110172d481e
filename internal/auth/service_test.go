package auth

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jihu_proxy/internal/models"
	"jihu_proxy/internal/storage"
	"jihu_proxy/internal/utils"
)

type fixture struct {
	db       *storage.DB
	svc      *Service
	keys     *APIKeyService
	regs     *RegistrationService
	sessions *storage.SessionRepository
	users    *storage.UserRepository
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dbCfg := storage.DefaultDBConfig()
	dbCfg.DSN = filepath.Join(t.TempDir(), "auth.db")
	db, err := storage.NewDB(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	users := db.NewUserRepository()
	keys := db.NewAPIKeyRepository()
	sessions := db.NewSessionRepository()
	regs := db.NewRegistrationRepository()

	return &fixture{
		db:       db,
		svc:      NewService(users, keys, sessions, regs, cfg),
		keys:     NewAPIKeyService(keys),
		regs:     NewRegistrationService(regs),
		sessions: sessions,
		users:    users,
	}
}

func TestRegisterFirstUserIsAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.True(t, res.User.IsAdmin)
	assert.Equal(t, "alice", res.User.Username)
	require.NotNil(t, res.APIKey)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), res.APIKey.Key)
	assert.Equal(t, DefaultKeyName, *res.APIKey.Name)

	rec, err := f.keys.Validate(ctx, res.APIKey.Key)
	require.NoError(t, err)
	assert.True(t, rec.IsAdmin)
}

func TestRegisterConcurrentFirstUsersYieldOneAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	const n = 6
	var wg sync.WaitGroup
	results := make([]*RegisterResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Register(ctx, fmt.Sprintf("user%d", i), "abcd1234")
		}(i)
	}
	wg.Wait()

	admins, pending := 0, 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].User != nil {
			assert.True(t, results[i].User.IsAdmin)
			admins++
		}
		if results[i].PendingRequest != nil {
			pending++
		}
	}
	assert.Equal(t, 1, admins)
	assert.Equal(t, n-1, pending)

	listed, err := f.regs.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, n-1)
}

func TestRegisterLaterUsersNeedApproval(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)

	res, err := f.svc.Register(ctx, "bob", "bobpass99")
	require.NoError(t, err)
	assert.Nil(t, res.User)
	require.NotNil(t, res.PendingRequest)
	assert.Equal(t, "alice", res.AdminUsername)

	_, err = f.users.GetByUsername(ctx, "bob")
	assert.ErrorIs(t, err, models.ErrNotFound)

	user, err := f.regs.Approve(ctx, res.PendingRequest.ID)
	require.NoError(t, err)
	assert.False(t, user.IsAdmin)

	login, err := f.svc.Login(ctx, "bob", "bobpass99")
	require.NoError(t, err)
	assert.False(t, login.User.IsAdmin)
	assert.Empty(t, login.APIKeys)

	_, err = f.regs.Approve(ctx, res.PendingRequest.ID)
	assert.ErrorIs(t, err, ErrRegistrationClosed)
	assert.ErrorIs(t, f.regs.Reject(ctx, 12345), ErrRegistrationMissing)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, "bob", "bobpass99")
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{name: "missing username", username: "", password: "abcd1234", want: ErrMissingFields},
		{name: "missing password", username: "carol", password: "", want: ErrMissingFields},
		{name: "weak password", username: "carol", password: "password", want: ErrWeakPassword},
		{name: "existing user", username: "alice", password: "abcd1234", want: ErrUsernameExists},
		{name: "pending request", username: "bob", password: "abcd1234", want: ErrUsernameExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, tt.username, tt.password)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "alice", "wrongpass1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "nobody", "abcd1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := f.svc.Login(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	assert.True(t, res.User.IsAdmin)
	assert.NotEmpty(t, res.Session.Token)
	require.Len(t, res.APIKeys, 1)
	assert.Equal(t, reg.APIKey.Key, res.APIKeys[0].Key)
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	f := newFixture(t, Config{LegacyPasswordSalt: "pepper"})
	ctx := context.Background()

	user := &models.User{Username: "old", PasswordHash: utils.HashString("pepper" + "abcd1234"), IsAdmin: true}
	require.NoError(t, f.users.Create(ctx, user))

	_, err := f.svc.Login(ctx, "old", "abcd1234")
	require.NoError(t, err)

	stored, err := f.users.GetByUsername(ctx, "old")
	require.NoError(t, err)
	assert.True(t, isBcrypt(stored.PasswordHash))

	_, err = f.svc.Login(ctx, "old", "abcd1234")
	assert.NoError(t, err)
}

func TestValidateSession(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	login, err := f.svc.Login(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	token := login.Session.Token

	s, err := f.svc.ValidateSession(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, login.User.ID, s.UserID)

	_, err = f.svc.ValidateSession(ctx, "bogus")
	assert.ErrorIs(t, err, ErrInvalidSession)
	_, err = f.svc.ValidateSession(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	// idle past the TTL
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = f.svc.ValidateSession(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = f.sessions.FindByToken(ctx, token)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestValidateSessionTouches(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	login, err := f.svc.Login(ctx, "alice", "abcd1234")
	require.NoError(t, err)

	old := models.NewTimestamp(time.Now().Add(-24 * time.Hour))
	_, err = f.db.Conn().ExecContext(ctx, "UPDATE sessions SET last_seen_at = ?", old)
	require.NoError(t, err)

	_, err = f.svc.ValidateSession(ctx, login.Session.Token)
	require.NoError(t, err)

	stored, err := f.sessions.FindByToken(ctx, login.Session.Token)
	require.NoError(t, err)
	assert.True(t, stored.LastSeenAt.After(old.Time))
}

func TestLogoutAndCleanup(t *testing.T) {
	f := newFixture(t, Config{SessionTTL: time.Hour})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	a, err := f.svc.Login(ctx, "alice", "abcd1234")
	require.NoError(t, err)
	b, err := f.svc.Login(ctx, "alice", "abcd1234")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, a.Session.Token))
	_, err = f.svc.ValidateSession(ctx, a.Session.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	old := models.NewTimestamp(time.Now().Add(-2 * time.Hour))
	_, err = f.db.Conn().ExecContext(ctx, "UPDATE sessions SET last_seen_at = ? WHERE token = ?", old, b.Session.Token)
	require.NoError(t, err)

	removed, err := f.svc.CleanupSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestBootstrapAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.svc.BootstrapAdmin(ctx, "root", "rootpass1")
	require.NoError(t, err)
	assert.True(t, res.User.IsAdmin)

	_, err = f.svc.BootstrapAdmin(ctx, "root2", "rootpass1")
	assert.ErrorIs(t, err, ErrUserExists)

	require.NoError(t, f.svc.ResetPassword(ctx, "root", "newpass22"))
	_, err = f.svc.Login(ctx, "root", "newpass22")
	assert.NoError(t, err)
}

func TestAPIKeyService(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, "alice", "abcd1234")
	require.NoError(t, err)

	named, err := f.keys.Create(ctx, reg.User.ID, "  laptop ")
	require.NoError(t, err)
	assert.Equal(t, "laptop", *named.Name)

	unnamed, err := f.keys.Create(ctx, reg.User.ID, "")
	require.NoError(t, err)
	assert.Nil(t, unnamed.Name)

	require.NoError(t, f.keys.RecordUsage(ctx, named.ID, 10, 5))
	require.NoError(t, f.keys.RecordUsage(ctx, named.ID, 3, 2))

	keys, err := f.keys.ListUserKeys(ctx, reg.User.ID)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, k := range keys {
		if k.ID == named.ID {
			assert.Equal(t, int64(13), k.TotalInputTokens)
			assert.Equal(t, int64(7), k.TotalOutputTokens)
			assert.Equal(t, int64(2), k.TotalRequests)
		}
	}

	require.NoError(t, f.keys.Deactivate(ctx, named.ID))
	_, errInactive := f.keys.Validate(ctx, named.Key)
	_, errMissing := f.keys.Validate(ctx, "not-a-key")
	assert.ErrorIs(t, errInactive, ErrInvalidAPIKey)
	assert.Equal(t, errMissing, errInactive)

	all, err := f.keys.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
