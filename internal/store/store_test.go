package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
)

func newEphemeral(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DatabaseConfig{}, Options{Ephemeral: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMigrated(t *testing.T) *Store {
	t.Helper()
	s := newEphemeral(t)
	_, err := s.Migrate(context.Background())
	require.NoError(t, err)
	return s
}

func adminSpec() orchestrator.AdminSpec {
	return orchestrator.AdminSpec{Username: "admin", Email: "admin@example.com", Password: "correct horse"}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()

	s := newEphemeral(t)
	ctx := context.Background()

	pending, err := s.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, len(Migrations()))

	applied, err := s.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_initial", "0002_user_profiles", "0003_auth_tokens"}, applied)

	applied, err = s.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied, "second run is a no-op")

	rows, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, len(Migrations()))

	pending, err = s.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	for _, table := range []any{&User{}, &UserProfile{}, &AuthToken{}} {
		assert.True(t, s.DB().Migrator().HasTable(table))
	}
}

func TestMigrate_FailureIsNotRecorded(t *testing.T) {
	t.Parallel()

	s := newEphemeral(t)
	ctx := context.Background()

	list := []Migration{
		{Version: "0001_ok", Up: func(tx *gorm.DB) error { return tx.AutoMigrate(&User{}) }},
		{Version: "0002_broken", Up: func(*gorm.DB) error { return errors.New("syntax error") }},
		{Version: "0003_never", Up: func(*gorm.DB) error { return nil }},
	}

	applied, err := s.migrate(ctx, list)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0002_broken")
	assert.Equal(t, []string{"0001_ok"}, applied)

	rows, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0001_ok", rows[0].Version)
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	t.Parallel()

	s := newMigrated(t)
	ctx := context.Background()

	created, err := s.EnsureAdmin(ctx, adminSpec())
	require.NoError(t, err)
	assert.True(t, created)

	spec := adminSpec()
	spec.Password = "a different password"
	created, err = s.EnsureAdmin(ctx, spec)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	u, err := s.UserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, u.IsSuperuser)
	assert.True(t, u.IsStaff)
	assert.True(t, u.IsActive)
	assert.Equal(t, "admin@example.com", u.Email)
	assert.True(t, u.CheckPassword("correct horse"), "existing password is never overwritten")
	assert.False(t, u.CheckPassword("a different password"))

	p, err := s.ProfileForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, p.IsApproved)
	assert.NotNil(t, p.ApprovedAt)
}

func TestEnsureAdmin_MustChangePassword(t *testing.T) {
	t.Parallel()

	s := newMigrated(t)
	spec := adminSpec()
	spec.MustChangePassword = true

	_, err := s.EnsureAdmin(context.Background(), spec)
	require.NoError(t, err)

	u, err := s.UserByUsername(context.Background(), "admin")
	require.NoError(t, err)
	assert.True(t, u.MustChangePassword)
}

func TestEnsureAdmin_Concurrent(t *testing.T) {
	t.Parallel()

	s := newMigrated(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.EnsureAdmin(ctx, adminSpec())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestEnsureAdmin_WithoutSchemaFails(t *testing.T) {
	t.Parallel()

	s := newEphemeral(t)
	_, err := s.EnsureAdmin(context.Background(), adminSpec())
	assert.Error(t, err)
}

func TestEphemeral_RestartStartsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	first, err := Open(config.DatabaseConfig{}, Options{Ephemeral: true})
	require.NoError(t, err)
	_, err = first.Migrate(ctx)
	require.NoError(t, err)
	_, err = first.EnsureAdmin(ctx, adminSpec())
	require.NoError(t, err)
	assert.True(t, first.Ephemeral())
	require.NoError(t, first.Close())

	second := newEphemeral(t)
	applied, err := second.Migrate(ctx)
	require.NoError(t, err)
	assert.Len(t, applied, len(Migrations()), "schema is rebuilt from scratch")

	n, err := second.CountUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersistent_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "db.sqlite3")}

	first, err := Open(cfg, Options{})
	require.NoError(t, err)
	_, err = first.Migrate(ctx)
	require.NoError(t, err)
	created, err := first.EnsureAdmin(ctx, adminSpec())
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, first.Close())

	second, err := Open(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	applied, err := second.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	created, err = second.EnsureAdmin(ctx, adminSpec())
	require.NoError(t, err)
	assert.False(t, created, "second bootstrap must not duplicate the admin")

	n, err := second.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTokens(t *testing.T) {
	t.Parallel()

	s := newMigrated(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, NewUser{Username: "reader", Password: "pw", Approved: true})
	require.NoError(t, err)

	tok, err := s.TokenForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, tok.Key, 40)

	again, err := s.TokenForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.Key, again.Key, "one token per user")

	owner, err := s.UserByToken(ctx, tok.Key)
	require.NoError(t, err)
	assert.Equal(t, "reader", owner.Username)

	require.NoError(t, s.DeleteToken(ctx, tok.Key))
	_, err = s.UserByToken(ctx, tok.Key)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UserByToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.DeleteToken(ctx, "unknown"))
}

func TestUsers_NotFoundAndActivation(t *testing.T) {
	t.Parallel()

	s := newMigrated(t)
	ctx := context.Background()

	_, err := s.UserByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ProfileForUser(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetActive(ctx, 42, false), ErrNotFound)

	u, err := s.CreateUser(ctx, NewUser{Username: "pending", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, s.SetActive(ctx, u.ID, false))
	require.NoError(t, s.TouchLastLogin(ctx, u.ID))

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.NotNil(t, got.LastLogin)

	p, err := s.ProfileForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, p.IsApproved)
	assert.Nil(t, p.ApprovedAt)
}

func TestProbe(t *testing.T) {
	t.Parallel()

	s, err := Open(config.DatabaseConfig{}, Options{Ephemeral: true})
	require.NoError(t, err)

	res := s.Probe(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, "sqlite", res.Name)
	assert.Empty(t, res.Error)

	require.NoError(t, s.Close())
	res = s.Probe(context.Background())
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestRedactDSN(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"postgres://vlamy:hunter2@db:5432/vlamy", "postgres://vlamy:***@db:5432/vlamy"},
		{"vlamy:hunter2@tcp(db:3306)/vlamy", "vlamy:***@tcp(db:3306)/vlamy"},
		{"postgres://db/vlamy", "postgres://db/vlamy"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, redactDSN(tc.in))
	}
}

func TestWithParseTime(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "u@tcp(db)/x?parseTime=true", withParseTime("u@tcp(db)/x"))
	assert.Equal(t, "u@tcp(db)/x?tls=true&parseTime=true", withParseTime("u@tcp(db)/x?tls=true"))
	assert.Equal(t, "u@tcp(db)/x?parseTime=false", withParseTime("u@tcp(db)/x?parseTime=false"))
}
