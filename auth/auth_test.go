package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tessera/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func request(token, session string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/teams", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set("X-Tessera-Session", session)
	}
	return req
}

func TestHashKeyFullToken(t *testing.T) {
	first := HashKey("tsk_1234567890abcdef")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), first)
	// Buckets derive from the full token: a shared prefix must not collide.
	assert.NotEqual(t, first, HashKey("tsk_1234567890abcdxx"))
}

func TestBootstrapKeyGrantsAdmin(t *testing.T) {
	db := setupTestDB(t)
	a := New(Config{DB: db, BootstrapKey: "bootstrap-key", SessionSecretKey: "secret"})

	actor, err := a.Resolve(request("bootstrap-key", ""))
	require.NoError(t, err)
	assert.True(t, actor.IsAdmin())
	assert.True(t, actor.HasScope(ScopeRead))
	assert.True(t, actor.HasScope(ScopeWrite))

	_, err = a.Resolve(request("other-key", ""))
	require.Error(t, err)
}

func TestAPIKeyScopes(t *testing.T) {
	db := setupTestDB(t)
	a := New(Config{DB: db, SessionSecretKey: "secret"})

	teamID := uuid.New()
	require.NoError(t, db.Create(&models.APIKey{
		ID:        uuid.New(),
		KeyHash:   HashKey("writer-key"),
		TeamID:    teamID,
		Scopes:    models.JSON([]string{"read", "write"}),
		CreatedAt: time.Now(),
	}).Error)

	actor, err := a.Resolve(request("writer-key", ""))
	require.NoError(t, err)
	require.NotNil(t, actor.TeamID)
	assert.Equal(t, teamID, *actor.TeamID)
	assert.True(t, actor.HasScope(ScopeRead))
	assert.True(t, actor.HasScope(ScopeWrite))
	assert.False(t, actor.HasScope(ScopeAdmin))
	assert.True(t, actor.OwnsTeam(teamID))
	assert.False(t, actor.OwnsTeam(uuid.New()))

	// last_used_at is touched on use.
	var key models.APIKey
	require.NoError(t, db.First(&key, "key_hash = ?", HashKey("writer-key")).Error)
	assert.NotNil(t, key.LastUsedAt)
}

func TestSessionTokenScopesFollowRole(t *testing.T) {
	db := setupTestDB(t)
	a := New(Config{DB: db, SessionSecretKey: "secret"})

	teamID := uuid.New()
	cases := map[string][]Scope{
		models.RoleAdmin:     {ScopeRead, ScopeWrite, ScopeAdmin},
		models.RoleTeamAdmin: {ScopeRead, ScopeWrite},
		models.RoleUser:      {ScopeRead},
	}
	for role, scopes := range cases {
		user := &models.User{
			ID:        uuid.New(),
			Email:     fmt.Sprintf("%s@corp.com", role),
			Role:      role,
			TeamID:    &teamID,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		require.NoError(t, db.Create(user).Error)

		token, err := a.MintSessionToken(user.ID, time.Hour)
		require.NoError(t, err)
		actor, err := a.Resolve(request("", token))
		require.NoError(t, err, role)
		for _, scope := range scopes {
			assert.True(t, actor.HasScope(scope), "%s should have %s", role, scope)
		}
		if role != models.RoleAdmin {
			assert.False(t, actor.IsAdmin(), role)
		}
	}
}

func TestDeactivatedSessionUserRejected(t *testing.T) {
	db := setupTestDB(t)
	a := New(Config{DB: db, SessionSecretKey: "secret"})

	now := time.Now()
	user := &models.User{
		ID: uuid.New(), Email: "gone@corp.com", Role: models.RoleUser,
		DeactivatedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.Create(user).Error)

	token, err := a.MintSessionToken(user.ID, time.Hour)
	require.NoError(t, err)
	_, err = a.Resolve(request("", token))
	require.Error(t, err)
}

func TestDisabledModeGrantsAdmin(t *testing.T) {
	db := setupTestDB(t)
	a := New(Config{DB: db, SessionSecretKey: "secret", Disabled: true})
	actor, err := a.Resolve(request("", ""))
	require.NoError(t, err)
	assert.True(t, actor.IsAdmin())
}

func TestMiddlewareRejectsAnonymous(t *testing.T) {
	db := setupTestDB(t)
	a := New(Config{DB: db, SessionSecretKey: "secret"})
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
