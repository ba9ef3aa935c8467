package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"tessera/apperr"
	"tessera/models"
)

// Scope represents an authorization level granted to an actor.
type Scope string

// Supported scopes. Admin implies read and write.
const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

type contextKey string

const contextKeyActor contextKey = "tessera_actor"

// Actor is the authenticated principal attached to a request.
type Actor struct {
	TeamID *uuid.UUID
	UserID *uuid.UUID
	Scopes map[Scope]struct{}
}

// HasScope reports whether the actor holds the scope. Admin grants all.
func (a *Actor) HasScope(scope Scope) bool {
	if a == nil {
		return false
	}
	if _, ok := a.Scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := a.Scopes[scope]
	return ok
}

// IsAdmin reports whether the actor holds admin scope.
func (a *Actor) IsAdmin() bool {
	return a.HasScope(ScopeAdmin)
}

// OwnsTeam reports whether the actor belongs to the team or is admin.
func (a *Actor) OwnsTeam(teamID uuid.UUID) bool {
	if a.IsAdmin() {
		return true
	}
	return a != nil && a.TeamID != nil && *a.TeamID == teamID
}

// MustOwnTeam returns a forbidden error unless the actor owns the team.
func (a *Actor) MustOwnTeam(teamID uuid.UUID) error {
	if a.OwnsTeam(teamID) {
		return nil
	}
	return apperr.New(apperr.Forbidden, "actor is not a member of the owning team")
}

// MustBeAdmin returns a forbidden error unless the actor holds admin scope.
func (a *Actor) MustBeAdmin() error {
	if a.IsAdmin() {
		return nil
	}
	return apperr.New(apperr.Forbidden, "admin scope required")
}

// MustHaveScope returns a forbidden error unless the actor holds the scope.
func (a *Actor) MustHaveScope(scope Scope) error {
	if a.HasScope(scope) {
		return nil
	}
	return apperr.New(apperr.Forbidden, "missing %s scope", scope)
}

// FromContext extracts the Actor attached by the middleware.
func FromContext(ctx context.Context) (*Actor, error) {
	if ctx == nil {
		return nil, apperr.New(apperr.Unauthorized, "missing authentication context")
	}
	if actor, ok := ctx.Value(contextKeyActor).(*Actor); ok && actor != nil {
		return actor, nil
	}
	return nil, apperr.New(apperr.Unauthorized, "missing authentication context")
}

// WithActor returns a context carrying the actor. Exposed for tests and the
// auth-disabled development mode.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// HashKey returns the lowercase hex SHA-256 of the full bearer token. API key
// rows store this hash; the rate limiter buckets on it too, never on a
// prefix.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Config bundles the authenticator's dependencies.
type Config struct {
	DB               *gorm.DB
	BootstrapKey     string
	SessionSecretKey string
	Disabled         bool
	Now              func() time.Time
}

// Authenticator resolves bearer tokens and session tokens into Actors.
type Authenticator struct {
	db           *gorm.DB
	bootstrapKey string
	sessionKey   []byte
	disabled     bool
	now          func() time.Time
}

// New constructs an Authenticator.
func New(cfg Config) *Authenticator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		db:           cfg.DB,
		bootstrapKey: strings.TrimSpace(cfg.BootstrapKey),
		sessionKey:   []byte(cfg.SessionSecretKey),
		disabled:     cfg.Disabled,
		now:          now,
	}
}

// Middleware authenticates every request and attaches the Actor. Requests
// without usable credentials are rejected with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Resolve(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing or invalid credentials"}}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Resolve inspects the request's credentials. Bearer tokens are tried first,
// then session tokens from the X-Tessera-Session header; the two modes are
// transparently combined.
func (a *Authenticator) Resolve(r *http.Request) (*Actor, error) {
	if a.disabled {
		return &Actor{Scopes: scopeSet(ScopeAdmin)}, nil
	}

	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return nil, apperr.New(apperr.Unauthorized, "invalid authorization scheme")
		}
		return a.resolveBearer(strings.TrimSpace(parts[1]))
	}

	if token := strings.TrimSpace(r.Header.Get("X-Tessera-Session")); token != "" {
		return a.resolveSession(token)
	}

	return nil, apperr.New(apperr.Unauthorized, "missing credentials")
}

func (a *Authenticator) resolveBearer(token string) (*Actor, error) {
	if token == "" {
		return nil, apperr.New(apperr.Unauthorized, "missing bearer token")
	}
	if a.bootstrapKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bootstrapKey)) == 1 {
		return &Actor{Scopes: scopeSet(ScopeAdmin)}, nil
	}

	var key models.APIKey
	if err := a.db.First(&key, "key_hash = ?", HashKey(token)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.Unauthorized, "unknown API key")
		}
		return nil, err
	}

	var scopes []string
	if err := models.DecodeJSON(key.Scopes, &scopes); err != nil {
		return nil, apperr.New(apperr.Unauthorized, "malformed API key scopes")
	}
	set := map[Scope]struct{}{}
	for _, s := range scopes {
		switch Scope(strings.ToLower(strings.TrimSpace(s))) {
		case ScopeRead:
			set[ScopeRead] = struct{}{}
		case ScopeWrite:
			set[ScopeWrite] = struct{}{}
		case ScopeAdmin:
			set[ScopeAdmin] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, apperr.New(apperr.Unauthorized, "API key grants no scopes")
	}

	now := a.now()
	_ = a.db.Model(&models.APIKey{}).Where("id = ?", key.ID).Update("last_used_at", &now).Error

	teamID := key.TeamID
	return &Actor{TeamID: &teamID, Scopes: set}, nil
}

func (a *Authenticator) resolveSession(token string) (*Actor, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.sessionKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !parsed.Valid {
		return nil, apperr.New(apperr.Unauthorized, "invalid session token")
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(strings.TrimSpace(sub))
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "session token subject missing")
	}

	var user models.User
	if err := a.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.Unauthorized, "session user not found")
		}
		return nil, err
	}
	if !user.Active() {
		return nil, apperr.New(apperr.Unauthorized, "session user is deactivated")
	}

	return &Actor{
		TeamID: user.TeamID,
		UserID: &user.ID,
		Scopes: scopesForRole(user.Role),
	}, nil
}

// MintSessionToken issues a short-lived HS256 session token for a user.
func (a *Authenticator) MintSessionToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.sessionKey)
}

func scopesForRole(role string) map[Scope]struct{} {
	switch role {
	case models.RoleAdmin:
		return scopeSet(ScopeAdmin)
	case models.RoleTeamAdmin:
		return scopeSet(ScopeRead, ScopeWrite)
	default:
		return scopeSet(ScopeRead)
	}
}

func scopeSet(scopes ...Scope) map[Scope]struct{} {
	set := make(map[Scope]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// RequireScope ensures the authenticated actor holds at least the scope.
func RequireScope(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := FromContext(r.Context())
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"missing identity"}}`))
				return
			}
			if !actor.HasScope(scope) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"insufficient scope"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
