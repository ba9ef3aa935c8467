package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"tessera/audits"
	"tessera/auth"
	"tessera/cache"
	"tessera/config"
	"tessera/contracts"
	tmw "tessera/middleware"
	"tessera/models"
	"tessera/observability"
	"tessera/observability/logging"
	"tessera/proposals"
	"tessera/sync"
	"tessera/webhooks"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Settings  *config.Config
	Auth      *auth.Authenticator
	Contracts *contracts.Service
	Proposals *proposals.Service
	Audits    *audits.Service
	Sync      *sync.Service
	Hooks     *webhooks.Dispatcher
	Cache     *cache.Cache
	Now       func() time.Time
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db        *gorm.DB
	settings  *config.Config
	auth      *auth.Authenticator
	contracts *contracts.Service
	proposals *proposals.Service
	audits    *audits.Service
	sync      *sync.Service
	hooks     *webhooks.Dispatcher
	cache     *cache.Cache
	now       func() time.Time
	log       *slog.Logger
	metrics   *observability.ServiceMetrics

	router http.Handler
}

// New constructs a configured HTTP router with authentication, rate
// limiting, and idempotency support.
func New(cfg Config) *Server {
	srv := &Server{
		db:        cfg.DB,
		settings:  cfg.Settings,
		auth:      cfg.Auth,
		contracts: cfg.Contracts,
		proposals: cfg.Proposals,
		audits:    cfg.Audits,
		sync:      cfg.Sync,
		hooks:     cfg.Hooks,
		cache:     cfg.Cache,
		now:       cfg.Now,
		log:       logging.Component("server"),
		metrics:   observability.Service(),
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	if srv.cache == nil {
		srv.cache = cache.New("", 0)
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.Health)
	r.Get("/health/ready", s.HealthReady)
	r.Get("/health/live", s.HealthLive)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		if s.settings.RateLimitEnabled {
			limiter := tmw.NewRateLimiter(s.settings.RateLimitPerMinute)
			api.Use(limiter.Middleware)
		}
		api.Use(func(next http.Handler) http.Handler { return tmw.WithIdempotency(s.db, next) })
		api.Use(s.auth.Middleware)

		read := auth.RequireScope(auth.ScopeRead)
		write := auth.RequireScope(auth.ScopeWrite)
		admin := auth.RequireScope(auth.ScopeAdmin)

		api.With(read).Get("/teams", s.ListTeams)
		api.With(write).Post("/teams", s.CreateTeam)
		api.With(read).Get("/teams/{id}", s.GetTeam)
		api.With(write).Patch("/teams/{id}", s.UpdateTeam)
		api.With(admin).Delete("/teams/{id}", s.DeleteTeam)

		api.With(read).Get("/users", s.ListUsers)
		api.With(admin).Post("/users", s.CreateUser)
		api.With(read).Get("/users/{id}", s.GetUser)
		api.With(write).Patch("/users/{id}", s.UpdateUser)
		api.With(admin).Delete("/users/{id}", s.DeactivateUser)
		api.With(admin).Post("/users/{id}/reactivate", s.ReactivateUser)

		api.With(read).Get("/assets", s.ListAssets)
		api.With(read).Get("/assets/search", s.SearchAssets)
		api.With(write).Post("/assets", s.CreateAsset)
		api.With(read).Get("/assets/{id}", s.GetAsset)
		api.With(write).Patch("/assets/{id}", s.UpdateAsset)
		api.With(write).Delete("/assets/{id}", s.DeleteAsset)
		api.With(read).Get("/assets/{id}/contracts", s.ListAssetContracts)
		api.With(write).Post("/assets/{id}/contracts", s.PublishContract)
		api.With(read).Get("/assets/{id}/dependencies", s.ListDependencies)
		api.With(write).Post("/assets/{id}/dependencies", s.AddDependency)
		api.With(write).Delete("/assets/{id}/dependencies/{dep_id}", s.RemoveDependency)
		api.With(read).Get("/assets/{id}/lineage", s.Lineage)
		api.With(read).Post("/assets/{id}/impact", s.AssetImpact)
		api.With(write).Post("/assets/{id}/audit-results", s.ReportAudit)
		api.With(read).Get("/assets/{id}/audit-history", s.AuditHistory)
		api.With(read).Get("/assets/{id}/audit-trends", s.AuditTrends)

		api.With(read).Get("/contracts", s.ListContracts)
		api.With(read).Get("/contracts/{id}", s.GetContract)
		api.With(write).Patch("/contracts/{id}/guarantees", s.UpdateGuarantees)
		api.With(read).Get("/contracts/{id}/registrations", s.ListContractRegistrations)

		api.With(write).Post("/registrations", s.CreateRegistration)
		api.With(read).Get("/registrations", s.ListRegistrations)

		api.With(read).Get("/proposals", s.ListProposals)
		api.With(read).Get("/proposals/{id}", s.GetProposal)
		api.With(read).Get("/proposals/{id}/status", s.ProposalStatus)
		api.With(write).Post("/proposals/{id}/acknowledge", s.AcknowledgeProposal)
		api.With(write).Post("/proposals/{id}/withdraw", s.WithdrawProposal)
		api.With(write).Post("/proposals/{id}/force", s.ForceProposal)
		api.With(write).Post("/proposals/{id}/expire", s.ExpireProposal)
		api.With(write).Post("/proposals/{id}/publish", s.PublishFromProposal)

		api.With(admin).Post("/sync/dbt/upload", s.SyncDbtUpload)
		api.With(admin).Post("/sync/dbt/diff", s.SyncDbtDiff)
		api.With(admin).Post("/sync/dbt/impact", s.SyncDbtImpact)
		api.With(admin).Post("/sync/openapi", s.SyncOpenAPI)
		api.With(admin).Post("/sync/graphql", s.SyncGraphQL)
		api.With(admin).Post("/sync/push", s.SyncPush)
		api.With(admin).Post("/sync/pull", s.SyncPull)

		api.With(write).Post("/bulk/registrations", s.BulkRegistrations)
		api.With(write).Post("/bulk/assets", s.BulkAssets)
		api.With(write).Post("/bulk/acknowledgments", s.BulkAcknowledgments)
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}

// corsMiddleware applies the configured origins and methods. Wildcard
// origins are refused in production.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	wildcard := false
	for _, origin := range s.settings.CORSOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[origin] = struct{}{}
	}
	if s.settings.Production() {
		wildcard = false
	}
	methods := strings.Join(s.settings.CORSAllowMethods, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Tessera-Session")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BootstrapAdmin upserts the configured admin user and its team on startup.
// Idempotent: reruns refresh the password hash and role.
func BootstrapAdmin(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var team models.Team
		err := tx.Where("LOWER(name) = ? AND deleted_at IS NULL", "admin").First(&team).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			team = models.Team{
				ID:        uuid.New(),
				Name:      "admin",
				Metadata:  models.JSON(map[string]any{"bootstrap": true}),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&team).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		var user models.User
		err = tx.Where("LOWER(email) = ?", strings.ToLower(cfg.AdminEmail)).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = models.User{
				ID:           uuid.New(),
				Email:        cfg.AdminEmail,
				Name:         cfg.AdminName,
				PasswordHash: hash,
				Role:         models.RoleAdmin,
				TeamID:       &team.ID,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			return tx.Create(&user).Error
		}
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		user.Role = models.RoleAdmin
		if cfg.AdminName != "" {
			user.Name = cfg.AdminName
		}
		user.DeactivatedAt = nil
		user.UpdatedAt = now
		return tx.Save(&user).Error
	})
}

func parseID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, badRequestf("invalid %s %q", name, raw)
	}
	return id, nil
}
