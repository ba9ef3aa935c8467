package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tessera/audits"
	"tessera/auth"
	"tessera/cache"
	"tessera/config"
	"tessera/contracts"
	"tessera/models"
	"tessera/observability/logging"
	"tessera/proposals"
	"tessera/server"
	"tessera/storage"
	tsync "tessera/sync"
	"tessera/webhooks"
)

const (
	shutdownTimeout   = 10 * time.Second
	expirySweepPeriod = time.Minute
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("tesserad", cfg.Environment)

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.BootstrapAdmin(ctx, db, cfg); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}

	dispatcher := webhooks.New(webhooks.Config{
		DB:         db,
		URL:        cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
		Production: cfg.Production(),
		Timeout:    cfg.WebhookTimeout,
	})

	readCache := cache.New(cfg.RedisURL, 0)
	defer func() { _ = readCache.Close() }()

	contractSvc := contracts.New(db, dispatcher)
	proposalSvc := proposals.New(db, dispatcher)
	auditSvc := audits.New(db)
	syncSvc := tsync.New(db)

	authenticator := auth.New(auth.Config{
		DB:               db,
		BootstrapKey:     cfg.BootstrapAPIKey,
		SessionSecretKey: cfg.SessionSecretKey,
		Disabled:         cfg.AuthDisabled,
	})

	srv := server.New(server.Config{
		DB:        db,
		Settings:  cfg,
		Auth:      authenticator,
		Contracts: contractSvc,
		Proposals: proposalSvc,
		Audits:    auditSvc,
		Sync:      syncSvc,
		Hooks:     dispatcher,
		Cache:     readCache,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "tesserad"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background sweep for auto-expiring proposals.
	go func() {
		ticker := time.NewTicker(expirySweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if expired, err := proposalSvc.SweepExpired(ctx); err != nil {
					logger.Warn("proposal expiry sweep failed", "error", err)
				} else if expired > 0 {
					logger.Info("expired proposals", "count", expired)
				}
			}
		}
	}()

	go func() {
		logger.Info("tesserad listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
