package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carewell/compliance-core/internal/access"
	"github.com/carewell/compliance-core/internal/audit"
	"github.com/carewell/compliance-core/internal/catalog"
	"github.com/carewell/compliance-core/internal/consent"
	"github.com/carewell/compliance-core/internal/violation"
	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/config"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/encryption"
	"github.com/carewell/compliance-core/pkg/identity"
	"github.com/carewell/compliance-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	log.WithComponent("main").Info("Starting compliance service")

	store, err := docstore.NewPostgresStore(&docstore.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Name:            cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to document store")
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.EnsureCollections(ctx,
		compliance.CollectionPermissions,
		compliance.CollectionRoles,
		compliance.CollectionUserRoles,
		compliance.CollectionConsents,
		compliance.CollectionAuditLog,
		compliance.CollectionViolations,
	); err != nil {
		cancel()
		log.WithError(err).Fatal("Failed to initialize collections")
	}

	provider := identity.NewJWTProvider(cfg.Identity.JWTSecret)

	encryptor, err := encryption.NewAESEncryptor(cfg.Encryption.AESKey)
	if err != nil {
		cancel()
		log.WithError(err).Fatal("Failed to initialize encryptor")
	}

	pipeline := audit.NewPipeline(store, provider, log,
		audit.WithBatchSize(cfg.Audit.BatchSize),
		audit.WithFlushInterval(cfg.Audit.FlushInterval),
	)
	if !cfg.Audit.Enabled {
		pipeline.Disable()
	}
	pipeline.Start()

	channels := []violation.AlertChannel{violation.NewLogChannel(log)}
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, violation.NewWebhookChannel(
			cfg.Alerting.WebhookURL,
			cfg.Alerting.WebhookTimeout,
			cfg.Alerting.RetryCount,
		))
	}
	escalator := violation.NewEscalator(store, log, channels...)

	permCatalog := catalog.New(store, pipeline, log)
	if err := permCatalog.LoadOrBootstrap(ctx); err != nil {
		cancel()
		log.WithError(err).Fatal("Failed to load permission catalog")
	}
	cancel()

	consents := consent.New(store, encryptor, log,
		consent.WithCacheTTL(cfg.Consent.CacheTTL),
		consent.WithFetchLimit(cfg.Consent.FetchLimit),
	)

	engine := access.NewEngine(permCatalog, consents, pipeline, escalator, log)
	handlers := access.NewHandlers(engine, permCatalog, consents, store, provider, log)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	if cfg.Monitoring.Enabled {
		router.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler()).Methods("GET")
	}
	router.HandleFunc(cfg.Monitoring.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, `{"status":"degraded"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	}).Methods("GET")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.WithComponent("main").WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.WithComponent("main").Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}

	// Stop drains the audit queue with a final flush before exit.
	pipeline.Stop()

	log.WithComponent("main").Info("Compliance service stopped")
}
