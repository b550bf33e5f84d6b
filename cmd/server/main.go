// Command server runs the character tracking backend: the snapshot
// ingestion scheduler plus the HTTP API the portal UI consumes.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/dkrol/go-tracker-backend/internal/adapter"
	"github.com/dkrol/go-tracker-backend/internal/config"
	httpapi "github.com/dkrol/go-tracker-backend/internal/http"
	"github.com/dkrol/go-tracker-backend/internal/observability"
	"github.com/dkrol/go-tracker-backend/internal/repo"
	"github.com/dkrol/go-tracker-backend/internal/services"
	"github.com/dkrol/go-tracker-backend/internal/sysutil"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogPretty)
	sysutil.SetLogLevel(cfg.LogLevel)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	registry := adapter.NewRegistry()
	if cfg.Adapter.Server != "" {
		ad, err := adapter.NewHTTPJSONAdapter(adapter.HTTPJSONOptions{
			BaseURL: cfg.Adapter.BaseURL,
			Timeout: cfg.Scheduling.FetchTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("adapter setup failed")
		}
		registry.Register(cfg.Adapter.Server, ad)
		log.Info().Str("server", cfg.Adapter.Server).Str("base_url", cfg.Adapter.BaseURL).Msg("adapter registered")
	}

	engine := &services.IngestService{
		DB:       db,
		Adapters: registry,
		Recon:    &services.Reconciler{Location: cfg.Scheduling.Location},

		FetchTimeout:    cfg.Scheduling.FetchTimeout,
		BaseBackoff:     cfg.Scheduling.BaseBackoff,
		MaxBackoff:      cfg.Scheduling.MaxBackoff,
		ReviewThreshold: cfg.Scheduling.ReviewThreshold,
		DailyRunAt:      cfg.Scheduling.DailyRunAt,
		Location:        cfg.Scheduling.Location,
	}

	sched := services.NewScheduler(db, engine, services.SchedulerOptions{
		TickInterval:     cfg.Scheduling.TickInterval,
		BatchSize:        cfg.Scheduling.DueBatchSize,
		GroupConcurrency: cfg.Scheduling.GroupConcurrency,
		MinSpacing:       cfg.Scheduling.MinSpacing,
	})
	sched.Start()

	chars := &services.CharacterService{DB: db}

	r := gin.New()
	httpapi.RegisterRoutes(r, chars, sched, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Drain in-flight cycles first so no partially-scheduled character is
	// left behind, then close the HTTP listener.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler drain timed out")
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
	if err := shutdownOTel(drainCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown failed")
	}

	os.Exit(0)
}
