package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith-backend/internal/aesthetic"
	"github.com/pagesmith/pagesmith-backend/internal/db"
	"github.com/pagesmith/pagesmith-backend/internal/domain"
	"github.com/pagesmith/pagesmith-backend/internal/modelpool"
	"github.com/pagesmith/pagesmith-backend/internal/pipeline"
	"github.com/pagesmith/pagesmith-backend/internal/platform/config"
	"github.com/pagesmith/pagesmith-backend/internal/platform/logger"
	"github.com/pagesmith/pagesmith-backend/internal/platform/modelapi"
	"github.com/pagesmith/pagesmith-backend/internal/realtime"
	"github.com/pagesmith/pagesmith-backend/internal/realtime/bus"
	"github.com/pagesmith/pagesmith-backend/internal/repos"
	"github.com/pagesmith/pagesmith-backend/internal/routing"
	"github.com/pagesmith/pagesmith-backend/internal/versionstore"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal("Config load failed", "error", err)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	callLogRepo := repos.NewModelCallLogRepo(thePG, log)
	sessionRoutingRepo := repos.NewSessionRoutingRepo(thePG, log)

	// Model pool
	catalog, err := modelpool.NewCatalog(cfg.Models, cfg.Overrides)
	if err != nil {
		log.Fatal("Catalog init failed", "error", err)
	}
	timeout := time.Duration(cfg.Pool.TimeoutSeconds) * time.Second
	factory := func(desc domain.ModelDescriptor) (modelapi.Client, error) {
		return modelapi.New(log, desc, timeout)
	}
	pool, err := modelpool.NewPool(log, catalog, cfg.Pool.MaxAttempts, timeout, factory, modelpool.NewRepoRecorder(callLogRepo))
	if err != nil {
		log.Fatal("Model pool init failed", "error", err)
	}

	// Version store
	store, err := versionstore.NewStore(thePG, log, cfg.Store.PinCap)
	if err != nil {
		log.Fatal("Version store init failed", "error", err)
	}

	// Progress bus: redis when configured, in-process otherwise. Either way
	// the worker consumes its own events and logs them.
	logEvent := func(ev realtime.ProgressEvent) {
		log.Info("progress",
			"run_id", ev.RunID,
			"stage", ev.Stage,
			"page", ev.PageSlug,
			"percent", ev.Percent,
			"message", ev.Message,
		)
	}
	var progressBus bus.Bus
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		redisBus, err := bus.NewRedisBus(log)
		if err != nil {
			log.Fatal("Redis bus init failed", "error", err)
		}
		if err := redisBus.StartForwarder(context.Background(), logEvent); err != nil {
			log.Fatal("Redis forwarder init failed", "error", err)
		}
		progressBus = redisBus
	} else {
		chBus := bus.NewChannelBus(64)
		go func() {
			for ev := range chBus.Events() {
				logEvent(ev)
			}
		}()
		progressBus = chBus
	}
	defer progressBus.Close()

	// Pipeline
	router := routing.NewEngine(log, pool, sessionRoutingRepo)
	validator := aesthetic.NewValidator(log, pool, cfg.Aesthetic.PassThreshold, cfg.Aesthetic.MaxRefinements)
	orchestrator := pipeline.NewOrchestrator(
		log, router, pool, validator, store, progressBus,
		cfg.Pipeline.PageConcurrency, cfg.Pipeline.InterviewConfidence,
	)

	brief := strings.TrimSpace(strings.Join(os.Args[1:], " "))
	if brief == "" {
		log.Fatal("Usage: worker <brief text>")
	}
	sessionID := uuid.New()
	if raw := strings.TrimSpace(os.Getenv("SESSION_ID")); raw != "" {
		parsed, perr := uuid.Parse(raw)
		if perr != nil {
			log.Fatal("Invalid SESSION_ID", "error", perr)
		}
		sessionID = parsed
	}

	log.Info("Starting run", "session_id", sessionID)
	res, err := orchestrator.Run(context.Background(), pipeline.RunInput{
		SessionID: sessionID,
		Brief:     brief,
	})
	if err != nil {
		log.Fatal("Run failed", "run_id", res.RunID, "error", err)
	}
	log.Info("Run finished",
		"run_id", res.RunID,
		"status", string(res.Status),
		"partial_failure", res.PartialFailure,
		"pages", len(res.ProducedPages),
		"failed_pages", res.FailedPages,
		"doc_version_id", res.DocVersionID,
		"snapshot_id", res.SnapshotID,
	)
}
