// Package main is the entry point for the Darkstar adaptive tuning service.
// It ingests energy counter readings into quarter-hour slots, replans past
// days through the planner to score parameter candidates, and adjusts the
// domain configuration through nightly learning runs and daily reflex sweeps.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/database"
	"github.com/ergetie/darkstar-sub001/internal/events"
	"github.com/ergetie/darkstar-sub001/internal/modules/correction"
	"github.com/ergetie/darkstar-sub001/internal/modules/ingest"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/reflex"
	"github.com/ergetie/darkstar-sub001/internal/modules/simulation"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
	"github.com/ergetie/darkstar-sub001/internal/reliability"
	"github.com/ergetie/darkstar-sub001/internal/scheduler"
	"github.com/ergetie/darkstar-sub001/internal/server"
	"github.com/ergetie/darkstar-sub001/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting Darkstar")

	// Databases: history holds the slot data, tuning holds the audit trail
	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	tuningDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "tuning.db"),
		Profile: database.ProfileLedger,
		Name:    "tuning",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open tuning database")
	}
	defer tuningDB.Close()

	for _, db := range []*database.DB{historyDB, tuningDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to migrate database")
		}
	}

	bus := events.NewBus(log)

	// Repositories
	slotRepo := slots.NewRepository(historyDB.Conn(), log)
	learningRepo := learning.NewRepository(tuningDB.Conn(), log)
	metricsRepo := learning.NewMetricsRepository(historyDB.Conn(), log)

	// Domain configuration is re-read on every use so external edits and
	// applied changes take effect without a restart
	tuningProvider := func() (config.Tuning, error) {
		return config.LoadTuning(cfg.ConfigPath)
	}

	// Simulation against the external planner service
	planner := simulation.NewPlannerClient(cfg.PlannerServiceURL, log)
	simulator := simulation.NewSimulator(slotRepo, planner, log)

	// Learning and reflex
	orchestrator := learning.NewOrchestrator(
		learningRepo, metricsRepo, slotRepo, simulator, bus, tuningProvider, log,
	)
	reflexService := reflex.NewService(slotRepo, learningRepo, bus, log)
	correctionService := correction.NewService(slotRepo, cfg.DataDir, log)
	ingestService := ingest.NewService(slotRepo, log)

	// Background jobs
	sched := scheduler.New(log)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 0 2 * * *", scheduler.NewNightlyLearningJob(orchestrator, log)},
		{"0 30 2 * * *", scheduler.NewReflexSweepJob(reflexService, tuningProvider, log)},
		{"0 15 * * * *", scheduler.NewCorrectionRefreshJob(correctionService, 48*time.Hour, log)},
		{"0 0 */6 * * *", scheduler.NewHealthCheckJob(map[string]*database.DB{
			"history": historyDB,
			"tuning":  tuningDB,
		}, log)},
	}

	if cfg.Backup != nil && cfg.Backup.Enabled {
		s3Client, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Endpoint:    cfg.Backup.Endpoint,
			Region:      cfg.Backup.Region,
			Bucket:      cfg.Backup.Bucket,
			AccessKeyID: cfg.Backup.AccessKeyID,
			SecretKey:   cfg.Backup.SecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		backupService := reliability.NewBackupService(s3Client, map[string]*database.DB{
			"history": historyDB,
			"tuning":  tuningDB,
		}, cfg.DataDir, cfg.Backup.RetentionDays, bus, log)
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"0 0 3 * * *", scheduler.NewBackupJob(backupService, log)})
	} else {
		log.Info().Msg("Offsite backups disabled")
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start()
	defer sched.Stop()

	// HTTP server
	srv := server.New(server.Config{
		Log:               log,
		Cfg:               cfg,
		HistoryDB:         historyDB,
		TuningDB:          tuningDB,
		Bus:               bus,
		SlotRepo:          slotRepo,
		IngestService:     ingestService,
		LearningRepo:      learningRepo,
		MetricsRepo:       metricsRepo,
		Orchestrator:      orchestrator,
		ReflexService:     reflexService,
		CorrectionService: correctionService,
		Tuning:            tuningProvider,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	// Wait for shutdown signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Darkstar stopped")
}
