package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/correction"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/reflex"
	"github.com/ergetie/darkstar-sub001/internal/reliability"
)

// LearningRunner starts one learning run.
type LearningRunner interface {
	Run(ctx context.Context, trigger string) (*learning.Run, error)
}

// NightlyLearningJob drives the nightly tuning run.
type NightlyLearningJob struct {
	orchestrator LearningRunner
	log          zerolog.Logger
}

// NewNightlyLearningJob creates the nightly learning job.
func NewNightlyLearningJob(orchestrator LearningRunner, log zerolog.Logger) *NightlyLearningJob {
	return &NightlyLearningJob{
		orchestrator: orchestrator,
		log:          log.With().Str("job", "nightly_learning").Logger(),
	}
}

func (j *NightlyLearningJob) Name() string { return "nightly_learning" }

func (j *NightlyLearningJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	run, err := j.orchestrator.Run(ctx, "scheduled")
	if err != nil {
		return err
	}
	j.log.Info().Str("run_id", run.ID).Msg("Nightly learning run finished")
	return nil
}

// ReflexSweeper runs the reflex analyzers and records accepted adjustments.
type ReflexSweeper interface {
	Sweep(cfg config.Tuning) ([]reflex.Decision, error)
}

// ReflexSweepJob runs the reflex analyzers once per day.
type ReflexSweepJob struct {
	service ReflexSweeper
	tuning  learning.TuningProvider
	log     zerolog.Logger
}

// NewReflexSweepJob creates the reflex sweep job.
func NewReflexSweepJob(service ReflexSweeper, tuning learning.TuningProvider, log zerolog.Logger) *ReflexSweepJob {
	return &ReflexSweepJob{
		service: service,
		tuning:  tuning,
		log:     log.With().Str("job", "reflex_sweep").Logger(),
	}
}

func (j *ReflexSweepJob) Name() string { return "reflex_sweep" }

func (j *ReflexSweepJob) Run() error {
	cfg, err := j.tuning()
	if err != nil {
		return err
	}

	decisions, err := j.service.Sweep(cfg)
	if err != nil {
		return err
	}

	applied := 0
	for _, d := range decisions {
		if d.Applied {
			applied++
		}
	}
	j.log.Info().Int("analyzers", len(decisions)).Int("applied", applied).Msg("Reflex sweep finished")
	return nil
}

// CorrectionRefreshJob reapplies the forecast corrections over the upcoming
// horizon, picking up fresh residuals and any newly delivered models.
type CorrectionRefreshJob struct {
	service *correction.Service
	horizon time.Duration
	log     zerolog.Logger

	// Now is injectable for tests
	Now func() time.Time
}

// NewCorrectionRefreshJob creates the correction refresh job.
func NewCorrectionRefreshJob(service *correction.Service, horizon time.Duration, log zerolog.Logger) *CorrectionRefreshJob {
	return &CorrectionRefreshJob{
		service: service,
		horizon: horizon,
		log:     log.With().Str("job", "correction_refresh").Logger(),
		Now:     time.Now,
	}
}

func (j *CorrectionRefreshJob) Name() string { return "correction_refresh" }

func (j *CorrectionRefreshJob) Run() error {
	now := j.Now().UTC()
	start := now.Truncate(24 * time.Hour)
	updated, err := j.service.ApplyCorrections(start, now.Add(j.horizon))
	if err != nil {
		return err
	}
	j.log.Info().Int("slots", updated).Msg("Correction refresh finished")
	return nil
}

// BackupJob ships a fresh archive to object storage and rotates old ones.
type BackupJob struct {
	service *reliability.BackupService
	log     zerolog.Logger
}

// NewBackupJob creates the cloud backup job.
func NewBackupJob(service *reliability.BackupService, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service: service,
		log:     log.With().Str("job", "cloud_backup").Logger(),
	}
}

func (j *BackupJob) Name() string { return "cloud_backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	return j.service.RotateOldBackups(ctx)
}
