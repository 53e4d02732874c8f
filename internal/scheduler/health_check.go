package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/database"
)

// HealthCheckJob verifies database integrity and keeps WAL files from
// growing unbounded.
type HealthCheckJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

// NewHealthCheckJob creates a health check job over the given databases.
func NewHealthCheckJob(databases map[string]*database.DB, log zerolog.Logger) *HealthCheckJob {
	return &HealthCheckJob{
		databases: databases,
		log:       log.With().Str("job", "health_check").Logger(),
	}
}

func (j *HealthCheckJob) Name() string { return "health_check" }

func (j *HealthCheckJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	for name, db := range j.databases {
		if db == nil {
			j.log.Warn().Str("database", name).Msg("Database not initialized, skipping")
			continue
		}

		if err := db.HealthCheck(ctx); err != nil {
			// Corruption in either database is not recoverable here
			return fmt.Errorf("database %s failed integrity check: %w", name, err)
		}
		j.log.Debug().Str("database", name).Msg("Database integrity OK")

		if err := db.WALCheckpoint("PASSIVE"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	j.log.Info().Dur("duration", time.Since(start)).Msg("Health check completed")
	return nil
}
