package learning

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/database"
)

func newTuningRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "tuning.db"),
		Profile: database.ProfileLedger,
		Name:    "tuning",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(db.Conn(), zerolog.Nop())
}

func newMetricsRepo(t *testing.T) *MetricsRepository {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
		Name: "history",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewMetricsRepository(db.Conn(), zerolog.Nop())
}

func TestRunLifecycle(t *testing.T) {
	repo := newTuningRepo(t)
	now := time.Now().UTC()

	require.NoError(t, repo.StartRun("run-1", "scheduled", now))
	require.NoError(t, repo.CompleteRun("run-1", `{"changes":[]}`, now.Add(time.Minute)))

	require.NoError(t, repo.StartRun("run-2", "manual", now.Add(time.Hour)))
	require.NoError(t, repo.FailRun("run-2", "planner unreachable", now.Add(2*time.Hour)))

	runs, err := repo.GetRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Equal(t, "planner unreachable", runs[0].Error)
	assert.Equal(t, RunCompleted, runs[1].Status)
	assert.NotNil(t, runs[1].FinishedAt)
}

func TestCompleteUnknownRunFails(t *testing.T) {
	repo := newTuningRepo(t)
	assert.Error(t, repo.CompleteRun("missing", "{}", time.Now()))
}

func TestRecordChangeAndHistory(t *testing.T) {
	repo := newTuningRepo(t)
	now := time.Now().UTC()

	require.NoError(t, repo.StartRun("run-1", "scheduled", now))
	change := ProposedChange{
		Param:    config.ParamBatteryUseMarginSEK,
		OldValue: 0.10,
		NewValue: 0.08,
		Reason:   "grid search improved objective by 3.3%",
	}
	applied, err := repo.RecordChange("run-1", change, "learning", now)
	require.NoError(t, err)
	assert.True(t, applied)

	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "decision_thresholds.battery_use_margin_sek", history[0].Param)
	assert.Equal(t, 0.08, history[0].NewValue)
	assert.Equal(t, "learning", history[0].Source)
}

func TestRecordReflexChangeRateLimitsPerDay(t *testing.T) {
	repo := newTuningRepo(t)
	day := time.Date(2026, 8, 4, 2, 0, 0, 0, time.UTC)

	change := ProposedChange{
		Param:    config.ParamSIndexBaseFactor,
		OldValue: 1.10,
		NewValue: 1.12,
		Reason:   "low soc events",
	}

	applied, err := repo.RecordReflexChange(change, day)
	require.NoError(t, err)
	assert.True(t, applied)

	// Same parameter, same day: refused without writing
	applied, err = repo.RecordReflexChange(change, day.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)

	// A different parameter is unaffected
	other := ProposedChange{Param: config.ParamPVConfidencePercent, OldValue: 90, NewValue: 89}
	applied, err = repo.RecordReflexChange(other, day)
	require.NoError(t, err)
	assert.True(t, applied)

	// Next day the original parameter may change again
	applied, err = repo.RecordReflexChange(change, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, applied)

	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	for _, h := range history {
		assert.Equal(t, "reflex", h.Source)
	}
}

func TestRateLimitSharedAcrossSources(t *testing.T) {
	repo := newTuningRepo(t)
	day := time.Date(2026, 8, 4, 2, 0, 0, 0, time.UTC)

	change := ProposedChange{
		Param:    config.ParamSIndexBaseFactor,
		OldValue: 1.10,
		NewValue: 1.12,
		Reason:   "grid search improved objective",
	}

	applied, err := repo.RecordChange("run-1", change, "learning", day)
	require.NoError(t, err)
	require.True(t, applied)

	// A reflex adjustment to the same parameter later the same day is refused
	applied, err = repo.RecordReflexChange(change, day.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	// And the other way around: reflex first blocks a learning change
	other := ProposedChange{Param: config.ParamPVConfidencePercent, OldValue: 90, NewValue: 89}
	applied, err = repo.RecordReflexChange(other, day)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.RecordChange("run-2", other, "learning", day.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)

	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestReflexStateTracksValueAndCount(t *testing.T) {
	repo := newTuningRepo(t)
	day := time.Date(2026, 8, 4, 2, 0, 0, 0, time.UTC)

	change := ProposedChange{
		Param:    config.ParamSIndexBaseFactor,
		OldValue: 1.10,
		NewValue: 1.12,
		Reason:   "low soc events",
	}
	applied, err := repo.RecordReflexChange(change, day)
	require.NoError(t, err)
	require.True(t, applied)

	change.OldValue, change.NewValue = 1.12, 1.14
	applied, err = repo.RecordReflexChange(change, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.True(t, applied)

	states, err := repo.GetReflexStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "s_index.base_factor", states[0].Param)
	assert.Equal(t, "2026-08-05", states[0].LastChangedDay)
	assert.InDelta(t, 1.14, states[0].LastValue, 1e-9)
	assert.Equal(t, 2, states[0].ChangeCount)
	assert.True(t, states[0].UpdatedAt.Equal(day.AddDate(0, 0, 1)))
}

func TestDailyMetricsUpsert(t *testing.T) {
	repo := newMetricsRepo(t)

	mae := 0.42
	cost := 31.5
	require.NoError(t, repo.Upsert(DailyMetrics{Day: "2026-08-03", PVMAEKWh: &mae, RealizedCostSEK: &cost}))

	// Second write for the same day merges scalars and rewrites the arrays
	base := 1.12
	m := DailyMetrics{Day: "2026-08-03", SIndexBaseFactor: &base}
	m.PVHourlyErrors[12] = -0.3
	require.NoError(t, repo.Upsert(m))

	rows, err := repo.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-08-03", rows[0].Day)
	require.NotNil(t, rows[0].PVMAEKWh)
	assert.Equal(t, 0.42, *rows[0].PVMAEKWh)
	require.NotNil(t, rows[0].SIndexBaseFactor)
	assert.Equal(t, 1.12, *rows[0].SIndexBaseFactor)
	assert.Equal(t, -0.3, rows[0].PVHourlyErrors[12])
}
