package learning

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/events"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

func newOrchestrator(t *testing.T, store OrchestratorSlotStore, sim Simulator, tuning TuningProvider) (*Orchestrator, *Repository, *MetricsRepository) {
	t.Helper()

	repo := newTuningRepo(t)
	metrics := newMetricsRepo(t)
	bus := events.NewBus(zerolog.Nop())

	o := NewOrchestrator(repo, metrics, store, sim, bus, tuning, zerolog.Nop())
	return o, repo, metrics
}

func staticTuning(cfg config.Tuning) TuningProvider {
	return func() (config.Tuning, error) { return cfg, nil }
}

// at pins the orchestrator clock. 2026-08-05 is an odd Wednesday: only the
// calibrator runs. 2026-08-04 is an even Tuesday: calibrator plus threshold
// tuner. 2026-08-03 is a Monday.
func at(t *testing.T, s string) func() time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return func() time.Time { return parsed }
}

func TestRunCompletesWithNoChanges(t *testing.T) {
	store := &fakeSlotStore{}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	o, repo, metrics := newOrchestrator(t, store, sim, staticTuning(config.DefaultTuning()))
	o.Now = at(t, "2026-08-05T02:00:00Z")

	run, err := o.Run(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	runs, err := repo.GetRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunCompleted, runs[0].Status)

	var parsed runMetrics
	require.NoError(t, json.Unmarshal([]byte(runs[0].Metrics), &parsed))
	assert.Equal(t, []string{"forecast_calibrator"}, parsed.LoopsRun)
	assert.Empty(t, parsed.Changes)

	// A daily metrics row mirrors the s-index base factor even on a no-op run
	rows, err := metrics.GetRecent(5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-08-04", rows[0].Day)
	require.NotNil(t, rows[0].SIndexBaseFactor)
	assert.Equal(t, 1.10, *rows[0].SIndexBaseFactor)
}

func TestRunSchedulesWeeklyLoopsOnMonday(t *testing.T) {
	store := &fakeSlotStore{}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	o, repo, _ := newOrchestrator(t, store, sim, staticTuning(config.DefaultTuning()))
	o.Now = at(t, "2026-08-03T02:00:00Z")

	_, err := o.Run(context.Background(), "scheduled")
	require.NoError(t, err)

	runs, err := repo.GetRuns(1)
	require.NoError(t, err)
	var parsed runMetrics
	require.NoError(t, json.Unmarshal([]byte(runs[0].Metrics), &parsed))
	assert.Contains(t, parsed.LoopsRun, "s_index_tuner")
	assert.Contains(t, parsed.LoopsRun, "export_guard_tuner")
}

func TestRunRecordsAcceptedChangesWhenAutoApply(t *testing.T) {
	store := &fakeSlotStore{}
	// Threshold tuner will find the lower battery margin
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 50 + cfg.DecisionThresholds.BatteryUseMarginSEK*100
	}}
	o, repo, _ := newOrchestrator(t, store, sim, staticTuning(config.DefaultTuning()))
	o.Now = at(t, "2026-08-04T02:00:00Z")

	_, err := o.Run(context.Background(), "scheduled")
	require.NoError(t, err)

	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "decision_thresholds.battery_use_margin_sek", history[0].Param)
	assert.InDelta(t, 0.08, history[0].NewValue, 1e-9)
	assert.Equal(t, "learning", history[0].Source)
}

func TestRunDoesNotRecordChangesWithoutAutoApply(t *testing.T) {
	store := &fakeSlotStore{}
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 50 + cfg.DecisionThresholds.BatteryUseMarginSEK*100
	}}
	cfg := config.DefaultTuning()
	cfg.Learning.AutoApply = false
	o, repo, _ := newOrchestrator(t, store, sim, staticTuning(cfg))
	o.Now = at(t, "2026-08-04T02:00:00Z")

	_, err := o.Run(context.Background(), "scheduled")
	require.NoError(t, err)

	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The proposal is still visible in the run metrics
	runs, err := repo.GetRuns(1)
	require.NoError(t, err)
	var parsed runMetrics
	require.NoError(t, json.Unmarshal([]byte(runs[0].Metrics), &parsed))
	require.Len(t, parsed.Changes, 1)
	assert.False(t, parsed.Applied)
}

// flakyStore fails residual reads on loop-sized windows while letting the
// one-day metrics window through.
type flakyStore struct {
	fakeSlotStore
}

func (f *flakyStore) ForecastResiduals(kind string, since, until time.Time) ([]slots.Residual, error) {
	if until.Sub(since) > 24*time.Hour {
		return nil, errors.New("history db locked")
	}
	return f.fakeSlotStore.ForecastResiduals(kind, since, until)
}

func TestRunContinuesWhenLoopFails(t *testing.T) {
	store := &flakyStore{}
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 50 + cfg.DecisionThresholds.BatteryUseMarginSEK*100
	}}
	o, repo, _ := newOrchestrator(t, store, sim, staticTuning(config.DefaultTuning()))
	o.Now = at(t, "2026-08-04T02:00:00Z")

	run, err := o.Run(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	var parsed runMetrics
	require.NoError(t, json.Unmarshal([]byte(run.Metrics), &parsed))
	assert.Equal(t, []string{"forecast_calibrator", "threshold_tuner"}, parsed.LoopsRun)
	assert.Contains(t, parsed.LoopErrors["forecast_calibrator"], "history db locked")

	// The threshold tuner still ran and its change was recorded
	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "decision_thresholds.battery_use_margin_sek", history[0].Param)
}

func TestRunSkipsParamAlreadyAdjustedToday(t *testing.T) {
	store := &fakeSlotStore{}
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 50 + cfg.DecisionThresholds.BatteryUseMarginSEK*100
	}}
	o, repo, _ := newOrchestrator(t, store, sim, staticTuning(config.DefaultTuning()))
	o.Now = at(t, "2026-08-04T02:00:00Z")

	// A reflex adjustment already moved the parameter earlier today
	applied, err := repo.RecordReflexChange(ProposedChange{
		Param:    config.ParamBatteryUseMarginSEK,
		OldValue: 0.10,
		NewValue: 0.09,
		Reason:   "observed margin drift",
	}, at(t, "2026-08-04T01:00:00Z")())
	require.NoError(t, err)
	require.True(t, applied)

	run, err := o.Run(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	history, err := repo.GetChanges(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "reflex", history[0].Source)
}

func TestRunFailureIsRecorded(t *testing.T) {
	store := &fakeSlotStore{}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	o, repo, _ := newOrchestrator(t, store, sim, func() (config.Tuning, error) {
		return config.Tuning{}, errors.New("config unreadable")
	})
	o.Now = at(t, "2026-08-05T02:00:00Z")

	_, err := o.Run(context.Background(), "scheduled")
	require.Error(t, err)

	runs, err := repo.GetRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "config unreadable")
}

func TestRunWritesDailyMetricsFromResiduals(t *testing.T) {
	slot, err := time.Parse(time.RFC3339, "2026-08-04T12:00:00Z")
	require.NoError(t, err)

	store := &fakeSlotStore{
		residuals: map[string][]slots.Residual{
			"pv": {
				{SlotStart: slot, ActualKWh: 1.0, ForecastKWh: 1.4},
				{SlotStart: slot.Add(15 * time.Minute), ActualKWh: 1.0, ForecastKWh: 0.8},
			},
		},
		costs: []slots.DailyCost{{Day: "2026-08-04", CostSEK: 25.0}},
	}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	o, _, metrics := newOrchestrator(t, store, sim, staticTuning(config.DefaultTuning()))
	o.Now = at(t, "2026-08-05T02:00:00Z")

	_, err = o.Run(context.Background(), "scheduled")
	require.NoError(t, err)

	rows, err := metrics.GetRecent(5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].PVMAEKWh)
	// Errors are -0.4 and +0.2, MAE 0.3, hour-12 mean -0.1
	assert.InDelta(t, 0.3, *rows[0].PVMAEKWh, 1e-9)
	assert.InDelta(t, -0.1, rows[0].PVHourlyErrors[12], 1e-9)
	require.NotNil(t, rows[0].RealizedCostSEK)
	assert.Equal(t, 25.0, *rows[0].RealizedCostSEK)
}
