package learning

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/simulation"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

type fakeSim struct {
	objective func(cfg config.Tuning) float64
	calls     int
}

func (f *fakeSim) Simulate(_ context.Context, _, _ time.Time, cfg config.Tuning) (*simulation.Result, error) {
	f.calls++
	return &simulation.Result{Objective: f.objective(cfg), UsableDays: 5}, nil
}

type fakeSlotStore struct {
	residuals    map[string][]slots.Residual
	observations []slots.Observation
	forecasts    []slots.Forecast
	plans        []slots.PlanRow
	costs        []slots.DailyCost
}

func (f *fakeSlotStore) ForecastResiduals(kind string, _, _ time.Time) ([]slots.Residual, error) {
	return f.residuals[kind], nil
}

func (f *fakeSlotStore) GetObservations(_, _ time.Time) ([]slots.Observation, error) {
	return f.observations, nil
}

func (f *fakeSlotStore) GetForecasts(_, _ time.Time) ([]slots.Forecast, error) {
	return f.forecasts, nil
}

func (f *fakeSlotStore) GetPlans(_, _ time.Time) ([]slots.PlanRow, error) {
	return f.plans, nil
}

func (f *fakeSlotStore) DailyCosts(_, _ time.Time) ([]slots.DailyCost, error) {
	return f.costs, nil
}

func f64(v float64) *float64 { return &v }

func window(t *testing.T) (time.Time, time.Time) {
	t.Helper()
	end, err := time.Parse("2006-01-02", "2026-08-10")
	require.NoError(t, err)
	return end.AddDate(0, 0, -7), end
}

func TestThresholdTunerAcceptsImprovingStep(t *testing.T) {
	// Objective is minimized at battery_use_margin = 0, so the -0.02 step wins
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 50 + cfg.DecisionThresholds.BatteryUseMarginSEK*100
	}}
	tuner := NewThresholdTuner(sim, zerolog.Nop())
	start, end := window(t)

	changes, err := tuner.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	require.Len(t, changes, 1)

	assert.Equal(t, config.ParamBatteryUseMarginSEK, changes[0].Param)
	assert.InDelta(t, 0.10, changes[0].OldValue, 1e-9)
	assert.InDelta(t, 0.08, changes[0].NewValue, 1e-9)
	assert.GreaterOrEqual(t, changes[0].Improvement, 0.015)
}

func TestThresholdTunerFlatObjectiveIsStable(t *testing.T) {
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	tuner := NewThresholdTuner(sim, zerolog.Nop())
	start, end := window(t)

	changes, err := tuner.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestThresholdTunerBelowImprovementThresholdIsNoOp(t *testing.T) {
	// A 0.02 step moves the objective by 0.2 out of 100: 0.2% < 1.5%
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 100 + cfg.DecisionThresholds.BatteryUseMarginSEK*10
	}}
	tuner := NewThresholdTuner(sim, zerolog.Nop())
	start, end := window(t)

	changes, err := tuner.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestGridSearchHonorsConfiguredDailyCap(t *testing.T) {
	sim := &fakeSim{objective: func(cfg config.Tuning) float64 {
		return 50 + cfg.DecisionThresholds.BatteryUseMarginSEK*100
	}}
	tuner := NewThresholdTuner(sim, zerolog.Nop())
	start, end := window(t)

	cfg := config.DefaultTuning()
	cfg.Learning.MaxDailyParamChange = map[string]float64{
		"decision_thresholds.battery_use_margin_sek": 0.01,
	}

	changes, err := tuner.Propose(context.Background(), start, end, cfg)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.InDelta(t, 0.09, changes[0].NewValue, 1e-9)
}

func TestGridSearchSkipsWindowWithoutUsableDays(t *testing.T) {
	sim := &fakeSim{objective: func(config.Tuning) float64 { return math.Inf(1) }}
	tuner := NewThresholdTuner(sim, zerolog.Nop())
	start, end := window(t)

	changes, err := tuner.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	assert.Empty(t, changes)
	// Baseline only; no candidates were scored
	assert.Equal(t, 1, sim.calls)
}

func TestForecastCalibratorLowersPVConfidenceOnOverForecast(t *testing.T) {
	residuals := make([]slots.Residual, 40)
	for i := range residuals {
		residuals[i] = slots.Residual{ForecastKWh: 1.0, ActualKWh: 0.2}
	}
	store := &fakeSlotStore{residuals: map[string][]slots.Residual{"pv": residuals}}
	calibrator := NewForecastCalibrator(store, zerolog.Nop())
	start, end := window(t)

	changes, err := calibrator.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, config.ParamPVConfidencePercent, changes[0].Param)
	assert.InDelta(t, 89.0, changes[0].NewValue, 1e-9)
}

func TestForecastCalibratorRaisesLoadMarginOnUnderForecast(t *testing.T) {
	residuals := make([]slots.Residual, 40)
	for i := range residuals {
		residuals[i] = slots.Residual{ForecastKWh: 0.4, ActualKWh: 0.8}
	}
	store := &fakeSlotStore{residuals: map[string][]slots.Residual{"load": residuals}}
	calibrator := NewForecastCalibrator(store, zerolog.Nop())
	start, end := window(t)

	changes, err := calibrator.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, config.ParamLoadSafetyMarginPercent, changes[0].Param)
	assert.InDelta(t, 106.0, changes[0].NewValue, 1e-9)
}

func TestForecastCalibratorTooFewSamplesIsNoOp(t *testing.T) {
	residuals := make([]slots.Residual, 10)
	for i := range residuals {
		residuals[i] = slots.Residual{ForecastKWh: 1.0, ActualKWh: 0.0}
	}
	store := &fakeSlotStore{residuals: map[string][]slots.Residual{"pv": residuals}}
	calibrator := NewForecastCalibrator(store, zerolog.Nop())
	start, end := window(t)

	changes, err := calibrator.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	assert.Empty(t, changes)
}

// guardObservations builds export events optionally followed by a better
// import price within the lookahead.
func guardObservations(t *testing.T, events int, premature bool) []slots.Observation {
	t.Helper()
	base, err := time.Parse(time.RFC3339, "2026-08-04T08:00:00Z")
	require.NoError(t, err)

	var out []slots.Observation
	for i := 0; i < events; i++ {
		slotTime := base.Add(time.Duration(i) * 8 * time.Hour)
		out = append(out, slots.Observation{
			SlotStart:      slotTime,
			ExportKWh:      f64(1.0),
			ExportPriceSEK: f64(0.50),
			ImportPriceSEK: f64(0.60),
		})
		followPrice := 0.55
		if premature {
			followPrice = 1.50
		}
		out = append(out, slots.Observation{
			SlotStart:      slotTime.Add(2 * time.Hour),
			ImportPriceSEK: f64(followPrice),
		})
	}
	return out
}

func TestExportGuardTunerForcesIncreaseOnPrematureExports(t *testing.T) {
	store := &fakeSlotStore{observations: guardObservations(t, 6, true)}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	tuner := NewExportGuardTuner(sim, store, zerolog.Nop())
	start, end := window(t)

	changes, err := tuner.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, config.ParamGuardBufferSEK, changes[0].Param)
	assert.InDelta(t, 0.15, changes[0].NewValue, 1e-9)
	// Heuristic override, no simulation needed
	assert.Equal(t, 0, sim.calls)
}

func TestExportGuardTunerAllowsDecreaseWhenCleanAndBufferHigh(t *testing.T) {
	store := &fakeSlotStore{observations: guardObservations(t, 6, false)}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	tuner := NewExportGuardTuner(sim, store, zerolog.Nop())
	start, end := window(t)

	cfg := config.DefaultTuning()
	cfg.Arbitrage.FuturePriceGuardBufferSEK = 0.15

	changes, err := tuner.Propose(context.Background(), start, end, cfg)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.InDelta(t, 0.10, changes[0].NewValue, 1e-9)
}

func TestExportGuardTunerFallsBackToGridSearchWithFewEvents(t *testing.T) {
	store := &fakeSlotStore{observations: guardObservations(t, 2, true)}
	sim := &fakeSim{objective: func(config.Tuning) float64 { return 42 }}
	tuner := NewExportGuardTuner(sim, store, zerolog.Nop())
	start, end := window(t)

	changes, err := tuner.Propose(context.Background(), start, end, config.DefaultTuning())
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Greater(t, sim.calls, 0)
}
