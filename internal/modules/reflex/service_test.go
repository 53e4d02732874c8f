package reflex

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

type fakeStore struct {
	recentLowDays int
	longLowDays   int
	estimates     []float64
	stats         slots.ArbitrageStats
	residuals     []slots.Residual

	now time.Time
}

func (f *fakeStore) CountLowSocDays(since time.Time, _ float64, _, _ int) (int, error) {
	// The safety analyzer asks for a 30d and a 60d window
	if f.now.Sub(since) < 45*24*time.Hour {
		return f.recentLowDays, nil
	}
	return f.longLowDays, nil
}

func (f *fakeStore) CapacityEstimates(_ time.Time) ([]float64, error) {
	return f.estimates, nil
}

func (f *fakeStore) GetArbitrageStats(_ time.Time) (*slots.ArbitrageStats, error) {
	stats := f.stats
	return &stats, nil
}

func (f *fakeStore) ForecastResiduals(_ string, _, _ time.Time) ([]slots.Residual, error) {
	return f.residuals, nil
}

type fakeRecorder struct {
	changes []learning.ProposedChange
	refuse  bool
}

func (f *fakeRecorder) RecordReflexChange(change learning.ProposedChange, _ time.Time) (bool, error) {
	if f.refuse {
		return false, nil
	}
	f.changes = append(f.changes, change)
	return true, nil
}

func newService(t *testing.T, store *fakeStore, recorder *fakeRecorder) *Service {
	t.Helper()

	now, err := time.Parse(time.RFC3339, "2026-08-05T03:00:00Z")
	require.NoError(t, err)
	store.now = now

	s := NewService(store, recorder, nil, zerolog.Nop())
	s.Now = func() time.Time { return now }
	return s
}

func decisionFor(t *testing.T, decisions []Decision, analyzer string) Decision {
	t.Helper()
	for _, d := range decisions {
		if d.Analyzer == analyzer {
			return d
		}
	}
	t.Fatalf("no decision from analyzer %q", analyzer)
	return Decision{}
}

func TestSafetyRaisesBaseFactorOnRepeatedLowSoc(t *testing.T) {
	store := &fakeStore{recentLowDays: 3}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "safety")
	assert.Equal(t, ActionAdjust, d.Action)
	assert.InDelta(t, 1.10, d.OldValue, 1e-9)
	assert.InDelta(t, 1.12, d.NewValue, 1e-9)
}

func TestSafetyLowersBaseFactorAfterCleanStretch(t *testing.T) {
	store := &fakeStore{recentLowDays: 0, longLowDays: 0}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "safety")
	assert.Equal(t, ActionAdjust, d.Action)
	// Relaxation moves at half the cap
	assert.InDelta(t, 1.09, d.NewValue, 1e-9)
}

func TestSafetyNoOpAtMaximum(t *testing.T) {
	store := &fakeStore{recentLowDays: 5}
	svc := newService(t, store, &fakeRecorder{})

	cfg := config.DefaultTuning()
	cfg.SIndex.BaseFactor = 1.30

	decisions, err := svc.Analyze(cfg)
	require.NoError(t, err)

	d := decisionFor(t, decisions, "safety")
	assert.Equal(t, ActionNone, d.Action)
	assert.Contains(t, d.Reason, "maximum")
}

func TestSafetyWithinToleranceIsNoOp(t *testing.T) {
	store := &fakeStore{recentLowDays: 1, longLowDays: 2}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "safety")
	assert.Equal(t, ActionNone, d.Action)
}

func TestConfidenceLowersOnOverPrediction(t *testing.T) {
	residuals := make([]slots.Residual, 120)
	for i := range residuals {
		residuals[i] = slots.Residual{ForecastKWh: 1.0, ActualKWh: 0.2}
	}
	store := &fakeStore{residuals: residuals}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "confidence")
	assert.Equal(t, ActionAdjust, d.Action)
	assert.Equal(t, config.ParamPVConfidencePercent, d.Param)
	assert.InDelta(t, 89.0, d.NewValue, 1e-9)
}

func TestConfidenceTooFewSamplesIsNoOp(t *testing.T) {
	residuals := make([]slots.Residual, 50)
	for i := range residuals {
		residuals[i] = slots.Residual{ForecastKWh: 1.0, ActualKWh: 0.0}
	}
	store := &fakeStore{residuals: residuals}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, decisionFor(t, decisions, "confidence").Action)
}

func TestROINudgesCycleCostTowardObservedProfit(t *testing.T) {
	// 250 kWh discharged on a 20 kWh battery is 12.5 cycles
	store := &fakeStore{stats: slots.ArbitrageStats{
		TotalDischargeKWh:    250,
		AvgChargePriceSEK:    0.50,
		AvgDischargePriceSEK: 1.00,
	}}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "roi")
	assert.Equal(t, ActionAdjust, d.Action)
	// Observed profit 0.50 vs cycle cost 0.25, movement capped at 0.02
	assert.InDelta(t, 0.27, d.NewValue, 1e-9)
}

func TestROITooFewCyclesIsNoOp(t *testing.T) {
	store := &fakeStore{stats: slots.ArbitrageStats{
		TotalDischargeKWh:    100,
		AvgChargePriceSEK:    0.50,
		AvgDischargePriceSEK: 1.00,
	}}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, decisionFor(t, decisions, "roi").Action)
}

func TestCapacityNudgesTowardMedianEstimate(t *testing.T) {
	store := &fakeStore{estimates: []float64{17.8, 17.9, 18.0, 18.1, 18.2}}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "capacity")
	assert.Equal(t, ActionAdjust, d.Action)
	// Median 18.0 is 10% below nameplate 20, movement capped at 0.5
	assert.InDelta(t, 19.5, d.NewValue, 1e-9)
}

func TestCapacityWithinToleranceIsNoOp(t *testing.T) {
	store := &fakeStore{estimates: []float64{19.7, 19.8, 19.9, 20.0, 20.1}}
	svc := newService(t, store, &fakeRecorder{})

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, decisionFor(t, decisions, "capacity").Action)
}

// brokenStatsStore fails the arbitrage read the roi analyzer depends on.
type brokenStatsStore struct {
	fakeStore
}

func (f *brokenStatsStore) GetArbitrageStats(_ time.Time) (*slots.ArbitrageStats, error) {
	return nil, errors.New("history db locked")
}

func TestAnalyzeContinuesPastFailingAnalyzer(t *testing.T) {
	store := &brokenStatsStore{fakeStore: fakeStore{recentLowDays: 3}}
	svc := NewService(store, &fakeRecorder{}, nil, zerolog.Nop())
	now, err := time.Parse(time.RFC3339, "2026-08-05T03:00:00Z")
	require.NoError(t, err)
	store.now = now
	svc.Now = func() time.Time { return now }

	decisions, err := svc.Analyze(config.DefaultTuning())
	require.NoError(t, err)
	require.Len(t, decisions, 4)

	// The failing analyzer yields a no-op carrying the error
	roi := decisionFor(t, decisions, "roi")
	assert.Equal(t, ActionNone, roi.Action)
	assert.Contains(t, roi.Reason, "history db locked")

	// The others still ran
	assert.Equal(t, ActionAdjust, decisionFor(t, decisions, "safety").Action)
}

func TestSweepRecordsAcceptedAdjustments(t *testing.T) {
	store := &fakeStore{recentLowDays: 4}
	recorder := &fakeRecorder{}
	svc := newService(t, store, recorder)

	decisions, err := svc.Sweep(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "safety")
	assert.True(t, d.Applied)
	require.Len(t, recorder.changes, 1)
	assert.Equal(t, config.ParamSIndexBaseFactor, recorder.changes[0].Param)
	assert.InDelta(t, 1.12, recorder.changes[0].NewValue, 1e-9)
}

func TestSweepMarksRateLimitedAdjustments(t *testing.T) {
	store := &fakeStore{recentLowDays: 4}
	recorder := &fakeRecorder{refuse: true}
	svc := newService(t, store, recorder)

	decisions, err := svc.Sweep(config.DefaultTuning())
	require.NoError(t, err)

	d := decisionFor(t, decisions, "safety")
	assert.Equal(t, ActionAdjust, d.Action)
	assert.False(t, d.Applied)
	assert.Empty(t, recorder.changes)
}
