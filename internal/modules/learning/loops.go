package learning

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/simulation"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// Simulator scores a parameter set over a window.
type Simulator interface {
	Simulate(ctx context.Context, start, end time.Time, cfg config.Tuning) (*simulation.Result, error)
}

// SlotStore is the slice of the slot repository the loops need.
type SlotStore interface {
	ForecastResiduals(kind string, since, until time.Time) ([]slots.Residual, error)
	GetObservations(start, end time.Time) ([]slots.Observation, error)
}

// Loop proposes parameter adjustments for a window. A loop returns only the
// changes it has itself accepted; an empty slice is a normal no-op.
type Loop interface {
	Name() string
	Propose(ctx context.Context, start, end time.Time, cfg config.Tuning) ([]ProposedChange, error)
}

// gridSearch evaluates the baseline plus a +/-delta neighborhood over the
// given parameters and returns the accepted changes, if any. Steps are
// limited to the per-day cap, candidates to the hard bounds. The baseline
// must be beatable by at least minImprovement (relative) to accept.
func gridSearch(
	ctx context.Context,
	sim Simulator,
	start, end time.Time,
	cfg config.Tuning,
	params []config.Param,
	delta float64,
	log zerolog.Logger,
) ([]ProposedChange, error) {
	baseline, err := sim.Simulate(ctx, start, end, cfg)
	if err != nil {
		return nil, fmt.Errorf("baseline simulation failed: %w", err)
	}
	if math.IsInf(baseline.Objective, 1) {
		log.Info().Msg("No usable days in window, skipping grid search")
		return nil, nil
	}

	steps := make([]float64, len(params))
	for i, p := range params {
		steps[i] = math.Min(delta, cfg.DailyCap(p))
	}

	offsets := []float64{-1, 0, 1}
	combo := make([]int, len(params))

	// Ties go to the candidate touching fewer parameters; the baseline wins
	// all ties, so a flat objective never drifts.
	const tieEps = 1e-9
	bestObjective := baseline.Objective
	bestChanged := 0
	var bestValues []float64

	var walk func(idx int) error
	walk = func(idx int) error {
		if idx == len(params) {
			changed := 0
			values := make([]float64, len(params))
			candidate := cfg
			for i, p := range params {
				offset := offsets[combo[i]] * steps[i]
				values[i] = p.Clamp(cfg.Value(p) + offset)
				if values[i] != cfg.Value(p) {
					changed++
				}
				candidate = candidate.WithOverride(p, values[i])
			}
			if changed == 0 {
				return nil
			}

			result, err := sim.Simulate(ctx, start, end, candidate)
			if err != nil {
				return fmt.Errorf("candidate simulation failed: %w", err)
			}
			if result.Objective < bestObjective-tieEps ||
				(math.Abs(result.Objective-bestObjective) <= tieEps && changed < bestChanged) {
				bestObjective = result.Objective
				bestChanged = changed
				bestValues = values
			}
			return nil
		}
		for i := range offsets {
			combo[idx] = i
			if err := walk(idx + 1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0); err != nil {
		return nil, err
	}

	if bestValues == nil {
		return nil, nil
	}

	denom := math.Abs(baseline.Objective)
	if denom == 0 {
		denom = 1
	}
	improvement := (baseline.Objective - bestObjective) / denom
	if improvement < cfg.Learning.MinImprovementThreshold {
		log.Debug().
			Float64("improvement", improvement).
			Float64("threshold", cfg.Learning.MinImprovementThreshold).
			Msg("Best candidate below improvement threshold, keeping baseline")
		return nil, nil
	}

	var changes []ProposedChange
	for i, p := range params {
		if bestValues[i] == cfg.Value(p) {
			continue
		}
		changes = append(changes, ProposedChange{
			Param:       p,
			ParamPath:   p.String(),
			OldValue:    cfg.Value(p),
			NewValue:    bestValues[i],
			Improvement: improvement,
			Reason:      fmt.Sprintf("grid search improved objective by %.1f%%", improvement*100),
		})
	}
	return changes, nil
}

// ForecastCalibrator nudges PV confidence and the load safety margin from
// forecast-vs-actual statistics alone. No simulation is involved.
type ForecastCalibrator struct {
	store SlotStore
	log   zerolog.Logger
}

// NewForecastCalibrator creates a new forecast calibrator loop
func NewForecastCalibrator(store SlotStore, log zerolog.Logger) *ForecastCalibrator {
	return &ForecastCalibrator{
		store: store,
		log:   log.With().Str("loop", "forecast_calibrator").Logger(),
	}
}

const (
	calibratorMinSamples = 36
	calibratorStep       = 1.0
	// Residual magnitude below this is noise, not a miss
	calibratorHysteresisKWh = 0.05

	pvOverForecastHighBand = 0.30
	pvOverForecastLowBand  = 0.10
	pvConfidenceFloor      = 75.0
	pvConfidenceCeil       = 98.0

	loadUnderForecastHighBand = 0.20
	loadUnderForecastLowBand  = 0.05
	loadMarginFloor           = 100.0
	loadMarginCeil            = 118.0
)

// Name implements Loop.
func (c *ForecastCalibrator) Name() string { return "forecast_calibrator" }

// Propose implements Loop.
func (c *ForecastCalibrator) Propose(_ context.Context, start, end time.Time, cfg config.Tuning) ([]ProposedChange, error) {
	var changes []ProposedChange

	pv, err := c.store.ForecastResiduals("pv", start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load pv residuals: %w", err)
	}
	if change := c.calibratePV(pv, cfg); change != nil {
		changes = append(changes, *change)
	}

	load, err := c.store.ForecastResiduals("load", start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load load residuals: %w", err)
	}
	if change := c.calibrateLoad(load, cfg); change != nil {
		changes = append(changes, *change)
	}

	return changes, nil
}

func (c *ForecastCalibrator) calibratePV(residuals []slots.Residual, cfg config.Tuning) *ProposedChange {
	// Only daylight slots where the forecast promised something
	over, total := 0, 0
	for _, r := range residuals {
		if r.ForecastKWh <= 0.1 {
			continue
		}
		total++
		if r.ForecastKWh-r.ActualKWh > calibratorHysteresisKWh {
			over++
		}
	}
	if total < calibratorMinSamples {
		c.log.Debug().Int("samples", total).Msg("Too few pv samples to calibrate")
		return nil
	}

	rate := float64(over) / float64(total)
	current := cfg.Forecasting.PVConfidencePercent

	var target float64
	switch {
	case rate > pvOverForecastHighBand:
		// PV keeps under-delivering, trust it less
		target = current - calibratorStep
	case rate < pvOverForecastLowBand:
		target = current + calibratorStep
	default:
		return nil
	}
	target = math.Max(pvConfidenceFloor, math.Min(pvConfidenceCeil, target))
	if target == current {
		return nil
	}

	return &ProposedChange{
		Param:       config.ParamPVConfidencePercent,
		ParamPath:   config.ParamPVConfidencePercent.String(),
		OldValue:    current,
		NewValue:    target,
		Improvement: math.Abs(rate - pvOverForecastHighBand),
		Reason:      fmt.Sprintf("pv over-forecast rate %.0f%% over %d samples", rate*100, total),
	}
}

func (c *ForecastCalibrator) calibrateLoad(residuals []slots.Residual, cfg config.Tuning) *ProposedChange {
	under, total := 0, 0
	for _, r := range residuals {
		total++
		if r.ActualKWh-r.ForecastKWh > calibratorHysteresisKWh {
			under++
		}
	}
	if total < calibratorMinSamples {
		c.log.Debug().Int("samples", total).Msg("Too few load samples to calibrate")
		return nil
	}

	rate := float64(under) / float64(total)
	current := cfg.Forecasting.LoadSafetyMarginPercent

	var target float64
	switch {
	case rate > loadUnderForecastHighBand:
		// Load keeps exceeding the forecast, widen the margin
		target = current + calibratorStep
	case rate < loadUnderForecastLowBand:
		target = current - calibratorStep
	default:
		return nil
	}
	target = math.Max(loadMarginFloor, math.Min(loadMarginCeil, target))
	if target == current {
		return nil
	}

	return &ProposedChange{
		Param:       config.ParamLoadSafetyMarginPercent,
		ParamPath:   config.ParamLoadSafetyMarginPercent.String(),
		OldValue:    current,
		NewValue:    target,
		Improvement: math.Abs(rate - loadUnderForecastHighBand),
		Reason:      fmt.Sprintf("load under-forecast rate %.0f%% over %d samples", rate*100, total),
	}
}

// ThresholdTuner grid-searches the battery use and export profit margins.
type ThresholdTuner struct {
	sim Simulator
	log zerolog.Logger
}

// NewThresholdTuner creates a new threshold tuner loop
func NewThresholdTuner(sim Simulator, log zerolog.Logger) *ThresholdTuner {
	return &ThresholdTuner{
		sim: sim,
		log: log.With().Str("loop", "threshold_tuner").Logger(),
	}
}

// Name implements Loop.
func (t *ThresholdTuner) Name() string { return "threshold_tuner" }

// Propose implements Loop.
func (t *ThresholdTuner) Propose(ctx context.Context, start, end time.Time, cfg config.Tuning) ([]ProposedChange, error) {
	return gridSearch(ctx, t.sim, start, end, cfg,
		[]config.Param{config.ParamBatteryUseMarginSEK, config.ParamExportProfitMarginSEK},
		0.02, t.log)
}

// SIndexTuner grid-searches the storage aggressiveness factors.
type SIndexTuner struct {
	sim Simulator
	log zerolog.Logger
}

// NewSIndexTuner creates a new s-index tuner loop
func NewSIndexTuner(sim Simulator, log zerolog.Logger) *SIndexTuner {
	return &SIndexTuner{
		sim: sim,
		log: log.With().Str("loop", "s_index_tuner").Logger(),
	}
}

// Name implements Loop.
func (t *SIndexTuner) Name() string { return "s_index_tuner" }

// Propose implements Loop.
func (t *SIndexTuner) Propose(ctx context.Context, start, end time.Time, cfg config.Tuning) ([]ProposedChange, error) {
	changes, err := gridSearch(ctx, t.sim, start, end, cfg,
		[]config.Param{
			config.ParamSIndexBaseFactor,
			config.ParamSIndexPVDeficitWeight,
			config.ParamSIndexTempWeight,
		},
		0.05, t.log)
	if err != nil {
		return nil, err
	}

	// The configured max factor is a tighter ceiling than the registry bound
	for i := range changes {
		if changes[i].Param == config.ParamSIndexBaseFactor && changes[i].NewValue > cfg.SIndex.MaxFactor {
			changes[i].NewValue = cfg.SIndex.MaxFactor
		}
	}
	return changes, nil
}

// ExportGuardTuner tunes the future-price guard buffer. A strong premature-
// export signal overrides the grid search in either direction.
type ExportGuardTuner struct {
	sim   Simulator
	store SlotStore
	log   zerolog.Logger
}

// NewExportGuardTuner creates a new export guard tuner loop
func NewExportGuardTuner(sim Simulator, store SlotStore, log zerolog.Logger) *ExportGuardTuner {
	return &ExportGuardTuner{
		sim:   sim,
		store: store,
		log:   log.With().Str("loop", "export_guard_tuner").Logger(),
	}
}

const (
	guardStep             = 0.05
	guardLookahead        = 6 * time.Hour
	guardMinExportEvents  = 5
	guardForceUpRate      = 0.30
	guardAllowDownRate    = 0.10
	guardForceUpMaxBuffer = 0.20
	guardDownMinBuffer    = 0.10
)

// Name implements Loop.
func (t *ExportGuardTuner) Name() string { return "export_guard_tuner" }

// Propose implements Loop.
func (t *ExportGuardTuner) Propose(ctx context.Context, start, end time.Time, cfg config.Tuning) ([]ProposedChange, error) {
	buffer := cfg.Arbitrage.FuturePriceGuardBufferSEK

	rate, events, err := t.prematureRate(start, end, buffer)
	if err != nil {
		return nil, err
	}

	if events >= guardMinExportEvents {
		if rate > guardForceUpRate && buffer < guardForceUpMaxBuffer {
			// Exports keep happening right before better prices; raise the
			// guard regardless of what the grid search thinks
			return []ProposedChange{{
				Param:       config.ParamGuardBufferSEK,
				ParamPath:   config.ParamGuardBufferSEK.String(),
				OldValue:    buffer,
				NewValue:    config.ParamGuardBufferSEK.Clamp(buffer + guardStep),
				Improvement: 0.02,
				Reason:      fmt.Sprintf("premature export rate %.0f%% across %d exports", rate*100, events),
			}}, nil
		}
		if rate < guardAllowDownRate && buffer > guardDownMinBuffer {
			return []ProposedChange{{
				Param:       config.ParamGuardBufferSEK,
				ParamPath:   config.ParamGuardBufferSEK.String(),
				OldValue:    buffer,
				NewValue:    config.ParamGuardBufferSEK.Clamp(buffer - guardStep),
				Improvement: 0.01,
				Reason:      fmt.Sprintf("premature export rate %.0f%% across %d exports", rate*100, events),
			}}, nil
		}
	}

	return gridSearch(ctx, t.sim, start, end, cfg,
		[]config.Param{config.ParamGuardBufferSEK}, guardStep, t.log)
}

// prematureRate measures how often an export was followed within six hours
// by an import price enough above the export price to have made waiting
// worthwhile.
func (t *ExportGuardTuner) prematureRate(start, end time.Time, buffer float64) (float64, int, error) {
	observations, err := t.store.GetObservations(start, end)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load observations: %w", err)
	}

	margin := math.Max(buffer, 0.05)
	premature, events := 0, 0

	for i, o := range observations {
		if o.ExportKWh == nil || *o.ExportKWh <= 0.1 {
			continue
		}
		exportPrice := 0.0
		if o.ExportPriceSEK != nil {
			exportPrice = *o.ExportPriceSEK
		} else if o.ImportPriceSEK != nil {
			exportPrice = *o.ImportPriceSEK
		}
		events++

		horizon := o.SlotStart.Add(guardLookahead)
		for j := i + 1; j < len(observations); j++ {
			next := observations[j]
			if next.SlotStart.After(horizon) {
				break
			}
			if next.ImportPriceSEK != nil && *next.ImportPriceSEK > exportPrice+margin {
				premature++
				break
			}
		}
	}

	if events == 0 {
		return 0, 0, nil
	}
	return float64(premature) / float64(events), events, nil
}
