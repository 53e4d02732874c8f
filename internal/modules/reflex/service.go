// Package reflex implements small rule-based analyzers that nudge parameters
// from recent history alone. Every nudge is bounded, capped, and rate-limited
// to one change per parameter per day.
package reflex

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/events"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// Action distinguishes a proposed adjustment from a deliberate no-op.
type Action string

const (
	ActionNone   Action = "none"
	ActionAdjust Action = "adjust"
)

// Decision is the typed outcome of one analyzer. ActionNone with a reason is
// a normal result, not an error.
type Decision struct {
	Analyzer  string       `json:"analyzer"`
	Param     config.Param `json:"-"`
	ParamPath string       `json:"param,omitempty"`
	Action    Action       `json:"action"`
	OldValue  float64      `json:"old_value,omitempty"`
	NewValue  float64      `json:"new_value,omitempty"`
	Reason    string       `json:"reason"`
	Applied   bool         `json:"applied"`
}

// reflexLimit is the conservative bound/cap table the analyzers use. It is
// deliberately tighter than the registry bounds the grid loops get.
type reflexLimit struct {
	min, max, cap float64
}

var reflexLimits = map[config.Param]reflexLimit{
	config.ParamSIndexBaseFactor:    {min: 1.0, max: 1.30, cap: 0.02},
	config.ParamPVConfidencePercent: {min: 80, max: 100, cap: 1.0},
	config.ParamBatteryCycleCostKWh: {min: 0.05, max: 1.0, cap: 0.02},
	config.ParamBatteryCapacityKWh:  {min: 5, max: 100, cap: 0.5},
}

const (
	lowSocThresholdPercent = 5.0
	peakStartHour          = 16
	peakEndHour            = 20
	safetyIncreaseDays     = 30
	safetyDecreaseDays     = 60
	safetyMinEvents        = 3

	confidenceWindowDays = 14
	confidenceMinSamples = 100
	confidenceBiasKWh    = 0.5

	roiWindowDays  = 30
	roiMinDeltaSEK = 0.005

	capacityWindowDays = 30
	capacityMinSamples = 5
	capacityDriftRatio = 0.05
)

// Store is the slice of the slot repository the analyzers need.
type Store interface {
	CountLowSocDays(since time.Time, socBelow float64, startHour, endHour int) (int, error)
	CapacityEstimates(since time.Time) ([]float64, error)
	GetArbitrageStats(since time.Time) (*slots.ArbitrageStats, error)
	ForecastResiduals(kind string, since, until time.Time) ([]slots.Residual, error)
}

// Recorder persists accepted adjustments with per-day rate limiting.
type Recorder interface {
	RecordReflexChange(change learning.ProposedChange, at time.Time) (bool, error)
}

// Service runs the reflex analyzers.
type Service struct {
	store    Store
	recorder Recorder
	bus      *events.Bus
	log      zerolog.Logger

	// Now is injectable for tests
	Now func() time.Time
}

// NewService creates a new reflex service
func NewService(store Store, recorder Recorder, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		bus:      bus,
		log:      log.With().Str("service", "reflex").Logger(),
		Now:      time.Now,
	}
}

// Analyze runs every analyzer and returns their decisions without recording
// anything. This is the dry-run used by the report endpoint. An analyzer that
// fails yields a no-op decision carrying the error as its reason; the
// remaining analyzers still run.
func (s *Service) Analyze(cfg config.Tuning) ([]Decision, error) {
	now := s.Now().UTC()

	decisions := make([]Decision, 0, 4)
	analyzers := []func(time.Time, config.Tuning) (Decision, error){
		s.analyzeSafety,
		s.analyzeConfidence,
		s.analyzeROI,
		s.analyzeCapacity,
	}
	for _, analyze := range analyzers {
		decision, err := analyze(now, cfg)
		if err != nil {
			s.log.Warn().Err(err).Str("analyzer", decision.Analyzer).Msg("Analyzer failed, continuing with remaining analyzers")
			decision.Action = ActionNone
			decision.Reason = err.Error()
		}
		if decision.Param != config.ParamUnknown {
			decision.ParamPath = decision.Param.String()
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// Sweep analyzes and records every accepted adjustment, honoring the
// one-change-per-parameter-per-day limit.
func (s *Service) Sweep(cfg config.Tuning) ([]Decision, error) {
	decisions, err := s.Analyze(cfg)
	if err != nil {
		return nil, err
	}

	now := s.Now().UTC()
	for i := range decisions {
		if decisions[i].Action != ActionAdjust {
			continue
		}

		applied, err := s.recorder.RecordReflexChange(learning.ProposedChange{
			Param:    decisions[i].Param,
			OldValue: decisions[i].OldValue,
			NewValue: decisions[i].NewValue,
			Reason:   decisions[i].Reason,
		}, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record %s adjustment: %w", decisions[i].Analyzer, err)
		}
		decisions[i].Applied = applied

		if applied {
			s.log.Info().
				Str("analyzer", decisions[i].Analyzer).
				Str("param", decisions[i].Param.String()).
				Float64("old", decisions[i].OldValue).
				Float64("new", decisions[i].NewValue).
				Msg("Reflex adjustment recorded")
			if s.bus != nil {
				s.bus.Emit(events.ReflexAdjustment, "reflex", map[string]interface{}{
					"analyzer":  decisions[i].Analyzer,
					"param":     decisions[i].Param.String(),
					"old_value": decisions[i].OldValue,
					"new_value": decisions[i].NewValue,
				})
			}
		} else {
			s.log.Debug().
				Str("analyzer", decisions[i].Analyzer).
				Str("param", decisions[i].Param.String()).
				Msg("Reflex adjustment rate-limited")
		}
	}
	return decisions, nil
}

// analyzeSafety raises the storage base factor when the battery keeps running
// empty during the evening peak, and slowly relaxes it after a long clean
// stretch.
func (s *Service) analyzeSafety(now time.Time, cfg config.Tuning) (Decision, error) {
	d := Decision{Analyzer: "safety", Param: config.ParamSIndexBaseFactor, Action: ActionNone}
	limit := reflexLimits[config.ParamSIndexBaseFactor]
	current := cfg.SIndex.BaseFactor

	recent, err := s.store.CountLowSocDays(now.AddDate(0, 0, -safetyIncreaseDays),
		lowSocThresholdPercent, peakStartHour, peakEndHour)
	if err != nil {
		return d, fmt.Errorf("failed to count recent low-soc days: %w", err)
	}

	if recent >= safetyMinEvents {
		if current >= limit.max {
			d.Reason = fmt.Sprintf("%d low-soc peak days in %dd but base factor already at maximum %.2f",
				recent, safetyIncreaseDays, limit.max)
			return d, nil
		}
		d.Action = ActionAdjust
		d.OldValue = current
		d.NewValue = math.Min(limit.max, current+limit.cap)
		d.Reason = fmt.Sprintf("%d low-soc peak days in %dd", recent, safetyIncreaseDays)
		return d, nil
	}

	long, err := s.store.CountLowSocDays(now.AddDate(0, 0, -safetyDecreaseDays),
		lowSocThresholdPercent, peakStartHour, peakEndHour)
	if err != nil {
		return d, fmt.Errorf("failed to count long-window low-soc days: %w", err)
	}
	if long == 0 && current > limit.min {
		d.Action = ActionAdjust
		d.OldValue = current
		d.NewValue = math.Max(limit.min, current-limit.cap/2)
		d.Reason = fmt.Sprintf("no low-soc peak days in %dd", safetyDecreaseDays)
		return d, nil
	}

	d.Reason = fmt.Sprintf("%d low-soc peak days in %dd, within tolerance", recent, safetyIncreaseDays)
	return d, nil
}

// analyzeConfidence compares mean PV forecast bias against tight thresholds.
func (s *Service) analyzeConfidence(now time.Time, cfg config.Tuning) (Decision, error) {
	d := Decision{Analyzer: "confidence", Param: config.ParamPVConfidencePercent, Action: ActionNone}
	limit := reflexLimits[config.ParamPVConfidencePercent]
	current := cfg.Forecasting.PVConfidencePercent

	residuals, err := s.store.ForecastResiduals("pv", now.AddDate(0, 0, -confidenceWindowDays), now)
	if err != nil {
		return d, fmt.Errorf("failed to load pv residuals: %w", err)
	}
	if len(residuals) < confidenceMinSamples {
		d.Reason = fmt.Sprintf("only %d samples in %dd, need %d",
			len(residuals), confidenceWindowDays, confidenceMinSamples)
		return d, nil
	}

	biases := make([]float64, len(residuals))
	for i, r := range residuals {
		biases[i] = r.ForecastKWh - r.ActualKWh
	}
	bias := stat.Mean(biases, nil)

	switch {
	case bias > confidenceBiasKWh && current > limit.min:
		d.Action = ActionAdjust
		d.OldValue = current
		d.NewValue = math.Max(limit.min, current-limit.cap)
		d.Reason = fmt.Sprintf("pv forecast over-predicts by %.2f kWh/slot on average", bias)
	case bias < -confidenceBiasKWh && current < limit.max:
		d.Action = ActionAdjust
		d.OldValue = current
		d.NewValue = math.Min(limit.max, current+limit.cap)
		d.Reason = fmt.Sprintf("pv forecast under-predicts by %.2f kWh/slot on average", -bias)
	default:
		d.Reason = fmt.Sprintf("mean pv bias %.2f kWh within thresholds", bias)
	}
	return d, nil
}

// analyzeROI nudges the cycle cost toward the profit the battery actually
// realized per discharged kWh.
func (s *Service) analyzeROI(now time.Time, cfg config.Tuning) (Decision, error) {
	d := Decision{Analyzer: "roi", Param: config.ParamBatteryCycleCostKWh, Action: ActionNone}
	limit := reflexLimits[config.ParamBatteryCycleCostKWh]
	current := cfg.BatteryEconomics.BatteryCycleCostKWh

	stats, err := s.store.GetArbitrageStats(now.AddDate(0, 0, -roiWindowDays))
	if err != nil {
		return d, fmt.Errorf("failed to load arbitrage stats: %w", err)
	}

	if cfg.Battery.CapacityKWh <= 0 {
		d.Reason = "battery capacity not configured"
		return d, nil
	}
	cycles := stats.TotalDischargeKWh / cfg.Battery.CapacityKWh
	if cycles < cfg.Reflex.MinCycles {
		d.Reason = fmt.Sprintf("only %.1f cycles in %dd, need %.0f", cycles, roiWindowDays, cfg.Reflex.MinCycles)
		return d, nil
	}

	observedProfit := stats.AvgDischargePriceSEK - stats.AvgChargePriceSEK
	if observedProfit <= 0 {
		d.Reason = "no observed arbitrage profit"
		return d, nil
	}

	delta := observedProfit - current
	if math.Abs(delta) < roiMinDeltaSEK {
		d.Reason = fmt.Sprintf("cycle cost %.3f already matches observed profit %.3f", current, observedProfit)
		return d, nil
	}
	delta = math.Max(-limit.cap, math.Min(limit.cap, delta))

	d.Action = ActionAdjust
	d.OldValue = current
	d.NewValue = math.Max(limit.min, math.Min(limit.max, current+delta))
	d.Reason = fmt.Sprintf("observed profit %.3f SEK/kWh over %.1f cycles", observedProfit, cycles)
	return d, nil
}

// analyzeCapacity compares the median measured capacity against the
// configured nameplate.
func (s *Service) analyzeCapacity(now time.Time, cfg config.Tuning) (Decision, error) {
	d := Decision{Analyzer: "capacity", Param: config.ParamBatteryCapacityKWh, Action: ActionNone}
	limit := reflexLimits[config.ParamBatteryCapacityKWh]
	current := cfg.Battery.CapacityKWh

	estimates, err := s.store.CapacityEstimates(now.AddDate(0, 0, -capacityWindowDays))
	if err != nil {
		return d, fmt.Errorf("failed to load capacity estimates: %w", err)
	}
	if len(estimates) < capacityMinSamples {
		d.Reason = fmt.Sprintf("only %d capacity estimates, need %d", len(estimates), capacityMinSamples)
		return d, nil
	}

	sort.Float64s(estimates)
	median := stat.Quantile(0.5, stat.Empirical, estimates, nil)

	if current <= 0 {
		d.Reason = "battery capacity not configured"
		return d, nil
	}
	drift := (median - current) / current
	if math.Abs(drift) <= capacityDriftRatio {
		d.Reason = fmt.Sprintf("median estimate %.1f kWh within %.0f%% of nameplate %.1f",
			median, capacityDriftRatio*100, current)
		return d, nil
	}

	step := math.Max(-limit.cap, math.Min(limit.cap, median-current))
	d.Action = ActionAdjust
	d.OldValue = current
	d.NewValue = math.Max(limit.min, math.Min(limit.max, current+step))
	d.Reason = fmt.Sprintf("median estimate %.1f kWh deviates %.0f%% from nameplate %.1f",
		median, drift*100, current)
	return d, nil
}
