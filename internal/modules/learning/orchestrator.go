package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/events"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// OrchestratorSlotStore is the slot repository surface the orchestrator needs
// on top of what the loops use.
type OrchestratorSlotStore interface {
	SlotStore
	GetForecasts(start, end time.Time) ([]slots.Forecast, error)
	GetPlans(start, end time.Time) ([]slots.PlanRow, error)
	DailyCosts(start, end time.Time) ([]slots.DailyCost, error)
}

// TuningProvider loads the current live configuration. The orchestrator
// re-reads it for every run so edits on disk take effect without a restart.
type TuningProvider func() (config.Tuning, error)

// Orchestrator drives the nightly learning run: it schedules the loops,
// applies caps, records the audit trail, and writes daily metrics. It never
// mutates the live configuration; accepted changes become history rows.
type Orchestrator struct {
	repo    *Repository
	metrics *MetricsRepository
	store   OrchestratorSlotStore
	sim     Simulator
	bus     *events.Bus
	tuning  TuningProvider
	log     zerolog.Logger

	// Now is injectable for tests
	Now func() time.Time
}

// NewOrchestrator creates a new learning orchestrator
func NewOrchestrator(
	repo *Repository,
	metrics *MetricsRepository,
	store OrchestratorSlotStore,
	sim Simulator,
	bus *events.Bus,
	tuning TuningProvider,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		metrics: metrics,
		store:   store,
		sim:     sim,
		bus:     bus,
		tuning:  tuning,
		log:     log.With().Str("service", "orchestrator").Logger(),
		Now:     time.Now,
	}
}

// runMetrics is the aggregated metrics payload stored on a completed run.
type runMetrics struct {
	WindowStart string            `json:"window_start"`
	WindowEnd   string            `json:"window_end"`
	LoopsRun    []string          `json:"loops_run"`
	LoopErrors  map[string]string `json:"loop_errors,omitempty"`
	Changes     []ProposedChange  `json:"changes"`
	Applied     bool              `json:"applied"`
	UsableDays  int               `json:"usable_days,omitempty"`
}

// Run executes one learning run. The run row is written first; any failure
// afterwards marks it failed with the error and returns that error.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (*Run, error) {
	now := o.Now().UTC()
	runID := uuid.NewString()

	if err := o.repo.StartRun(runID, trigger, now); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	o.emit(events.RunStarted, map[string]interface{}{"run_id": runID, "trigger": trigger})
	o.log.Info().Str("run_id", runID).Str("trigger", trigger).Msg("Learning run started")

	run, err := o.execute(ctx, runID, now)
	if err != nil {
		if failErr := o.repo.FailRun(runID, err.Error(), o.Now().UTC()); failErr != nil {
			o.log.Error().Err(failErr).Str("run_id", runID).Msg("Failed to record run failure")
		}
		o.emit(events.RunFailed, map[string]interface{}{"run_id": runID, "error": err.Error()})
		o.log.Error().Err(err).Str("run_id", runID).Msg("Learning run failed")
		return nil, err
	}

	o.emit(events.RunCompleted, map[string]interface{}{"run_id": runID})
	o.log.Info().Str("run_id", runID).Msg("Learning run completed")
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, now time.Time) (*Run, error) {
	cfg, err := o.tuning()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	windowDays := cfg.Learning.WindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	end := now.Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -windowDays)

	loops := o.selectLoops(now, cfg)

	metrics := runMetrics{
		WindowStart: start.Format("2006-01-02"),
		WindowEnd:   end.Format("2006-01-02"),
		Applied:     cfg.Learning.AutoApply,
	}

	var accepted []ProposedChange
	for _, loop := range loops {
		metrics.LoopsRun = append(metrics.LoopsRun, loop.Name())

		changes, err := loop.Propose(ctx, start, end, cfg)
		if err != nil {
			if metrics.LoopErrors == nil {
				metrics.LoopErrors = make(map[string]string)
			}
			metrics.LoopErrors[loop.Name()] = err.Error()
			o.log.Warn().Err(err).Str("loop", loop.Name()).Msg("Loop failed, continuing with remaining loops")
			continue
		}
		for _, change := range changes {
			capped, ok := applyCap(change, cfg)
			if !ok {
				continue
			}
			accepted = append(accepted, capped)
		}
	}
	metrics.Changes = accepted

	if cfg.Learning.AutoApply {
		for _, change := range accepted {
			applied, err := o.repo.RecordChange(runID, change, "learning", now)
			if err != nil {
				return nil, err
			}
			if !applied {
				o.log.Info().
					Str("param", change.Param.String()).
					Msg("Change skipped, parameter already adjusted today")
				continue
			}
			o.emit(events.ParamChanged, map[string]interface{}{
				"run_id":    runID,
				"param":     change.Param.String(),
				"old_value": change.OldValue,
				"new_value": change.NewValue,
			})
		}
	}

	if err := o.writeDailyMetrics(now, cfg, accepted); err != nil {
		return nil, err
	}

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run metrics: %w", err)
	}

	finishedAt := o.Now().UTC()
	if err := o.repo.CompleteRun(runID, string(metricsJSON), finishedAt); err != nil {
		return nil, err
	}

	return &Run{
		ID:         runID,
		StartedAt:  now,
		FinishedAt: &finishedAt,
		Status:     RunCompleted,
		Metrics:    string(metricsJSON),
	}, nil
}

// selectLoops picks the loops due on this date. The calibrator runs every
// night; the threshold tuner every other day; the expensive weekly tuners on
// Mondays.
func (o *Orchestrator) selectLoops(now time.Time, cfg config.Tuning) []Loop {
	loops := []Loop{NewForecastCalibrator(o.store, o.log)}

	if now.Day()%2 == 0 {
		loops = append(loops, NewThresholdTuner(o.sim, o.log))
	}
	if now.Weekday() == time.Monday {
		loops = append(loops,
			NewSIndexTuner(o.sim, o.log),
			NewExportGuardTuner(o.sim, o.store, o.log),
		)
	}
	return loops
}

// applyCap limits a change to the per-day cap and hard bounds. A change that
// collapses to nothing after capping is dropped.
func applyCap(change ProposedChange, cfg config.Tuning) (ProposedChange, bool) {
	limit := cfg.DailyCap(change.Param)
	delta := change.NewValue - change.OldValue
	if math.Abs(delta) > limit {
		if delta > 0 {
			change.NewValue = change.OldValue + limit
		} else {
			change.NewValue = change.OldValue - limit
		}
	}
	change.NewValue = change.Param.Clamp(change.NewValue)
	if change.NewValue == change.OldValue {
		return change, false
	}
	change.ParamPath = change.Param.String()
	return change, true
}

// writeDailyMetrics consolidates yesterday's forecast errors, corrections,
// realized cost, and plan deviation into one row.
func (o *Orchestrator) writeDailyMetrics(now time.Time, cfg config.Tuning, accepted []ProposedChange) error {
	dayEnd := now.Truncate(24 * time.Hour)
	dayStart := dayEnd.AddDate(0, 0, -1)

	m := DailyMetrics{Day: dayStart.Format("2006-01-02")}

	for _, kind := range []string{"pv", "load"} {
		residuals, err := o.store.ForecastResiduals(kind, dayStart, dayEnd)
		if err != nil {
			return fmt.Errorf("failed to load %s residuals for metrics: %w", kind, err)
		}
		if len(residuals) == 0 {
			continue
		}

		absErrors := make([]float64, len(residuals))
		hourSums := [24]float64{}
		hourCounts := [24]float64{}
		for i, r := range residuals {
			diff := r.ActualKWh - r.ForecastKWh
			absErrors[i] = math.Abs(diff)
			h := r.SlotStart.UTC().Hour()
			hourSums[h] += diff
			hourCounts[h]++
		}
		mae := stat.Mean(absErrors, nil)

		var hourly [24]float64
		for h := 0; h < 24; h++ {
			if hourCounts[h] > 0 {
				hourly[h] = hourSums[h] / hourCounts[h]
			}
		}

		if kind == "pv" {
			m.PVMAEKWh = &mae
			m.PVHourlyErrors = hourly
		} else {
			m.LoadMAEKWh = &mae
			m.LoadHourlyErrors = hourly
		}
	}

	m.PVHourlyAdjustments, m.LoadHourlyAdjustments = o.hourlyAdjustments(dayStart, dayEnd)

	costs, err := o.store.DailyCosts(dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("failed to load daily cost for metrics: %w", err)
	}
	if len(costs) > 0 {
		m.RealizedCostSEK = &costs[0].CostSEK
	}

	if deviation, ok, err := o.planDeviation(dayStart, dayEnd); err != nil {
		return err
	} else if ok {
		m.PlanDeviationKWh = &deviation
	}

	// Mirror the s-index base factor the system ended the day with
	base := cfg.SIndex.BaseFactor
	for _, change := range accepted {
		if change.Param == config.ParamSIndexBaseFactor {
			base = change.NewValue
		}
	}
	m.SIndexBaseFactor = &base

	return o.metrics.Upsert(m)
}

// hourlyAdjustments averages the applied forecast corrections per hour.
func (o *Orchestrator) hourlyAdjustments(start, end time.Time) (pv, load [24]float64) {
	forecasts, err := o.store.GetForecasts(start, end)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to load forecasts for adjustment metrics")
		return
	}

	var pvSums, loadSums, counts [24]float64
	for _, f := range forecasts {
		h := f.SlotStart.UTC().Hour()
		if f.PVCorrectionKWh != nil {
			pvSums[h] += *f.PVCorrectionKWh
		}
		if f.LoadCorrectionKWh != nil {
			loadSums[h] += *f.LoadCorrectionKWh
		}
		counts[h]++
	}
	for h := 0; h < 24; h++ {
		if counts[h] > 0 {
			pv[h] = pvSums[h] / counts[h]
			load[h] = loadSums[h] / counts[h]
		}
	}
	return
}

// planDeviation sums the absolute difference between planned and observed
// battery activity over the day.
func (o *Orchestrator) planDeviation(start, end time.Time) (float64, bool, error) {
	plans, err := o.store.GetPlans(start, end)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load plans for metrics: %w", err)
	}
	if len(plans) == 0 {
		return 0, false, nil
	}

	observations, err := o.store.GetObservations(start, end)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load observations for metrics: %w", err)
	}

	obsBySlot := make(map[time.Time]slots.Observation, len(observations))
	for _, obs := range observations {
		obsBySlot[obs.SlotStart.UTC()] = obs
	}

	deviation := 0.0
	matched := false
	for _, plan := range plans {
		obs, ok := obsBySlot[plan.SlotStart.UTC()]
		if !ok || obs.BattChargeKWh == nil || obs.BattDischargeKWh == nil {
			continue
		}
		matched = true
		deviation += math.Abs(plan.ChargeKWh-*obs.BattChargeKWh) +
			math.Abs(plan.DischargeKWh-*obs.BattDischargeKWh)
	}
	return deviation, matched, nil
}

func (o *Orchestrator) emit(eventType events.EventType, data map[string]interface{}) {
	if o.bus != nil {
		o.bus.Emit(eventType, "learning", data)
	}
}
