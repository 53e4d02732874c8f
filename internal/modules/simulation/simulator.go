package simulation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// SlotReader is the slice of the slot repository the simulator needs.
type SlotReader interface {
	GetObservations(start, end time.Time) ([]slots.Observation, error)
}

// Simulator deterministically replays stored days through the planner.
// Identical inputs always produce identical objectives, so two candidate
// parameter sets can be compared by their scores alone.
type Simulator struct {
	store   SlotReader
	planner Planner
	log     zerolog.Logger
}

// NewSimulator creates a new simulator
func NewSimulator(store SlotReader, planner Planner, log zerolog.Logger) *Simulator {
	return &Simulator{
		store:   store,
		planner: planner,
		log:     log.With().Str("service", "simulator").Logger(),
	}
}

// Simulate replays every day in [start, end) with the given configuration.
// Days with too little data, or days the planner fails on, are skipped. If no
// day in the window is usable the objective is +Inf so any usable candidate
// beats it.
func (s *Simulator) Simulate(ctx context.Context, start, end time.Time, cfg config.Tuning) (*Result, error) {
	observations, err := s.store.GetObservations(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations: %w", err)
	}

	days := groupByDay(observations)

	result := &Result{}
	for _, snapshot := range days {
		if !usable(snapshot) {
			result.SkippedDays++
			s.log.Debug().
				Str("day", snapshot.Day.Format("2006-01-02")).
				Int("slots", len(snapshot.Slots)).
				Msg("Skipping day with insufficient data")
			continue
		}

		rows, err := s.planner.RegenerateSchedule(ctx, snapshot, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.SkippedDays++
			s.log.Warn().Err(err).
				Str("day", snapshot.Day.Format("2006-01-02")).
				Msg("Planner failed for day, skipping")
			continue
		}

		dayResult := scoreDay(snapshot, rows, cfg)
		result.Days = append(result.Days, dayResult)
		result.UsableDays++
	}

	if result.UsableDays == 0 {
		result.Objective = math.Inf(1)
		return result, nil
	}

	for _, day := range result.Days {
		result.Objective += day.Objective()
	}

	return result, nil
}

// groupByDay splits observations into per-day snapshots, ordered by day.
func groupByDay(observations []slots.Observation) []DaySnapshot {
	var days []DaySnapshot
	var current *DaySnapshot
	for _, o := range observations {
		day := o.SlotStart.UTC().Truncate(24 * time.Hour)
		if current == nil || !current.Day.Equal(day) {
			days = append(days, DaySnapshot{Day: day})
			current = &days[len(days)-1]
		}
		current.Slots = append(current.Slots, o)
	}
	return days
}

// usable reports whether a day has enough data to replay: most of its slots
// present, with load and import prices to cost them.
func usable(snapshot DaySnapshot) bool {
	if len(snapshot.Slots) < minUsableSlots {
		return false
	}
	priced, loads := 0, 0
	for _, o := range snapshot.Slots {
		if o.ImportPriceSEK != nil {
			priced++
		}
		if o.LoadKWh != nil {
			loads++
		}
	}
	return priced >= minUsableSlots && loads >= minUsableSlots
}

// scoreDay walks the planned schedule against the day's actuals and
// accumulates cost, revenue, wear, SoC breaches, and unmet water demand.
func scoreDay(snapshot DaySnapshot, rows []slots.PlanRow, cfg config.Tuning) DayResult {
	result := DayResult{Day: snapshot.Day}

	planBySlot := make(map[time.Time]slots.PlanRow, len(rows))
	for _, row := range rows {
		planBySlot[row.SlotStart.UTC()] = row
	}

	soc := startingSoc(snapshot)
	waterDelivered := 0.0

	for _, o := range snapshot.Slots {
		plan := planBySlot[o.SlotStart.UTC()]

		load := deref(o.LoadKWh)
		pv := deref(o.PVKWh)
		importPrice := deref(o.ImportPriceSEK)
		exportPrice := importPrice
		if o.ExportPriceSEK != nil {
			exportPrice = *o.ExportPriceSEK
		}

		imported := load + plan.WaterGridKWh + plan.ChargeKWh - pv - plan.DischargeKWh - plan.WaterPVKWh
		if imported < 0 {
			imported = 0
		}

		result.CostSEK += imported * importPrice
		result.RevenueSEK += plan.ExportKWh * exportPrice
		result.WearSEK += (plan.ChargeKWh + plan.DischargeKWh) * cfg.BatteryEconomics.BatteryCycleCostKWh
		waterDelivered += plan.WaterGridKWh + plan.WaterPVKWh

		if cfg.Battery.CapacityKWh > 0 {
			soc += (plan.ChargeKWh - plan.DischargeKWh) / cfg.Battery.CapacityKWh * 100
			if soc > 100 {
				soc = 100
			}
			if soc < cfg.Battery.MinSocPercent {
				result.Breaches++
			}
		}
	}

	if unmet := cfg.Water.DailyDemandKWh - waterDelivered; unmet > 0 {
		result.UnmetWaterKWh = unmet
	}

	return result
}

func startingSoc(snapshot DaySnapshot) float64 {
	for _, o := range snapshot.Slots {
		if o.SocStartPercent != nil {
			return *o.SocStartPercent
		}
	}
	return 50
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
