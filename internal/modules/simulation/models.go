// Package simulation replays historical days through the external planner
// with candidate parameter sets and reduces the outcome to a single
// comparable objective.
package simulation

import (
	"time"

	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// DaySnapshot is the replay input for one historical day.
type DaySnapshot struct {
	Day   time.Time
	Slots []slots.Observation
}

// DayResult is the scored outcome of replaying one day.
type DayResult struct {
	Day           time.Time `json:"day"`
	CostSEK       float64   `json:"cost_sek"`
	RevenueSEK    float64   `json:"revenue_sek"`
	WearSEK       float64   `json:"wear_sek"`
	Breaches      int       `json:"breaches"`
	UnmetWaterKWh float64   `json:"unmet_water_kwh"`
}

// Objective reduces a day result to its scalar contribution.
func (d DayResult) Objective() float64 {
	return d.CostSEK - d.RevenueSEK + d.WearSEK +
		float64(d.Breaches)*breachPenaltySEK +
		d.UnmetWaterKWh*unmetWaterPenaltySEK
}

// Result is the outcome of a full simulation window.
type Result struct {
	Objective   float64     `json:"objective"`
	UsableDays  int         `json:"usable_days"`
	SkippedDays int         `json:"skipped_days"`
	Days        []DayResult `json:"days"`
}

const (
	breachPenaltySEK     = 10.0
	unmetWaterPenaltySEK = 5.0

	// A day needs most of its 96 slots to be worth replaying
	minUsableSlots = 80
)
