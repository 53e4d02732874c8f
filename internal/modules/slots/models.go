// Package slots provides storage for quarter-hour energy slots: observed
// actuals, forecasts with their corrections, and captured plans.
package slots

import (
	"strings"
	"time"
)

// Quality records data-quality flags for an observed slot.
type Quality struct {
	Gaps   bool
	Resets bool
}

// Encode renders the flags in their stored form ("", "gaps", "resets",
// "gaps,resets").
func (q Quality) Encode() string {
	var parts []string
	if q.Gaps {
		parts = append(parts, "gaps")
	}
	if q.Resets {
		parts = append(parts, "resets")
	}
	return strings.Join(parts, ",")
}

// ParseQuality decodes a stored quality string.
func ParseQuality(s string) Quality {
	var q Quality
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "gaps":
			q.Gaps = true
		case "resets":
			q.Resets = true
		}
	}
	return q
}

// Observation is one observed 15-minute slot. Nil pointers mean the field was
// never reported; upserts only overwrite non-nil fields.
type Observation struct {
	SlotStart        time.Time
	PVKWh            *float64
	LoadKWh          *float64
	ImportKWh        *float64
	ExportKWh        *float64
	WaterKWh         *float64
	BattChargeKWh    *float64
	BattDischargeKWh *float64
	SocStartPercent  *float64
	SocEndPercent    *float64
	ImportPriceSEK   *float64
	ExportPriceSEK   *float64
	Quality          Quality
}

// Price carries price-only rows merged into observations.
type Price struct {
	SlotStart      time.Time
	ImportPriceSEK *float64
	ExportPriceSEK *float64
}

// Forecast is the base forecast for a slot plus the currently applied
// correction.
type Forecast struct {
	SlotStart         time.Time
	PVForecastKWh     *float64
	LoadForecastKWh   *float64
	PVCorrectionKWh   *float64
	LoadCorrectionKWh *float64
	CorrectionSource  *string
}

// PlanRow is one slot of a captured schedule.
type PlanRow struct {
	SlotStart        time.Time
	ChargeKWh        float64
	DischargeKWh     float64
	ExportKWh        float64
	WaterGridKWh     float64
	WaterPVKWh       float64
	SocTargetPercent *float64
}

// Residual pairs an observed actual with its base forecast for one slot.
type Residual struct {
	SlotStart   time.Time
	ActualKWh   float64
	ForecastKWh float64
}

// ArbitrageStats summarizes battery activity over a window.
type ArbitrageStats struct {
	TotalChargeKWh       float64
	TotalDischargeKWh    float64
	AvgChargePriceSEK    float64
	AvgDischargePriceSEK float64
}

// DailyCost is the realized net cost for one day.
type DailyCost struct {
	Day     string
	CostSEK float64
}

// QualityCounts summarizes quality events over a window.
type QualityCounts struct {
	Gaps   int
	Resets int
}
