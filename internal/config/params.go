package config

import "fmt"

// Param identifies a tunable parameter. The set is closed: learning loops,
// reflex analyzers, and the parameter history all speak in terms of these
// values, never free-form strings.
type Param int

const (
	ParamUnknown Param = iota
	ParamPVConfidencePercent
	ParamLoadSafetyMarginPercent
	ParamBatteryUseMarginSEK
	ParamExportProfitMarginSEK
	ParamSIndexBaseFactor
	ParamSIndexPVDeficitWeight
	ParamSIndexTempWeight
	ParamGuardBufferSEK
	ParamBatteryCapacityKWh
	ParamBatteryCycleCostKWh
)

// paramInfo carries the display path, hard bounds, and the default per-day
// change cap for a parameter.
type paramInfo struct {
	path     string
	min      float64
	max      float64
	dailyCap float64
}

var paramTable = map[Param]paramInfo{
	ParamPVConfidencePercent:     {"forecasting.pv_confidence_percent", 75, 98, 1.0},
	ParamLoadSafetyMarginPercent: {"forecasting.load_safety_margin_percent", 100, 118, 1.0},
	ParamBatteryUseMarginSEK:     {"decision_thresholds.battery_use_margin_sek", 0, 0.30, 0.02},
	ParamExportProfitMarginSEK:   {"decision_thresholds.export_profit_margin_sek", 0, 0.30, 0.02},
	ParamSIndexBaseFactor:        {"s_index.base_factor", 0.9, 1.5, 0.05},
	ParamSIndexPVDeficitWeight:   {"s_index.pv_deficit_weight", 0, 0.6, 0.05},
	ParamSIndexTempWeight:        {"s_index.temp_weight", 0, 0.5, 0.05},
	ParamGuardBufferSEK:          {"arbitrage.future_price_guard_buffer_sek", 0, 0.50, 0.05},
	ParamBatteryCapacityKWh:      {"battery.capacity_kwh", 5, 100, 0.5},
	ParamBatteryCycleCostKWh:     {"battery_economics.battery_cycle_cost_kwh", 0.05, 1.0, 0.02},
}

// AllParams returns every known parameter in a stable order.
func AllParams() []Param {
	return []Param{
		ParamPVConfidencePercent,
		ParamLoadSafetyMarginPercent,
		ParamBatteryUseMarginSEK,
		ParamExportProfitMarginSEK,
		ParamSIndexBaseFactor,
		ParamSIndexPVDeficitWeight,
		ParamSIndexTempWeight,
		ParamGuardBufferSEK,
		ParamBatteryCapacityKWh,
		ParamBatteryCycleCostKWh,
	}
}

// String returns the dotted path used in history rows and API payloads.
func (p Param) String() string {
	if info, ok := paramTable[p]; ok {
		return info.path
	}
	return "unknown"
}

// ParamFromPath resolves a dotted path back to a Param. Unknown paths return
// ParamUnknown and an error so callers can reject stale history rows.
func ParamFromPath(path string) (Param, error) {
	for p, info := range paramTable {
		if info.path == path {
			return p, nil
		}
	}
	return ParamUnknown, fmt.Errorf("unknown parameter path: %s", path)
}

// Bounds returns the hard min/max for the parameter. Values outside these
// bounds are never written, regardless of who proposes them.
func (p Param) Bounds() (min, max float64) {
	info := paramTable[p]
	return info.min, info.max
}

// DefaultDailyCap returns the built-in per-day change cap.
func (p Param) DefaultDailyCap() float64 {
	return paramTable[p].dailyCap
}

// Clamp returns v limited to the parameter's hard bounds.
func (p Param) Clamp(v float64) float64 {
	min, max := p.Bounds()
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
