package config

// Tuning is the domain configuration the planner and learning loops operate
// on. It is treated as an immutable value: simulations that need a candidate
// parameter set derive one with WithOverride instead of mutating the live
// configuration.
type Tuning struct {
	Forecasting struct {
		PVConfidencePercent     float64 `yaml:"pv_confidence_percent" json:"pv_confidence_percent"`
		LoadSafetyMarginPercent float64 `yaml:"load_safety_margin_percent" json:"load_safety_margin_percent"`
	} `yaml:"forecasting" json:"forecasting"`

	DecisionThresholds struct {
		BatteryUseMarginSEK   float64 `yaml:"battery_use_margin_sek" json:"battery_use_margin_sek"`
		ExportProfitMarginSEK float64 `yaml:"export_profit_margin_sek" json:"export_profit_margin_sek"`
	} `yaml:"decision_thresholds" json:"decision_thresholds"`

	SIndex struct {
		BaseFactor      float64 `yaml:"base_factor" json:"base_factor"`
		MaxFactor       float64 `yaml:"max_factor" json:"max_factor"`
		PVDeficitWeight float64 `yaml:"pv_deficit_weight" json:"pv_deficit_weight"`
		TempWeight      float64 `yaml:"temp_weight" json:"temp_weight"`
	} `yaml:"s_index" json:"s_index"`

	Arbitrage struct {
		FuturePriceGuardBufferSEK float64 `yaml:"future_price_guard_buffer_sek" json:"future_price_guard_buffer_sek"`
	} `yaml:"arbitrage" json:"arbitrage"`

	Battery struct {
		CapacityKWh   float64 `yaml:"capacity_kwh" json:"capacity_kwh"`
		MinSocPercent float64 `yaml:"min_soc_percent" json:"min_soc_percent"`
	} `yaml:"battery" json:"battery"`

	BatteryEconomics struct {
		BatteryCycleCostKWh float64 `yaml:"battery_cycle_cost_kwh" json:"battery_cycle_cost_kwh"`
	} `yaml:"battery_economics" json:"battery_economics"`

	Water struct {
		DailyDemandKWh float64 `yaml:"daily_demand_kwh" json:"daily_demand_kwh"`
	} `yaml:"water" json:"water"`

	Learning struct {
		AutoApply               bool               `yaml:"auto_apply" json:"auto_apply"`
		MinImprovementThreshold float64            `yaml:"min_improvement_threshold" json:"min_improvement_threshold"`
		WindowDays              int                `yaml:"window_days" json:"window_days"`
		ETLSpikeMaxKWh          float64            `yaml:"etl_spike_max_kwh" json:"etl_spike_max_kwh"`
		MaxDailyParamChange     map[string]float64 `yaml:"max_daily_param_change" json:"max_daily_param_change"`
	} `yaml:"learning" json:"learning"`

	Reflex struct {
		MinCycles float64 `yaml:"min_cycles" json:"min_cycles"`
	} `yaml:"reflex" json:"reflex"`

	Sensors struct {
		Aliases map[string]string `yaml:"aliases" json:"aliases"`
	} `yaml:"sensors" json:"sensors"`
}

// DefaultTuning returns the configuration used when no config.yaml exists.
func DefaultTuning() Tuning {
	var t Tuning
	t.Forecasting.PVConfidencePercent = 90
	t.Forecasting.LoadSafetyMarginPercent = 105
	t.DecisionThresholds.BatteryUseMarginSEK = 0.10
	t.DecisionThresholds.ExportProfitMarginSEK = 0.05
	t.SIndex.BaseFactor = 1.10
	t.SIndex.MaxFactor = 1.30
	t.SIndex.PVDeficitWeight = 0.30
	t.SIndex.TempWeight = 0.20
	t.Arbitrage.FuturePriceGuardBufferSEK = 0.10
	t.Battery.CapacityKWh = 20
	t.Battery.MinSocPercent = 10
	t.BatteryEconomics.BatteryCycleCostKWh = 0.25
	t.Water.DailyDemandKWh = 8
	t.Learning.AutoApply = true
	t.Learning.MinImprovementThreshold = 0.015
	t.Learning.WindowDays = 7
	t.Learning.ETLSpikeMaxKWh = 10
	t.Reflex.MinCycles = 10
	return t
}

// Value reads the current value of a tunable parameter.
func (t Tuning) Value(p Param) float64 {
	switch p {
	case ParamPVConfidencePercent:
		return t.Forecasting.PVConfidencePercent
	case ParamLoadSafetyMarginPercent:
		return t.Forecasting.LoadSafetyMarginPercent
	case ParamBatteryUseMarginSEK:
		return t.DecisionThresholds.BatteryUseMarginSEK
	case ParamExportProfitMarginSEK:
		return t.DecisionThresholds.ExportProfitMarginSEK
	case ParamSIndexBaseFactor:
		return t.SIndex.BaseFactor
	case ParamSIndexPVDeficitWeight:
		return t.SIndex.PVDeficitWeight
	case ParamSIndexTempWeight:
		return t.SIndex.TempWeight
	case ParamGuardBufferSEK:
		return t.Arbitrage.FuturePriceGuardBufferSEK
	case ParamBatteryCapacityKWh:
		return t.Battery.CapacityKWh
	case ParamBatteryCycleCostKWh:
		return t.BatteryEconomics.BatteryCycleCostKWh
	}
	return 0
}

// WithOverride returns a copy of the configuration with one parameter
// replaced. The receiver is never modified; candidate values are clamped to
// the parameter's hard bounds.
func (t Tuning) WithOverride(p Param, v float64) Tuning {
	out := t
	v = p.Clamp(v)
	switch p {
	case ParamPVConfidencePercent:
		out.Forecasting.PVConfidencePercent = v
	case ParamLoadSafetyMarginPercent:
		out.Forecasting.LoadSafetyMarginPercent = v
	case ParamBatteryUseMarginSEK:
		out.DecisionThresholds.BatteryUseMarginSEK = v
	case ParamExportProfitMarginSEK:
		out.DecisionThresholds.ExportProfitMarginSEK = v
	case ParamSIndexBaseFactor:
		out.SIndex.BaseFactor = v
	case ParamSIndexPVDeficitWeight:
		out.SIndex.PVDeficitWeight = v
	case ParamSIndexTempWeight:
		out.SIndex.TempWeight = v
	case ParamGuardBufferSEK:
		out.Arbitrage.FuturePriceGuardBufferSEK = v
	case ParamBatteryCapacityKWh:
		out.Battery.CapacityKWh = v
	case ParamBatteryCycleCostKWh:
		out.BatteryEconomics.BatteryCycleCostKWh = v
	}
	return out
}

// WithOverrides applies a set of parameter overrides in one step.
func (t Tuning) WithOverrides(overrides map[Param]float64) Tuning {
	out := t
	for p, v := range overrides {
		out = out.WithOverride(p, v)
	}
	return out
}

// DailyCap returns the per-day change cap for a parameter, honoring any
// override in learning.max_daily_param_change.
func (t Tuning) DailyCap(p Param) float64 {
	if t.Learning.MaxDailyParamChange != nil {
		if cap, ok := t.Learning.MaxDailyParamChange[p.String()]; ok {
			return cap
		}
	}
	return p.DefaultDailyCap()
}
