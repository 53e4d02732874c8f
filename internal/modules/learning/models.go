// Package learning contains the nightly tuning loops, their orchestration,
// and the audit trail they write.
package learning

import (
	"time"

	"github.com/ergetie/darkstar-sub001/internal/config"
)

// RunStatus is the lifecycle state of a learning run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one orchestrated nightly learning run.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Trigger    string     `json:"trigger"`
	Metrics    string     `json:"metrics,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ProposedChange is one accepted parameter adjustment proposed by a loop.
// Values are already clamped to hard bounds; the orchestrator applies the
// per-day cap before recording.
type ProposedChange struct {
	Param       config.Param `json:"-"`
	ParamPath   string       `json:"param"`
	OldValue    float64      `json:"old_value"`
	NewValue    float64      `json:"new_value"`
	Improvement float64      `json:"improvement"`
	Reason      string       `json:"reason"`
}

// AppliedChange is one recorded parameter history row.
type AppliedChange struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
	Param     string    `json:"param"`
	OldValue  float64   `json:"old_value"`
	NewValue  float64   `json:"new_value"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
}

// ReflexState is the per-parameter rate-limit ledger row shared by the
// learning and reflex paths.
type ReflexState struct {
	Param          string    `json:"param"`
	LastChangedDay string    `json:"last_changed_day"`
	LastValue      float64   `json:"last_value"`
	UpdatedAt      time.Time `json:"updated_at"`
	ChangeCount    int       `json:"change_count"`
}

// DailyMetrics is the consolidated learning record for one day.
type DailyMetrics struct {
	Day                   string      `json:"day"`
	PVMAEKWh              *float64    `json:"pv_mae_kwh,omitempty"`
	LoadMAEKWh            *float64    `json:"load_mae_kwh,omitempty"`
	PVHourlyErrors        [24]float64 `json:"pv_hourly_errors"`
	LoadHourlyErrors      [24]float64 `json:"load_hourly_errors"`
	PVHourlyAdjustments   [24]float64 `json:"pv_hourly_adjustments"`
	LoadHourlyAdjustments [24]float64 `json:"load_hourly_adjustments"`
	SIndexBaseFactor      *float64    `json:"s_index_base_factor,omitempty"`
	RealizedCostSEK       *float64    `json:"realized_cost_sek,omitempty"`
	PlanDeviationKWh      *float64    `json:"plan_deviation_kwh,omitempty"`
}
