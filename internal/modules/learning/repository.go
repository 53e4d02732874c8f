package learning

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/database"
)

const tsFormat = "2006-01-02T15:04:05Z"
const dayFormat = "2006-01-02"

// Repository handles the learning audit trail on the tuning database:
// run ledger, parameter history, and reflex rate-limit state.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new learning repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "learning").Logger(),
	}
}

// StartRun inserts a new run row in the started state.
func (r *Repository) StartRun(id, trigger string, startedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO learning_runs (id, started_at, status, trigger_src)
		VALUES (?, ?, ?, ?)
	`, id, startedAt.UTC().Format(tsFormat), string(RunStarted), trigger)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", id, err)
	}
	return nil
}

// CompleteRun marks a run completed with its aggregated metrics.
func (r *Repository) CompleteRun(id string, metricsJSON string, finishedAt time.Time) error {
	res, err := r.db.Exec(`
		UPDATE learning_runs SET status = ?, metrics_json = ?, finished_at = ?
		WHERE id = ?
	`, string(RunCompleted), metricsJSON, finishedAt.UTC().Format(tsFormat), id)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", id, err)
	}
	return ensureRowUpdated(res, id)
}

// FailRun marks a run failed with the error message.
func (r *Repository) FailRun(id string, runErr string, finishedAt time.Time) error {
	res, err := r.db.Exec(`
		UPDATE learning_runs SET status = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(RunFailed), runErr, finishedAt.UTC().Format(tsFormat), id)
	if err != nil {
		return fmt.Errorf("failed to fail run %s: %w", id, err)
	}
	return ensureRowUpdated(res, id)
}

func ensureRowUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRuns returns the most recent runs, newest first.
func (r *Repository) GetRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, started_at, finished_at, status, trigger_src,
		       COALESCE(metrics_json, ''), COALESCE(error, '')
		FROM learning_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			run       Run
			startedAt string
			finished  sql.NullString
			status    string
		)
		if err := rows.Scan(&run.ID, &startedAt, &finished, &status, &run.Trigger, &run.Metrics, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = RunStatus(status)
		run.StartedAt, err = time.Parse(tsFormat, startedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse run start %s: %w", startedAt, err)
		}
		if finished.Valid && finished.String != "" {
			t, err := time.Parse(tsFormat, finished.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse run finish %s: %w", finished.String, err)
			}
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RecordChange records a parameter change and its rate-limit state in one
// transaction. Whatever the source, a parameter moves at most once per day;
// RecordChange returns false without writing anything when the parameter was
// already changed today. This records the decision; nothing here mutates the
// live configuration.
func (r *Repository) RecordChange(runID string, change ProposedChange, source string, at time.Time) (bool, error) {
	day := at.UTC().Format(dayFormat)
	applied := false

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var lastDay sql.NullString
		err := tx.QueryRow(`SELECT last_changed_day FROM reflex_state WHERE param = ?`,
			change.Param.String()).Scan(&lastDay)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read change state for %s: %w", change.Param, err)
		}
		if lastDay.Valid && lastDay.String == day {
			// Already adjusted today
			return nil
		}

		_, err = tx.Exec(`
			INSERT INTO learning_param_history (run_id, changed_at, param, old_value, new_value, reason, source)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, runID, at.UTC().Format(tsFormat), change.Param.String(), change.OldValue, change.NewValue, change.Reason, source)
		if err != nil {
			return fmt.Errorf("failed to record change for %s: %w", change.Param, err)
		}

		_, err = tx.Exec(`
			INSERT INTO reflex_state (param, last_changed_day, last_value, updated_at, change_count)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(param) DO UPDATE SET
				last_changed_day = excluded.last_changed_day,
				last_value       = excluded.last_value,
				updated_at       = excluded.updated_at,
				change_count     = reflex_state.change_count + 1
		`, change.Param.String(), day, change.NewValue, at.UTC().Format(tsFormat))
		if err != nil {
			return fmt.Errorf("failed to update change state for %s: %w", change.Param, err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RecordReflexChange records a reflex adjustment under the shared once-per-day
// ledger. Reflex changes carry no run id.
func (r *Repository) RecordReflexChange(change ProposedChange, at time.Time) (bool, error) {
	return r.RecordChange("", change, "reflex", at)
}

// GetReflexStates returns the per-parameter rate-limit ledger.
func (r *Repository) GetReflexStates() ([]ReflexState, error) {
	rows, err := r.db.Query(`
		SELECT param, last_changed_day, last_value, updated_at, change_count
		FROM reflex_state
		ORDER BY param
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reflex state: %w", err)
	}
	defer rows.Close()

	var out []ReflexState
	for rows.Next() {
		var (
			state     ReflexState
			updatedAt string
		)
		if err := rows.Scan(&state.Param, &state.LastChangedDay, &state.LastValue,
			&updatedAt, &state.ChangeCount); err != nil {
			return nil, fmt.Errorf("failed to scan reflex state: %w", err)
		}
		if updatedAt != "" {
			state.UpdatedAt, err = time.Parse(tsFormat, updatedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to parse reflex state time %s: %w", updatedAt, err)
			}
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// GetChanges returns the most recent parameter history rows, newest first.
func (r *Repository) GetChanges(limit int) ([]AppliedChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, COALESCE(run_id, ''), changed_at, param, old_value, new_value, reason, source
		FROM learning_param_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query param history: %w", err)
	}
	defer rows.Close()

	var out []AppliedChange
	for rows.Next() {
		var (
			change    AppliedChange
			changedAt string
		)
		if err := rows.Scan(&change.ID, &change.RunID, &changedAt, &change.Param,
			&change.OldValue, &change.NewValue, &change.Reason, &change.Source); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		change.ChangedAt, err = time.Parse(tsFormat, changedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse change time %s: %w", changedAt, err)
		}
		out = append(out, change)
	}
	return out, rows.Err()
}

// MetricsRepository handles learning_daily_metrics on the history database.
type MetricsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMetricsRepository creates a new daily metrics repository
func NewMetricsRepository(db *sql.DB, log zerolog.Logger) *MetricsRepository {
	return &MetricsRepository{
		db:  db,
		log: log.With().Str("repository", "learning_metrics").Logger(),
	}
}

// Upsert writes the consolidated metrics row for one day.
func (r *MetricsRepository) Upsert(m DailyMetrics) error {
	pvErrors, _ := json.Marshal(m.PVHourlyErrors)
	loadErrors, _ := json.Marshal(m.LoadHourlyErrors)
	pvAdj, _ := json.Marshal(m.PVHourlyAdjustments)
	loadAdj, _ := json.Marshal(m.LoadHourlyAdjustments)

	_, err := r.db.Exec(`
		INSERT INTO learning_daily_metrics (
			day, pv_mae_kwh, load_mae_kwh,
			pv_hourly_errors, load_hourly_errors,
			pv_hourly_adjustments, load_hourly_adjustments,
			s_index_base_factor, realized_cost_sek, plan_deviation_kwh, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			pv_mae_kwh              = COALESCE(excluded.pv_mae_kwh, learning_daily_metrics.pv_mae_kwh),
			load_mae_kwh            = COALESCE(excluded.load_mae_kwh, learning_daily_metrics.load_mae_kwh),
			pv_hourly_errors        = excluded.pv_hourly_errors,
			load_hourly_errors      = excluded.load_hourly_errors,
			pv_hourly_adjustments   = excluded.pv_hourly_adjustments,
			load_hourly_adjustments = excluded.load_hourly_adjustments,
			s_index_base_factor     = COALESCE(excluded.s_index_base_factor, learning_daily_metrics.s_index_base_factor),
			realized_cost_sek       = COALESCE(excluded.realized_cost_sek, learning_daily_metrics.realized_cost_sek),
			plan_deviation_kwh      = COALESCE(excluded.plan_deviation_kwh, learning_daily_metrics.plan_deviation_kwh),
			updated_at              = excluded.updated_at
	`, m.Day, m.PVMAEKWh, m.LoadMAEKWh,
		string(pvErrors), string(loadErrors), string(pvAdj), string(loadAdj),
		m.SIndexBaseFactor, m.RealizedCostSEK, m.PlanDeviationKWh,
		time.Now().UTC().Format(tsFormat))
	if err != nil {
		return fmt.Errorf("failed to upsert daily metrics for %s: %w", m.Day, err)
	}
	return nil
}

// GetRecent returns the most recent daily metrics rows, newest first.
func (r *MetricsRepository) GetRecent(limit int) ([]DailyMetrics, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.Query(`
		SELECT day, pv_mae_kwh, load_mae_kwh,
		       pv_hourly_errors, load_hourly_errors,
		       pv_hourly_adjustments, load_hourly_adjustments,
		       s_index_base_factor, realized_cost_sek, plan_deviation_kwh
		FROM learning_daily_metrics
		ORDER BY day DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyMetrics
	for rows.Next() {
		var (
			m                              DailyMetrics
			pvErr, loadErr, pvAdj, loadAdj sql.NullString
		)
		if err := rows.Scan(&m.Day, &m.PVMAEKWh, &m.LoadMAEKWh,
			&pvErr, &loadErr, &pvAdj, &loadAdj,
			&m.SIndexBaseFactor, &m.RealizedCostSEK, &m.PlanDeviationKWh); err != nil {
			return nil, fmt.Errorf("failed to scan daily metrics: %w", err)
		}
		unmarshalHourly(pvErr, &m.PVHourlyErrors)
		unmarshalHourly(loadErr, &m.LoadHourlyErrors)
		unmarshalHourly(pvAdj, &m.PVHourlyAdjustments)
		unmarshalHourly(loadAdj, &m.LoadHourlyAdjustments)
		out = append(out, m)
	}
	return out, rows.Err()
}

func unmarshalHourly(raw sql.NullString, dst *[24]float64) {
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), dst)
	}
}
