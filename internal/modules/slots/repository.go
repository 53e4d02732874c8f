package slots

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/database"
)

const tsFormat = "2006-01-02T15:04:05Z"

// Repository handles slot storage operations on the history database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new slot repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "slots").Logger(),
	}
}

func fmtTS(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsFormat, s)
}

// UpsertObservations merges observed slots into slot_observations. Each
// non-nil field wins over the stored value; nil fields leave the stored value
// untouched. Quality flags are always rewritten by the caller's latest view
// of the slot, which keeps re-ingestion idempotent.
func (r *Repository) UpsertObservations(observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO slot_observations (
				slot_start, pv_kwh, load_kwh, import_kwh, export_kwh, water_kwh,
				batt_charge_kwh, batt_discharge_kwh, soc_start_percent, soc_end_percent,
				quality, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slot_start) DO UPDATE SET
				pv_kwh             = COALESCE(excluded.pv_kwh, slot_observations.pv_kwh),
				load_kwh           = COALESCE(excluded.load_kwh, slot_observations.load_kwh),
				import_kwh         = COALESCE(excluded.import_kwh, slot_observations.import_kwh),
				export_kwh         = COALESCE(excluded.export_kwh, slot_observations.export_kwh),
				water_kwh          = COALESCE(excluded.water_kwh, slot_observations.water_kwh),
				batt_charge_kwh    = COALESCE(excluded.batt_charge_kwh, slot_observations.batt_charge_kwh),
				batt_discharge_kwh = COALESCE(excluded.batt_discharge_kwh, slot_observations.batt_discharge_kwh),
				soc_start_percent  = COALESCE(excluded.soc_start_percent, slot_observations.soc_start_percent),
				soc_end_percent    = COALESCE(excluded.soc_end_percent, slot_observations.soc_end_percent),
				quality            = excluded.quality,
				updated_at         = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare observation upsert: %w", err)
		}
		defer stmt.Close()

		now := fmtTS(time.Now())
		for _, o := range observations {
			_, err := stmt.Exec(
				fmtTS(o.SlotStart), o.PVKWh, o.LoadKWh, o.ImportKWh, o.ExportKWh,
				o.WaterKWh, o.BattChargeKWh, o.BattDischargeKWh,
				o.SocStartPercent, o.SocEndPercent, o.Quality.Encode(), now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert observation %s: %w", fmtTS(o.SlotStart), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Int("count", len(observations)).Msg("Observations upserted")
	return nil
}

// UpsertPrices merges price-only rows into slot_observations without touching
// measured fields or quality flags.
func (r *Repository) UpsertPrices(prices []Price) error {
	if len(prices) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO slot_observations (slot_start, import_price_sek, export_price_sek, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(slot_start) DO UPDATE SET
				import_price_sek = COALESCE(excluded.import_price_sek, slot_observations.import_price_sek),
				export_price_sek = COALESCE(excluded.export_price_sek, slot_observations.export_price_sek),
				updated_at       = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare price upsert: %w", err)
		}
		defer stmt.Close()

		now := fmtTS(time.Now())
		for _, p := range prices {
			if _, err := stmt.Exec(fmtTS(p.SlotStart), p.ImportPriceSEK, p.ExportPriceSEK, now); err != nil {
				return fmt.Errorf("failed to upsert price %s: %w", fmtTS(p.SlotStart), err)
			}
		}
		return nil
	})
}

// UpsertForecasts merges base forecast rows. Correction fields are managed
// separately via UpdateCorrection.
func (r *Repository) UpsertForecasts(forecasts []Forecast) error {
	if len(forecasts) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO slot_forecasts (slot_start, pv_forecast_kwh, load_forecast_kwh, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(slot_start) DO UPDATE SET
				pv_forecast_kwh   = COALESCE(excluded.pv_forecast_kwh, slot_forecasts.pv_forecast_kwh),
				load_forecast_kwh = COALESCE(excluded.load_forecast_kwh, slot_forecasts.load_forecast_kwh),
				updated_at        = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare forecast upsert: %w", err)
		}
		defer stmt.Close()

		now := fmtTS(time.Now())
		for _, f := range forecasts {
			if _, err := stmt.Exec(fmtTS(f.SlotStart), f.PVForecastKWh, f.LoadForecastKWh, now); err != nil {
				return fmt.Errorf("failed to upsert forecast %s: %w", fmtTS(f.SlotStart), err)
			}
		}
		return nil
	})
}

// UpdateCorrection writes the applied correction for one forecast slot.
func (r *Repository) UpdateCorrection(slotStart time.Time, pvKWh, loadKWh float64, source string) error {
	_, err := r.db.Exec(`
		UPDATE slot_forecasts
		SET pv_correction_kwh = ?, load_correction_kwh = ?, correction_source = ?, updated_at = ?
		WHERE slot_start = ?
	`, pvKWh, loadKWh, source, fmtTS(time.Now()), fmtTS(slotStart))
	if err != nil {
		return fmt.Errorf("failed to update correction for %s: %w", fmtTS(slotStart), err)
	}
	return nil
}

// StorePlan captures the planner's schedule for later plan-vs-actual metrics.
func (r *Repository) StorePlan(rows []PlanRow) error {
	if len(rows) == 0 {
		return nil
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO slot_plans (
				slot_start, charge_kwh, discharge_kwh, export_kwh,
				water_grid_kwh, water_pv_kwh, soc_target_percent, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slot_start) DO UPDATE SET
				charge_kwh         = excluded.charge_kwh,
				discharge_kwh      = excluded.discharge_kwh,
				export_kwh         = excluded.export_kwh,
				water_grid_kwh     = excluded.water_grid_kwh,
				water_pv_kwh       = excluded.water_pv_kwh,
				soc_target_percent = excluded.soc_target_percent,
				created_at         = excluded.created_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare plan upsert: %w", err)
		}
		defer stmt.Close()

		now := fmtTS(time.Now())
		for _, row := range rows {
			_, err := stmt.Exec(
				fmtTS(row.SlotStart), row.ChargeKWh, row.DischargeKWh, row.ExportKWh,
				row.WaterGridKWh, row.WaterPVKWh, row.SocTargetPercent, now,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert plan row %s: %w", fmtTS(row.SlotStart), err)
			}
		}
		return nil
	})
}

// GetObservations returns observed slots in [start, end), ordered by slot.
func (r *Repository) GetObservations(start, end time.Time) ([]Observation, error) {
	rows, err := r.db.Query(`
		SELECT slot_start, pv_kwh, load_kwh, import_kwh, export_kwh, water_kwh,
		       batt_charge_kwh, batt_discharge_kwh, soc_start_percent, soc_end_percent,
		       import_price_sek, export_price_sek, quality
		FROM slot_observations
		WHERE slot_start >= ? AND slot_start < ?
		ORDER BY slot_start
	`, fmtTS(start), fmtTS(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			ts      string
			quality string
			o       Observation
		)
		err := rows.Scan(
			&ts, &o.PVKWh, &o.LoadKWh, &o.ImportKWh, &o.ExportKWh, &o.WaterKWh,
			&o.BattChargeKWh, &o.BattDischargeKWh, &o.SocStartPercent, &o.SocEndPercent,
			&o.ImportPriceSEK, &o.ExportPriceSEK, &quality,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.SlotStart, err = parseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse slot timestamp %s: %w", ts, err)
		}
		o.Quality = ParseQuality(quality)
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetForecasts returns forecast slots in [start, end), ordered by slot.
func (r *Repository) GetForecasts(start, end time.Time) ([]Forecast, error) {
	rows, err := r.db.Query(`
		SELECT slot_start, pv_forecast_kwh, load_forecast_kwh,
		       pv_correction_kwh, load_correction_kwh, correction_source
		FROM slot_forecasts
		WHERE slot_start >= ? AND slot_start < ?
		ORDER BY slot_start
	`, fmtTS(start), fmtTS(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %w", err)
	}
	defer rows.Close()

	var out []Forecast
	for rows.Next() {
		var (
			ts string
			f  Forecast
		)
		err := rows.Scan(&ts, &f.PVForecastKWh, &f.LoadForecastKWh,
			&f.PVCorrectionKWh, &f.LoadCorrectionKWh, &f.CorrectionSource)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		f.SlotStart, err = parseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse forecast timestamp %s: %w", ts, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetPlans returns captured plan rows in [start, end), ordered by slot.
func (r *Repository) GetPlans(start, end time.Time) ([]PlanRow, error) {
	rows, err := r.db.Query(`
		SELECT slot_start, charge_kwh, discharge_kwh, export_kwh,
		       water_grid_kwh, water_pv_kwh, soc_target_percent
		FROM slot_plans
		WHERE slot_start >= ? AND slot_start < ?
		ORDER BY slot_start
	`, fmtTS(start), fmtTS(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRow
	for rows.Next() {
		var (
			ts string
			p  PlanRow
		)
		err := rows.Scan(&ts, &p.ChargeKWh, &p.DischargeKWh, &p.ExportKWh,
			&p.WaterGridKWh, &p.WaterPVKWh, &p.SocTargetPercent)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan row: %w", err)
		}
		p.SlotStart, err = parseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse plan timestamp %s: %w", ts, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetLastCounterState returns the newest observed slot start, used by the ETL
// to resume incrementally.
func (r *Repository) GetLastCounterState() (*time.Time, error) {
	var ts sql.NullString
	err := r.db.QueryRow(`SELECT MAX(slot_start) FROM slot_observations`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query last slot: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t, err := parseTS(ts.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last slot timestamp: %w", err)
	}
	return &t, nil
}

// CountLowSocDays counts distinct days since the cutoff with at least one
// slot whose ending state of charge dropped below the threshold during the
// peak window [startHour, endHour).
func (r *Repository) CountLowSocDays(since time.Time, socBelow float64, startHour, endHour int) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(DISTINCT DATE(slot_start))
		FROM slot_observations
		WHERE slot_start >= ?
		  AND soc_end_percent IS NOT NULL
		  AND soc_end_percent < ?
		  AND CAST(STRFTIME('%H', slot_start) AS INTEGER) >= ?
		  AND CAST(STRFTIME('%H', slot_start) AS INTEGER) < ?
	`, fmtTS(since), socBelow, startHour, endHour).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count low-soc days: %w", err)
	}
	return count, nil
}

// CapacityEstimates derives usable-capacity estimates from slots where the
// battery discharged measurably while the state of charge dropped.
func (r *Repository) CapacityEstimates(since time.Time) ([]float64, error) {
	rows, err := r.db.Query(`
		SELECT batt_discharge_kwh, soc_start_percent, soc_end_percent
		FROM slot_observations
		WHERE slot_start >= ?
		  AND batt_discharge_kwh IS NOT NULL AND batt_discharge_kwh > 0.1
		  AND soc_start_percent IS NOT NULL AND soc_end_percent IS NOT NULL
		  AND soc_start_percent - soc_end_percent > 0.5
	`, fmtTS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query capacity estimates: %w", err)
	}
	defer rows.Close()

	var estimates []float64
	for rows.Next() {
		var discharge, socStart, socEnd float64
		if err := rows.Scan(&discharge, &socStart, &socEnd); err != nil {
			return nil, fmt.Errorf("failed to scan capacity estimate row: %w", err)
		}
		drop := socStart - socEnd
		estimate := discharge / (drop / 100.0)
		// Sanity window for a residential battery
		if estimate > 10 && estimate < 100 {
			estimates = append(estimates, estimate)
		}
	}
	return estimates, rows.Err()
}

// GetArbitrageStats summarizes battery charge/discharge volumes and the
// average prices they happened at.
func (r *Repository) GetArbitrageStats(since time.Time) (*ArbitrageStats, error) {
	var stats ArbitrageStats
	var avgCharge, avgDischarge sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT
			COALESCE(SUM(batt_charge_kwh), 0),
			COALESCE(SUM(batt_discharge_kwh), 0),
			SUM(batt_charge_kwh * import_price_sek) / NULLIF(SUM(CASE WHEN import_price_sek IS NOT NULL THEN batt_charge_kwh END), 0),
			SUM(batt_discharge_kwh * import_price_sek) / NULLIF(SUM(CASE WHEN import_price_sek IS NOT NULL THEN batt_discharge_kwh END), 0)
		FROM slot_observations
		WHERE slot_start >= ?
	`, fmtTS(since)).Scan(&stats.TotalChargeKWh, &stats.TotalDischargeKWh, &avgCharge, &avgDischarge)
	if err != nil {
		return nil, fmt.Errorf("failed to query arbitrage stats: %w", err)
	}
	if avgCharge.Valid {
		stats.AvgChargePriceSEK = avgCharge.Float64
	}
	if avgDischarge.Valid {
		stats.AvgDischargePriceSEK = avgDischarge.Float64
	}
	return &stats, nil
}

// ForecastResiduals pairs actuals with base forecasts for one quantity
// ("pv" or "load") in [since, until).
func (r *Repository) ForecastResiduals(kind string, since, until time.Time) ([]Residual, error) {
	actualCol, forecastCol, err := residualColumns(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT o.slot_start, o.%s, f.%s
		FROM slot_observations o
		JOIN slot_forecasts f ON f.slot_start = o.slot_start
		WHERE o.slot_start >= ? AND o.slot_start < ?
		  AND o.%s IS NOT NULL AND f.%s IS NOT NULL
		ORDER BY o.slot_start
	`, actualCol, forecastCol, actualCol, forecastCol)

	rows, err := r.db.Query(query, fmtTS(since), fmtTS(until))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s residuals: %w", kind, err)
	}
	defer rows.Close()

	var out []Residual
	for rows.Next() {
		var (
			ts  string
			res Residual
		)
		if err := rows.Scan(&ts, &res.ActualKWh, &res.ForecastKWh); err != nil {
			return nil, fmt.Errorf("failed to scan residual: %w", err)
		}
		res.SlotStart, err = parseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse residual timestamp %s: %w", ts, err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// DaysWithForecastData counts distinct days that have both an observed actual
// and a base forecast for the given quantity. This drives correction
// graduation.
func (r *Repository) DaysWithForecastData(kind string) (int, error) {
	actualCol, forecastCol, err := residualColumns(kind)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT DATE(o.slot_start))
		FROM slot_observations o
		JOIN slot_forecasts f ON f.slot_start = o.slot_start
		WHERE o.%s IS NOT NULL AND f.%s IS NOT NULL
	`, actualCol, forecastCol)

	var count int
	if err := r.db.QueryRow(query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s forecast days: %w", kind, err)
	}
	return count, nil
}

func residualColumns(kind string) (actual, forecast string, err error) {
	switch kind {
	case "pv":
		return "pv_kwh", "pv_forecast_kwh", nil
	case "load":
		return "load_kwh", "load_forecast_kwh", nil
	default:
		return "", "", fmt.Errorf("unknown forecast kind: %s", kind)
	}
}

// DailyCosts returns realized net cost per day in [start, end).
func (r *Repository) DailyCosts(start, end time.Time) ([]DailyCost, error) {
	rows, err := r.db.Query(`
		SELECT DATE(slot_start),
		       COALESCE(SUM(import_kwh * import_price_sek), 0)
		         - COALESCE(SUM(export_kwh * COALESCE(export_price_sek, import_price_sek)), 0)
		FROM slot_observations
		WHERE slot_start >= ? AND slot_start < ?
		GROUP BY DATE(slot_start)
		ORDER BY DATE(slot_start)
	`, fmtTS(start), fmtTS(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily costs: %w", err)
	}
	defer rows.Close()

	var out []DailyCost
	for rows.Next() {
		var dc DailyCost
		if err := rows.Scan(&dc.Day, &dc.CostSEK); err != nil {
			return nil, fmt.Errorf("failed to scan daily cost: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// QualityEventCounts counts gap and reset flags since the cutoff.
func (r *Repository) QualityEventCounts(since time.Time) (*QualityCounts, error) {
	rows, err := r.db.Query(`
		SELECT quality FROM slot_observations
		WHERE slot_start >= ? AND quality != ''
	`, fmtTS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query quality events: %w", err)
	}
	defer rows.Close()

	counts := &QualityCounts{}
	for rows.Next() {
		var quality string
		if err := rows.Scan(&quality); err != nil {
			return nil, fmt.Errorf("failed to scan quality: %w", err)
		}
		q := ParseQuality(quality)
		if q.Gaps {
			counts.Gaps++
		}
		if q.Resets {
			counts.Resets++
		}
	}
	return counts, rows.Err()
}
