package slots

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ergetie/darkstar-sub001/internal/database"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
		Name: "history",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(db.Conn(), zerolog.Nop())
}

func f(v float64) *float64 { return &v }

func slotAt(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestUpsertObservationsMergesNonNilFields(t *testing.T) {
	repo := newTestRepo(t)
	slot := slotAt(t, "2026-08-01T12:00:00Z")

	require.NoError(t, repo.UpsertObservations([]Observation{
		{SlotStart: slot, PVKWh: f(1.5), LoadKWh: f(0.8)},
	}))
	// Second pass only knows about load; pv must survive
	require.NoError(t, repo.UpsertObservations([]Observation{
		{SlotStart: slot, LoadKWh: f(0.9)},
	}))

	obs, err := repo.GetObservations(slot, slot.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	require.NotNil(t, obs[0].PVKWh)
	assert.Equal(t, 1.5, *obs[0].PVKWh)
	assert.Equal(t, 0.9, *obs[0].LoadKWh)
}

func TestUpsertObservationsIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	slot := slotAt(t, "2026-08-01T12:00:00Z")
	row := Observation{SlotStart: slot, PVKWh: f(2.0), Quality: Quality{Gaps: true}}

	require.NoError(t, repo.UpsertObservations([]Observation{row}))
	require.NoError(t, repo.UpsertObservations([]Observation{row}))

	obs, err := repo.GetObservations(slot, slot.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 2.0, *obs[0].PVKWh)
	assert.True(t, obs[0].Quality.Gaps)
}

func TestUpsertPricesDoesNotTouchMeasurements(t *testing.T) {
	repo := newTestRepo(t)
	slot := slotAt(t, "2026-08-01T12:00:00Z")

	require.NoError(t, repo.UpsertObservations([]Observation{
		{SlotStart: slot, ImportKWh: f(1.0), Quality: Quality{Resets: true}},
	}))
	require.NoError(t, repo.UpsertPrices([]Price{
		{SlotStart: slot, ImportPriceSEK: f(1.2), ExportPriceSEK: f(0.4)},
	}))

	obs, err := repo.GetObservations(slot, slot.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 1.0, *obs[0].ImportKWh)
	assert.Equal(t, 1.2, *obs[0].ImportPriceSEK)
	assert.True(t, obs[0].Quality.Resets)
}

func TestForecastResidualsAndDayCount(t *testing.T) {
	repo := newTestRepo(t)

	// Two days of paired actuals and forecasts, one unpaired forecast
	for day := 0; day < 2; day++ {
		slot := slotAt(t, "2026-08-01T10:00:00Z").AddDate(0, 0, day)
		require.NoError(t, repo.UpsertObservations([]Observation{
			{SlotStart: slot, PVKWh: f(1.0)},
		}))
		require.NoError(t, repo.UpsertForecasts([]Forecast{
			{SlotStart: slot, PVForecastKWh: f(1.4)},
		}))
	}
	require.NoError(t, repo.UpsertForecasts([]Forecast{
		{SlotStart: slotAt(t, "2026-08-05T10:00:00Z"), PVForecastKWh: f(2.0)},
	}))

	residuals, err := repo.ForecastResiduals("pv",
		slotAt(t, "2026-08-01T00:00:00Z"), slotAt(t, "2026-08-10T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, residuals, 2)
	assert.Equal(t, 1.0, residuals[0].ActualKWh)
	assert.Equal(t, 1.4, residuals[0].ForecastKWh)

	days, err := repo.DaysWithForecastData("pv")
	require.NoError(t, err)
	assert.Equal(t, 2, days)

	_, err = repo.ForecastResiduals("water", time.Time{}, time.Now())
	assert.Error(t, err)
}

func TestCountLowSocDays(t *testing.T) {
	repo := newTestRepo(t)

	// Two low-soc slots on the same evening count as one day
	require.NoError(t, repo.UpsertObservations([]Observation{
		{SlotStart: slotAt(t, "2026-08-01T17:00:00Z"), SocEndPercent: f(4.0)},
		{SlotStart: slotAt(t, "2026-08-01T17:15:00Z"), SocEndPercent: f(3.5)},
		{SlotStart: slotAt(t, "2026-08-02T18:00:00Z"), SocEndPercent: f(4.9)},
		// Outside the peak window
		{SlotStart: slotAt(t, "2026-08-03T12:00:00Z"), SocEndPercent: f(2.0)},
		// Above the threshold
		{SlotStart: slotAt(t, "2026-08-04T18:00:00Z"), SocEndPercent: f(40.0)},
	}))

	count, err := repo.CountLowSocDays(slotAt(t, "2026-07-15T00:00:00Z"), 5.0, 16, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCapacityEstimates(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.UpsertObservations([]Observation{
		// 1.0 kWh over a 5% drop => 20 kWh estimate
		{SlotStart: slotAt(t, "2026-08-01T18:00:00Z"), BattDischargeKWh: f(1.0), SocStartPercent: f(50), SocEndPercent: f(45)},
		// Drop too small, skipped
		{SlotStart: slotAt(t, "2026-08-01T18:15:00Z"), BattDischargeKWh: f(1.0), SocStartPercent: f(45), SocEndPercent: f(44.9)},
		// Discharge too small, skipped
		{SlotStart: slotAt(t, "2026-08-01T18:30:00Z"), BattDischargeKWh: f(0.05), SocStartPercent: f(44), SocEndPercent: f(42)},
		// Implausible estimate (200 kWh), filtered by sanity window
		{SlotStart: slotAt(t, "2026-08-01T18:45:00Z"), BattDischargeKWh: f(2.0), SocStartPercent: f(42), SocEndPercent: f(41)},
	}))

	estimates, err := repo.CapacityEstimates(slotAt(t, "2026-07-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, estimates, 1)
	assert.InDelta(t, 20.0, estimates[0], 1e-9)
}
