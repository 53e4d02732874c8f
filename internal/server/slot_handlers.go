package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/events"
	"github.com/ergetie/darkstar-sub001/internal/modules/ingest"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// SlotHandlers accepts slot data pushed by the collector: raw counter
// samples, prices, forecasts, and captured plans.
type SlotHandlers struct {
	ingest *ingest.Service
	repo   *slots.Repository
	bus    *events.Bus
	tuning learning.TuningProvider
	log    zerolog.Logger
}

// NewSlotHandlers creates the slot ingestion handlers.
func NewSlotHandlers(
	ingestService *ingest.Service,
	repo *slots.Repository,
	bus *events.Bus,
	tuning learning.TuningProvider,
	log zerolog.Logger,
) *SlotHandlers {
	return &SlotHandlers{
		ingest: ingestService,
		repo:   repo,
		bus:    bus,
		tuning: tuning,
		log:    log.With().Str("component", "slot_handlers").Logger(),
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type counterSampleRequest struct {
	SensorID  string    `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HandleIngestCounters handles POST /api/slots/counters.
func (h *SlotHandlers) HandleIngestCounters(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Samples []counterSampleRequest `json:"samples"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err)
		return
	}
	if len(req.Samples) == 0 {
		writeError(h.log, w, http.StatusBadRequest, errors.New("no samples provided"))
		return
	}

	tuning, err := h.tuning()
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	samples := make([]ingest.CounterSample, 0, len(req.Samples))
	for _, s := range req.Samples {
		samples = append(samples, ingest.CounterSample{
			SensorID:  s.SensorID,
			Timestamp: s.Timestamp,
			Value:     s.Value,
		})
	}

	result, err := h.ingest.IngestCounters(samples, tuning)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	if result.SlotsWritten > 0 {
		h.bus.Emit(events.SlotsIngested, "slots", map[string]interface{}{
			"slots_written": result.SlotsWritten,
			"gap_slots":     result.GapSlots,
			"reset_slots":   result.ResetSlots,
		})
	}

	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"slots_written":   result.SlotsWritten,
		"gap_slots":       result.GapSlots,
		"reset_slots":     result.ResetSlots,
		"spikes_zeroed":   result.SpikesZeroed,
		"unknown_sensors": result.UnknownSensors,
	})
}

type priceRequest struct {
	SlotStart      time.Time `json:"slot_start"`
	ImportPriceSEK *float64  `json:"import_price_sek"`
	ExportPriceSEK *float64  `json:"export_price_sek"`
}

// HandleUpsertPrices handles POST /api/slots/prices.
func (h *SlotHandlers) HandleUpsertPrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prices []priceRequest `json:"prices"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err)
		return
	}

	prices := make([]slots.Price, 0, len(req.Prices))
	for _, p := range req.Prices {
		prices = append(prices, slots.Price{
			SlotStart:      p.SlotStart,
			ImportPriceSEK: p.ImportPriceSEK,
			ExportPriceSEK: p.ExportPriceSEK,
		})
	}

	if err := h.repo.UpsertPrices(prices); err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"updated": len(prices)})
}

type forecastRequest struct {
	SlotStart       time.Time `json:"slot_start"`
	PVForecastKWh   *float64  `json:"pv_forecast_kwh"`
	LoadForecastKWh *float64  `json:"load_forecast_kwh"`
}

// HandleUpsertForecasts handles POST /api/slots/forecasts.
func (h *SlotHandlers) HandleUpsertForecasts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Forecasts []forecastRequest `json:"forecasts"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err)
		return
	}

	forecasts := make([]slots.Forecast, 0, len(req.Forecasts))
	for _, f := range req.Forecasts {
		forecasts = append(forecasts, slots.Forecast{
			SlotStart:       f.SlotStart,
			PVForecastKWh:   f.PVForecastKWh,
			LoadForecastKWh: f.LoadForecastKWh,
		})
	}

	if err := h.repo.UpsertForecasts(forecasts); err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"updated": len(forecasts)})
}

type planRowRequest struct {
	SlotStart        time.Time `json:"slot_start"`
	ChargeKWh        float64   `json:"charge_kwh"`
	DischargeKWh     float64   `json:"discharge_kwh"`
	ExportKWh        float64   `json:"export_kwh"`
	WaterGridKWh     float64   `json:"water_grid_kwh"`
	WaterPVKWh       float64   `json:"water_pv_kwh"`
	SocTargetPercent *float64  `json:"soc_target_percent"`
}

// HandleStorePlan handles POST /api/slots/plan.
func (h *SlotHandlers) HandleStorePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan []planRowRequest `json:"plan"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(h.log, w, http.StatusBadRequest, err)
		return
	}

	rows := make([]slots.PlanRow, 0, len(req.Plan))
	for _, p := range req.Plan {
		rows = append(rows, slots.PlanRow{
			SlotStart:        p.SlotStart,
			ChargeKWh:        p.ChargeKWh,
			DischargeKWh:     p.DischargeKWh,
			ExportKWh:        p.ExportKWh,
			WaterGridKWh:     p.WaterGridKWh,
			WaterPVKWh:       p.WaterPVKWh,
			SocTargetPercent: p.SocTargetPercent,
		})
	}

	if err := h.repo.StorePlan(rows); err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"stored": len(rows)})
}
