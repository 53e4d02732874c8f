package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// Planner produces a schedule for one day under a given parameter set.
// The production implementation calls the external planner service; tests
// substitute a deterministic stub.
type Planner interface {
	RegenerateSchedule(ctx context.Context, snapshot DaySnapshot, cfg config.Tuning) ([]slots.PlanRow, error)
}

// PlannerClient talks to the planner microservice over HTTP.
type PlannerClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewPlannerClient creates a new planner service client
func NewPlannerClient(baseURL string, log zerolog.Logger) *PlannerClient {
	return &PlannerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		log:     log.With().Str("client", "planner").Logger(),
	}
}

type plannerSlotPayload struct {
	SlotStart      string   `json:"slot_start"`
	PVKWh          *float64 `json:"pv_kwh,omitempty"`
	LoadKWh        *float64 `json:"load_kwh,omitempty"`
	WaterKWh       *float64 `json:"water_kwh,omitempty"`
	SocStartPct    *float64 `json:"soc_start_percent,omitempty"`
	ImportPriceSEK *float64 `json:"import_price_sek,omitempty"`
	ExportPriceSEK *float64 `json:"export_price_sek,omitempty"`
}

type plannerRequest struct {
	Day    string               `json:"day"`
	Slots  []plannerSlotPayload `json:"slots"`
	Config config.Tuning        `json:"config"`
}

type plannerRowPayload struct {
	SlotStart        string   `json:"slot_start"`
	ChargeKWh        float64  `json:"charge_kwh"`
	DischargeKWh     float64  `json:"discharge_kwh"`
	ExportKWh        float64  `json:"export_kwh"`
	WaterGridKWh     float64  `json:"water_grid_kwh"`
	WaterPVKWh       float64  `json:"water_pv_kwh"`
	SocTargetPercent *float64 `json:"soc_target_percent,omitempty"`
}

type plannerResponse struct {
	Rows []plannerRowPayload `json:"rows"`
}

// RegenerateSchedule posts the day snapshot and candidate configuration to
// the planner and returns its schedule.
func (c *PlannerClient) RegenerateSchedule(ctx context.Context, snapshot DaySnapshot, cfg config.Tuning) ([]slots.PlanRow, error) {
	payload := plannerRequest{
		Day:    snapshot.Day.UTC().Format("2006-01-02"),
		Config: cfg,
		Slots:  make([]plannerSlotPayload, 0, len(snapshot.Slots)),
	}
	for _, o := range snapshot.Slots {
		payload.Slots = append(payload.Slots, plannerSlotPayload{
			SlotStart:      o.SlotStart.UTC().Format(time.RFC3339),
			PVKWh:          o.PVKWh,
			LoadKWh:        o.LoadKWh,
			WaterKWh:       o.WaterKWh,
			SocStartPct:    o.SocStartPercent,
			ImportPriceSEK: o.ImportPriceSEK,
			ExportPriceSEK: o.ExportPriceSEK,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal planner request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/plan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("planner returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed plannerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode planner response: %w", err)
	}

	rows := make([]slots.PlanRow, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		ts, err := time.Parse(time.RFC3339, row.SlotStart)
		if err != nil {
			return nil, fmt.Errorf("planner returned bad slot timestamp %s: %w", row.SlotStart, err)
		}
		rows = append(rows, slots.PlanRow{
			SlotStart:        ts.UTC(),
			ChargeKWh:        row.ChargeKWh,
			DischargeKWh:     row.DischargeKWh,
			ExportKWh:        row.ExportKWh,
			WaterGridKWh:     row.WaterGridKWh,
			WaterPVKWh:       row.WaterPVKWh,
			SocTargetPercent: row.SocTargetPercent,
		})
	}

	return rows, nil
}
