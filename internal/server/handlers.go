package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/modules/correction"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/reflex"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

const (
	costTrendPeriod = 7
	qualityWindow   = 30 * 24 * time.Hour
)

// LearningRunner starts a learning run on demand.
type LearningRunner interface {
	Run(ctx context.Context, trigger string) (*learning.Run, error)
}

// SlotStats is the slot repository slice the diagnostics endpoints read.
type SlotStats interface {
	GetLastCounterState() (*time.Time, error)
	QualityEventCounts(since time.Time) (*slots.QualityCounts, error)
}

// Handlers serves the learning, reflex, and correction API.
type Handlers struct {
	learningRepo      *learning.Repository
	metricsRepo       *learning.MetricsRepository
	orchestrator      LearningRunner
	reflexService     *reflex.Service
	correctionService *correction.Service
	slotStats         SlotStats
	tuning            learning.TuningProvider
	log               zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(
	learningRepo *learning.Repository,
	metricsRepo *learning.MetricsRepository,
	orchestrator LearningRunner,
	reflexService *reflex.Service,
	correctionService *correction.Service,
	slotStats SlotStats,
	tuning learning.TuningProvider,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		learningRepo:      learningRepo,
		metricsRepo:       metricsRepo,
		orchestrator:      orchestrator,
		reflexService:     reflexService,
		correctionService: correctionService,
		slotStats:         slotStats,
		tuning:            tuning,
		log:               log.With().Str("component", "handlers").Logger(),
	}
}

// HandleLearningStatus returns the latest run, the active learning settings,
// and how fresh the slot data is.
func (h *Handlers) HandleLearningStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := h.learningRepo.GetRuns(1)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	cfg, err := h.tuning()
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	lastSlot, err := h.slotStats.GetLastCounterState()
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	response := map[string]interface{}{
		"auto_apply":                cfg.Learning.AutoApply,
		"window_days":               cfg.Learning.WindowDays,
		"min_improvement_threshold": cfg.Learning.MinImprovementThreshold,
	}
	if len(runs) > 0 {
		response["last_run"] = runs[0]
	}
	if lastSlot != nil {
		response["last_slot"] = lastSlot.UTC()
	}
	writeJSON(h.log, w, http.StatusOK, response)
}

// HandleLearningRuns returns recent runs, newest first.
func (h *Handlers) HandleLearningRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := h.learningRepo.GetRuns(limit)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// HandleParamHistory returns recent parameter changes from both the learning
// loops and the reflex analyzers.
func (h *Handlers) HandleParamHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	changes, err := h.learningRepo.GetChanges(limit)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// HandleLearningMetrics returns recent daily metrics, a smoothed cost trend,
// and the data quality counters for the last 30 days.
func (h *Handlers) HandleLearningMetrics(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 30)
	rows, err := h.metricsRepo.GetRecent(limit)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	quality, err := h.slotStats.QualityEventCounts(time.Now().UTC().Add(-qualityWindow))
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"days":       rows,
		"cost_trend": costTrend(rows),
		"quality_30d": map[string]int{
			"gaps":   quality.Gaps,
			"resets": quality.Resets,
		},
	})
}

// costTrendPoint is one day of the smoothed realized-cost series.
type costTrendPoint struct {
	Day     string   `json:"day"`
	CostSEK float64  `json:"cost_sek"`
	SMA     *float64 `json:"sma,omitempty"`
}

// costTrend smooths the realized cost series with a simple moving average.
// Rows arrive newest first; the series is built chronologically.
func costTrend(rows []learning.DailyMetrics) []costTrendPoint {
	points := make([]costTrendPoint, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].RealizedCostSEK == nil {
			continue
		}
		points = append(points, costTrendPoint{Day: rows[i].Day, CostSEK: *rows[i].RealizedCostSEK})
	}

	if len(points) >= costTrendPeriod {
		costs := make([]float64, len(points))
		for i, p := range points {
			costs[i] = p.CostSEK
		}
		sma := talib.Sma(costs, costTrendPeriod)
		for i := costTrendPeriod - 1; i < len(points); i++ {
			v := sma[i]
			points[i].SMA = &v
		}
	}
	return points
}

// HandleTriggerRun starts a manual learning run in the background.
func (h *Handlers) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := h.orchestrator.Run(ctx, "manual"); err != nil {
			h.log.Error().Err(err).Msg("Manual learning run failed")
		}
	}()

	writeJSON(h.log, w, http.StatusAccepted, map[string]interface{}{
		"status":  "started",
		"trigger": "manual",
	})
}

// HandleReflexReport returns the analyzers' decisions without applying them,
// plus the per-parameter rate-limit ledger.
func (h *Handlers) HandleReflexReport(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.tuning()
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	decisions, err := h.reflexService.Analyze(cfg)
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}

	states, err := h.learningRepo.GetReflexStates()
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"state":     states,
	})
}

// HandleCorrectionStatus reports the graduation state per forecast kind.
func (h *Handlers) HandleCorrectionStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.correctionService.Status()
	if err != nil {
		writeError(h.log, w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"kinds": statuses})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// writeJSON writes a JSON response
func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(log zerolog.Logger, w http.ResponseWriter, status int, err error) {
	log.Error().Err(err).Msg("Request failed")
	writeJSON(log, w, status, map[string]interface{}{"error": err.Error()})
}
