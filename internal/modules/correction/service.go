// Package correction computes forecast corrections from observed residuals
// and graduates from no correction through bucket statistics to a trained
// model as history accumulates.
package correction

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

// Level is the graduation stage for one forecast kind.
type Level string

const (
	LevelNone  Level = "none"
	LevelStats Level = "stats"
	LevelML    Level = "ml"
)

const (
	statsMinDays    = 4
	mlMinDays       = 14
	statsWindowDays = 14

	// A correction never moves a forecast by more than half its base value.
	maxCorrectionRatio = 0.5
)

var kinds = []string{"pv", "load"}

// Store is the slice of the slot repository the service needs.
type Store interface {
	ForecastResiduals(kind string, since, until time.Time) ([]slots.Residual, error)
	DaysWithForecastData(kind string) (int, error)
	GetForecasts(start, end time.Time) ([]slots.Forecast, error)
	UpdateCorrection(slotStart time.Time, pvKWh, loadKWh float64, source string) error
}

// KindStatus reports the graduation state of one forecast kind.
type KindStatus struct {
	Kind         string     `json:"kind"`
	Level        Level      `json:"level"`
	DaysOfData   int        `json:"days_of_data"`
	ModelPresent bool       `json:"model_present"`
	ModelTrained *time.Time `json:"model_trained,omitempty"`
	ModelSamples int        `json:"model_samples,omitempty"`
}

// Service derives and applies forecast corrections.
type Service struct {
	store    Store
	modelDir string
	log      zerolog.Logger

	// Now is injectable for tests
	Now func() time.Time
}

// NewService creates a new correction service. Models are persisted under
// modelDir as <kind>_error.msgpack.
func NewService(store Store, modelDir string, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		modelDir: modelDir,
		log:      log.With().Str("service", "correction").Logger(),
		Now:      time.Now,
	}
}

func (s *Service) modelPath(kind string) string {
	return filepath.Join(s.modelDir, kind+"_error.msgpack")
}

// levelFor maps days of paired forecast/actual history to a graduation level.
func levelFor(days int) Level {
	switch {
	case days < statsMinDays:
		return LevelNone
	case days < mlMinDays:
		return LevelStats
	default:
		return LevelML
	}
}

// clampCorrection bounds a correction to half the base forecast. A base at or
// below zero takes no correction at all.
func clampCorrection(correction, base float64) float64 {
	if base <= 0 {
		return 0
	}
	limit := base * maxCorrectionRatio
	return math.Max(-limit, math.Min(limit, correction))
}

// corrector is the per-kind correction function materialized for one window.
type corrector struct {
	level Level
	stats [7][24]float64
	seen  [7][24]bool
	model *ResidualModel
}

func (c *corrector) correction(slot time.Time, base float64) float64 {
	if c.level == LevelNone {
		return 0
	}

	wd := int(slot.UTC().Weekday())
	hr := slot.UTC().Hour()
	var stats float64
	if c.seen[wd][hr] {
		stats = c.stats[wd][hr]
	}

	if c.level == LevelStats || c.model == nil {
		return clampCorrection(stats, base)
	}

	modeled := c.model.Predict(slot)
	picked := stats
	if stats == 0 {
		picked = modeled
	} else if math.Abs(modeled) < math.Abs(stats) {
		// Prefer whichever source is more conservative
		picked = modeled
	}
	return clampCorrection(picked, base)
}

// build assembles the corrector for a kind: graduation level, recent bucket
// statistics, and the trained model when the level calls for it.
func (s *Service) build(kind string, now time.Time) (*corrector, error) {
	days, err := s.store.DaysWithForecastData(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s history: %w", kind, err)
	}

	c := &corrector{level: levelFor(days)}
	if c.level == LevelNone {
		return c, nil
	}

	residuals, err := s.store.ForecastResiduals(kind, now.AddDate(0, 0, -statsWindowDays), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s residuals: %w", kind, err)
	}

	var sums [7][24]float64
	var counts [7][24]int
	for _, r := range residuals {
		wd := int(r.SlotStart.UTC().Weekday())
		hr := r.SlotStart.UTC().Hour()
		sums[wd][hr] += r.ActualKWh - r.ForecastKWh
		counts[wd][hr]++
	}
	for wd := 0; wd < 7; wd++ {
		for hr := 0; hr < 24; hr++ {
			if counts[wd][hr] > 0 {
				c.stats[wd][hr] = sums[wd][hr] / float64(counts[wd][hr])
				c.seen[wd][hr] = true
			}
		}
	}

	if c.level == LevelML {
		model, err := LoadModel(s.modelPath(kind))
		switch {
		case err == nil:
			c.model = model
		case errors.Is(err, os.ErrNotExist):
			s.log.Warn().Str("kind", kind).Msg("Model file missing, using bucket statistics")
		default:
			return nil, err
		}
	}
	return c, nil
}

// ApplyCorrections recomputes and stores the correction for every forecast
// slot in [start, end). It returns the number of updated slots.
func (s *Service) ApplyCorrections(start, end time.Time) (int, error) {
	now := s.Now().UTC()

	pv, err := s.build("pv", now)
	if err != nil {
		return 0, err
	}
	load, err := s.build("load", now)
	if err != nil {
		return 0, err
	}

	forecasts, err := s.store.GetForecasts(start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to load forecasts: %w", err)
	}

	source := correctionSource(pv.level, load.level)
	updated := 0
	for _, f := range forecasts {
		var pvCorr, loadCorr float64
		if f.PVForecastKWh != nil {
			pvCorr = pv.correction(f.SlotStart, *f.PVForecastKWh)
		}
		if f.LoadForecastKWh != nil {
			loadCorr = load.correction(f.SlotStart, *f.LoadForecastKWh)
		}
		if err := s.store.UpdateCorrection(f.SlotStart, pvCorr, loadCorr, source); err != nil {
			return updated, fmt.Errorf("failed to store correction: %w", err)
		}
		updated++
	}

	s.log.Info().
		Int("slots", updated).
		Str("pv_level", string(pv.level)).
		Str("load_level", string(load.level)).
		Msg("Forecast corrections applied")
	return updated, nil
}

// correctionSource collapses the two per-kind levels to the lower one so the
// stored source stays within the none/stats/ml enum.
func correctionSource(pv, load Level) string {
	if levelRank(load) < levelRank(pv) {
		return string(load)
	}
	return string(pv)
}

func levelRank(l Level) int {
	switch l {
	case LevelStats:
		return 1
	case LevelML:
		return 2
	default:
		return 0
	}
}

// Status reports the graduation state for every kind.
func (s *Service) Status() ([]KindStatus, error) {
	out := make([]KindStatus, 0, len(kinds))
	for _, kind := range kinds {
		days, err := s.store.DaysWithForecastData(kind)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s history: %w", kind, err)
		}
		status := KindStatus{Kind: kind, Level: levelFor(days), DaysOfData: days}
		if model, err := LoadModel(s.modelPath(kind)); err == nil {
			status.ModelPresent = true
			status.ModelTrained = &model.TrainedAt
			status.ModelSamples = model.Samples
		}
		out = append(out, status)
	}
	return out, nil
}
