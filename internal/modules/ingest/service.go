// Package ingest turns raw cumulative sensor counters into quality-flagged
// 15-minute observation slots.
package ingest

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
)

const slotWidth = 15 * time.Minute

// A sample interval wider than this marks the landing slot as covering a gap.
const gapThreshold = 30 * time.Minute

// CounterSample is one raw reading from a sensor. Energy sensors report
// monotonically increasing counters; the soc sensor reports an instantaneous
// percentage.
type CounterSample struct {
	SensorID  string
	Timestamp time.Time
	Value     float64
}

// Result summarizes one ingestion pass.
type Result struct {
	SlotsWritten   int
	GapSlots       int
	ResetSlots     int
	SpikesZeroed   int
	UnknownSensors []string
}

// ObservationStore is the slice of the slot repository the ETL needs.
type ObservationStore interface {
	UpsertObservations(observations []slots.Observation) error
}

// Service is the ETL service.
type Service struct {
	store ObservationStore
	log   zerolog.Logger
}

// NewService creates a new ingestion service
func NewService(store ObservationStore, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("service", "ingest").Logger(),
	}
}

// canonical sensor kinds. The first six are the published canon; the battery
// pair is accepted when the installation reports it.
var canonicalKinds = map[string]bool{
	"pv": true, "load": true, "import": true, "export": true,
	"water": true, "soc": true,
	"batt_charge": true, "batt_discharge": true,
}

// stripTokens are removed from sensor names during heuristic matching.
var stripTokens = map[string]bool{
	"energy": true, "power": true, "total": true, "cumulative": true,
	"kw": true, "kwh": true, "sensor": true, "meter": true,
}

// Canonicalize resolves a raw sensor ID to a canonical kind. The explicit
// alias table wins; otherwise the name is tokenized and matched after
// stripping unit and vendor noise. Unknown sensors return "".
func Canonicalize(sensorID string, aliases map[string]string) string {
	if kind, ok := aliases[sensorID]; ok {
		if canonicalKinds[kind] {
			return kind
		}
		return ""
	}

	name := strings.ToLower(strings.TrimPrefix(sensorID, "sensor."))
	var kept []string
	for _, token := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '.' || r == '-'
	}) {
		if !stripTokens[token] {
			kept = append(kept, token)
		}
	}
	candidate := strings.Join(kept, "_")
	if canonicalKinds[candidate] {
		return candidate
	}

	// Battery sensors often read "battery_charge" / "battery_discharge"
	switch candidate {
	case "battery_charge", "charge":
		return "batt_charge"
	case "battery_discharge", "discharge":
		return "batt_discharge"
	case "solar":
		return "pv"
	case "grid_import":
		return "import"
	case "grid_export":
		return "export"
	}

	return ""
}

// IngestCounters converts raw samples into observation slots and upserts
// them. Re-running over the same samples produces identical rows. Sensors
// with fewer than two samples contribute nothing; that is a quiet no-op, not
// an error.
func (s *Service) IngestCounters(samples []CounterSample, tuning config.Tuning) (*Result, error) {
	result := &Result{}

	bySensor := make(map[string][]CounterSample)
	unknown := make(map[string]bool)
	for _, sample := range samples {
		kind := Canonicalize(sample.SensorID, tuning.Sensors.Aliases)
		if kind == "" {
			unknown[sample.SensorID] = true
			continue
		}
		bySensor[kind] = append(bySensor[kind], sample)
	}
	for id := range unknown {
		result.UnknownSensors = append(result.UnknownSensors, id)
	}
	sort.Strings(result.UnknownSensors)

	type slotAccum struct {
		kwh               map[string]float64
		quality           slots.Quality
		socFirst, socLast *float64
	}
	accum := make(map[time.Time]*slotAccum)
	getSlot := func(ts time.Time) *slotAccum {
		key := ts.UTC().Truncate(slotWidth)
		sa, ok := accum[key]
		if !ok {
			sa = &slotAccum{kwh: make(map[string]float64)}
			accum[key] = sa
		}
		return sa
	}

	spikeMax := tuning.Learning.ETLSpikeMaxKWh

	for kind, sensorSamples := range bySensor {
		sort.Slice(sensorSamples, func(i, j int) bool {
			return sensorSamples[i].Timestamp.Before(sensorSamples[j].Timestamp)
		})

		if kind == "soc" {
			for _, sample := range sensorSamples {
				sa := getSlot(sample.Timestamp)
				v := sample.Value
				if sa.socFirst == nil {
					first := v
					sa.socFirst = &first
				}
				last := v
				sa.socLast = &last
			}
			continue
		}

		if len(sensorSamples) < 2 {
			s.log.Debug().Str("sensor", kind).Int("samples", len(sensorSamples)).
				Msg("Too few samples for deltas, skipping sensor")
			continue
		}

		afterGap := false
		for i := 1; i < len(sensorSamples); i++ {
			prev, cur := sensorSamples[i-1], sensorSamples[i]
			sa := getSlot(cur.Timestamp)

			interval := cur.Timestamp.Sub(prev.Timestamp)
			gapped := interval > gapThreshold
			if gapped {
				sa.quality.Gaps = true
				result.GapSlots++
			}

			delta := cur.Value - prev.Value
			if delta < 0 {
				// Counter reset: the decrease is not a real flow
				delta = 0
				sa.quality.Resets = true
				result.ResetSlots++
			} else if (gapped || afterGap) && spikeMax > 0 && delta > spikeMax {
				// A large delta right after a gap is the counter catching up,
				// not a plausible single-slot flow
				delta = 0
				sa.quality.Gaps = true
				result.SpikesZeroed++
			}

			sa.kwh[kind] += delta
			afterGap = gapped
		}
	}

	if len(accum) == 0 {
		s.log.Info().Msg("No usable sensor data, nothing ingested")
		return result, nil
	}

	observations := make([]slots.Observation, 0, len(accum))
	for slotStart, sa := range accum {
		o := slots.Observation{SlotStart: slotStart, Quality: sa.quality}
		assign := func(kind string, dst **float64) {
			if v, ok := sa.kwh[kind]; ok {
				val := v
				*dst = &val
			}
		}
		assign("pv", &o.PVKWh)
		assign("load", &o.LoadKWh)
		assign("import", &o.ImportKWh)
		assign("export", &o.ExportKWh)
		assign("water", &o.WaterKWh)
		assign("batt_charge", &o.BattChargeKWh)
		assign("batt_discharge", &o.BattDischargeKWh)
		o.SocStartPercent = sa.socFirst
		o.SocEndPercent = sa.socLast
		observations = append(observations, o)
	}
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].SlotStart.Before(observations[j].SlotStart)
	})

	if err := s.store.UpsertObservations(observations); err != nil {
		return nil, err
	}
	result.SlotsWritten = len(observations)

	s.log.Info().
		Int("slots", result.SlotsWritten).
		Int("gap_slots", result.GapSlots).
		Int("reset_slots", result.ResetSlots).
		Int("spikes_zeroed", result.SpikesZeroed).
		Msg("Ingestion completed")

	return result, nil
}
