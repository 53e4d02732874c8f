package correction

import (
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ResidualModel is a pre-fitted forecast-error model: the mean residual per
// weekday/hour bucket, persisted as msgpack next to the databases. Models are
// produced by an external training pipeline; this service only loads and
// queries them.
type ResidualModel struct {
	Kind      string         `msgpack:"kind"`
	TrainedAt time.Time      `msgpack:"trained_at"`
	Samples   int            `msgpack:"samples"`
	Buckets   [7][24]float64 `msgpack:"buckets"`
	Counts    [7][24]int     `msgpack:"counts"`
}

// Predict returns the bucket mean for a slot, or zero for an unseen bucket.
// Residuals are actual minus forecast, so a positive value corrects a
// forecast upward.
func (m *ResidualModel) Predict(slot time.Time) float64 {
	wd := int(slot.UTC().Weekday())
	hr := slot.UTC().Hour()
	if m.Counts[wd][hr] == 0 {
		return 0
	}
	return m.Buckets[wd][hr]
}

// LoadModel reads a persisted model. A missing file returns os.ErrNotExist
// via the wrapped error.
func LoadModel(path string) (*ResidualModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}
	var m ResidualModel
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	return &m, nil
}
