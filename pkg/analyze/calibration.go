package analyze

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/lattice-probe/lattice/pkg/record"
)

var ErrCalibrationInvalid = errors.New("analyze: calibration pack invalid")

// Calibration is a per-endpoint bias pack built from a known-origin window.
// It is immutable once built; callers share it by read-only handle.
type Calibration struct {
	CalibrationLat float64            `json:"calibrationLat"`
	CalibrationLon float64            `json:"calibrationLon"`
	SampleCount    int                `json:"sampleCount"`
	BuildMs        int64              `json:"buildMs"`
	Entries        []CalibrationEntry `json:"entries"`

	byID map[string]*CalibrationEntry
}

// CalibrationEntry is one endpoint's calibration.
type CalibrationEntry struct {
	ID      string  `json:"id"`
	BiasMs  float64 `json:"biasMs"`
	Scale   float64 `json:"scale"` // reserved; written as 1.0, accepted and ignored on load
	Samples int     `json:"sampleCount"`
}

// Location returns where the calibration was taken.
func (c *Calibration) Location() geo.Point {
	return geo.Point{Lat: c.CalibrationLat, Lon: c.CalibrationLon}
}

// BiasFor returns the stored bias for an endpoint, 0 if unknown.
func (c *Calibration) BiasFor(id string) float64 {
	if e, ok := c.byID[id]; ok {
		return e.BiasMs
	}
	return 0
}

func (c *Calibration) index() {
	c.byID = make(map[string]*CalibrationEntry, len(c.Entries))
	for i := range c.Entries {
		c.byID[c.Entries[i].ID] = &c.Entries[i]
	}
}

// GenerateCalibration builds a pack from a window observed at a known
// location: each endpoint's bias is its median RTT minus the round-trip
// propagation time to the known point. Observations without coordinates or
// samples are skipped.
func GenerateCalibration(obs []Observation, at geo.Point, opts Options) *Calibration {
	opts = opts.withDefaults()

	c := &Calibration{
		CalibrationLat: at.Lat,
		CalibrationLon: at.Lon,
		BuildMs:        time.Now().UnixMilli(),
	}
	for i := range obs {
		o := &obs[i]
		if o.Point == nil || !o.Valid() {
			continue
		}
		_, _, median, _ := record.Summarize(o.Samples)
		d := geo.HaversineKm(at, *o.Point)
		c.Entries = append(c.Entries, CalibrationEntry{
			ID:      o.ID,
			BiasMs:  median - 2*geo.OneWayMs(d, opts.EffectiveC, 1),
			Scale:   1.0,
			Samples: len(o.Samples),
		})
		c.SampleCount += len(o.Samples)
	}
	c.index()
	return c
}

// LoadCalibration reads and indexes a pack.
func LoadCalibration(path string) (*Calibration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Calibration
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationInvalid, err)
	}
	if len(c.Entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrCalibrationInvalid)
	}
	c.index()
	return &c, nil
}

// WriteFile serializes the pack as a single JSON document.
func (c *Calibration) WriteFile(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// DriftReport compares the loaded calibration against live biases computed
// over the current window at the calibration location.
type DriftReport struct {
	MedianAbsMs float64      `json:"medianAbsMs"`
	MaxAbsMs    float64      `json:"maxAbsMs"`
	Worst       []DriftEntry `json:"worst"` // up to 3, largest deltas first
	Warn        bool         `json:"warn"`
	ThresholdMs float64      `json:"thresholdMs"`
}

// DriftEntry is one endpoint's calibration drift.
type DriftEntry struct {
	ID       string  `json:"id"`
	StoredMs float64 `json:"storedMs"`
	LiveMs   float64 `json:"liveMs"`
	DeltaMs  float64 `json:"deltaMs"`
}

// DefaultDriftThresholdMs raises the warn flag when exceeded.
const DefaultDriftThresholdMs = 5

// Drift recomputes each calibrated endpoint's bias from the current window
// and reports how far it moved. Returns nil when no calibrated endpoint is
// present in the window.
func (c *Calibration) Drift(obs []Observation, thresholdMs float64, opts Options) *DriftReport {
	opts = opts.withDefaults()
	if thresholdMs <= 0 {
		thresholdMs = DefaultDriftThresholdMs
	}
	at := c.Location()

	var entries []DriftEntry
	for i := range obs {
		o := &obs[i]
		e, ok := c.byID[o.ID]
		if !ok || o.Point == nil || !o.Valid() {
			continue
		}
		_, _, median, _ := record.Summarize(o.Samples)
		d := geo.HaversineKm(at, *o.Point)
		live := median - 2*geo.OneWayMs(d, opts.EffectiveC, 1)
		entries = append(entries, DriftEntry{
			ID:       o.ID,
			StoredMs: e.BiasMs,
			LiveMs:   live,
			DeltaMs:  live - e.BiasMs,
		})
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return math.Abs(entries[i].DeltaMs) > math.Abs(entries[j].DeltaMs)
	})

	abs := make([]float64, len(entries))
	for i, e := range entries {
		abs[i] = math.Abs(e.DeltaMs)
	}
	_, _, medianAbs, _ := record.Summarize(abs)

	rep := &DriftReport{
		MedianAbsMs: medianAbs,
		MaxAbsMs:    abs[0],
		ThresholdMs: thresholdMs,
	}
	n := len(entries)
	if n > 3 {
		n = 3
	}
	rep.Worst = entries[:n]
	rep.Warn = rep.MaxAbsMs > thresholdMs
	return rep
}
