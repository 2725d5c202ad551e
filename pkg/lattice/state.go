package lattice

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/lattice-probe/lattice/pkg/analyze"
	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/lattice-probe/lattice/pkg/health"
	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
)

// CoordSuggestion is an IP2Location-derived hint for an endpoint missing
// coordinates.
type CoordSuggestion struct {
	ID     string    `json:"id"`
	Point  geo.Point `json:"point"`
	Region string    `json:"region,omitempty"`
}

// State is one full dashboard refresh.
type State struct {
	SessionID     string `json:"sessionId"`
	GeneratedMs   int64  `json:"generatedMs"`
	ClientRunning bool   `json:"clientRunning"`
	ServerRunning bool   `json:"serverRunning"`

	LogMissing bool           `json:"logMissing,omitempty"`
	LogAgeMs   int64          `json:"logAgeMs,omitempty"`
	Records    int            `json:"records"`
	Skipped    int            `json:"skipped,omitempty"`
	Resets     []health.Reset `json:"resets,omitempty"`

	SessionMarkMs int64                   `json:"sessionMarkMs,omitempty"`
	AutoBaseline  analyze.AutoBaseline    `json:"autoBaseline"`
	Analysis      *analyze.Result         `json:"analysis,omitempty"`
	Health        []health.EndpointHealth `json:"health,omitempty"`
	Hygiene       health.Hygiene          `json:"hygiene"`
	Suggestions   []CoordSuggestion       `json:"suggestions,omitempty"`
	Drift         *analyze.DriftReport    `json:"drift,omitempty"`

	CalibrationLoaded bool   `json:"calibrationLoaded"`
	CalibrationPath   string `json:"calibrationPath,omitempty"`
}

// State runs one analysis refresh over the record log. It fails with
// ErrCalibrationRunning while a calibration task owns the log, so a polling
// UI naturally pauses. A missing log is reported in the state, not as an
// error.
func (s *Session) State() (*State, error) {
	s.mu.Lock()
	if s.calStatus.Running {
		s.mu.Unlock()
		return nil, ErrCalibrationRunning
	}
	doc := s.doc
	cal, calPath := s.cal, s.calPath
	watch := s.watch
	markMs := s.sessionMarkMs
	clientRunning := s.clientCancel != nil
	serverRunning := s.responder != nil
	sessionID := s.id
	s.mu.Unlock()

	st := &State{
		SessionID:         sessionID,
		GeneratedMs:       time.Now().UnixMilli(),
		ClientRunning:     clientRunning,
		ServerRunning:     serverRunning,
		SessionMarkMs:     markMs,
		CalibrationLoaded: cal != nil,
		CalibrationPath:   calPath,
		Hygiene:           health.CheckHygiene(doc.Endpoints),
	}
	for _, id := range st.Hygiene.MissingCoords {
		if ep := doc.endpoint(id); ep != nil {
			if p, region, ok := s.geoDB.SuggestLocation(ep.Host); ok {
				st.Suggestions = append(st.Suggestions, CoordSuggestion{ID: id, Point: p, Region: region})
			}
		}
	}

	// the watcher reports each rotation/truncation exactly once; keep them
	// so the UI sees resets across refreshes until cleared
	if reset, err := watch.Check(); err != nil {
		st.LogMissing = true
	} else if reset != nil {
		s.mu.Lock()
		s.resets = append(s.resets, *reset)
		s.mu.Unlock()
	}
	s.mu.Lock()
	st.Resets = append([]health.Reset(nil), s.resets...)
	s.mu.Unlock()

	recs, skipped, err := record.ReadLog(doc.OutputPath)
	if err != nil {
		st.LogMissing = true
		return st, nil
	}
	st.Records = len(recs)
	st.Skipped = skipped
	if len(recs) == 0 {
		return st, nil
	}

	last := recs[len(recs)-1].TimestampMs
	st.LogAgeMs = time.Now().UnixMilli() - last

	// analysis window: the trailing windowMinutes of the log, starting later
	// at the session marker if one is set after that cutoff
	cutoff := last - int64(doc.windowMinutes()*60*1000)
	if markMs > cutoff {
		cutoff = markMs
	}
	var window []record.BurstRecord
	for i := range recs {
		if recs[i].TimestampMs >= cutoff {
			window = append(window, recs[i])
		}
	}

	obs := analyze.BuildObservations(window, doc.Endpoints, cal)
	st.Analysis = analyze.Analyze(obs, nil, analyze.Options{})
	st.Health = health.Summarize(window, doc.Endpoints, doc.windowMinutes(), doc.IntervalSeconds, doc.SamplesPerEndpoint)

	if cal != nil {
		st.Drift = cal.Drift(obs, analyze.DefaultDriftThresholdMs, analyze.Options{})
	}

	// implicit baseline from the head of the log
	baseRecs, sessRecs, auto := analyze.SplitAutoBaseline(recs, doc.AutoBaselineMinutes)
	st.AutoBaseline = auto
	if auto.Locked && st.Analysis != nil {
		baseObs := analyze.BuildObservations(baseRecs, doc.Endpoints, cal)
		sessObs := analyze.BuildObservations(sessRecs, doc.Endpoints, cal)
		st.Analysis.Baseline = analyze.CompareBaseline(baseObs, sessObs)
	}
	return st, nil
}

// endpoint looks up an endpoint by id.
func (d *Document) endpoint(id string) *probe.Endpoint {
	for i := range d.Endpoints {
		if d.Endpoints[i].ID == id {
			return &d.Endpoints[i]
		}
	}
	return nil
}

// exportBundle is the gzipped document written by ExportState.
type exportBundle struct {
	ExportedMs int64           `json:"exportedMs"`
	State      json.RawMessage `json:"state"`
	MapSVG     string          `json:"mapSvg,omitempty"`
}

// ExportState writes a gzipped bundle of the state document and the UI's
// rendered map SVG to path.
func (s *Session) ExportState(state *State, mapSVG string, path string) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b, err := json.Marshal(exportBundle{
		ExportedMs: time.Now().UnixMilli(),
		State:      raw,
		MapSVG:     mapSVG,
	})
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return nil
}

// ExportCurrentState refreshes and exports in one step.
func (s *Session) ExportCurrentState(mapSVG, path string) error {
	if path == "" {
		return fmt.Errorf("export: empty path")
	}
	st, err := s.State()
	if err != nil {
		return err
	}
	return s.ExportState(st, mapSVG, path)
}
