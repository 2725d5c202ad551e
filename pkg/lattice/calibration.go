package lattice

import (
	"fmt"

	"github.com/lattice-probe/lattice/pkg/analyze"
	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/lattice-probe/lattice/pkg/record"
)

// CalibrationStatus is the pollable state of the calibration worker.
type CalibrationStatus struct {
	Running bool   `json:"running"`
	Kind    string `json:"kind,omitempty"` // generate, load, clear
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CalibrationStatus returns the worker's current status.
func (s *Session) CalibrationStatus() CalibrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calStatus
}

// startCalTask claims the worker for kind; only one task runs at a time.
func (s *Session) startCalTask(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calStatus.Running {
		return ErrCalibrationRunning
	}
	s.calStatus = CalibrationStatus{Running: true, Kind: kind}
	return nil
}

func (s *Session) finishCalTask(result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calStatus.Running = false
	if err != nil {
		s.calStatus.Error = err.Error()
		return
	}
	s.calStatus.Result = result
}

// GenerateCalibration builds a calibration pack from the current log window
// at a known location, writes it to outputPath, and loads it. The work runs
// on a background worker; poll CalibrationStatus for completion.
func (s *Session) GenerateCalibration(lat, lon float64, outputPath string) error {
	if err := s.startCalTask("generate"); err != nil {
		return err
	}
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()

	go func() {
		cal, err := s.generateCalibration(doc, geo.Point{Lat: lat, Lon: lon}, outputPath)
		if err != nil {
			s.Logger.Error().Err(err).Msg("generate calibration")
			s.finishCalTask("", err)
			return
		}
		s.mu.Lock()
		s.cal, s.calPath = cal, outputPath
		s.mu.Unlock()
		s.finishCalTask(fmt.Sprintf("calibrated %d endpoints from %d samples", len(cal.Entries), cal.SampleCount), nil)
	}()
	return nil
}

func (s *Session) generateCalibration(doc *Document, at geo.Point, outputPath string) (*analyze.Calibration, error) {
	recs, _, err := record.ReadLog(doc.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogMissing, err)
	}
	obs := analyze.BuildObservations(recs, doc.Endpoints, nil)
	cal := analyze.GenerateCalibration(obs, at, analyze.Options{})
	if len(cal.Entries) == 0 {
		return nil, analyze.ErrInsufficientData
	}
	if err := cal.WriteFile(outputPath); err != nil {
		return nil, fmt.Errorf("write calibration: %w", err)
	}
	return cal, nil
}

// LoadCalibration loads a pack from disk on the background worker.
func (s *Session) LoadCalibration(path string) error {
	if err := s.startCalTask("load"); err != nil {
		return err
	}
	go func() {
		cal, err := analyze.LoadCalibration(path)
		if err != nil {
			s.Logger.Error().Err(err).Str("path", path).Msg("load calibration")
			s.finishCalTask("", err)
			return
		}
		s.mu.Lock()
		s.cal, s.calPath = cal, path
		s.mu.Unlock()
		s.finishCalTask(fmt.Sprintf("loaded %d endpoints", len(cal.Entries)), nil)
	}()
	return nil
}

// ClearCalibration drops the loaded pack.
func (s *Session) ClearCalibration() error {
	if err := s.startCalTask("clear"); err != nil {
		return err
	}
	s.mu.Lock()
	s.cal, s.calPath = nil, ""
	s.mu.Unlock()
	s.finishCalTask("cleared", nil)
	return nil
}
