package lattice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/lattice-probe/lattice/pkg/analyze"
	"github.com/lattice-probe/lattice/pkg/echo"
	"github.com/lattice-probe/lattice/pkg/health"
	"github.com/lattice-probe/lattice/pkg/netpath"
	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

var (
	ErrClientRunning      = errors.New("lattice: client already running")
	ErrClientStopped      = errors.New("lattice: client not running")
	ErrServerRunning      = errors.New("lattice: server already running")
	ErrServerStopped      = errors.New("lattice: server not running")
	ErrCalibrationRunning = errors.New("lattice: a calibration task is running")
	ErrLogMissing         = errors.New("lattice: record log missing")
)

// Session owns one measurement session: the probe engine, its record sink
// and path monitor, the optional in-process responder, the loaded
// calibration, and the session/baseline markers.
type Session struct {
	Logger zerolog.Logger

	cfgPath string
	geoDB   ip2xMgr

	mu  sync.Mutex
	id  string
	doc *Document

	clientCancel context.CancelFunc
	clientDone   chan struct{}
	prober       *probe.Prober
	sink         *record.Sink

	responder  *echo.Responder
	serverDone chan struct{}

	watch  *health.LogWatch
	resets []health.Reset

	sessionMarkMs int64

	// calibration is immutable per run; replaced atomically by the worker
	cal     *analyze.Calibration
	calPath string

	calStatus CalibrationStatus
}

// NewSession loads the config document at cfgPath and prepares a session.
// ip2location optionally enables coordinate suggestions.
func NewSession(logger zerolog.Logger, cfgPath, ip2location string) (*Session, error) {
	doc, err := LoadDocument(cfgPath)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Logger:  logger,
		cfgPath: cfgPath,
		id:      xid.New().String(),
		doc:     doc,
		watch:   health.NewLogWatch(doc.OutputPath),
	}
	if ip2location != "" {
		if err := s.geoDB.Load(ip2location); err != nil {
			logger.Warn().Err(err).Msg("ip2location database unavailable, suggestions disabled")
		}
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// ConfigDoc returns a copy of the loaded config document.
func (s *Session) ConfigDoc() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *s.doc
	d.Endpoints = append([]probe.Endpoint(nil), s.doc.Endpoints...)
	d.ProbePaths = append([]probe.Path(nil), s.doc.ProbePaths...)
	return d
}

// SetConfigParts replaces the endpoint and/or probe path lists from their
// JSON array texts (empty string leaves a part unchanged), validates the
// result, persists it, and makes it current. The running client keeps its
// old set until restarted.
func (s *Session) SetConfigParts(endpointsText, probePathsText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := *s.doc
	if endpointsText != "" {
		var eps []probe.Endpoint
		if err := json.Unmarshal([]byte(endpointsText), &eps); err != nil {
			return fmt.Errorf("parse endpoints: %w", err)
		}
		d.Endpoints = eps
	}
	if probePathsText != "" {
		var paths []probe.Path
		if err := json.Unmarshal([]byte(probePathsText), &paths); err != nil {
			return fmt.Errorf("parse probe paths: %w", err)
		}
		d.ProbePaths = paths
	}
	if err := d.Validate(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(&d, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.cfgPath, append(b, '\n'), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	s.doc = &d
	return nil
}

// StartClient starts the probe engine with the current config.
func (s *Session) StartClient() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientCancel != nil {
		return ErrClientRunning
	}

	secret, err := s.doc.Secret()
	if err != nil {
		return err
	}
	sink, err := record.OpenSink(s.doc.OutputPath)
	if err != nil {
		return err
	}

	monitor := &netpath.Monitor{Logger: s.Logger.With().Str("component", "netpath").Logger()}
	prober := &probe.Prober{
		Logger:    s.Logger.With().Str("component", "probe").Logger(),
		Secret:    secret,
		Endpoints: append([]probe.Endpoint(nil), s.doc.Endpoints...),
		Paths:     append([]probe.Path(nil), s.doc.ProbePaths...),
		Burst: probe.BurstConfig{
			Count:        s.doc.SamplesPerEndpoint,
			SpacingMs:    s.doc.SpacingMs,
			TimeoutMs:    s.doc.TimeoutMs,
			PacingSpinUs: s.doc.PacingSpinUs,
		},
		Interval:                   time.Duration(s.doc.IntervalSeconds) * time.Second,
		DSCP:                       s.doc.DSCP,
		ClaimedEgressRegion:        s.doc.ClaimedEgressRegion,
		PhysicsMismatchThresholdMs: s.doc.PhysicsMismatchThresholdMs,
		Sink:                       sink,
		Monitor:                    monitor,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.clientCancel = cancel
	s.clientDone = done
	s.prober = prober
	s.sink = sink

	go func() {
		defer close(done)
		go monitor.Run(ctx)
		if err := prober.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error().Err(err).Msg("probe engine exited")
		}
	}()

	s.Logger.Info().Int("endpoints", len(s.doc.Endpoints)).Msg("client started")
	return nil
}

// StopClient stops the probe engine and closes the sink.
func (s *Session) StopClient() error {
	s.mu.Lock()
	cancel, done, sink := s.clientCancel, s.clientDone, s.sink
	s.clientCancel, s.clientDone, s.prober, s.sink = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return ErrClientStopped
	}
	cancel()
	<-done
	if sink != nil {
		sink.Close()
	}
	s.Logger.Info().Msg("client stopped")
	return nil
}

// StartServer starts the in-process echo responder on addr.
func (s *Session) StartServer(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responder != nil {
		return ErrServerRunning
	}

	secret, err := s.doc.Secret()
	if err != nil {
		return err
	}
	r := &echo.Responder{
		Logger: s.Logger.With().Str("component", "echo").Logger(),
		Secret: secret,
	}
	done := make(chan struct{})
	s.responder = r
	s.serverDone = done

	go func() {
		defer close(done)
		if err := r.ListenAndServe(addr); err != nil && !errors.Is(err, echo.ErrResponderClosed) {
			s.Logger.Error().Err(err).Msg("responder exited")
		}
	}()
	return nil
}

// StopServer stops the in-process responder.
func (s *Session) StopServer() error {
	s.mu.Lock()
	r, done := s.responder, s.serverDone
	s.responder, s.serverDone = nil, nil
	s.mu.Unlock()

	if r == nil {
		return ErrServerStopped
	}
	r.Close()
	<-done
	return nil
}

// WritePrometheus writes the probe engine's and responder's metrics, if
// running, in Prometheus text format.
func (s *Session) WritePrometheus(w io.Writer) {
	s.mu.Lock()
	prober, responder := s.prober, s.responder
	s.mu.Unlock()
	if prober != nil {
		prober.WritePrometheus(w)
	}
	if responder != nil {
		responder.WritePrometheus(w)
	}
}

// MarkSession records the session marker at now and returns it. While a mark
// is set, the analysis window in State starts no earlier than the mark.
func (s *Session) MarkSession() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionMarkMs = time.Now().UnixMilli()
	return s.sessionMarkMs
}

// ClearState forgets the session marker and detected resets, and optionally
// truncates the record log.
func (s *Session) ClearState(truncateLog bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionMarkMs = 0
	s.resets = nil
	if truncateLog {
		if err := os.Truncate(s.doc.OutputPath, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
