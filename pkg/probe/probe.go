// Package probe implements the LATTICE probe engine: authenticated UDP echo
// bursts with low-jitter pacing, sent from one or more local paths to a set
// of geographically-tagged endpoints.
package probe

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lattice-probe/lattice/pkg/netpath"
	"github.com/lattice-probe/lattice/pkg/record"
	"github.com/rs/zerolog"
)

// Endpoint is a probe target. Endpoints are immutable once loaded; a config
// reload produces a new set.
type Endpoint struct {
	ID         string   `json:"id"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	RegionHint string   `json:"regionHint,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// HasLocation reports whether the endpoint has coordinates.
func (e *Endpoint) HasLocation() bool {
	return e.Lat != nil && e.Lon != nil
}

// Path is a local binding used to duplicate probes across network routes
// (e.g. VPN vs direct). The zero Path is the default route.
type Path struct {
	ID            string `json:"id"`
	BindInterface string `json:"bindInterface,omitempty"`
	BindIP        string `json:"bindIp,omitempty"`
}

// Key returns the per-path endpoint key <endpointId>@<pathId>; the default
// path (empty id) keys by the endpoint id alone.
func Key(endpointID, pathID string) string {
	if pathID == "" {
		return endpointID
	}
	return endpointID + "@" + pathID
}

// BurstConfig are the per-burst parameters.
type BurstConfig struct {
	Count        int // probes per burst
	SpacingMs    int // gap between sends
	TimeoutMs    int // per-probe receive timeout
	PacingSpinUs int // busy-spin window before each target send time; 0 disables
}

// Prober owns one persistent connected UDP socket per (path, endpoint) and
// probes every endpoint once per interval.
type Prober struct {
	Logger zerolog.Logger

	Secret    []byte
	Endpoints []Endpoint
	Paths     []Path // probed as the single default path if empty
	Burst     BurstConfig
	Interval  time.Duration

	// DSCP marks probe traffic (RFC 2474 codepoint, not the raw TOS byte).
	// Zero leaves the socket untouched.
	DSCP int

	// ClaimedEgressRegion and PhysicsMismatchThresholdMs drive the inline
	// physics-mismatch detector.
	ClaimedEgressRegion        string
	PhysicsMismatchThresholdMs float64

	Sink    *record.Sink
	Monitor *netpath.Monitor

	// base anchors the monotonic send timestamps written into packets.
	base     time.Time
	baseOnce sync.Once

	mu    sync.Mutex
	conns map[string]*epConn

	metrics struct {
		set *metrics.Set
		tx  struct {
			sent *metrics.Counter
			err  *metrics.Counter
		}
		rx struct {
			matched  *metrics.Counter
			mismatch *metrics.Counter
			timeout  *metrics.Counter
		}
		bursts       *metrics.Counter
		burstsEmpty  *metrics.Counter
		bindFailures *metrics.Counter
	}
	metricsOnce sync.Once
}

// nowNs returns monotonic nanoseconds since the prober's base instant.
func (p *Prober) nowNs() int64 {
	p.baseOnce.Do(func() { p.base = time.Now() })
	return time.Since(p.base).Nanoseconds()
}

// Run probes all endpoints once per interval until ctx is done. A late
// interval rebases the next tick to now+interval instead of drifting. On
// return all sockets are closed.
func (p *Prober) Run(ctx context.Context) error {
	p.initMetrics()
	defer p.closeAll()

	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	for {
		tick := time.Now()
		p.ProbeAll(ctx)

		next := tick.Add(interval)
		if wait := time.Until(next); wait <= 0 {
			// the burst ran long; rebase instead of firing back-to-back
			next = time.Now().Add(interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
	}
}

// ProbeAll probes every (path, endpoint) pair concurrently and appends one
// record per pair to the sink. Socket errors on one pair never affect the
// others.
func (p *Prober) ProbeAll(ctx context.Context) {
	p.initMetrics()

	paths := p.Paths
	if len(paths) == 0 {
		paths = []Path{{}}
	}

	var wg sync.WaitGroup
	for _, path := range paths {
		for i := range p.Endpoints {
			wg.Add(1)
			go func(path Path, ep *Endpoint) {
				defer wg.Done()
				rec := p.probeOne(ctx, path, ep)
				if p.Sink != nil {
					if err := p.Sink.Append(rec); err != nil {
						p.Logger.Error().Err(err).Str("endpoint", rec.Endpoint).Msg("append record")
					}
				}
			}(path, &p.Endpoints[i])
		}
	}
	wg.Wait()
}

// probeOne runs one burst against ep via path and builds its record.
func (p *Prober) probeOne(ctx context.Context, path Path, ep *Endpoint) *record.BurstRecord {
	p.initMetrics()
	rec := &record.BurstRecord{
		ID:                  record.NewID(),
		TimestampMs:         time.Now().UnixMilli(),
		Endpoint:            ep.ID,
		Path:                path.ID,
		Host:                ep.Host,
		Port:                ep.Port,
		RegionHint:          ep.RegionHint,
		SamplesMs:           []float64{},
		Iface:               record.IfaceOther,
		ClaimedEgressRegion: p.ClaimedEgressRegion,
	}
	if p.Monitor != nil {
		st := p.Monitor.Snapshot()
		rec.Iface = st.Iface
		rec.TunnelPresent = st.Tunnel.Present
		rec.TunnelActive = st.Tunnel.Active
		rec.TunnelIfaces = st.Tunnel.Interfaces
	}

	c, err := p.conn(path, ep)
	if err != nil {
		p.metrics.bindFailures.Inc()
		p.Logger.Warn().Err(err).Str("endpoint", ep.ID).Str("path", path.ID).Msg("endpoint socket unavailable")
		rec.Notes = append(rec.Notes, "bind_failed: "+err.Error())
		rec.Summarize()
		p.metrics.bursts.Inc()
		p.metrics.burstsEmpty.Inc()
		return rec
	}
	rec.LocalAddr = c.localAddr()
	rec.DestLoopback = c.destLoopback

	rec.SamplesMs = p.burst(ctx, c)
	rec.Summarize()

	p.metrics.bursts.Inc()
	if len(rec.SamplesMs) == 0 {
		p.metrics.burstsEmpty.Inc()
	}

	p.detect(rec, ep)

	p.Logger.Debug().
		Str("endpoint", ep.ID).
		Str("path", path.ID).
		Int("samples", len(rec.SamplesMs)).
		Msg("burst complete")
	return rec
}

// conn returns the persistent socket for (path, ep), dialing it on first use.
// A previously failed pair is retried on the next interval.
func (p *Prober) conn(path Path, ep *Endpoint) (*epConn, error) {
	key := Key(ep.ID, path.ID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		p.conns = make(map[string]*epConn)
	}
	if c, ok := p.conns[key]; ok {
		return c, nil
	}
	c, err := dialEndpoint(path, ep, p.DSCP)
	if err != nil {
		return nil, err
	}
	p.conns[key] = c
	return c, nil
}

// dropConn forgets a broken socket so the next interval redials it.
func (p *Prober) dropConn(c *epConn) {
	p.mu.Lock()
	if cur, ok := p.conns[c.key]; ok && cur == c {
		delete(p.conns, c.key)
	}
	p.mu.Unlock()
	c.close()
}

func (p *Prober) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (p *Prober) initMetrics() {
	p.metricsOnce.Do(func() {
		s := metrics.NewSet()
		p.metrics.set = s
		p.metrics.tx.sent = s.NewCounter(`lattice_probe_tx_total{result="sent"}`)
		p.metrics.tx.err = s.NewCounter(`lattice_probe_tx_total{result="error"}`)
		p.metrics.rx.matched = s.NewCounter(`lattice_probe_rx_total{result="matched"}`)
		p.metrics.rx.mismatch = s.NewCounter(`lattice_probe_rx_total{result="mismatch"}`)
		p.metrics.rx.timeout = s.NewCounter(`lattice_probe_rx_total{result="timeout"}`)
		p.metrics.bursts = s.NewCounter(`lattice_probe_bursts_total`)
		p.metrics.burstsEmpty = s.NewCounter(`lattice_probe_bursts_empty_total`)
		p.metrics.bindFailures = s.NewCounter(`lattice_probe_bind_failures_total`)
	})
}

// WritePrometheus writes the prober's metrics in Prometheus text format.
func (p *Prober) WritePrometheus(w io.Writer) {
	p.initMetrics()
	p.metrics.set.WritePrometheus(w)
}
