// Package echo implements the LATTICE echo responder: a stateless
// authenticated 1:1 UDP echo with per-source rate limiting.
//
// The responder never amplifies; a reply is always the exact bytes of an
// accepted request. Invalid, unauthenticated, and over-rate packets are
// dropped silently.
package echo

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lattice-probe/lattice/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultPort is the well-known responder port.
const DefaultPort = 9000

const (
	defaultRefillPerSec = 30
	defaultBurst        = 60
	defaultBucketTTL    = 2 * time.Minute
	defaultSweepEvery   = 30 * time.Second
)

var ErrResponderClosed = errors.New("echo: responder closed")

// Responder answers authenticated probe packets on a single UDP socket. It is
// single-threaded; the bucket map is not shared with anything else.
type Responder struct {
	Logger zerolog.Logger

	// Secret authenticates probe packets. Required, >= wire.MinSecretLen.
	Secret []byte

	// RefillPerSec and Burst shape the per-source token bucket. Zero means
	// the default (30/s, burst 60).
	RefillPerSec float64
	Burst        float64

	// BucketTTL is how long an idle source keeps its bucket.
	BucketTTL time.Duration

	mu      sync.Mutex
	conn    *net.UDPConn
	closing bool
	serve   <-chan struct{} // closed when Serve exits

	metrics struct {
		set *metrics.Set
		rx  struct {
			short       *metrics.Counter
			badmagic    *metrics.Counter
			ratelimited *metrics.Counter
			badtag      *metrics.Counter
			accepted    *metrics.Counter
		}
		tx struct {
			echoed *metrics.Counter
			err    *metrics.Counter
		}
	}
}

// ListenAndServe creates a UDP socket on addr and calls Serve.
func (r *Responder) ListenAndServe(addr netip.AddrPort) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return err
	}
	return r.Serve(conn)
}

// Serve answers packets on conn until Close is called or a fatal socket error
// occurs. Per-packet errors never terminate the loop.
func (r *Responder) Serve(conn *net.UDPConn) error {
	if len(r.Secret) < wire.MinSecretLen {
		conn.Close()
		return wire.ErrSecretMissing
	}
	r.initMetrics()

	refill, burst := r.RefillPerSec, r.Burst
	if refill <= 0 {
		refill = defaultRefillPerSec
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	ttl := r.BucketTTL
	if ttl <= 0 {
		ttl = defaultBucketTTL
	}
	lim := newLimiter(refill, burst, ttl, defaultSweepEvery)

	serve := make(chan struct{})
	defer close(serve)
	defer conn.Close()

	r.mu.Lock()
	for r.conn != nil {
		r.mu.Unlock()
		r.Close()
		r.mu.Lock()
	}
	r.conn = conn
	r.closing = false
	r.serve = serve
	r.mu.Unlock()

	r.Logger.Info().Stringer("addr", conn.LocalAddr()).Msg("echo responder listening")

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.conn = nil
			r.mu.Unlock()

			if closing {
				return ErrResponderClosed
			}
			r.Logger.Error().Err(err).Msg("echo responder socket error")
			return err
		}
		pkt := buf[:n]

		if n != wire.Size {
			r.metrics.rx.short.Inc()
			continue
		}
		if !wire.HasMagic(pkt) {
			r.metrics.rx.badmagic.Inc()
			continue
		}

		src := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if !lim.allow(src.Addr(), time.Now()) {
			r.metrics.rx.ratelimited.Inc()
			continue
		}
		if wire.Validate(pkt, r.Secret) != wire.Accept {
			r.metrics.rx.badtag.Inc()
			r.Logger.Trace().Stringer("src", src).Msg("dropping packet with bad tag")
			continue
		}
		r.metrics.rx.accepted.Inc()

		if _, err := conn.WriteToUDPAddrPort(pkt, src); err != nil {
			r.metrics.tx.err.Inc()
			r.Logger.Debug().Err(err).Stringer("src", src).Msg("echo send failed")
			continue
		}
		r.metrics.tx.echoed.Inc()
	}
}

// Close closes the active socket and waits for Serve to return.
func (r *Responder) Close() {
	var serve <-chan struct{}

	r.mu.Lock()
	if r.conn != nil {
		r.closing = true
		r.conn.Close()
		serve = r.serve
	}
	r.mu.Unlock()

	if serve != nil {
		<-serve
	}
}

// LocalAddr returns the local address of the active socket, if any.
func (r *Responder) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Responder) initMetrics() {
	if r.metrics.set != nil {
		return
	}
	s := metrics.NewSet()
	r.metrics.set = s
	r.metrics.rx.short = s.NewCounter(`lattice_echo_rx_total{result="drop_length"}`)
	r.metrics.rx.badmagic = s.NewCounter(`lattice_echo_rx_total{result="drop_magic"}`)
	r.metrics.rx.ratelimited = s.NewCounter(`lattice_echo_rx_total{result="drop_ratelimited"}`)
	r.metrics.rx.badtag = s.NewCounter(`lattice_echo_rx_total{result="drop_tag"}`)
	r.metrics.rx.accepted = s.NewCounter(`lattice_echo_rx_total{result="accept"}`)
	r.metrics.tx.echoed = s.NewCounter(`lattice_echo_tx_total{result="echoed"}`)
	r.metrics.tx.err = s.NewCounter(`lattice_echo_tx_total{result="error"}`)
}

// WritePrometheus writes the responder's metrics in Prometheus text format.
func (r *Responder) WritePrometheus(w io.Writer) {
	if r.metrics.set != nil {
		r.metrics.set.WritePrometheus(w)
	}
}
