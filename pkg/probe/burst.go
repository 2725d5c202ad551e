package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/lattice-probe/lattice/pkg/wire"
)

// burst sends Burst.Count probes to c at Burst.SpacingMs intervals and
// returns the RTTs of the echoes that came back, in send order. A receive
// failure loses only that sample; a send failure drops the socket and ends
// the burst with the samples gathered so far.
func (p *Prober) burst(ctx context.Context, c *epConn) []float64 {
	count := p.Burst.Count
	if count <= 0 {
		count = 5
	}
	spacing := time.Duration(p.Burst.SpacingMs) * time.Millisecond
	timeout := time.Duration(p.Burst.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	spin := time.Duration(p.Burst.PacingSpinUs) * time.Microsecond

	samples := make([]float64, 0, count)
	t0 := time.Now()
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		paceUntil(t0.Add(time.Duration(i)*spacing), spin)

		nonce, err := randNonce()
		if err != nil {
			continue
		}
		sendWall := time.Now()
		pkt := wire.Encode(uint32(i), p.nowNs(), nonce, p.Secret)

		if err := c.send(pkt[:]); err != nil {
			p.metrics.tx.err.Inc()
			p.Logger.Debug().Err(err).Str("key", c.key).Msg("probe send failed")
			p.dropConn(c)
			break
		}
		p.metrics.tx.sent.Inc()

		if rtt, ok := p.awaitEcho(c, pkt, sendWall, timeout); ok {
			samples = append(samples, rtt)
		}
	}
	return samples
}

// awaitEcho reads until a datagram equal to the sent packet arrives or the
// per-probe timeout elapses. Non-matching datagrams (stale echoes, junk) are
// discarded and reading continues with the remaining timeout.
func (p *Prober) awaitEcho(c *epConn, sent wire.Packet, sendWall time.Time, timeout time.Duration) (float64, bool) {
	deadline := sendWall.Add(timeout)
	for {
		buf, rxKernel, err := c.recv(deadline)
		if err != nil {
			p.metrics.rx.timeout.Inc()
			return 0, false
		}
		if !bytes.Equal(buf, sent[:]) {
			p.metrics.rx.mismatch.Inc()
			continue
		}
		p.metrics.rx.matched.Inc()

		appRTT := time.Since(sendWall)
		rtt := appRTT
		if !rxKernel.IsZero() {
			// the kernel stamp removes scheduling delay between the
			// datagram arriving and us reading it; distrust it if the
			// wall clock stepped under us
			if k := rxKernel.Sub(sendWall); k > 0 && k <= appRTT {
				rtt = k
			}
		}
		return float64(rtt.Nanoseconds()) / 1e6, true
	}
}

// paceUntil sleeps coarsely until spin before the target instant, then
// busy-spins on the clock. With spin == 0 it is a plain sleep.
func paceUntil(target time.Time, spin time.Duration) {
	if d := time.Until(target) - spin; d > 0 {
		time.Sleep(d)
	}
	if spin > 0 {
		for time.Now().Before(target) {
		}
	}
}

func randNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
