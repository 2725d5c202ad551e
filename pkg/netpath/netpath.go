// Package netpath observes the local network path: it classifies the
// outgoing interface and keeps a snapshot of tunnel interfaces. A single
// observer goroutine refreshes the state; readers take an atomic snapshot and
// never hold a lock across a probe burst.
package netpath

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lattice-probe/lattice/pkg/record"
	"github.com/rs/zerolog"
)

// tunnelPrefixes match tunnel interface names across platforms.
var tunnelPrefixes = []string{"utun", "tun", "tap", "wg", "tailscale", "ipsec", "ppp"}

// TunnelSnapshot describes the tunnel interfaces present at observation time.
// Active means at least one tunnel interface is up and running with a
// non-loopback address.
type TunnelSnapshot struct {
	Present    bool
	Active     bool
	Interfaces []string
}

// State is one observation of the local path.
type State struct {
	Iface  record.IfaceClass
	Tunnel TunnelSnapshot
}

// Monitor periodically refreshes the path state.
type Monitor struct {
	Logger   zerolog.Logger
	Interval time.Duration // refresh period, default 5s

	state atomic.Value // State
}

// Snapshot returns the most recent observation. Before the first refresh it
// returns a zero state classified as "other".
func (m *Monitor) Snapshot() State {
	if v, ok := m.state.Load().(State); ok {
		return v
	}
	return State{Iface: record.IfaceOther}
}

// Run refreshes the state until ctx is done. The first refresh happens
// immediately so early bursts see a real classification.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	m.refresh()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.refresh()
		}
	}
}

func (m *Monitor) refresh() {
	ifaces, err := net.Interfaces()
	if err != nil {
		m.Logger.Debug().Err(err).Msg("enumerate interfaces")
		return
	}
	st := observe(ifaces)
	m.state.Store(st)
}

func observe(ifaces []net.Interface) State {
	st := State{Iface: record.IfaceOther}

	var best record.IfaceClass
	for _, ifc := range ifaces {
		up := ifc.Flags&net.FlagUp != 0 && ifc.Flags&net.FlagRunning != 0

		if isTunnelName(ifc.Name) {
			st.Tunnel.Present = true
			st.Tunnel.Interfaces = append(st.Tunnel.Interfaces, ifc.Name)
			if up && hasNonLoopbackAddr(&ifc) {
				st.Tunnel.Active = true
			}
			continue
		}
		if !up || !hasNonLoopbackAddr(&ifc) {
			continue
		}
		if c := Classify(ifc.Name); rank(c) > rank(best) {
			best = c
		}
	}
	if best != "" {
		st.Iface = best
	}
	return st
}

// Classify maps an interface name to its coarse class.
func Classify(name string) record.IfaceClass {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "lo"):
		return record.IfaceLoopback
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"),
		strings.HasPrefix(n, "wlan"), n == "en0": // en0 is the wifi card on mac laptops
		return record.IfaceWifi
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"), strings.HasPrefix(n, "em"),
		strings.HasPrefix(n, "eno"), strings.HasPrefix(n, "ens"), strings.HasPrefix(n, "enp"):
		return record.IfaceEthernet
	case strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "cell"),
		strings.HasPrefix(n, "pdp_ip"):
		return record.IfaceCellular
	}
	return record.IfaceOther
}

// rank orders classes for picking the most likely egress interface when
// several are up: wired beats wifi beats cellular; loopback never wins over a
// real interface.
func rank(c record.IfaceClass) int {
	switch c {
	case record.IfaceEthernet:
		return 4
	case record.IfaceWifi:
		return 3
	case record.IfaceCellular:
		return 2
	case record.IfaceLoopback:
		return 1
	}
	return 0
}

func isTunnelName(name string) bool {
	n := strings.ToLower(name)
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

func hasNonLoopbackAddr(ifc *net.Interface) bool {
	addrs, err := ifc.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() {
			return true
		}
	}
	return false
}
