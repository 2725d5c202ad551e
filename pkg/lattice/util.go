package lattice

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/pg9182/ip2x"
)

// ip2xMgr wraps a file-backed IP2Location database used to suggest
// coordinates and regions for endpoints missing them.
type ip2xMgr struct {
	file *os.File
	db   *ip2x.DB
	mu   sync.RWMutex
}

// Load replaces the currently loaded database with the specified file. If
// name is empty, the existing database, if any, is reopened.
func (m *ip2xMgr) Load(name string) error {
	if name == "" {
		m.mu.RLock()
		if m.file == nil {
			m.mu.RUnlock()
			return fmt.Errorf("no ip2location database loaded")
		}
		name = m.file.Name()
		m.mu.RUnlock()
	}

	f, err := os.Open(name)
	if err != nil {
		return err
	}

	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return err
	}

	if p, _ := db.Info(); p != ip2x.IP2Location {
		f.Close()
		return fmt.Errorf("not an ip2location database")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.file.Close()
	m.file = f
	m.db = db
	return nil
}

// SuggestLocation resolves host and looks up its coordinates and region
// name. ok is false when no database is loaded, resolution fails, or the
// database lacks lat/lon fields.
func (m *ip2xMgr) SuggestLocation(host string) (geo.Point, string, bool) {
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db == nil {
		return geo.Point{}, "", false
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return geo.Point{}, "", false
	}
	ip, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return geo.Point{}, "", false
	}

	r, err := db.Lookup(ip.Unmap())
	if err != nil {
		return geo.Point{}, "", false
	}
	lat, ok1 := r.GetFloat32(ip2x.Latitude)
	lon, ok2 := r.GetFloat32(ip2x.Longitude)
	if !ok1 || !ok2 {
		return geo.Point{}, "", false
	}
	region, _ := r.GetString(ip2x.Region)
	return geo.Point{Lat: float64(lat), Lon: float64(lon)}, region, true
}
