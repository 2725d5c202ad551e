// Package geo provides the great-circle and propagation-speed math used to
// turn round-trip latencies into distance bounds.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

const (
	// EarthRadiusKm is the mean earth radius used for haversine distances.
	EarthRadiusKm = 6371

	// DefaultEffectiveC is the effective signal speed in fiber, km/s,
	// roughly two-thirds of c in vacuum.
	DefaultEffectiveC = 200000

	// DefaultPathStretch widens distance bounds to account for routing
	// stretch. 1.0 gives the most conservative falsification.
	DefaultPathStretch = 1.1
)

// Point is a location in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// HaversineKm returns the great-circle distance between a and b in km.
func HaversineKm(a, b Point) float64 {
	la1, lo1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	la2, lo2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	sdla := math.Sin((la2 - la1) / 2)
	sdlo := math.Sin((lo2 - lo1) / 2)
	h := sdla*sdla + math.Cos(la1)*math.Cos(la2)*sdlo*sdlo
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// MaxDistKm converts a one-way latency budget (given as RTT milliseconds) into
// the maximum physically reachable distance. The result is never negative.
func MaxDistKm(budgetMs, effectiveC, pathStretch float64) float64 {
	if budgetMs <= 0 {
		return 0
	}
	return budgetMs / 2 / 1000 * effectiveC * pathStretch
}

// OneWayMs returns the predicted one-way propagation latency in ms for a
// distance of d km.
func OneWayMs(dKm, effectiveC, pathStretch float64) float64 {
	return dKm / effectiveC / pathStretch * 1000
}

// Geohash returns a 7-character geohash of p, enough for display purposes.
func Geohash(p Point) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, 7)
}

// KmPerDegLat is the north-south span of one degree of latitude.
const KmPerDegLat = math.Pi * EarthRadiusKm / 180

// KmPerDegLon returns the east-west span of one degree of longitude at lat.
func KmPerDegLon(lat float64) float64 {
	return KmPerDegLat * math.Cos(lat*math.Pi/180)
}
