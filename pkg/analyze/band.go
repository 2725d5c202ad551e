package analyze

import (
	"math"

	"github.com/lattice-probe/lattice/pkg/geo"
)

// bandEps keeps the cell weight 1/(sse-min+eps) finite at the best cell. It
// is scaled to the band's SSE spread so the best cell doesn't swamp the
// covariance.
func bandEps(best, threshold float64) float64 {
	if eps := (threshold - best) / 10; eps > 1e-9 {
		return eps
	}
	return 1e-9
}

// makeBand builds an uncertainty band from the grid cells whose SSE is
// within factor of the best. With at least 3 qualifying cells the band is
// the 1-sigma ellipse of their weighted covariance; otherwise it degrades to
// a circle. withBBox additionally emits the qualifying cells' bounding box
// (the loose band always carries one).
func makeBand(cells []cell, best *cell, factor, stepDeg float64, withBBox bool) Band {
	threshold := best.sse * factor

	var q []cell
	for _, c := range cells {
		if c.sse <= threshold {
			q = append(q, c)
		}
	}

	var b Band
	if withBBox && len(q) > 0 {
		bb := BBox{MinLat: q[0].lat, MaxLat: q[0].lat, MinLon: q[0].lon, MaxLon: q[0].lon}
		for _, c := range q[1:] {
			bb.MinLat = math.Min(bb.MinLat, c.lat)
			bb.MaxLat = math.Max(bb.MaxLat, c.lat)
			bb.MinLon = math.Min(bb.MinLon, c.lon)
			bb.MaxLon = math.Max(bb.MaxLon, c.lon)
		}
		b.BBox = &bb
	}

	if len(q) >= 3 {
		if el, ok := covarianceEllipse(q, best, bandEps(best.sse, threshold)); ok {
			b.Ellipse = el
			b.RadiusKm = el.MajorKm
			return b
		}
	}
	b.RadiusKm = circleRadius(q, best, stepDeg)
	return b
}

// covarianceEllipse computes the 1-sigma contour of the cells' weighted
// covariance in local km coordinates around the best cell.
func covarianceEllipse(q []cell, best *cell, eps float64) (*Ellipse, bool) {
	kmLon := geo.KmPerDegLon(best.lat)

	var wsum, mx, my float64
	xs := make([]float64, len(q))
	ys := make([]float64, len(q))
	ws := make([]float64, len(q))
	for i, c := range q {
		w := 1 / (c.sse - best.sse + eps)
		x := (c.lon - best.lon) * kmLon
		y := (c.lat - best.lat) * geo.KmPerDegLat
		xs[i], ys[i], ws[i] = x, y, w
		wsum += w
		mx += w * x
		my += w * y
	}
	if wsum <= 0 {
		return nil, false
	}
	mx /= wsum
	my /= wsum

	var sxx, sxy, syy float64
	for i := range q {
		dx, dy := xs[i]-mx, ys[i]-my
		sxx += ws[i] * dx * dx
		sxy += ws[i] * dx * dy
		syy += ws[i] * dy * dy
	}
	sxx /= wsum
	sxy /= wsum
	syy /= wsum

	// eigenvalues of the 2x2 covariance
	tr, det := sxx+syy, sxx*syy-sxy*sxy
	disc := math.Sqrt(math.Max(0, tr*tr/4-det))
	l1, l2 := tr/2+disc, tr/2-disc
	if l1 <= 0 {
		return nil, false
	}
	if l2 < 0 {
		l2 = 0
	}

	// bearing of the major eigenvector, degrees east of north
	theta := 0.5 * math.Atan2(2*sxy, sxx-syy)
	angle := 90 - theta*180/math.Pi
	for angle < 0 {
		angle += 180
	}
	for angle >= 180 {
		angle -= 180
	}

	return &Ellipse{
		MajorKm:  math.Sqrt(l1),
		MinorKm:  math.Sqrt(l2),
		AngleDeg: angle,
	}, true
}

// circleRadius is the degraded band: the largest distance from the best cell
// to any qualifying cell, floored at half a grid step so a single-cell band
// still has extent.
func circleRadius(q []cell, best *cell, stepDeg float64) float64 {
	kmLon := geo.KmPerDegLon(best.lat)
	floor := stepDeg / 2 * geo.KmPerDegLat

	var r float64
	for _, c := range q {
		dx := (c.lon - best.lon) * kmLon
		dy := (c.lat - best.lat) * geo.KmPerDegLat
		if d := math.Hypot(dx, dy); d > r {
			r = d
		}
	}
	if r < floor {
		r = floor
	}
	return r
}
