package analyze

import (
	"math"

	"github.com/lattice-probe/lattice/pkg/geo"
)

// weightEpsMs floors the jitter weight so a zero-jitter endpoint can't
// dominate the fit.
const weightEpsMs = 1

// Estimate is the least-squares origin fit.
type Estimate struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Geohash string  `json:"geohash"`
	BiasMs  float64 `json:"biasMs"` // fit intercept
	SSE     float64 `json:"sse"`
	Points  int     `json:"points"`

	Tight Band `json:"tight"`
	Loose Band `json:"loose"`
}

// Band is an uncertainty region around the estimate.
type Band struct {
	RadiusKm float64  `json:"radiusKm"`
	Ellipse  *Ellipse `json:"ellipse,omitempty"`
	BBox     *BBox    `json:"bbox,omitempty"`
}

// Ellipse is the 1-sigma contour of the qualifying cells' weighted
// covariance. Angle is the major axis bearing in degrees east of north.
type Ellipse struct {
	MajorKm  float64 `json:"majorKm"`
	MinorKm  float64 `json:"minorKm"`
	AngleDeg float64 `json:"angleDeg"`
}

// BBox is an axis-aligned lat/lon bounding box.
type BBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// fitInput is one endpoint's contribution to the SSE.
type fitInput struct {
	point  geo.Point
	obsMs  float64 // p05 - bias
	weight float64 // 1 / max(p95-p05, eps)
}

// cell is one evaluated grid point, kept only while it is within the loose
// band threshold of the best SSE seen so far.
type cell struct {
	lat, lon float64
	sse      float64
}

// EstimateOrigin runs the coarse-then-fine grid search. It returns nil when
// fewer than MinEstimatePoints observations have coordinates and samples
// (the ErrInsufficientData condition).
func EstimateOrigin(obs []Observation, opts Options) *Estimate {
	opts = opts.withDefaults()

	var in []fitInput
	for i := range obs {
		o := &obs[i]
		if !o.Located() {
			continue
		}
		jitter := o.P95Ms - o.P05Ms
		if jitter < weightEpsMs {
			jitter = weightEpsMs
		}
		in = append(in, fitInput{
			point:  *o.Point,
			obsMs:  o.P05Ms - o.BiasMs,
			weight: 1 / jitter,
		})
	}
	if len(in) < MinEstimatePoints {
		return nil
	}

	// the loose disks bound where the origin can be; clip the coarse pass
	// to their intersection when it is non-empty
	searchBox := looseClip(obs, opts)

	coarse := searchGrid(in, searchBox, opts.CoarseStepDeg, opts, nil)
	if coarse.best == nil {
		return nil
	}

	// fine pass around the winning coarse cell
	w := opts.BandWindowDeg
	fineBox := BBox{
		MinLat: math.Max(-90, coarse.best.lat-w),
		MaxLat: math.Min(90, coarse.best.lat+w),
		MinLon: coarse.best.lon - w,
		MaxLon: coarse.best.lon + w,
	}
	fine := searchGrid(in, &fineBox, opts.FineStepDeg, opts, coarse.best)

	best := fine.best
	bias, _ := solveCell(in, best.lat, best.lon, opts)

	est := &Estimate{
		Lat:     best.lat,
		Lon:     best.lon,
		Geohash: geo.Geohash(geo.Point{Lat: best.lat, Lon: best.lon}),
		BiasMs:  bias,
		SSE:     best.sse,
		Points:  len(in),
	}
	est.Tight = makeBand(fine.cells, best, opts.BandFactorTight, opts.FineStepDeg, false)
	est.Loose = makeBand(fine.cells, best, opts.BandFactorLoose, opts.FineStepDeg, true)
	return est
}

type gridResult struct {
	best  *cell
	cells []cell
}

// searchGrid evaluates the SSE over a lat/lon grid, tracking the best cell
// and keeping cells within the loose band factor of it. Cells above the
// running threshold are pruned as the minimum improves, so the retained set
// stays small without materializing the grid. seed pre-loads a best cell so
// a fine pass can only improve on the coarse winner.
func searchGrid(in []fitInput, box *BBox, stepDeg float64, opts Options, seed *cell) gridResult {
	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0
	if box != nil {
		minLat, maxLat = box.MinLat, box.MaxLat
		minLon, maxLon = box.MinLon, box.MaxLon
	}

	var res gridResult
	if seed != nil {
		c := *seed
		res.best = &c
	}
	for lat := minLat; lat <= maxLat; lat += stepDeg {
		for lon := minLon; lon <= maxLon; lon += stepDeg {
			_, sse := solveCell(in, lat, normLon(lon), opts)
			c := cell{lat: lat, lon: normLon(lon), sse: sse}

			if res.best == nil || sse < res.best.sse {
				res.best = &cell{lat: c.lat, lon: c.lon, sse: sse}
				res.cells = prune(res.cells, sse*opts.BandFactorLoose)
			}
			if sse <= res.best.sse*opts.BandFactorLoose {
				res.cells = append(res.cells, c)
			}
		}
	}
	res.cells = prune(res.cells, res.best.sse*opts.BandFactorLoose)
	return res
}

// solveCell returns the closed-form intercept b* minimizing the weighted SSE
// at (lat, lon), and the SSE at that intercept.
//
//	r_k = obs_k - 2*tau_k - b
//	b*  = sum(w_k*(obs_k - 2*tau_k)) / sum(w_k)
func solveCell(in []fitInput, lat, lon float64, opts Options) (bias, sse float64) {
	p := geo.Point{Lat: lat, Lon: lon}

	// residuals before the intercept
	r := make([]float64, len(in))
	var wsum, rwsum float64
	for k := range in {
		tau := geo.OneWayMs(geo.HaversineKm(p, in[k].point), opts.EffectiveC, opts.PathStretch)
		r[k] = in[k].obsMs - 2*tau
		wsum += in[k].weight
		rwsum += in[k].weight * r[k]
	}
	bias = rwsum / wsum
	for k := range in {
		d := r[k] - bias
		sse += in[k].weight * d * d
	}
	return bias, sse
}

func prune(cells []cell, threshold float64) []cell {
	kept := cells[:0]
	for _, c := range cells {
		if c.sse <= threshold {
			kept = append(kept, c)
		}
	}
	return kept
}

// looseClip intersects the axis-aligned boxes around each located
// observation's loose disk. A degenerate intersection falls back to the
// whole globe.
func looseClip(obs []Observation, opts Options) *BBox {
	eps := PhysicsBounds(obs, opts)
	box := BBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
	var clipped bool
	for i := range eps {
		ep := &eps[i]
		if ep.Point == nil || ep.LooseMaxKm <= 0 {
			continue
		}
		dLat := ep.LooseMaxKm / geo.KmPerDegLat
		// longitude span blows up near the poles; skip the lon clip there
		box.MinLat = math.Max(box.MinLat, ep.Point.Lat-dLat)
		box.MaxLat = math.Min(box.MaxLat, ep.Point.Lat+dLat)
		if cosKm := geo.KmPerDegLon(ep.Point.Lat); cosKm > 1 {
			dLon := ep.LooseMaxKm / cosKm
			if dLon < 180 {
				box.MinLon = math.Max(box.MinLon, ep.Point.Lon-dLon)
				box.MaxLon = math.Min(box.MaxLon, ep.Point.Lon+dLon)
			}
		}
		clipped = true
	}
	if !clipped || box.MinLat >= box.MaxLat || box.MinLon >= box.MaxLon {
		return nil
	}
	return &box
}

func normLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
