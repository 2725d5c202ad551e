// Package analyze turns logged burst records into physics bounds, claim
// falsification verdicts, and a coarse origin estimate. It is pure over its
// inputs; the caller owns file handles and config.
package analyze

import (
	"errors"

	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
)

// ErrInsufficientData is reported when fewer than MinEstimatePoints endpoints
// have both coordinates and valid samples. The analyzer returns nulls rather
// than fabricating an estimate.
var ErrInsufficientData = errors.New("analyze: fewer than 3 endpoints with coordinates and samples")

// MinEstimatePoints is the minimum number of located endpoints the estimator
// needs.
const MinEstimatePoints = 3

// Options tune the analyzer. The zero value means defaults.
type Options struct {
	EffectiveC      float64 // km/s, default geo.DefaultEffectiveC
	PathStretch     float64 // default geo.DefaultPathStretch; 1.0 is most conservative
	BandFactorTight float64 // default 1.5
	BandFactorLoose float64 // default 4.0
	BandWindowDeg   float64 // fine-pass half window, default 3
	CoarseStepDeg   float64 // default 1
	FineStepDeg     float64 // default 0.1
}

func (o Options) withDefaults() Options {
	if o.EffectiveC <= 0 {
		o.EffectiveC = geo.DefaultEffectiveC
	}
	if o.PathStretch <= 0 {
		o.PathStretch = geo.DefaultPathStretch
	}
	if o.BandFactorTight <= 0 {
		o.BandFactorTight = 1.5
	}
	if o.BandFactorLoose <= 0 {
		o.BandFactorLoose = 4.0
	}
	if o.BandWindowDeg <= 0 {
		o.BandWindowDeg = 3
	}
	if o.CoarseStepDeg <= 0 {
		o.CoarseStepDeg = 1
	}
	if o.FineStepDeg <= 0 {
		o.FineStepDeg = 0.1
	}
	return o
}

// Observation is the pooled per-endpoint view over an analysis window.
type Observation struct {
	ID         string
	RegionHint string
	Point      *geo.Point

	Samples []float64 // pooled RTTs, ms
	P05Ms   float64
	P95Ms   float64
	BiasMs  float64 // from the loaded calibration, 0 if none
}

// Valid reports whether the observation carries at least one sample.
func (o *Observation) Valid() bool {
	return len(o.Samples) > 0
}

// Located reports whether the observation can contribute to the estimator.
func (o *Observation) Located() bool {
	return o.Valid() && o.Point != nil
}

// BuildObservations pools the window's records by endpoint id and attaches
// endpoint metadata and calibration biases. Records for endpoints absent from
// eps still produce observations, just without coordinates.
func BuildObservations(recs []record.BurstRecord, eps []probe.Endpoint, cal *Calibration) []Observation {
	meta := make(map[string]*probe.Endpoint, len(eps))
	for i := range eps {
		meta[eps[i].ID] = &eps[i]
	}

	pooled := make(map[string]*Observation)
	var order []string
	for i := range recs {
		r := &recs[i]
		o, ok := pooled[r.Endpoint]
		if !ok {
			o = &Observation{ID: r.Endpoint, RegionHint: r.RegionHint}
			if ep, ok := meta[r.Endpoint]; ok {
				o.RegionHint = ep.RegionHint
				if ep.HasLocation() {
					o.Point = &geo.Point{Lat: *ep.Lat, Lon: *ep.Lon}
				}
			}
			pooled[r.Endpoint] = o
			order = append(order, r.Endpoint)
		}
		o.Samples = append(o.Samples, r.SamplesMs...)
	}

	obs := make([]Observation, 0, len(order))
	for _, id := range order {
		o := pooled[id]
		if cal != nil {
			o.BiasMs = cal.BiasFor(id)
		}
		if _, p05, _, ok := record.Summarize(o.Samples); ok {
			o.P05Ms = p05
		}
		if p95, ok := record.P95(o.Samples); ok {
			o.P95Ms = p95
		}
		obs = append(obs, *o)
	}
	return obs
}

// Result is one full analysis pass.
type Result struct {
	Endpoints []EndpointPhysics `json:"endpoints"`
	Claim     *ClaimCheck       `json:"claim,omitempty"`
	Estimate  *Estimate         `json:"estimate,omitempty"`
	Baseline  []BaselineDelta   `json:"baseline,omitempty"`
	Drift     *DriftReport      `json:"drift,omitempty"`
}

// Analyze runs physics bounds, optional claim falsification, and the
// estimator over one window of observations. claim may be nil. A nil
// Estimate with no error means insufficient located endpoints.
func Analyze(obs []Observation, claim *geo.Point, opts Options) *Result {
	opts = opts.withDefaults()

	res := &Result{
		Endpoints: PhysicsBounds(obs, opts),
	}
	if claim != nil {
		res.Claim = Falsify(res.Endpoints, *claim)
	}
	res.Estimate = EstimateOrigin(obs, opts)
	return res
}
