package analyze

import (
	"github.com/lattice-probe/lattice/pkg/geo"
)

// EndpointPhysics is the per-endpoint physics bound: each endpoint with at
// least one sample induces a disk around its coordinates outside which the
// probing host cannot be.
type EndpointPhysics struct {
	ID         string     `json:"id"`
	RegionHint string     `json:"regionHint,omitempty"`
	Point      *geo.Point `json:"point,omitempty"`
	Samples    int        `json:"samples"`

	P05Ms  float64 `json:"p05Ms"`
	P95Ms  float64 `json:"p95Ms"`
	BiasMs float64 `json:"biasMs"`

	TightBudgetMs float64 `json:"tightBudgetMs"`
	LooseBudgetMs float64 `json:"looseBudgetMs"`
	TightMaxKm    float64 `json:"tightMaxKm"`
	LooseMaxKm    float64 `json:"looseMaxKm"`

	// set by Falsify when a claim is checked
	ClaimDistKm  float64 `json:"claimDistKm,omitempty"`
	FalsifyTight bool    `json:"falsifyTight,omitempty"`
	FalsifyLoose bool    `json:"falsifyLoose,omitempty"`
}

// PhysicsBounds computes latency budgets and maximum-distance disks for every
// observation with at least one sample.
func PhysicsBounds(obs []Observation, opts Options) []EndpointPhysics {
	opts = opts.withDefaults()

	out := make([]EndpointPhysics, 0, len(obs))
	for i := range obs {
		o := &obs[i]
		if !o.Valid() {
			continue
		}
		ep := EndpointPhysics{
			ID:         o.ID,
			RegionHint: o.RegionHint,
			Point:      o.Point,
			Samples:    len(o.Samples),
			P05Ms:      o.P05Ms,
			P95Ms:      o.P95Ms,
			BiasMs:     o.BiasMs,
		}
		ep.TightBudgetMs = clampNonNeg(o.P05Ms - o.BiasMs)
		ep.LooseBudgetMs = clampNonNeg(o.P95Ms - o.BiasMs)
		ep.TightMaxKm = geo.MaxDistKm(ep.TightBudgetMs, opts.EffectiveC, opts.PathStretch)
		ep.LooseMaxKm = geo.MaxDistKm(ep.LooseBudgetMs, opts.EffectiveC, opts.PathStretch)
		out = append(out, ep)
	}
	return out
}

// ClaimCheck is the verdict on a claimed egress location.
type ClaimCheck struct {
	Point             geo.Point `json:"point"`
	Falsified         bool      `json:"falsified"`
	StronglyFalsified bool      `json:"stronglyFalsified"`
	TightTriggers     int       `json:"tightTriggers"`
	LooseTriggers     int       `json:"looseTriggers"`
}

// Falsify checks a claimed location against every located endpoint's disk,
// annotating eps in place. The claim is falsified when any endpoint's tight
// disk excludes it, strongly falsified when more than one does.
func Falsify(eps []EndpointPhysics, claim geo.Point) *ClaimCheck {
	c := &ClaimCheck{Point: claim}
	for i := range eps {
		ep := &eps[i]
		if ep.Point == nil {
			continue
		}
		ep.ClaimDistKm = geo.HaversineKm(claim, *ep.Point)
		if ep.ClaimDistKm > ep.TightMaxKm {
			ep.FalsifyTight = true
			c.TightTriggers++
		}
		if ep.ClaimDistKm > ep.LooseMaxKm {
			ep.FalsifyLoose = true
			c.LooseTriggers++
		}
	}
	c.Falsified = c.TightTriggers >= 1
	c.StronglyFalsified = c.TightTriggers > 1
	return c
}

func clampNonNeg(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
