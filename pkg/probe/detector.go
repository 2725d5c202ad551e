package probe

import (
	"fmt"
	"strings"

	"github.com/lattice-probe/lattice/pkg/record"
)

// detect appends a physics_mismatch note when the burst's minimum RTT to an
// endpoint in (or near) the claimed egress region exceeds the configured
// threshold: traffic genuinely egressing there should reach a local endpoint
// quickly.
func (p *Prober) detect(rec *record.BurstRecord, ep *Endpoint) {
	if p.ClaimedEgressRegion == "" || p.PhysicsMismatchThresholdMs <= 0 {
		return
	}
	if !regionMatch(p.ClaimedEgressRegion, ep.RegionHint) {
		return
	}
	if rec.MinMs == nil || *rec.MinMs <= p.PhysicsMismatchThresholdMs {
		return
	}
	rec.Notes = append(rec.Notes, fmt.Sprintf(
		"physics_mismatch: claim %q vs endpoint %s (%s): min %.2fms > threshold %.2fms",
		p.ClaimedEgressRegion, ep.ID, ep.RegionHint, *rec.MinMs, p.PhysicsMismatchThresholdMs))
	p.Logger.Warn().
		Str("claim", p.ClaimedEgressRegion).
		Str("endpoint", ep.ID).
		Float64("minMs", *rec.MinMs).
		Float64("thresholdMs", p.PhysicsMismatchThresholdMs).
		Msg("physics mismatch")
}

// regionMatch is a deliberately forgiving comparison: case-insensitive
// substring in either direction, so "EU" matches "eu-north" and
// "Stockholm, EU" matches "EU".
func regionMatch(claim, hint string) bool {
	if claim == "" || hint == "" {
		return false
	}
	c, h := strings.ToLower(strings.TrimSpace(claim)), strings.ToLower(strings.TrimSpace(hint))
	return strings.Contains(c, h) || strings.Contains(h, c)
}
