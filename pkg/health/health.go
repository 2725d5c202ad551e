// Package health reports endpoint completeness, probe loss, and log
// integrity for a LATTICE session.
package health

import (
	"math"
	"sort"

	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
)

// EndpointHealth is one endpoint's sample accounting over a window.
type EndpointHealth struct {
	ID         string  `json:"id"`
	Samples    int     `json:"samples"`
	Expected   int     `json:"expected"`
	LossPct    float64 `json:"lossPct"`
	LastSeenMs int64   `json:"lastSeenMs"`
}

// ExpectedSamples is the number of samples an endpoint should produce over a
// window: one burst per interval, samplesPerEndpoint probes per burst.
func ExpectedSamples(windowMinutes float64, intervalSeconds, samplesPerEndpoint int) int {
	if intervalSeconds <= 0 || samplesPerEndpoint <= 0 || windowMinutes <= 0 {
		return 0
	}
	bursts := int(math.Ceil(windowMinutes * 60 / float64(intervalSeconds)))
	return bursts * samplesPerEndpoint
}

// Summarize computes per-endpoint health over a window of records. Endpoints
// configured but absent from the window appear with zero samples.
func Summarize(recs []record.BurstRecord, eps []probe.Endpoint, windowMinutes float64, intervalSeconds, samplesPerEndpoint int) []EndpointHealth {
	expected := ExpectedSamples(windowMinutes, intervalSeconds, samplesPerEndpoint)

	byID := make(map[string]*EndpointHealth)
	var order []string
	for i := range eps {
		byID[eps[i].ID] = &EndpointHealth{ID: eps[i].ID, Expected: expected}
		order = append(order, eps[i].ID)
	}
	for i := range recs {
		r := &recs[i]
		h, ok := byID[r.Endpoint]
		if !ok {
			h = &EndpointHealth{ID: r.Endpoint, Expected: expected}
			byID[r.Endpoint] = h
			order = append(order, r.Endpoint)
		}
		h.Samples += len(r.SamplesMs)
		if r.TimestampMs > h.LastSeenMs {
			h.LastSeenMs = r.TimestampMs
		}
	}

	out := make([]EndpointHealth, 0, len(order))
	for _, id := range order {
		h := byID[id]
		if h.Expected > 0 {
			h.LossPct = 100 * (1 - float64(h.Samples)/float64(h.Expected))
			if h.LossPct < 0 {
				h.LossPct = 0
			}
			if h.LossPct > 100 {
				h.LossPct = 100
			}
		}
		out = append(out, *h)
	}
	return out
}

// Hygiene lists config defects that degrade analysis quality.
type Hygiene struct {
	MissingCoords  []string   `json:"missingCoords,omitempty"`
	MissingRegion  []string   `json:"missingRegion,omitempty"`
	DuplicateHosts [][]string `json:"duplicateHosts,omitempty"`
}

// CheckHygiene enumerates endpoints missing coordinates or region hints and
// clusters of endpoints sharing a host.
func CheckHygiene(eps []probe.Endpoint) Hygiene {
	var h Hygiene
	byHost := make(map[string][]string)
	for i := range eps {
		ep := &eps[i]
		if !ep.HasLocation() {
			h.MissingCoords = append(h.MissingCoords, ep.ID)
		}
		if ep.RegionHint == "" {
			h.MissingRegion = append(h.MissingRegion, ep.ID)
		}
		byHost[ep.Host] = append(byHost[ep.Host], ep.ID)
	}

	var hosts []string
	for host, ids := range byHost {
		if len(ids) > 1 {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		h.DuplicateHosts = append(h.DuplicateHosts, byHost[host])
	}
	return h
}
