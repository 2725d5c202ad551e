package analyze

import (
	"github.com/lattice-probe/lattice/pkg/record"
)

// DefaultAutoBaselineMinutes is how much of the head of a log the implicit
// baseline captures.
const DefaultAutoBaselineMinutes = 5

// BaselineDelta is one endpoint's p05 shift between a baseline window and
// the current session.
type BaselineDelta struct {
	ID          string  `json:"id"`
	BaselineP05 float64 `json:"baselineP05Ms"`
	SessionP05  float64 `json:"sessionP05Ms"`
	DeltaP05    float64 `json:"deltaP05Ms"`
}

// CompareBaseline computes per-endpoint p05 deltas for endpoints present in
// both windows.
func CompareBaseline(baseline, session []Observation) []BaselineDelta {
	base := make(map[string]*Observation, len(baseline))
	for i := range baseline {
		if baseline[i].Valid() {
			base[baseline[i].ID] = &baseline[i]
		}
	}

	var out []BaselineDelta
	for i := range session {
		s := &session[i]
		b, ok := base[s.ID]
		if !ok || !s.Valid() {
			continue
		}
		out = append(out, BaselineDelta{
			ID:          s.ID,
			BaselineP05: b.P05Ms,
			SessionP05:  s.P05Ms,
			DeltaP05:    s.P05Ms - b.P05Ms,
		})
	}
	return out
}

// AutoBaseline describes the implicit baseline window at the head of a log.
type AutoBaseline struct {
	StartMs         int64   `json:"startMs"`
	MinutesCaptured float64 `json:"minutesCaptured"`
	Locked          bool    `json:"locked"`
}

// SplitAutoBaseline divides records into the auto-baseline head (the first
// minutes of the log) and the session tail. The baseline locks once the log
// extends past the capture window; until then the whole log is session and
// no baseline is served.
func SplitAutoBaseline(recs []record.BurstRecord, minutes float64) (baseline, session []record.BurstRecord, state AutoBaseline) {
	if minutes <= 0 {
		minutes = DefaultAutoBaselineMinutes
	}
	if len(recs) == 0 {
		return nil, recs, AutoBaseline{}
	}

	start := recs[0].TimestampMs
	var last int64
	for i := range recs {
		if recs[i].TimestampMs < start {
			start = recs[i].TimestampMs
		}
		if recs[i].TimestampMs > last {
			last = recs[i].TimestampMs
		}
	}
	cutoff := start + int64(minutes*60*1000)
	state = AutoBaseline{
		StartMs:         start,
		MinutesCaptured: float64(last-start) / 60000,
		Locked:          last > cutoff,
	}
	if !state.Locked {
		return nil, recs, state
	}
	if state.MinutesCaptured > minutes {
		state.MinutesCaptured = minutes
	}

	for i := range recs {
		if recs[i].TimestampMs < cutoff {
			baseline = append(baseline, recs[i])
		} else {
			session = append(session, recs[i])
		}
	}
	return baseline, session, state
}
