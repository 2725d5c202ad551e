package analyze

import (
	"math"
	"testing"

	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
)

func loc(lat, lon float64) *geo.Point {
	return &geo.Point{Lat: lat, Lon: lon}
}

// obsAt synthesizes an observation whose RTTs equal the round-trip
// propagation time from origin plus extraMs, with a bit of symmetric jitter.
func obsAt(id string, p geo.Point, origin geo.Point, extraMs float64, opts Options) Observation {
	opts = opts.withDefaults()
	rtt := 2*geo.OneWayMs(geo.HaversineKm(origin, p), opts.EffectiveC, opts.PathStretch) + extraMs
	samples := []float64{rtt - 0.2, rtt - 0.1, rtt, rtt + 0.1, rtt + 0.2}
	o := Observation{ID: id, Point: &p, Samples: samples}
	_, o.P05Ms, _, _ = record.Summarize(samples)
	o.P95Ms, _ = record.P95(samples)
	return o
}

func TestPhysicsBudgets(t *testing.T) {
	obs := []Observation{{
		ID:      "sfo",
		Point:   loc(37.77, -122.42),
		Samples: []float64{2, 2, 2},
		P05Ms:   2,
		P95Ms:   2,
	}}
	eps := PhysicsBounds(obs, Options{})
	if len(eps) != 1 {
		t.Fatalf("got %d endpoints", len(eps))
	}
	ep := eps[0]
	if ep.TightBudgetMs != 2 {
		t.Errorf("tight budget = %v", ep.TightBudgetMs)
	}
	if math.Abs(ep.TightMaxKm-220) > 1e-9 {
		t.Errorf("tight max = %v km, want 220", ep.TightMaxKm)
	}

	// bias larger than the quantile clamps the budget at zero
	obs[0].BiasMs = 10
	eps = PhysicsBounds(obs, Options{})
	if eps[0].TightBudgetMs != 0 || eps[0].TightMaxKm != 0 {
		t.Errorf("clamped budget = %v, max = %v", eps[0].TightBudgetMs, eps[0].TightMaxKm)
	}
}

func TestPhysicsSkipsEmptyObservations(t *testing.T) {
	obs := []Observation{{ID: "silent", Point: loc(0, 0)}}
	if eps := PhysicsBounds(obs, Options{}); len(eps) != 0 {
		t.Errorf("empty observation produced bounds: %+v", eps)
	}
}

func TestFalsifyStockholmClaim(t *testing.T) {
	// scenario: claim Stockholm, but a San Francisco endpoint answers in 2ms
	obs := []Observation{{
		ID:      "sfo",
		Point:   loc(37.77, -122.42),
		Samples: []float64{2, 2, 2},
		P05Ms:   2,
		P95Ms:   2,
	}}
	eps := PhysicsBounds(obs, Options{})
	claim := geo.Point{Lat: 59.3293, Lon: 18.0686}
	c := Falsify(eps, claim)

	if !eps[0].FalsifyTight {
		t.Error("expected falsifyTight")
	}
	if eps[0].ClaimDistKm < 8500 || eps[0].ClaimDistKm > 8700 {
		t.Errorf("claim distance = %v", eps[0].ClaimDistKm)
	}
	if !c.Falsified {
		t.Error("claim not falsified")
	}
	if c.StronglyFalsified {
		t.Error("single trigger must not be strong")
	}

	// falsification consistency: tight disk excludes claim <=> flag set
	for _, ep := range eps {
		if (ep.TightMaxKm < ep.ClaimDistKm) != ep.FalsifyTight {
			t.Errorf("inconsistent falsification for %s", ep.ID)
		}
	}
}

func TestFalsifyStrong(t *testing.T) {
	obs := []Observation{
		{ID: "a", Point: loc(37.77, -122.42), Samples: []float64{2}, P05Ms: 2, P95Ms: 2},
		{ID: "b", Point: loc(34.05, -118.24), Samples: []float64{3}, P05Ms: 3, P95Ms: 3},
	}
	eps := PhysicsBounds(obs, Options{})
	c := Falsify(eps, geo.Point{Lat: 59.3293, Lon: 18.0686})
	if !c.StronglyFalsified || c.TightTriggers != 2 {
		t.Errorf("triggers = %d, strong = %v", c.TightTriggers, c.StronglyFalsified)
	}
}

func TestEstimateAroundKnownPoint(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	var opts Options
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 1, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 1, opts),
		obsAt("c", geo.Point{Lat: 10, Lon: 0}, origin, 1, opts),
		obsAt("d", geo.Point{Lat: 10, Lon: 10}, origin, 1, opts),
	}
	est := EstimateOrigin(obs, opts)
	if est == nil {
		t.Fatal("no estimate")
	}
	if math.Abs(est.Lat-5) > 0.3 || math.Abs(est.Lon-5) > 0.3 {
		t.Errorf("estimate (%v, %v), want within 0.3 of (5, 5)", est.Lat, est.Lon)
	}
	if math.Abs(est.BiasMs-1) > 0.5 {
		t.Errorf("bias = %v, want ~1", est.BiasMs)
	}
	if est.Points != 4 {
		t.Errorf("points = %d", est.Points)
	}
	if est.Loose.BBox == nil {
		t.Error("loose band missing bbox")
	}
	if est.Tight.RadiusKm <= 0 || est.Loose.RadiusKm <= 0 {
		t.Errorf("band radii: tight %v, loose %v", est.Tight.RadiusKm, est.Loose.RadiusKm)
	}
	if est.Geohash == "" {
		t.Error("missing geohash")
	}
}

func TestEstimateInsufficientData(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	var opts Options
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 1, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 1, opts),
		{ID: "nowhere", Samples: []float64{5}, P05Ms: 5, P95Ms: 5}, // no coordinates
	}
	if est := EstimateOrigin(obs, opts); est != nil {
		t.Errorf("expected nil estimate, got %+v", est)
	}
}

func TestCalibrationInversion(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	opts := Options{PathStretch: 1} // calibration bias is defined without stretch
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 1, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 1, opts),
		obsAt("c", geo.Point{Lat: 10, Lon: 0}, origin, 1, opts),
		obsAt("d", geo.Point{Lat: 10, Lon: 10}, origin, 1, opts),
	}

	cal := GenerateCalibration(obs, origin, opts)
	if len(cal.Entries) != 4 {
		t.Fatalf("entries = %d", len(cal.Entries))
	}
	for _, e := range cal.Entries {
		if math.Abs(e.BiasMs-1) > 0.2 {
			t.Errorf("%s bias = %v, want ~1", e.ID, e.BiasMs)
		}
		if e.Scale != 1.0 {
			t.Errorf("%s scale = %v", e.ID, e.Scale)
		}
	}

	// applying the pack to the same window drives live bias to ~0
	drift := cal.Drift(obs, 5, opts)
	if drift == nil {
		t.Fatal("no drift report")
	}
	if drift.MaxAbsMs > 0.01 {
		t.Errorf("drift vs own window = %v ms", drift.MaxAbsMs)
	}
	if drift.Warn {
		t.Error("warn on zero drift")
	}
}

func TestCalibrationShrinksTightBand(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	var opts Options
	// a constant 30ms access-latency floor inflates every RTT
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 30, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 30, opts),
		obsAt("c", geo.Point{Lat: 10, Lon: 0}, origin, 30, opts),
		obsAt("d", geo.Point{Lat: 10, Lon: 10}, origin, 30, opts),
	}

	before := PhysicsBounds(obs, opts)

	cal := GenerateCalibration(obs, origin, Options{PathStretch: 1})
	withCal := make([]Observation, len(obs))
	copy(withCal, obs)
	for i := range withCal {
		withCal[i].BiasMs = cal.BiasFor(withCal[i].ID)
	}
	after := PhysicsBounds(withCal, opts)

	for i := range before {
		if after[i].TightMaxKm >= before[i].TightMaxKm {
			t.Errorf("%s: tight disk did not shrink (%v -> %v km)",
				before[i].ID, before[i].TightMaxKm, after[i].TightMaxKm)
		}
	}
}

func TestDriftDetectsShift(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	opts := Options{PathStretch: 1}
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 1, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 1, opts),
		obsAt("c", geo.Point{Lat: 10, Lon: 0}, origin, 1, opts),
	}
	cal := GenerateCalibration(obs, origin, opts)

	// the path to endpoint a degrades by 12ms
	shifted := make([]Observation, len(obs))
	copy(shifted, obs)
	moved := obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 13, opts)
	shifted[0] = moved

	rep := cal.Drift(shifted, 5, opts)
	if rep == nil {
		t.Fatal("no report")
	}
	if !rep.Warn {
		t.Error("12ms shift did not warn")
	}
	if math.Abs(rep.MaxAbsMs-12) > 0.5 {
		t.Errorf("max drift = %v, want ~12", rep.MaxAbsMs)
	}
	if len(rep.Worst) == 0 || rep.Worst[0].ID != "a" {
		t.Errorf("worst = %+v", rep.Worst)
	}
}

func TestBaselineDelta(t *testing.T) {
	baseline := []Observation{{ID: "A", Samples: []float64{20}, P05Ms: 20}}
	session := []Observation{
		{ID: "A", Samples: []float64{80}, P05Ms: 80},
		{ID: "B", Samples: []float64{10}, P05Ms: 10}, // not in baseline
	}
	deltas := CompareBaseline(baseline, session)
	if len(deltas) != 1 {
		t.Fatalf("got %d deltas", len(deltas))
	}
	if deltas[0].ID != "A" || deltas[0].DeltaP05 != 60 {
		t.Errorf("delta = %+v", deltas[0])
	}
}

func TestSplitAutoBaseline(t *testing.T) {
	mk := func(ms int64) record.BurstRecord {
		return record.BurstRecord{Endpoint: "e", TimestampMs: ms, SamplesMs: []float64{1}}
	}

	// log shorter than the window: nothing locked, all session
	recs := []record.BurstRecord{mk(0), mk(60_000), mk(120_000)}
	base, sess, st := SplitAutoBaseline(recs, 5)
	if st.Locked || base != nil || len(sess) != 3 {
		t.Errorf("unlocked split: base=%d sess=%d locked=%v", len(base), len(sess), st.Locked)
	}

	// log extending past the window locks the head
	recs = append(recs, mk(300_001), mk(400_000))
	base, sess, st = SplitAutoBaseline(recs, 5)
	if !st.Locked {
		t.Fatal("not locked")
	}
	if len(base) != 3 || len(sess) != 2 {
		t.Errorf("split: base=%d sess=%d", len(base), len(sess))
	}
	if st.MinutesCaptured != 5 {
		t.Errorf("minutesCaptured = %v", st.MinutesCaptured)
	}
}

func TestBuildObservations(t *testing.T) {
	lat, lon := 10.0, 20.0
	eps := []probe.Endpoint{{ID: "a", RegionHint: "eu", Lat: &lat, Lon: &lon}}
	recs := []record.BurstRecord{
		{Endpoint: "a", SamplesMs: []float64{3, 1}},
		{Endpoint: "a", SamplesMs: []float64{2}},
		{Endpoint: "ghost", SamplesMs: []float64{9}},
	}
	obs := BuildObservations(recs, eps, nil)
	if len(obs) != 2 {
		t.Fatalf("got %d observations", len(obs))
	}
	if obs[0].ID != "a" || len(obs[0].Samples) != 3 {
		t.Errorf("pooled obs = %+v", obs[0])
	}
	if obs[0].Point == nil || obs[0].Point.Lat != 10 {
		t.Error("metadata not attached")
	}
	if obs[1].ID != "ghost" || obs[1].Point != nil {
		t.Errorf("ghost obs = %+v", obs[1])
	}
}

func TestAnalyzeEndToEnd(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	var opts Options
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 1, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 1, opts),
		obsAt("c", geo.Point{Lat: 10, Lon: 0}, origin, 1, opts),
		obsAt("d", geo.Point{Lat: 10, Lon: 10}, origin, 1, opts),
	}
	claim := geo.Point{Lat: 59.3293, Lon: 18.0686} // nowhere near the square
	res := Analyze(obs, &claim, opts)
	if res.Claim == nil || !res.Claim.Falsified {
		t.Error("distant claim not falsified")
	}
	if res.Estimate == nil {
		t.Error("no estimate despite 4 located endpoints")
	}
	if len(res.Endpoints) != 4 {
		t.Errorf("endpoints = %d", len(res.Endpoints))
	}
}
