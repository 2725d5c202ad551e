package analyze

import (
	"math"
	"testing"
)

func TestMakeBandEllipse(t *testing.T) {
	best := &cell{lat: 10, lon: 20, sse: 1}
	cells := []cell{
		*best,
		{lat: 10.1, lon: 20, sse: 1.1},
		{lat: 9.9, lon: 20, sse: 1.1},
		{lat: 10, lon: 20.1, sse: 1.3},
		{lat: 10, lon: 19.9, sse: 1.3},
		{lat: 12, lon: 20, sse: 40}, // far above threshold
	}
	b := makeBand(cells, best, 1.5, 0.1, true)
	if b.Ellipse == nil {
		t.Fatal("no ellipse with 5 qualifying cells")
	}
	if b.Ellipse.MajorKm < b.Ellipse.MinorKm {
		t.Errorf("major %v < minor %v", b.Ellipse.MajorKm, b.Ellipse.MinorKm)
	}
	if b.RadiusKm != b.Ellipse.MajorKm {
		t.Errorf("radius %v != major %v", b.RadiusKm, b.Ellipse.MajorKm)
	}
	if b.Ellipse.AngleDeg < 0 || b.Ellipse.AngleDeg >= 180 {
		t.Errorf("angle = %v", b.Ellipse.AngleDeg)
	}
	if b.BBox == nil {
		t.Fatal("no bbox")
	}
	if b.BBox.MinLat != 9.9 || b.BBox.MaxLat != 10.1 || b.BBox.MinLon != 19.9 || b.BBox.MaxLon != 20.1 {
		t.Errorf("bbox = %+v", b.BBox)
	}

	// the lat spread dominates, so the major axis should point north-ish
	if !(b.Ellipse.AngleDeg < 45 || b.Ellipse.AngleDeg > 135) {
		t.Errorf("major axis angle %v for a north-south band", b.Ellipse.AngleDeg)
	}
}

func TestMakeBandDegradesToCircle(t *testing.T) {
	best := &cell{lat: 0, lon: 0, sse: 1}
	cells := []cell{*best, {lat: 0.1, lon: 0, sse: 1.2}}

	b := makeBand(cells, best, 1.5, 0.1, false)
	if b.Ellipse != nil {
		t.Error("ellipse from 2 cells")
	}
	// circle must reach the farthest qualifying cell, 0.1 deg of latitude
	want := 0.1 * 111.19
	if math.Abs(b.RadiusKm-want) > 1 {
		t.Errorf("radius = %v, want ~%v", b.RadiusKm, want)
	}

	// single qualifying cell is floored at half a grid step
	b = makeBand([]cell{*best}, best, 1.5, 0.1, false)
	if b.RadiusKm <= 0 {
		t.Errorf("single-cell radius = %v", b.RadiusKm)
	}
}
