package analyze

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lattice-probe/lattice/pkg/geo"
)

func TestCalibrationPackRoundTrip(t *testing.T) {
	origin := geo.Point{Lat: 5, Lon: 5}
	opts := Options{PathStretch: 1}
	obs := []Observation{
		obsAt("a", geo.Point{Lat: 0, Lon: 0}, origin, 2, opts),
		obsAt("b", geo.Point{Lat: 0, Lon: 10}, origin, 2, opts),
	}
	cal := GenerateCalibration(obs, origin, opts)
	if cal.BuildMs == 0 {
		t.Error("missing build timestamp")
	}

	path := filepath.Join(t.TempDir(), "cal.json")
	if err := cal.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadCalibration(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CalibrationLat != 5 || loaded.CalibrationLon != 5 {
		t.Errorf("location = (%v, %v)", loaded.CalibrationLat, loaded.CalibrationLon)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("entries = %d", len(loaded.Entries))
	}
	for _, e := range loaded.Entries {
		if e.BiasMs != cal.BiasFor(e.ID) {
			t.Errorf("%s bias = %v, want %v", e.ID, e.BiasMs, cal.BiasFor(e.ID))
		}
	}
	if loaded.BiasFor("unknown") != 0 {
		t.Error("unknown endpoint bias not 0")
	}
}

func TestLoadCalibrationAcceptsForeignScale(t *testing.T) {
	// the scale field is reserved; loading a pack with a non-1.0 scale must
	// succeed and leave bias handling unchanged
	path := filepath.Join(t.TempDir(), "cal.json")
	doc := `{"calibrationLat":1,"calibrationLon":2,"sampleCount":3,"buildMs":4,` +
		`"entries":[{"id":"x","biasMs":7.5,"scale":2.5,"sampleCount":3}]}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cal, err := LoadCalibration(path)
	if err != nil {
		t.Fatal(err)
	}
	if cal.BiasFor("x") != 7.5 {
		t.Errorf("bias = %v", cal.BiasFor("x"))
	}
	if cal.Entries[0].Scale != 2.5 {
		t.Errorf("scale not preserved: %v", cal.Entries[0].Scale)
	}
}

func TestLoadCalibrationInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.json")

	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalibration(path); !errors.Is(err, ErrCalibrationInvalid) {
		t.Errorf("garbage pack: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"calibrationLat":1,"calibrationLon":2,"entries":[]}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalibration(path); !errors.Is(err, ErrCalibrationInvalid) {
		t.Errorf("empty pack: %v", err)
	}

	if _, err := LoadCalibration(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing pack accepted")
	}
}
