package health

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
)

func TestExpectedSamples(t *testing.T) {
	// 10 minutes at 60s intervals, 5 samples per burst
	if got := ExpectedSamples(10, 60, 5); got != 50 {
		t.Errorf("got %d, want 50", got)
	}
	// ceil: 90s intervals over 10 minutes -> ceil(600/90)=7 bursts
	if got := ExpectedSamples(10, 90, 5); got != 35 {
		t.Errorf("got %d, want 35", got)
	}
	if got := ExpectedSamples(0, 60, 5); got != 0 {
		t.Errorf("zero window: %d", got)
	}
}

func TestSummarizeLoss(t *testing.T) {
	eps := []probe.Endpoint{{ID: "a"}, {ID: "quiet"}}
	recs := []record.BurstRecord{
		{Endpoint: "a", TimestampMs: 100, SamplesMs: []float64{1, 2, 3, 4, 5}},
		{Endpoint: "a", TimestampMs: 200, SamplesMs: []float64{1, 2, 3, 4, 5}},
	}
	hs := Summarize(recs, eps, 2, 60, 5) // expected: 2 bursts * 5 = 10

	if len(hs) != 2 {
		t.Fatalf("got %d entries", len(hs))
	}
	a := hs[0]
	if a.ID != "a" || a.Samples != 10 || a.Expected != 10 || a.LossPct != 0 {
		t.Errorf("a = %+v", a)
	}
	if a.LastSeenMs != 200 {
		t.Errorf("lastSeen = %d", a.LastSeenMs)
	}
	quiet := hs[1]
	if quiet.Samples != 0 || quiet.LossPct != 100 {
		t.Errorf("quiet = %+v", quiet)
	}
}

func TestSummarizeClampsLoss(t *testing.T) {
	eps := []probe.Endpoint{{ID: "a"}}
	recs := []record.BurstRecord{
		{Endpoint: "a", SamplesMs: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
	}
	hs := Summarize(recs, eps, 1, 60, 5) // expected 5, actual 12
	if hs[0].LossPct != 0 {
		t.Errorf("over-delivery loss = %v, want clamp to 0", hs[0].LossPct)
	}
}

func TestCheckHygiene(t *testing.T) {
	lat, lon := 1.0, 2.0
	eps := []probe.Endpoint{
		{ID: "good", Host: "a.example.com", RegionHint: "eu", Lat: &lat, Lon: &lon},
		{ID: "nocoords", Host: "b.example.com", RegionHint: "us"},
		{ID: "noregion", Host: "c.example.com", Lat: &lat, Lon: &lon},
		{ID: "dup1", Host: "d.example.com", RegionHint: "eu", Lat: &lat, Lon: &lon},
		{ID: "dup2", Host: "d.example.com", RegionHint: "eu", Lat: &lat, Lon: &lon},
	}
	h := CheckHygiene(eps)

	if len(h.MissingCoords) != 1 || h.MissingCoords[0] != "nocoords" {
		t.Errorf("missingCoords = %v", h.MissingCoords)
	}
	if len(h.MissingRegion) != 1 || h.MissingRegion[0] != "noregion" {
		t.Errorf("missingRegion = %v", h.MissingRegion)
	}
	if len(h.DuplicateHosts) != 1 || len(h.DuplicateHosts[0]) != 2 {
		t.Errorf("duplicateHosts = %v", h.DuplicateHosts)
	}
}

func TestLogWatchTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.jsonl")
	if err := os.WriteFile(path, []byte("aaaa\nbbbb\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w := NewLogWatch(path)
	if r, err := w.Check(); err != nil || r != nil {
		t.Fatalf("seed check: %v, %v", r, err)
	}

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	r, err := w.Check()
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Reason != ResetTruncated {
		t.Fatalf("expected truncated reset, got %+v", r)
	}
	if r.DetectedMs == 0 {
		t.Error("missing detection time")
	}

	// reported exactly once
	if r, _ := w.Check(); r != nil {
		t.Errorf("second check reported again: %+v", r)
	}
}

func TestLogWatchRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.jsonl")
	if err := os.WriteFile(path, []byte("old content\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w := NewLogWatch(path)
	if _, err := w.Check(); err != nil {
		t.Fatal(err)
	}

	// rotate: move aside, recreate with larger content so only the inode
	// check can catch it
	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("new content that is longer than before\n"), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := w.Check()
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Reason != ResetRotated {
		t.Fatalf("expected rotated reset, got %+v", r)
	}
	if r2, _ := w.Check(); r2 != nil {
		t.Errorf("reported twice: %+v", r2)
	}
}

func TestLogWatchMissingFile(t *testing.T) {
	w := NewLogWatch(filepath.Join(t.TempDir(), "nope.jsonl"))
	if _, err := w.Check(); err == nil {
		t.Error("expected error for missing log")
	}
}
