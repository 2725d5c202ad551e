// Command lattice-analyze runs offline analysis over a record log: physics
// bounds, claim falsification, origin estimation, calibration handling, and
// baseline comparison.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/lattice-probe/lattice/db/recorddb"
	"github.com/lattice-probe/lattice/pkg/analyze"
	"github.com/lattice-probe/lattice/pkg/geo"
	"github.com/lattice-probe/lattice/pkg/lattice"
	"github.com/lattice-probe/lattice/pkg/record"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
)

var opt struct {
	Config   string
	Session  string
	Baseline string

	ClaimLat float64
	ClaimLon float64

	Calibration    string
	CalibrationOut string
	CalibLat       float64
	CalibLon       float64

	BandFactor    float64
	BandWindowDeg float64
	PathStretch   float64

	JSON bool
	Help bool
}

func init() {
	pflag.StringVar(&opt.Config, "config", "lattice.json", "Path to the config document")
	pflag.StringVar(&opt.Session, "session", "", "Path to the session log (.jsonl, .jsonl.gz, or .db archive)")
	pflag.StringVar(&opt.Baseline, "baseline", "", "Path to a baseline log; if not given, the auto-baseline head of the session is used")
	pflag.Float64Var(&opt.ClaimLat, "claim-lat", math.NaN(), "Claimed egress latitude to falsify")
	pflag.Float64Var(&opt.ClaimLon, "claim-lon", math.NaN(), "Claimed egress longitude to falsify")
	pflag.StringVar(&opt.Calibration, "calibration", "", "Path to a calibration pack to apply")
	pflag.StringVar(&opt.CalibrationOut, "calibration-out", "", "Generate a calibration pack from the session and write it here")
	pflag.Float64Var(&opt.CalibLat, "calib-lat", math.NaN(), "Known latitude for calibration generation")
	pflag.Float64Var(&opt.CalibLon, "calib-lon", math.NaN(), "Known longitude for calibration generation")
	pflag.Float64Var(&opt.BandFactor, "band-factor", 0, "Tight band SSE factor (default 1.5)")
	pflag.Float64Var(&opt.BandWindowDeg, "band-window-deg", 0, "Fine-pass half window in degrees (default 3)")
	pflag.Float64Var(&opt.PathStretch, "path-stretch", 0, "Routing stretch factor (default 1.1; 1.0 is most conservative)")
	pflag.BoolVar(&opt.JSON, "json", false, "Emit the result as JSON")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 0 || opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}
	if opt.Session == "" {
		fmt.Fprintf(os.Stderr, "fatal: --session is required\n")
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	doc, err := lattice.LoadDocument(opt.Config)
	if err != nil {
		return err
	}

	recs, err := readRecords(opt.Session)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}

	opts := analyze.Options{
		PathStretch:     opt.PathStretch,
		BandFactorTight: opt.BandFactor,
		BandWindowDeg:   opt.BandWindowDeg,
	}

	// generation is a separate mode: build the pack and stop
	if opt.CalibrationOut != "" {
		if math.IsNaN(opt.CalibLat) || math.IsNaN(opt.CalibLon) {
			return fmt.Errorf("--calibration-out requires --calib-lat and --calib-lon")
		}
		obs := analyze.BuildObservations(recs, doc.Endpoints, nil)
		cal := analyze.GenerateCalibration(obs, geo.Point{Lat: opt.CalibLat, Lon: opt.CalibLon}, opts)
		if len(cal.Entries) == 0 {
			return fmt.Errorf("no endpoints with coordinates and samples to calibrate")
		}
		if err := cal.WriteFile(opt.CalibrationOut); err != nil {
			return err
		}
		fmt.Printf("wrote calibration for %d endpoints (%d samples) to %s\n",
			len(cal.Entries), cal.SampleCount, opt.CalibrationOut)
		return nil
	}

	var cal *analyze.Calibration
	if opt.Calibration != "" {
		if cal, err = analyze.LoadCalibration(opt.Calibration); err != nil {
			return err
		}
	}

	var claim *geo.Point
	if !math.IsNaN(opt.ClaimLat) && !math.IsNaN(opt.ClaimLon) {
		claim = &geo.Point{Lat: opt.ClaimLat, Lon: opt.ClaimLon}
	}

	// baseline: explicit log, or the locked head of the session
	sessionRecs := recs
	var baseObs []analyze.Observation
	if opt.Baseline != "" {
		baseRecs, err := readRecords(opt.Baseline)
		if err != nil {
			return fmt.Errorf("read baseline: %w", err)
		}
		baseObs = analyze.BuildObservations(baseRecs, doc.Endpoints, cal)
	} else if baseRecs, tail, auto := analyze.SplitAutoBaseline(recs, doc.AutoBaselineMinutes); auto.Locked {
		baseObs = analyze.BuildObservations(baseRecs, doc.Endpoints, cal)
		sessionRecs = tail
	}

	obs := analyze.BuildObservations(sessionRecs, doc.Endpoints, cal)
	res := analyze.Analyze(obs, claim, opts)
	if baseObs != nil {
		res.Baseline = analyze.CompareBaseline(baseObs, obs)
	}
	if cal != nil {
		res.Drift = cal.Drift(obs, analyze.DefaultDriftThresholdMs, opts)
	}

	if opt.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(res)
	return nil
}

func readRecords(path string) ([]record.BurstRecord, error) {
	if strings.HasSuffix(path, ".db") {
		db, err := recorddb.Open(path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		if cur, want, err := db.Version(); err != nil {
			return nil, err
		} else if cur < want {
			if err := db.MigrateUp(context.Background(), want); err != nil {
				return nil, err
			}
		}
		return db.Records(0)
	}
	recs, skipped, err := record.ReadLog(path)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "warning: skipped %d corrupt log lines\n", skipped)
	}
	return recs, nil
}

func printResult(res *analyze.Result) {
	for _, ep := range res.Endpoints {
		fmt.Printf("endpoint %-16s samples %-5d p05 %8.2fms  p95 %8.2fms  bias %6.2fms  tight %8.0fkm  loose %8.0fkm",
			ep.ID, ep.Samples, ep.P05Ms, ep.P95Ms, ep.BiasMs, ep.TightMaxKm, ep.LooseMaxKm)
		if res.Claim != nil && ep.Point != nil {
			fmt.Printf("  claim-dist %8.0fkm", ep.ClaimDistKm)
			if ep.FalsifyTight {
				fmt.Printf("  FALSIFY")
			}
		}
		fmt.Println()
	}
	if c := res.Claim; c != nil {
		switch {
		case c.StronglyFalsified:
			fmt.Printf("claim (%.4f, %.4f): STRONGLY FALSIFIED (%d endpoints)\n", c.Point.Lat, c.Point.Lon, c.TightTriggers)
		case c.Falsified:
			fmt.Printf("claim (%.4f, %.4f): falsified\n", c.Point.Lat, c.Point.Lon)
		default:
			fmt.Printf("claim (%.4f, %.4f): consistent with observations\n", c.Point.Lat, c.Point.Lon)
		}
	}
	if e := res.Estimate; e != nil {
		fmt.Printf("estimate: (%.2f, %.2f) %s  bias %.2fms  sse %.3f  points %d\n",
			e.Lat, e.Lon, e.Geohash, e.BiasMs, e.SSE, e.Points)
		fmt.Printf("  tight band: radius %.0fkm", e.Tight.RadiusKm)
		if el := e.Tight.Ellipse; el != nil {
			fmt.Printf("  ellipse %.0fx%.0fkm @ %.0f deg", el.MajorKm, el.MinorKm, el.AngleDeg)
		}
		fmt.Println()
		fmt.Printf("  loose band: radius %.0fkm", e.Loose.RadiusKm)
		if bb := e.Loose.BBox; bb != nil {
			fmt.Printf("  bbox [%.1f..%.1f, %.1f..%.1f]", bb.MinLat, bb.MaxLat, bb.MinLon, bb.MaxLon)
		}
		fmt.Println()
	} else {
		fmt.Println("estimate: insufficient data (need 3+ endpoints with coordinates and samples)")
	}
	for _, d := range res.Baseline {
		fmt.Printf("baseline %-16s p05 %8.2fms -> %8.2fms  delta %+.2fms\n", d.ID, d.BaselineP05, d.SessionP05, d.DeltaP05)
	}
	if d := res.Drift; d != nil {
		fmt.Printf("calibration drift: median %.2fms  max %.2fms", d.MedianAbsMs, d.MaxAbsMs)
		if d.Warn {
			fmt.Printf("  WARN (> %.0fms)", d.ThresholdMs)
		}
		fmt.Println()
	}
}
