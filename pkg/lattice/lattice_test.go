package lattice

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/record"
	"github.com/rs/zerolog"
)

func testDoc(outputPath string) *Document {
	lat1, lon1 := 0.0, 0.0
	lat2, lon2 := 0.0, 10.0
	lat3, lon3 := 10.0, 0.0
	return &Document{
		SecretHex: "30313233343536373839616263646566",
		Endpoints: []probe.Endpoint{
			{ID: "a", Host: "a.example.com", Port: 9000, RegionHint: "eu", Lat: &lat1, Lon: &lon1},
			{ID: "b", Host: "b.example.com", Port: 9000, RegionHint: "eu", Lat: &lat2, Lon: &lon2},
			{ID: "c", Host: "c.example.com", Port: 9000, Lat: &lat3, Lon: &lon3},
		},
		SamplesPerEndpoint: 5,
		SpacingMs:          10,
		TimeoutMs:          200,
		IntervalSeconds:    60,
		OutputPath:         outputPath,
	}
}

func writeTestConfig(t *testing.T, dir string) (cfgPath, logPath string) {
	t.Helper()
	logPath = filepath.Join(dir, "probe.jsonl")
	cfgPath = filepath.Join(dir, "lattice.json")
	b, err := json.Marshal(testDoc(logPath))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfgPath, b, 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, logPath
}

func TestDocumentValidate(t *testing.T) {
	d := testDoc("probe.jsonl")
	if err := d.Validate(); err != nil {
		t.Fatalf("valid doc rejected: %v", err)
	}

	bad := &Document{
		Endpoints: []probe.Endpoint{
			{ID: "", Host: "", Port: 0},
			{ID: "dup", Host: "h", Port: 1},
			{ID: "dup", Host: "h", Port: 1},
		},
		SamplesPerEndpoint: 0,
		TimeoutMs:          0,
		IntervalSeconds:    0,
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("invalid doc accepted")
	}
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type %T", err)
	}
	// id, host, port, duplicate id, samplesPerEndpoint, timeoutMs,
	// intervalSeconds, outputPath at minimum
	if len(verr) < 8 {
		t.Errorf("collected %d errors: %v", len(verr), err)
	}
	if !strings.Contains(err.Error(), "config invalid:") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestUnmarshalEnv(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{
		"LATTICE_CONFIG=/etc/lattice.json",
		"LATTICE_LOG_LEVEL=warn",
		"LATTICE_ADDR_UDP=:9100",
		"LATTICE_LOG_STDOUT=false",
	}, false); err != nil {
		t.Fatal(err)
	}
	if c.ConfigPath != "/etc/lattice.json" {
		t.Errorf("configPath = %q", c.ConfigPath)
	}
	if c.LogLevel != zerolog.WarnLevel {
		t.Errorf("logLevel = %v", c.LogLevel)
	}
	if c.AddrUDP.Port() != 9100 {
		t.Errorf("addrUDP = %v", c.AddrUDP)
	}
	if c.LogStdout {
		t.Error("logStdout not overridden")
	}
	// defaults applied for unset vars
	if c.LogFileLevel != zerolog.InfoLevel {
		t.Errorf("logFileLevel default = %v", c.LogFileLevel)
	}

	if err := c.UnmarshalEnv([]string{"LATTICE_BOGUS=1"}, false); err == nil {
		t.Error("unknown env var accepted")
	}
}

func TestSessionMarkAndClear(t *testing.T) {
	cfgPath, logPath := writeTestConfig(t, t.TempDir())
	s, err := NewSession(zerolog.Nop(), cfgPath, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(logPath, []byte("data\n"), 0644); err != nil {
		t.Fatal(err)
	}

	mark := s.MarkSession()
	if mark == 0 {
		t.Fatal("no mark")
	}
	if err := s.ClearState(true); err != nil {
		t.Fatal(err)
	}
	if fi, err := os.Stat(logPath); err != nil || fi.Size() != 0 {
		t.Errorf("log not truncated: %v, %v", fi, err)
	}
	st, err := s.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.SessionMarkMs != 0 {
		t.Error("mark survived clear")
	}
}

func TestSetConfigParts(t *testing.T) {
	cfgPath, _ := writeTestConfig(t, t.TempDir())
	s, err := NewSession(zerolog.Nop(), cfgPath, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetConfigParts(`[{"id":"x","host":"x.example.com","port":9000}]`, ""); err != nil {
		t.Fatal(err)
	}
	d := s.ConfigDoc()
	if len(d.Endpoints) != 1 || d.Endpoints[0].ID != "x" {
		t.Errorf("endpoints = %+v", d.Endpoints)
	}

	// persisted
	d2, err := LoadDocument(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(d2.Endpoints) != 1 || d2.Endpoints[0].ID != "x" {
		t.Errorf("persisted endpoints = %+v", d2.Endpoints)
	}

	// invalid parts are rejected and leave the config untouched
	if err := s.SetConfigParts(`[{"id":"","host":"","port":0}]`, ""); err == nil {
		t.Error("invalid endpoints accepted")
	}
	if d := s.ConfigDoc(); len(d.Endpoints) != 1 || d.Endpoints[0].ID != "x" {
		t.Error("failed update mutated config")
	}
}

func TestStateOverSyntheticLog(t *testing.T) {
	cfgPath, logPath := writeTestConfig(t, t.TempDir())
	s, err := NewSession(zerolog.Nop(), cfgPath, "")
	if err != nil {
		t.Fatal(err)
	}

	// no log yet
	st, err := s.State()
	if err != nil {
		t.Fatal(err)
	}
	if !st.LogMissing {
		t.Error("missing log not flagged")
	}

	sink, err := record.OpenSink(logPath)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UnixMilli()
	for _, ep := range []string{"a", "b", "c"} {
		r := &record.BurstRecord{
			ID:          record.NewID(),
			TimestampMs: now,
			Endpoint:    ep,
			Host:        ep + ".example.com",
			Port:        9000,
			SamplesMs:   []float64{10, 11, 12, 13, 14},
			Iface:       record.IfaceEthernet,
		}
		r.Summarize()
		if err := sink.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	sink.Close()

	st, err = s.State()
	if err != nil {
		t.Fatal(err)
	}
	if st.LogMissing {
		t.Error("log flagged missing")
	}
	if st.Records != 3 {
		t.Errorf("records = %d", st.Records)
	}
	if st.Analysis == nil || len(st.Analysis.Endpoints) != 3 {
		t.Fatalf("analysis = %+v", st.Analysis)
	}
	if st.Analysis.Estimate == nil {
		t.Error("no estimate with 3 located endpoints")
	}
	if len(st.Health) != 3 {
		t.Errorf("health entries = %d", len(st.Health))
	}
	// endpoint c has no region hint
	if len(st.Hygiene.MissingRegion) != 1 || st.Hygiene.MissingRegion[0] != "c" {
		t.Errorf("hygiene = %+v", st.Hygiene)
	}
}

func TestCalibrationWorker(t *testing.T) {
	cfgPath, logPath := writeTestConfig(t, t.TempDir())
	s, err := NewSession(zerolog.Nop(), cfgPath, "")
	if err != nil {
		t.Fatal(err)
	}

	sink, err := record.OpenSink(logPath)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UnixMilli()
	for _, ep := range []string{"a", "b", "c"} {
		r := &record.BurstRecord{
			ID: record.NewID(), TimestampMs: now, Endpoint: ep,
			Host: ep + ".example.com", Port: 9000,
			SamplesMs: []float64{20, 21, 22}, Iface: record.IfaceWifi,
		}
		r.Summarize()
		if err := sink.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	sink.Close()

	calPath := filepath.Join(filepath.Dir(logPath), "cal.json")
	if err := s.GenerateCalibration(5, 5, calPath); err != nil {
		t.Fatal(err)
	}
	waitCalDone(t, s)

	cs := s.CalibrationStatus()
	if cs.Error != "" || cs.Kind != "generate" {
		t.Fatalf("status = %+v", cs)
	}
	if _, err := os.Stat(calPath); err != nil {
		t.Fatal("pack not written")
	}
	if st, _ := s.State(); !st.CalibrationLoaded {
		t.Error("generated pack not loaded")
	}

	if err := s.ClearCalibration(); err != nil {
		t.Fatal(err)
	}
	waitCalDone(t, s)
	if st, _ := s.State(); st.CalibrationLoaded {
		t.Error("pack survived clear")
	}

	if err := s.LoadCalibration(calPath); err != nil {
		t.Fatal(err)
	}
	waitCalDone(t, s)
	if st, _ := s.State(); !st.CalibrationLoaded || st.Drift == nil {
		t.Errorf("after load: loaded=%v drift=%v", st.CalibrationLoaded, st.Drift)
	}
}

func waitCalDone(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !s.CalibrationStatus().Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("calibration task did not finish")
}
