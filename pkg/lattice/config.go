// Package lattice assembles and runs a LATTICE measurement session: probe
// engine, record sink, path monitor, health watcher, and the typed dashboard
// operations consumed by the UI host.
package lattice

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-probe/lattice/pkg/probe"
	"github.com/lattice-probe/lattice/pkg/wire"
	"github.com/rs/zerolog"
)

// Config contains the environment-level configuration. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). String arrays are comma-separated.
type Config struct {
	// The path to the JSON config document (endpoints, paths, tuning).
	ConfigPath string `env:"LATTICE_CONFIG=lattice.json"`

	// The address for the echo responder to listen on.
	AddrUDP netip.AddrPort `env:"LATTICE_ADDR_UDP=:9000"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"LATTICE_LOG_LEVEL=debug"`

	// Whether to log to stdout.
	LogStdout bool `env:"LATTICE_LOG_STDOUT=true"`

	// Whether to use pretty logs.
	LogStdoutPretty bool `env:"LATTICE_LOG_STDOUT_PRETTY=true"`

	// The log file to output to, if provided. It is opened once at startup;
	// SIGHUP does not reopen it.
	LogFile string `env:"LATTICE_LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"LATTICE_LOG_FILE_LEVEL=info"`

	// The path to an IP2Location database. If provided, hygiene output
	// includes coordinate suggestions for endpoints missing lat/lon. The
	// database must not be modified while the session is running, but it
	// can be replaced (and a reload triggered with SIGHUP).
	IP2Location string `env:"LATTICE_IP2LOCATION"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate. If incremental is true, default values will
// not be set for missing env vars, but only for empty ones.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "LATTICE_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		// get the default value, and check if it can be explicitly set to
		// an empty value
		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("[::]" + val); val[0] == ':' && err1 == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	// the shared secret is read separately by wire.SecretFromEnv
	delete(em, "LATTICE_SECRET_HEX")
	delete(em, "LATTICE_SECRET")
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// Document is the JSON config document describing endpoints, probe paths,
// and burst tuning.
type Document struct {
	SecretHex          string           `json:"secretHex,omitempty"`
	Endpoints          []probe.Endpoint `json:"endpoints"`
	ProbePaths         []probe.Path     `json:"probePaths,omitempty"`
	SamplesPerEndpoint int              `json:"samplesPerEndpoint"`
	SpacingMs          int              `json:"spacingMs"`
	TimeoutMs          int              `json:"timeoutMs"`
	IntervalSeconds    int              `json:"intervalSeconds"`
	PacingSpinUs       int              `json:"pacingSpinUs"`
	DSCP               int              `json:"dscp,omitempty"`
	OutputPath         string           `json:"outputPath"`

	ClaimedEgressRegion        string  `json:"claimedEgressRegion,omitempty"`
	PhysicsMismatchThresholdMs float64 `json:"physicsMismatchThresholdMs,omitempty"`

	WindowMinutes       float64 `json:"windowMinutes,omitempty"`       // analysis window, default 15
	AutoBaselineMinutes float64 `json:"autoBaselineMinutes,omitempty"` // default 5
}

// FieldError is one config document defect.
type FieldError struct {
	Field string
	Msg   string
}

// ValidationError aggregates every defect found in a config document into a
// single human-readable message.
type ValidationError []FieldError

func (e ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config invalid:")
	for _, f := range e {
		b.WriteString("\n  ")
		b.WriteString(f.Field)
		b.WriteString(": ")
		b.WriteString(f.Msg)
	}
	return b.String()
}

// LoadDocument reads and validates a config document.
func LoadDocument(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks every field, collecting per-field errors.
func (d *Document) Validate() error {
	var errs ValidationError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Msg: msg})
	}

	if len(d.Endpoints) == 0 {
		add("endpoints", "at least one endpoint is required")
	}
	seen := make(map[string]bool)
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		name := fmt.Sprintf("endpoints[%d]", i)
		if ep.ID == "" {
			add(name+".id", "must not be empty")
		} else if seen[ep.ID] {
			add(name+".id", fmt.Sprintf("duplicate id %q", ep.ID))
		} else {
			seen[ep.ID] = true
		}
		if ep.Host == "" {
			add(name+".host", "must not be empty")
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			add(name+".port", fmt.Sprintf("invalid port %d", ep.Port))
		}
		if (ep.Lat == nil) != (ep.Lon == nil) {
			add(name, "lat and lon must be provided together")
		}
		if ep.Lat != nil && (*ep.Lat < -90 || *ep.Lat > 90) {
			add(name+".lat", fmt.Sprintf("out of range: %v", *ep.Lat))
		}
		if ep.Lon != nil && (*ep.Lon < -180 || *ep.Lon > 180) {
			add(name+".lon", fmt.Sprintf("out of range: %v", *ep.Lon))
		}
	}
	seenPath := make(map[string]bool)
	for i := range d.ProbePaths {
		p := &d.ProbePaths[i]
		name := fmt.Sprintf("probePaths[%d]", i)
		if p.ID == "" {
			add(name+".id", "must not be empty")
		} else if seenPath[p.ID] {
			add(name+".id", fmt.Sprintf("duplicate id %q", p.ID))
		} else {
			seenPath[p.ID] = true
		}
	}

	if d.SamplesPerEndpoint <= 0 {
		add("samplesPerEndpoint", "must be > 0")
	}
	if d.SpacingMs < 0 {
		add("spacingMs", "must be >= 0")
	}
	if d.TimeoutMs <= 0 {
		add("timeoutMs", "must be > 0")
	}
	if d.IntervalSeconds <= 0 {
		add("intervalSeconds", "must be > 0")
	}
	if d.PacingSpinUs < 0 {
		add("pacingSpinUs", "must be >= 0")
	}
	if d.DSCP < 0 || d.DSCP > 63 {
		add("dscp", "must be in [0, 63]")
	}
	if d.OutputPath == "" {
		add("outputPath", "must not be empty")
	}
	if d.SecretHex != "" {
		if b, err := hex.DecodeString(d.SecretHex); err != nil {
			add("secretHex", "not valid hex")
		} else if len(b) < wire.MinSecretLen {
			add("secretHex", fmt.Sprintf("secret must be at least %d bytes", wire.MinSecretLen))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Secret returns the shared secret from the document, falling back to the
// environment.
func (d *Document) Secret() ([]byte, error) {
	if d.SecretHex != "" {
		b, err := hex.DecodeString(d.SecretHex)
		if err != nil || len(b) < wire.MinSecretLen {
			return nil, wire.ErrSecretMissing
		}
		return b, nil
	}
	return wire.SecretFromEnv()
}

// windowMinutes returns the analysis window with its default applied.
func (d *Document) windowMinutes() float64 {
	if d.WindowMinutes > 0 {
		return d.WindowMinutes
	}
	return 15
}
