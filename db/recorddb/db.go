// Package recorddb implements sqlite3 archive storage for burst records,
// used for long-term retention beyond the line-delimited session log.
package recorddb

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lattice-probe/lattice/pkg/record"
)

// DB stores burst records in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	// note: WAL and a larger cache makes bulk imports MUCH faster
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

type recordRow struct {
	ID            string   `db:"id"`
	TimestampMs   int64    `db:"timestamp_ms"`
	Endpoint      string   `db:"endpoint"`
	Path          string   `db:"path"`
	Host          string   `db:"host"`
	Port          int      `db:"port"`
	RegionHint    string   `db:"region_hint"`
	Samples       string   `db:"samples"`
	MinMs         *float64 `db:"min_ms"`
	P05Ms         *float64 `db:"p05_ms"`
	MedianMs      *float64 `db:"median_ms"`
	Iface         string   `db:"iface"`
	TunnelPresent bool     `db:"tunnel_present"`
	TunnelActive  bool     `db:"tunnel_active"`
	TunnelIfaces  *string  `db:"tunnel_ifaces"`
	LocalAddr     *string  `db:"local_addr"`
	DestLoopback  bool     `db:"dest_loopback"`
	ClaimedRegion *string  `db:"claimed_region"`
	Notes         *string  `db:"notes"`
}

// InsertRecord stores one record, replacing any previous record with the
// same id (imports are idempotent).
func (db *DB) InsertRecord(r *record.BurstRecord) error {
	samples, err := json.Marshal(r.SamplesMs)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}

	row := map[string]any{
		"id":             r.ID,
		"timestamp_ms":   r.TimestampMs,
		"endpoint":       r.Endpoint,
		"path":           r.Path,
		"host":           r.Host,
		"port":           r.Port,
		"region_hint":    r.RegionHint,
		"samples":        string(samples),
		"min_ms":         r.MinMs,
		"p05_ms":         r.P05Ms,
		"median_ms":      r.MedianMs,
		"iface":          string(r.Iface),
		"tunnel_present": r.TunnelPresent,
		"tunnel_active":  r.TunnelActive,
		"tunnel_ifaces":  optJoin(r.TunnelIfaces),
		"local_addr":     optStr(r.LocalAddr),
		"dest_loopback":  r.DestLoopback,
		"claimed_region": optStr(r.ClaimedEgressRegion),
		"notes":          optJSON(r.Notes),
	}
	if _, err := db.x.NamedExec(`
		INSERT OR REPLACE INTO
		records ( id,  timestamp_ms,  endpoint,  path,  host,  port,  region_hint,  samples,  min_ms,  p05_ms,  median_ms,  iface,  tunnel_present,  tunnel_active,  tunnel_ifaces,  local_addr,  dest_loopback,  claimed_region,  notes)
		VALUES  (:id, :timestamp_ms, :endpoint, :path, :host, :port, :region_hint, :samples, :min_ms, :p05_ms, :median_ms, :iface, :tunnel_present, :tunnel_active, :tunnel_ifaces, :local_addr, :dest_loopback, :claimed_region, :notes)
	`, row); err != nil {
		return err
	}
	return nil
}

// Records returns every record with a timestamp at or after sinceMs, in
// timestamp order.
func (db *DB) Records(sinceMs int64) ([]record.BurstRecord, error) {
	rows, err := db.x.Queryx(`SELECT * FROM records WHERE timestamp_ms >= ? ORDER BY timestamp_ms, id`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.BurstRecord
	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// EndpointIDs returns the distinct endpoint ids present in the archive.
func (db *DB) EndpointIDs() ([]string, error) {
	var ids []string
	if err := db.x.Select(&ids, `SELECT DISTINCT endpoint FROM records ORDER BY endpoint`); err != nil {
		return nil, err
	}
	return ids, nil
}

func (row *recordRow) toRecord() (*record.BurstRecord, error) {
	r := &record.BurstRecord{
		ID:            row.ID,
		TimestampMs:   row.TimestampMs,
		Endpoint:      row.Endpoint,
		Path:          row.Path,
		Host:          row.Host,
		Port:          row.Port,
		RegionHint:    row.RegionHint,
		MinMs:         row.MinMs,
		P05Ms:         row.P05Ms,
		MedianMs:      row.MedianMs,
		Iface:         record.IfaceClass(row.Iface),
		TunnelPresent: row.TunnelPresent,
		TunnelActive:  row.TunnelActive,
		DestLoopback:  row.DestLoopback,
	}
	if err := json.Unmarshal([]byte(row.Samples), &r.SamplesMs); err != nil {
		return nil, fmt.Errorf("unmarshal samples for %s: %w", row.ID, err)
	}
	if row.TunnelIfaces != nil && *row.TunnelIfaces != "" {
		r.TunnelIfaces = strings.Split(*row.TunnelIfaces, ",")
	}
	if row.LocalAddr != nil {
		r.LocalAddr = *row.LocalAddr
	}
	if row.ClaimedRegion != nil {
		r.ClaimedEgressRegion = *row.ClaimedRegion
	}
	if row.Notes != nil && *row.Notes != "" {
		if err := json.Unmarshal([]byte(*row.Notes), &r.Notes); err != nil {
			return nil, fmt.Errorf("unmarshal notes for %s: %w", row.ID, err)
		}
	}
	return r, nil
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optJoin(ss []string) *string {
	if len(ss) == 0 {
		return nil
	}
	s := strings.Join(ss, ",")
	return &s
}

func optJSON(ss []string) *string {
	if len(ss) == 0 {
		return nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
