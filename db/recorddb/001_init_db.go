package recorddb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE records (
			id             TEXT PRIMARY KEY NOT NULL,
			timestamp_ms   INTEGER NOT NULL,
			endpoint       TEXT NOT NULL,
			path           TEXT NOT NULL DEFAULT '',
			host           TEXT NOT NULL,
			port           INTEGER NOT NULL,
			region_hint    TEXT NOT NULL DEFAULT '',
			samples        TEXT NOT NULL,
			min_ms         REAL,
			p05_ms         REAL,
			median_ms      REAL,
			iface          TEXT NOT NULL DEFAULT 'other',
			tunnel_present INTEGER NOT NULL DEFAULT 0,
			tunnel_active  INTEGER NOT NULL DEFAULT 0,
			tunnel_ifaces  TEXT,
			local_addr     TEXT,
			dest_loopback  INTEGER NOT NULL DEFAULT 0,
			claimed_region TEXT,
			notes          TEXT
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX records_endpoint_ts_idx ON records(endpoint, timestamp_ms)`); err != nil {
		return fmt.Errorf("create records index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX records_endpoint_ts_idx`); err != nil {
		return fmt.Errorf("drop records_endpoint_ts_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE records`); err != nil {
		return fmt.Errorf("drop records table: %w", err)
	}
	return nil
}
