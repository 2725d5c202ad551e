// Command lattice-import imports line-delimited record logs into a sqlite
// archive for long-term retention.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lattice-probe/lattice/db/recorddb"
	"github.com/lattice-probe/lattice/pkg/record"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"
)

var opt struct {
	Progress bool
	Help     bool
}

func init() {
	pflag.BoolVarP(&opt.Progress, "progress", "p", false, "Show progress")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() < 2 || opt.Help {
		fmt.Printf("usage: %s [options] archive_db log...\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	n, skipped, err := importLogs(pflag.Arg(0), pflag.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("imported %d records (%d corrupt lines skipped)\n", n, skipped)
}

func importLogs(dbfn string, logs []string) (int, int, error) {
	ctx := context.Background()

	db, err := recorddb.Open(dbfn)
	if err != nil {
		return 0, 0, fmt.Errorf("open archive db %q: %w", dbfn, err)
	}
	defer db.Close()

	if _, to, err := db.Version(); err != nil {
		return 0, 0, fmt.Errorf("migrate archive db: %w", err)
	} else if err = db.MigrateUp(ctx, to); err != nil {
		return 0, 0, fmt.Errorf("migrate archive db: %w", err)
	}

	var n, skipped int
	for _, log := range logs {
		recs, sk, err := record.ReadLog(log)
		if err != nil {
			return n, skipped, fmt.Errorf("read log %q: %w", log, err)
		}
		skipped += sk
		for i := range recs {
			if recs[i].ID == "" {
				// old logs predate record ids; synthesize one so the row
				// has a primary key
				recs[i].ID = record.NewID()
			}
			if err := db.InsertRecord(&recs[i]); err != nil {
				return n, skipped, fmt.Errorf("import %q record %d: %w", log, i, err)
			}
			n++
			if opt.Progress && n%1000 == 0 {
				fmt.Fprintf(os.Stderr, "\rimported %d", n)
			}
		}
	}
	if opt.Progress {
		fmt.Fprintf(os.Stderr, "\r")
	}
	return n, skipped, nil
}
