package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxLineSize bounds a single log line; a record with a few hundred samples
// is well under this.
const maxLineSize = 1 << 20

// ReadLog reads every record from a line-delimited log. Paths ending in .gz
// are decompressed on the fly. Corrupt lines are skipped and counted rather
// than failing the read, so a log truncated mid-line still loads.
func ReadLog(path string) (recs []BurstRecord, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, 0, fmt.Errorf("open gzip log %q: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return readRecords(r)
}

func readRecords(r io.Reader) (recs []BurstRecord, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec BurstRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, skipped, sc.Err()
}
