//go:build windows

package health

import "os"

// Windows has no stable inode in Stat; rotation degrades to truncation
// detection via the size check.
func fileIno(fi os.FileInfo) uint64 {
	return 0
}
