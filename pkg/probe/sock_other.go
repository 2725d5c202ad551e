//go:build !linux

package probe

import (
	"errors"
	"net"
	"syscall"
	"time"
)

const canBindToDevice = false

func bindToDevice(rc syscall.RawConn, ifname string) error {
	return errors.New("bind to device not supported on this platform")
}

// enableKernelTimestamps is unavailable off Linux; RTTs fall back to the
// application-level receive time.
func enableKernelTimestamps(conn *net.UDPConn) error {
	return errors.New("kernel receive timestamps not supported on this platform")
}

func readWithTimestamp(conn *net.UDPConn, buf, oob []byte) (int, time.Time, error) {
	n, err := conn.Read(buf)
	return n, time.Time{}, err
}
