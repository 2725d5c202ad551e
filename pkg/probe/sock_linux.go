//go:build linux

package probe

import (
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const canBindToDevice = true

// bindToDevice pins the socket to a specific interface. Requires
// CAP_NET_RAW or CAP_NET_ADMIN on most systems.
func bindToDevice(rc syscall.RawConn, ifname string) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
	})
	if err != nil {
		return err
	}
	return serr
}

// enableKernelTimestamps asks the kernel to stamp received datagrams with
// CLOCK_REALTIME at the driver level (SO_TIMESTAMPNS), removing userspace
// scheduling delay from RTT measurements.
func enableKernelTimestamps(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	}); err != nil {
		return err
	}
	return serr
}

// readWithTimestamp reads one datagram plus its SCM_TIMESTAMPNS control
// message. The returned time is zero if the kernel didn't attach a stamp.
func readWithTimestamp(conn *net.UDPConn, buf, oob []byte) (int, time.Time, error) {
	n, oobn, _, _, err := conn.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, time.Time{}, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, time.Time{}, nil
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_TIMESTAMPNS && len(m.Data) >= int(unsafe.Sizeof(unix.Timespec{})) {
			ts := *(*unix.Timespec)(unsafe.Pointer(&m.Data[0]))
			sec, nsec := ts.Unix()
			return n, time.Unix(sec, nsec), nil
		}
	}
	return n, time.Time{}, nil
}
