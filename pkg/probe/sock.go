package probe

import (
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
)

// epConn is the persistent connected socket for one (path, endpoint) pair.
// Sockets are never shared across endpoints.
type epConn struct {
	key          string
	conn         *net.UDPConn
	destLoopback bool

	// kernelTS is set when the socket delivers kernel receive timestamps.
	kernelTS bool
	oob      []byte
	buf      []byte
}

// dialEndpoint resolves and connects a UDP socket for ep, bound per path.
// Binding failures fail this pair only; the caller leaves other paths intact.
func dialEndpoint(path Path, ep *Endpoint, dscp int) (*epConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ep.Host, err)
	}

	var d net.Dialer
	if path.BindIP != "" {
		ip := net.ParseIP(path.BindIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind ip %q", path.BindIP)
		}
		d.LocalAddr = &net.UDPAddr{IP: ip}
	}
	if path.BindInterface != "" {
		if canBindToDevice {
			ifname := path.BindInterface
			d.Control = func(network, address string, rc syscall.RawConn) error {
				return bindToDevice(rc, ifname)
			}
		} else if d.LocalAddr == nil {
			laddr, err := interfaceAddr(path.BindInterface, raddr.IP)
			if err != nil {
				return nil, err
			}
			d.LocalAddr = laddr
		}
	}

	conn, err := d.Dial("udp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	uc := conn.(*net.UDPConn)

	c := &epConn{
		key:          Key(ep.ID, path.ID),
		conn:         uc,
		destLoopback: raddr.IP.IsLoopback(),
		buf:          make([]byte, 2048),
	}
	if err := enableKernelTimestamps(uc); err == nil {
		c.kernelTS = true
		c.oob = make([]byte, 512)
	}
	if dscp > 0 && raddr.IP.To4() != nil {
		// best effort; some platforms refuse TOS on connected sockets
		_ = ipv4.NewConn(uc).SetTOS(dscp << 2)
	}
	return c, nil
}

func (c *epConn) send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// recv reads one datagram, returning the kernel receive time when the
// platform provides it (zero otherwise).
func (c *epConn) recv(deadline time.Time) ([]byte, time.Time, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, time.Time{}, err
	}
	if c.kernelTS {
		n, ts, err := readWithTimestamp(c.conn, c.buf, c.oob)
		if err != nil {
			return nil, time.Time{}, err
		}
		return c.buf[:n], ts, nil
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, time.Time{}, err
	}
	return c.buf[:n], time.Time{}, nil
}

func (c *epConn) localAddr() string {
	if a := c.conn.LocalAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *epConn) close() {
	c.conn.Close()
}

// interfaceAddr picks an address on the named interface of the same family
// as dst, for platforms without SO_BINDTODEVICE.
func interfaceAddr(name string, dst net.IP) (*net.UDPAddr, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %q addrs: %w", name, err)
	}
	want4 := dst.To4() != nil
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if (ipn.IP.To4() != nil) == want4 && !ipn.IP.IsLinkLocalUnicast() {
			return &net.UDPAddr{IP: ipn.IP}, nil
		}
	}
	return nil, fmt.Errorf("interface %q has no usable address", name)
}
