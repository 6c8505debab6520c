// Package origdst recovers the pre-NAT destination address of a TCP
// connection accepted after an iptables REDIRECT rule diverted it to the
// stealer's local listener. Without this, the stealer would only see
// its own listening address and have no way to tell which upstream port
// the traffic was actually headed to.
package origdst

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Addr is the recovered original destination of a redirected connection.
type Addr struct {
	IP   net.IP
	Port uint16
}

// Of returns the original destination address of conn, which must be a
// *net.TCPConn accepted from a listener that iptables REDIRECT is feeding.
// It fails if conn is not backed by a raw file descriptor the kernel can be
// queried through, or if the connection was never actually redirected.
func Of(conn *net.TCPConn) (Addr, error) {
	sysConn, err := conn.SyscallConn()
	if err != nil {
		return Addr{}, fmt.Errorf("getting raw connection: %w", err)
	}

	var addr Addr
	var ctrlErr error

	err = sysConn.Control(func(fd uintptr) {
		addr, ctrlErr = getOriginalDst(int(fd))
	})
	if err != nil {
		return Addr{}, fmt.Errorf("controlling raw connection: %w", err)
	}
	if ctrlErr != nil {
		return Addr{}, ctrlErr
	}

	return addr, nil
}

// getOriginalDst issues the SO_ORIGINAL_DST getsockopt against fd, reading
// back the IPv4 sockaddr the kernel's netfilter conntrack table recorded
// before the REDIRECT rewrote the destination.
func getOriginalDst(fd int) (Addr, error) {
	raw, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	if err != nil {
		return Addr{}, fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", err)
	}

	// SO_ORIGINAL_DST fills a struct sockaddr_in: family(2) + port(2) +
	// addr(4) packed into the leading bytes of the Multiaddr buffer that
	// GetsockoptIPv6Mreq happens to share a layout with for this purpose.
	data := raw.Multiaddr

	family := uint16(data[0]) | uint16(data[1])<<8
	if family != syscall.AF_INET {
		return Addr{}, fmt.Errorf("unexpected address family %d in SO_ORIGINAL_DST response", family)
	}

	port := uint16(data[2])<<8 | uint16(data[3])
	ip := net.IPv4(data[4], data[5], data[6], data[7])

	return Addr{IP: ip, Port: port}, nil
}
