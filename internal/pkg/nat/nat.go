//go:build linux

// Package nat implements the transparent-intercept hook: binding the TCP
// listener with IP_TRANSPARENT so it can accept connections destined for
// addresses it doesn't own, and recovering each accepted socket's true
// destination via SO_ORIGINAL_DST. Adapted from the teacher's
// internal/pkg/nat package, generalized from net.TCPConn wrapping to the
// raw non-blocking file descriptors the channel package owns.
package nat

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const soOriginalDst = 80

// ListenTransparent opens a TCP listener socket bound to port with
// SO_REUSEADDR and IP_TRANSPARENT set, matching the original's
// SetAttribute. Returns the raw, non-blocking listening fd.
func ListenTransparent(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "nat: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: IP_TRANSPARENT")
	}
	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: bind")
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: set nonblocking")
	}
	return fd, nil
}

// Accept accepts one pending connection on the listener fd, returning
// the new socket's fd and the directly-attached peer address (the
// "neighbor" of spec.md's data model). Returns unix.EAGAIN when no
// connection is pending.
func Accept(listenerFd int) (int, *net.TCPAddr, error) {
	nfd, sa, err := unix.Accept(listenerFd)
	if err != nil {
		return -1, nil, err
	}
	neighbor := sockaddrToTCPAddr(sa)
	return nfd, neighbor, nil
}

// GetOriginalDst recovers the true destination of an intercepted TCP
// socket via SO_ORIGINAL_DST on SOL_IP — IPv4 only, matching spec.md §6.
func GetOriginalDst(fd int) (*net.TCPAddr, error) {
	mreq, err := unix.GetsockoptIPv6Mreq(fd, unix.SOL_IP, soOriginalDst)
	if err != nil {
		return nil, errors.Wrap(err, "nat: getsockopt SO_ORIGINAL_DST")
	}
	addr := mreq.Multiaddr
	ip := net.IPv4(addr[4], addr[5], addr[6], addr[7])
	port := int(addr[2])<<8 + int(addr[3])
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// DialOriginal opens a non-blocking outbound connection toward dst,
// returning its fd and whether the connect is still in progress
// (EINPROGRESS), matching OpenOutConnChannel's non-blocking connect
// handling.
func DialOriginal(dst *net.TCPAddr) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, errors.Wrap(err, "nat: socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, errors.Wrap(err, "nat: set nonblocking")
	}
	ip4 := dst.IP.To4()
	if ip4 == nil {
		unix.Close(fd)
		return -1, false, errors.New("nat: DialOriginal only supports IPv4")
	}
	var addr unix.SockaddrInet4
	addr.Port = dst.Port
	copy(addr.Addr[:], ip4)

	err = unix.Connect(fd, &addr)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, errors.Wrap(err, "nat: connect")
}

// OpenTunnelUDP opens the UDP tunnel socket: bound to selfIP:selfPort and
// connect(2)ed to peerIP:peerPort, so every later send/recv on the fd
// implicitly targets the single configured peer (spec.md's "one static
// peer rather than dynamic routing"). Non-blocking, matching every other
// socket this package hands to the channel set.
func OpenTunnelUDP(selfIP string, selfPort int, peerIP string, peerPort int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "nat: udp socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: udp SO_REUSEADDR")
	}
	selfAddr, err := ipv4SockAddr(selfIP, selfPort)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, selfAddr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: udp bind")
	}
	peerAddr, err := ipv4SockAddr(peerIP, peerPort)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, peerAddr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: udp connect")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "nat: udp set nonblocking")
	}
	return fd, nil
}

func ipv4SockAddr(ip string, port int) (*unix.SockaddrInet4, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, errors.Errorf("nat: invalid IPv4 address %q", ip)
	}
	ip4 := addr.To4()
	if ip4 == nil {
		return nil, errors.Errorf("nat: %q is not an IPv4 address", ip)
	}
	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip4)
	return &sa, nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	default:
		return nil
	}
}
