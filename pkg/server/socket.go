//go:build linux

package server

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/lefthookroll/webserv/pkg/response"
)

// listener is one bound, non-blocking listening socket.
type listener struct {
	fd    int
	key   netip.AddrPort // configured address, the virtual-server key
	bound netip.AddrPort // actual address (differs when port 0 was given)
}

func listenTCP(addr netip.AddrPort, backlog int) (*listener, error) {
	if !addr.Addr().Is4() {
		return nil, &FatalError{Op: "listen", Addr: addr.String(), Err: ErrIPv6Unsupported}
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &FatalError{Op: "socket", Addr: addr.String(), Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, &FatalError{Op: "setsockopt", Addr: addr.String(), Err: err}
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, &FatalError{Op: "bind", Addr: addr.String(), Err: err}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, &FatalError{Op: "listen", Addr: addr.String(), Err: err}
	}
	bound := addr
	if sa, err := unix.Getsockname(fd); err == nil {
		bound = sockaddrToAddrPort(sa)
	}
	return &listener{fd: fd, key: addr, bound: bound}, nil
}

// accept returns the next pending connection, or -1 with a nil error when
// the queue is empty.
func (l *listener) accept() (int, netip.AddrPort, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return fd, sockaddrToAddrPort(sa), nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return -1, netip.AddrPort{}, nil
		default:
			return -1, netip.AddrPort{}, err
		}
	}
}

func (l *listener) close() error { return unix.Close(l.fd) }

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func localAddr(fd int) netip.AddrPort {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return sockaddrToAddrPort(sa)
}

// socket is a non-blocking client socket used as a response sink.
type socket int

// Write makes one write attempt. A full send buffer yields
// response.ErrWouldBlock.
func (s socket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(s), p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, response.ErrWouldBlock
		default:
			return 0, err
		}
	}
}

// Read makes one read attempt. It returns 0 and nil when no data is
// available, and 0 with ErrPeerClosed at end of stream.
func (s socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(s), p)
		switch {
		case err == nil && n == 0:
			return 0, ErrPeerClosed
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, err
		}
	}
}
