//go:build linux

// Package poller wraps a level-triggered epoll instance.
package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultMaxEvents is the size of the event batch returned by one Wait.
const DefaultMaxEvents = 64

// ErrClosed is returned by operations on a closed Poller.
var ErrClosed = errors.New("poller: closed")

// Interest is the readiness an fd is watched for.
type Interest uint32

const (
	None     Interest = 0
	Readable Interest = unix.EPOLLIN
	Writable Interest = unix.EPOLLOUT

	// PeerClosed reports only the peer shutting down its side of a
	// stream socket, as a Hangup event.
	PeerClosed Interest = unix.EPOLLRDHUP
)

func (i Interest) String() string {
	switch i {
	case None:
		return "none"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	case PeerClosed:
		return "peer-closed"
	default:
		return fmt.Sprintf("interest(%#x)", uint32(i))
	}
}

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// Poller is an epoll instance and the interest registered for each fd.
// It is used from a single goroutine.
type Poller struct {
	epfd     int
	events   []unix.EpollEvent
	interest map[int]Interest
}

// New creates a Poller that reports up to maxEvents events per Wait.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &Poller{
		epfd:     epfd,
		events:   make([]unix.EpollEvent, maxEvents),
		interest: make(map[int]Interest),
	}, nil
}

// Add registers fd.
func (p *Poller) Add(fd int, in Interest) error {
	if p.epfd < 0 {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: uint32(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("poller: add fd %d: %w", fd, err)
	}
	p.interest[fd] = in
	return nil
}

// Modify changes the interest of a registered fd. Unchanged interest is a
// no-op.
func (p *Poller) Modify(fd int, in Interest) error {
	if p.epfd < 0 {
		return ErrClosed
	}
	cur, ok := p.interest[fd]
	if !ok {
		return fmt.Errorf("poller: modify fd %d: %w", fd, unix.ENOENT)
	}
	if cur == in {
		return nil
	}
	ev := unix.EpollEvent{Events: uint32(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("poller: modify fd %d: %w", fd, err)
	}
	p.interest[fd] = in
	return nil
}

// Remove deregisters fd. Removing an unknown fd is a no-op.
func (p *Poller) Remove(fd int) error {
	if p.epfd < 0 {
		return ErrClosed
	}
	if _, ok := p.interest[fd]; !ok {
		return nil
	}
	delete(p.interest, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("poller: remove fd %d: %w", fd, err)
	}
	return nil
}

// Interest returns the registered interest of fd.
func (p *Poller) Interest(fd int) (Interest, bool) {
	in, ok := p.interest[fd]
	return in, ok
}

// Len returns the number of registered fds.
func (p *Poller) Len() int { return len(p.interest) }

// Wait blocks for at most timeout and appends ready events to dst. A
// negative timeout blocks indefinitely; zero polls. An interrupted wait
// returns no events and no error.
func (p *Poller) Wait(timeout time.Duration, dst []Event) ([]Event, error) {
	if p.epfd < 0 {
		return dst, ErrClosed
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return dst, nil
		}
		return dst, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	for _, ev := range p.events[:n] {
		dst = append(dst, Event{
			Fd:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		})
	}
	return dst, nil
}

// Close closes the epoll instance. Registered fds are not closed.
func (p *Poller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	p.interest = nil
	return err
}
