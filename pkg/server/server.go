//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lefthookroll/webserv/internal/poller"
	"github.com/lefthookroll/webserv/pkg/config"
	"github.com/lefthookroll/webserv/pkg/response"
	"github.com/lefthookroll/webserv/pkg/telemetry"
	"github.com/lefthookroll/webserv/pkg/upload"
)

// reapPoll is the wait timeout while a connection waits only for its
// subprocess to be reaped.
const reapPoll = 10 * time.Millisecond

// Server is the event loop: it owns the listening sockets, the readiness
// poller and every connection, and runs on a single goroutine.
type Server struct {
	cfg     *config.Config
	opts    *Options
	builder *response.Builder

	poller    *poller.Poller
	listeners map[int]*listener
	conns     map[int]*Conn
	pipes     map[int]*Conn
	readBuf   []byte
	events    []poller.Event

	serving atomic.Bool
	closed  atomic.Bool
	ready   chan struct{}
	mu      sync.Mutex
	addrs   []netip.AddrPort
	stats   atomic.Pointer[Stats]

	logger *slog.Logger
}

// New creates a server for a validated configuration. Nothing is bound
// until Listen or Serve.
func New(cfg *config.Config, opts *Options) (*Server, error) {
	if cfg == nil || len(cfg.Listeners()) == 0 {
		return nil, ErrNoListeners
	}
	opts = opts.Clone()
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.normalize()

	logger := opts.Logger.With("component", "server")
	builder := response.NewBuilder()
	builder.Software = opts.Software
	builder.SliceSize = opts.WriteSize
	builder.BodyOptions = opts.bodyOptions()
	builder.Uploads = opts.Uploads
	builder.OnSpill = opts.Metrics.BodySpilled
	builder.SetLogger(opts.Logger)

	metrics := opts.Metrics
	opts.Uploads.OnS3Complete = func(f *upload.File, err error) {
		metrics.Upload("s3", err)
	}

	s := &Server{
		cfg:       cfg,
		opts:      opts,
		builder:   builder,
		listeners: make(map[int]*listener),
		conns:     make(map[int]*Conn),
		pipes:     make(map[int]*Conn),
		readBuf:   make([]byte, opts.ReadSize),
		ready:     make(chan struct{}),
		logger:    logger,
	}
	s.stats.Store(&Stats{})
	return s, nil
}

// Listen creates the poller and binds every configured address. Errors
// are *FatalError.
func (s *Server) Listen() error {
	if s.poller != nil {
		return nil
	}
	p, err := poller.New(s.opts.MaxEvents)
	if err != nil {
		return &FatalError{Op: "epoll", Err: err}
	}
	s.poller = p

	for _, addr := range s.cfg.Listeners() {
		l, err := listenTCP(addr, s.opts.ListenBacklog)
		if err != nil {
			s.closeListeners()
			return err
		}
		if err := s.poller.Add(l.fd, poller.Readable); err != nil {
			l.close()
			s.closeListeners()
			return &FatalError{Op: "epoll_ctl", Addr: addr.String(), Err: err}
		}
		s.listeners[l.fd] = l
		s.mu.Lock()
		s.addrs = append(s.addrs, l.bound)
		s.mu.Unlock()

		names := make([]string, 0, 2)
		for _, srv := range s.cfg.ServersFor(addr) {
			names = append(names, srv.String())
		}
		s.logger.Info("listening", "addr", l.bound.String(), "servers", names)
	}
	return nil
}

// Addrs returns the bound listen addresses once Listen has run.
func (s *Server) Addrs() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.AddrPort(nil), s.addrs...)
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve runs the event loop until ctx is cancelled. Cancellation is
// checked once per iteration; every connection is then closed and every
// subprocess killed. The returned error is nil on clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	if err := s.Listen(); err != nil {
		return err
	}
	close(s.ready)
	defer s.shutdown()

	for {
		if ctx.Err() != nil {
			s.logger.Info("shutting down", "connections", len(s.conns))
			return nil
		}
		if err := s.iterate(time.Now()); err != nil {
			return err
		}
	}
}

// iterate runs one loop pass: wait, dispatch events, resume backlogged
// connections, apply timeouts and reap subprocesses.
func (s *Server) iterate(now time.Time) error {
	timeout := s.opts.Tick
	backlog := false
	for _, c := range s.conns {
		if c.Pending() {
			backlog = true
			break
		}
		if c.reaping() {
			timeout = reapPoll
		}
	}
	if backlog {
		timeout = 0
	}

	var err error
	s.events, err = s.poller.Wait(timeout, s.events[:0])
	if err != nil {
		return &FatalError{Op: "epoll_wait", Err: err}
	}
	now = time.Now()

	for _, ev := range s.events {
		s.dispatch(ev, now)
	}

	for fd, c := range s.conns {
		if c.Pending() {
			c.Resume(now)
		}
		if c.reaping() {
			c.HandleCGI(now)
		}
		if !c.CheckTimeout(now) {
			s.closeConn(fd)
		}
	}

	s.opts.Metrics.CGIRunning(s.builder.Reaper.Reap())
	s.publishStats(now)
	return nil
}

func (s *Server) dispatch(ev poller.Event, now time.Time) {
	if l, ok := s.listeners[ev.Fd]; ok {
		s.acceptAll(l, now)
		return
	}
	if c, ok := s.pipes[ev.Fd]; ok {
		c.HandleCGI(now)
		return
	}
	c, ok := s.conns[ev.Fd]
	if !ok {
		return
	}
	switch {
	case ev.Error:
		c.reason = "socket-error"
		s.closeConn(c.fd)
	case ev.Readable || (ev.Hangup && c.state == StateReading):
		if !c.HandleRead(now) {
			s.closeConn(c.fd)
			return
		}
		if c.state == StateWriting {
			// Try the first slice right away.
			if !c.HandleWrite(now) {
				s.closeConn(c.fd)
			}
		}
	case ev.Writable:
		if !c.HandleWrite(now) {
			s.closeConn(c.fd)
		}
	case ev.Hangup:
		c.reason = "peer-hangup"
		s.closeConn(c.fd)
	}
}

func (s *Server) acceptAll(l *listener, now time.Time) {
	servers := s.cfg.ServersFor(l.key)
	for {
		fd, peer, err := l.accept()
		if err != nil {
			s.logger.Warn("accept failed", "addr", l.bound.String(), "error", err)
			return
		}
		if fd < 0 {
			return
		}
		if err := s.poller.Add(fd, poller.Readable); err != nil {
			s.logger.Warn("cannot watch connection", "fd", fd, "error", err)
			unix.Close(fd)
			continue
		}
		c := newConn(s, fd, localAddr(fd), peer, servers, now)
		s.conns[fd] = c
		s.opts.Metrics.ConnectionOpened()
		s.logger.Debug("accepted", "fd", fd, "peer", peer.String(), "listener", l.bound.String())
	}
}

// interest updates the readiness interest of a watched fd.
func (s *Server) interest(fd int, in poller.Interest) {
	if _, ok := s.poller.Interest(fd); !ok {
		return
	}
	if err := s.poller.Modify(fd, in); err != nil {
		s.logger.Debug("interest change failed", "fd", fd, "error", err)
	}
}

func (s *Server) watchPipe(c *Conn, fd int) error {
	if err := s.poller.Add(fd, poller.Readable); err != nil {
		return err
	}
	s.pipes[fd] = c
	return nil
}

// pausePipe stops or restarts readiness reports for a subprocess pipe. A
// paused pipe is removed from the poller entirely: a hung-up pipe is
// reported even with no interest.
func (s *Server) pausePipe(fd int, paused bool) {
	if _, ok := s.pipes[fd]; !ok {
		return
	}
	_, watched := s.poller.Interest(fd)
	switch {
	case paused && watched:
		s.poller.Remove(fd)
	case !paused && !watched:
		if err := s.poller.Add(fd, poller.Readable); err != nil {
			s.logger.Debug("cannot resume cgi pipe", "fd", fd, "error", err)
		}
	}
}

func (s *Server) unwatchPipe(fd int) {
	if _, ok := s.pipes[fd]; !ok {
		return
	}
	delete(s.pipes, fd)
	s.poller.Remove(fd)
}

// closeConn finishes the exchange bookkeeping and releases the socket.
func (s *Server) closeConn(fd int) {
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	now := time.Now()
	if c.resp != nil || c.req.Consumed() > 0 {
		e := c.exchange(now)
		if c.resp != nil {
			s.logger.Info("request", e.LogAttrs()...)
			s.opts.Metrics.Exchange(e)
			if e.Kind == string(response.KindUpload) && e.Status == 201 {
				s.opts.Metrics.Upload("disk", nil)
			}
			if s.opts.OnExchange != nil {
				s.opts.OnExchange(e)
			}
		}
		var err error
		if c.reason != "finished" {
			err = errors.New(c.reason)
		}
		telemetry.End(c.span, e, err)
	}
	reason := c.reason
	if reason == "" {
		reason = "closed"
	}

	c.close()
	delete(s.conns, fd)
	s.poller.Remove(fd)
	unix.Close(fd)
	s.opts.Metrics.ConnectionClosed(reason)
	s.logger.Debug("closed", "fd", fd, "reason", reason)
}

func (s *Server) closeListeners() {
	for fd, l := range s.listeners {
		if s.poller != nil {
			s.poller.Remove(fd)
		}
		l.close()
		delete(s.listeners, fd)
	}
}

// shutdown closes every connection, kills remaining subprocesses and
// releases the poller.
func (s *Server) shutdown() {
	s.closed.Store(true)
	for fd, c := range s.conns {
		c.reason = "shutdown"
		s.closeConn(fd)
	}
	s.closeListeners()
	// Killed subprocesses normally exit at once; give the reaper a few
	// passes so none is left as a zombie.
	for i := 0; i < 50 && s.builder.Reaper.Reap() > 0; i++ {
		time.Sleep(reapPoll)
	}
	if s.poller != nil {
		s.poller.Close()
	}
	s.publishStats(time.Now())
}

// Stats is a point-in-time view of the loop for the admin surface.
type Stats struct {
	Time        time.Time   `json:"time"`
	Listeners   []string    `json:"listeners"`
	Connections []ConnStats `json:"connections"`
	Reaping     int         `json:"reaping"`
}

// ConnStats describes one connection.
type ConnStats struct {
	Fd        int           `json:"fd"`
	Peer      string        `json:"peer"`
	Server    string        `json:"server"`
	State     string        `json:"state"`
	Method    string        `json:"method,omitempty"`
	Path      string        `json:"path,omitempty"`
	BytesRead int64         `json:"bytes_read"`
	BytesSent int64         `json:"bytes_sent"`
	CGIPid    int           `json:"cgi_pid,omitempty"`
	Age       time.Duration `json:"age"`
}

// Stats returns the snapshot published by the last loop iteration. It is
// safe to call from any goroutine.
func (s *Server) Stats() *Stats { return s.stats.Load() }

func (s *Server) publishStats(now time.Time) {
	st := &Stats{
		Time:        now,
		Connections: make([]ConnStats, 0, len(s.conns)),
		Reaping:     s.builder.Reaper.Len(),
	}
	for _, a := range s.Addrs() {
		st.Listeners = append(st.Listeners, a.String())
	}
	for _, c := range s.conns {
		cs := ConnStats{
			Fd:        c.fd,
			Peer:      c.peer.String(),
			Server:    c.srv.String(),
			State:     c.state.String(),
			Method:    c.req.MethodToken,
			Path:      c.req.Path,
			BytesRead: c.bytesRead,
			Age:       now.Sub(c.accepted),
		}
		if c.resp != nil {
			cs.BytesSent = c.resp.Sent()
			if br := c.resp.CGI(); br != nil {
				cs.CGIPid = br.Pid()
			}
		}
		st.Connections = append(st.Connections, cs)
	}
	sort.Slice(st.Connections, func(i, j int) bool { return st.Connections[i].Fd < st.Connections[j].Fd })
	s.stats.Store(st)
}

// String describes the server for logs.
func (s *Server) String() string {
	return fmt.Sprintf("webserv(%d listeners, %d connections)", len(s.listeners), len(s.conns))
}
