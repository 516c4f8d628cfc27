//go:build linux

package server

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lefthookroll/webserv/internal/poller"
	"github.com/lefthookroll/webserv/pkg/config"
	"github.com/lefthookroll/webserv/pkg/request"
	"github.com/lefthookroll/webserv/pkg/response"
	"github.com/lefthookroll/webserv/pkg/telemetry"
)

// State is the session state of a connection.
type State int

const (
	StateReading State = iota
	StateProcessing
	StateWaitingCGI
	StateWriting
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateWaitingCGI:
		return "waiting-for-cgi"
	case StateWriting:
		return "writing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Conn is one accepted client socket and its single exchange.
//
// A Conn is owned by the event loop. It owns its Request and, once
// processing begins, its Response, and is never copied.
type Conn struct {
	fd    int
	local netip.AddrPort
	peer  netip.AddrPort

	// servers are the virtual servers on the accepting listener; the
	// first is the default. srv is the one bound to the request.
	servers []*config.Server
	srv     *config.Server

	state State
	req   *request.Request
	resp  *response.Response
	rbuf  []byte

	bytesRead  int64
	accepted   time.Time
	lastActive time.Time
	processed  time.Time

	// cgiActive is when the subprocess last produced output (or was
	// spawned); cgiSeen is the output count at that time.
	cgiActive time.Time
	cgiSeen   int64

	span   trace.Span
	reason string

	s *Server
}

func newConn(s *Server, fd int, local, peer netip.AddrPort, servers []*config.Server, now time.Time) *Conn {
	c := &Conn{
		fd:         fd,
		local:      local,
		peer:       peer,
		servers:    servers,
		srv:        servers[0],
		state:      StateReading,
		accepted:   now,
		lastActive: now,
		s:          s,
	}
	c.req = request.New(
		request.WithMaxBodySize(c.srv.MaxBodySize),
		request.WithMaxHeaderBytes(s.opts.MaxHeaderBytes),
		request.WithBody(s.opts.bodyOptions()...),
	)
	c.req.Body.OnSpill = s.opts.Metrics.BodySpilled
	c.req.OnHeaders = c.bindServer
	return c
}

// Fd returns the socket descriptor.
func (c *Conn) Fd() int { return c.fd }

// Peer returns the client address.
func (c *Conn) Peer() netip.AddrPort { return c.peer }

// State returns the session state.
func (c *Conn) State() State { return c.state }

// Server returns the bound virtual server.
func (c *Conn) Server() *config.Server { return c.srv }

// bindServer selects the virtual server by Host once headers are parsed,
// before the body limit is applied.
func (c *Conn) bindServer(r *request.Request) {
	host := r.Host()
	for _, srv := range c.servers {
		if srv.Name != "" && srv.Name == host {
			c.srv = srv
			break
		}
	}
	r.SetMaxBodySize(c.srv.MaxBodySize)
}

// HandleRead reads what the socket has and feeds the parser. It returns
// false when the connection must be closed.
func (c *Conn) HandleRead(now time.Time) bool {
	if c.state != StateReading {
		return true
	}
	buf := c.s.readBuf
	n, err := socket(c.fd).Read(buf)
	if err != nil {
		if errors.Is(err, ErrPeerClosed) {
			c.reason = "peer-closed"
		} else {
			c.reason = "read-error"
			c.s.logger.Debug("read failed", "error", &ConnError{Fd: c.fd, Peer: c.peer.String(), Op: "read", Err: err})
		}
		return false
	}
	if n == 0 {
		return true
	}
	c.lastActive = now
	c.bytesRead += int64(n)
	c.s.opts.Metrics.BytesReceived(n)
	c.rbuf = append(c.rbuf, buf[:n]...)
	c.feed(now)
	return true
}

// feed runs the parser once over the buffered bytes. Chunked bodies are
// decoded in bounded steps; Pending reports leftover input.
func (c *Conn) feed(now time.Time) {
	if len(c.rbuf) == 0 {
		return
	}
	n := c.req.Parse(c.rbuf)
	c.rbuf = c.rbuf[n:]
	if len(c.rbuf) == 0 {
		c.rbuf = nil
	}
	if c.req.Complete() {
		c.rbuf = nil
		c.Process(now)
	}
}

// Pending reports whether buffered input remains for a chunked body that
// the decoder has not reached yet.
func (c *Conn) Pending() bool {
	return c.state == StateReading && len(c.rbuf) > 0 && c.req.State() == request.StateChunked
}

// Resume continues decoding buffered input.
func (c *Conn) Resume(now time.Time) {
	if c.Pending() {
		c.feed(now)
	}
}

// Process builds the response for a complete request.
func (c *Conn) Process(now time.Time) {
	c.state = StateProcessing
	c.processed = now
	c.span = c.s.opts.Tracer.Start(context.Background(), c.req.MethodToken, c.req.Path, c.req.Query, c.peer.Addr().String())

	resp := c.s.builder.Build(c.req, c.srv, response.ConnInfo{Local: c.local, Peer: c.peer})
	c.setResponse(resp, now)
}

func (c *Conn) setResponse(resp *response.Response, now time.Time) {
	c.resp = resp
	if br := resp.CGI(); br != nil {
		c.s.opts.Metrics.CGISpawned()
		c.cgiActive = now
		c.cgiSeen = 0
		if err := c.s.watchPipe(c, br.OutputFd()); err != nil {
			c.s.logger.Warn("cannot watch cgi pipe", "fd", c.fd, "error", err)
			c.TriggerError(http.StatusInternalServerError, now)
			return
		}
		c.setState(StateWaitingCGI)
		return
	}
	c.setState(StateWriting)
}

// setState moves to s and adjusts readiness interest for the socket and
// the subprocess pipe.
func (c *Conn) setState(s State) {
	c.state = s
	sock := poller.None
	switch s {
	case StateReading:
		sock = poller.Readable
	case StateWaitingCGI:
		sock = poller.PeerClosed
	case StateWriting:
		sock = poller.Writable
	}
	c.s.interest(c.fd, sock)
	if c.resp != nil && c.resp.CGI() != nil && !c.resp.PipeClosed() {
		c.s.pausePipe(c.resp.CGI().OutputFd(), s != StateWaitingCGI)
	}
}

// HandleCGI runs when the subprocess pipe is readable, or on a tick while
// the subprocess has closed its output but not been reaped.
func (c *Conn) HandleCGI(now time.Time) {
	if c.state != StateWaitingCGI || c.resp == nil {
		return
	}
	if c.resp.AwaitingCGI() {
		done := c.resp.PumpCGI()
		c.noteCGIOutput(now)
		if !done {
			c.releasePipe()
			return
		}
	}
	c.releasePipe()
	c.setState(StateWriting)
}

// noteCGIOutput restarts the CGI timeout when the subprocess produced
// output since the last check. The timeout bounds silence, not runtime.
func (c *Conn) noteCGIOutput(now time.Time) {
	if c.resp == nil || c.resp.CGI() == nil {
		return
	}
	if n := c.resp.CGIOutput(); n > c.cgiSeen {
		c.cgiSeen = n
		c.cgiActive = now
	}
}

// releasePipe stops watching a pipe that reached end of file; a
// level-triggered watch would report it forever.
func (c *Conn) releasePipe() {
	if c.resp != nil && c.resp.PipeClosed() {
		c.s.unwatchPipe(c.resp.CGI().OutputFd())
	}
}

// reaping reports whether the connection waits only for its subprocess
// to be reaped.
func (c *Conn) reaping() bool {
	return c.state == StateWaitingCGI && c.resp != nil && c.resp.PipeClosed()
}

// HandleWrite sends one slice of the response. It returns false when the
// connection must be closed.
func (c *Conn) HandleWrite(now time.Time) bool {
	if c.state != StateWriting {
		return true
	}
	before := c.resp.Sent()
	done, err := c.resp.SendSlice(socket(c.fd))
	if c.resp.Sent() > before {
		c.lastActive = now
	}
	c.noteCGIOutput(now)
	switch {
	case errors.Is(err, response.ErrCGIPending):
		c.releasePipe()
		c.setState(StateWaitingCGI)
		return true
	case err != nil:
		c.reason = "write-error"
		c.s.logger.Debug("write failed", "error", &ConnError{Fd: c.fd, Peer: c.peer.String(), Op: "write", Err: err})
		return false
	case done:
		c.state = StateFinished
		c.reason = "finished"
		return false
	}
	return true
}

// TriggerError abandons the current exchange and sends the error page for
// code instead. Once response bytes have reached the client no new head
// can be sent, so it returns false and the connection is closed.
func (c *Conn) TriggerError(code int, now time.Time) bool {
	if c.resp != nil {
		if c.resp.Started() {
			c.reason = "error-after-start"
			return false
		}
		c.closeResponse()
	}
	if c.span == nil {
		c.span = c.s.opts.Tracer.Start(context.Background(), c.req.MethodToken, c.req.Path, c.req.Query, c.peer.Addr().String())
	}
	if c.processed.IsZero() {
		c.processed = now
	}
	c.rbuf = nil
	c.setResponse(c.s.builder.ErrorPage(code, c.srv, c.req), now)
	return true
}

// CheckTimeout applies the idle and CGI timeouts. It returns false when
// the connection must be closed.
func (c *Conn) CheckTimeout(now time.Time) bool {
	opts := c.s.opts
	switch c.state {
	case StateReading:
		if now.Sub(c.lastActive) > opts.IdleTimeout {
			opts.Metrics.Timeout("read")
			c.lastActive = now
			return c.TriggerError(http.StatusRequestTimeout, now)
		}
	case StateWaitingCGI:
		if now.Sub(c.cgiActive) > opts.CGITimeout {
			opts.Metrics.Timeout("cgi")
			c.s.logger.Warn("cgi timed out", "fd", c.fd, "pid", c.resp.CGI().Pid(), "path", c.req.Path)
			c.lastActive = now
			return c.TriggerError(http.StatusGatewayTimeout, now)
		}
	case StateWriting, StateFinished:
		if now.Sub(c.lastActive) > opts.IdleTimeout {
			opts.Metrics.Timeout("idle")
			c.reason = "idle-timeout"
			return false
		}
	}
	return true
}

func (c *Conn) closeResponse() {
	if c.resp == nil {
		return
	}
	if br := c.resp.CGI(); br != nil {
		c.s.unwatchPipe(br.OutputFd())
	}
	c.resp.Close()
	c.resp = nil
}

// exchange describes the finished exchange for logs and metrics.
func (c *Conn) exchange(now time.Time) telemetry.Exchange {
	e := telemetry.Exchange{
		Start:  c.accepted,
		Method: c.req.MethodToken,
		Path:   c.req.Path,
		Proto:  c.req.Proto,
		Host:   c.srv.Name,
		Peer:   c.peer.String(),
	}
	if !c.processed.IsZero() {
		e.Duration = now.Sub(c.processed)
	}
	if c.resp != nil {
		e.Status = c.resp.Status
		e.Kind = string(c.resp.Kind)
		e.Bytes = c.resp.Sent()
	}
	return e
}

// close releases everything the connection owns. A running subprocess is
// killed and handed to the reaper.
func (c *Conn) close() {
	c.closeResponse()
	c.req.Close()
	c.state = StateFinished
}
