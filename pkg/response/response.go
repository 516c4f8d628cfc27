package response

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/cgi"
)

const (
	// Proto is the protocol token of every status line.
	Proto = "HTTP/1.1"

	// DefaultSliceSize bounds one write attempt.
	DefaultSliceSize = 64 << 10

	maxCGIHeader = 8 << 10
)

var (
	// ErrWouldBlock is returned by a Sink that cannot accept bytes now.
	ErrWouldBlock = errors.New("response: write would block")

	// ErrCGIPending is returned by SendSlice when the body is waiting on
	// subprocess output.
	ErrCGIPending = errors.New("response: waiting for cgi output")
)

// State is the streaming state.
type State int

const (
	StateSendingHead State = iota
	StateSendingStatic
	StateSendingChunked
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSendingHead:
		return "sending-head"
	case StateSendingStatic:
		return "sending-static"
	case StateSendingChunked:
		return "sending-chunked"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Kind names the path that produced a response.
type Kind string

const (
	KindStatic    Kind = "static"
	KindAutoIndex Kind = "autoindex"
	KindCGI       Kind = "cgi"
	KindRedirect  Kind = "redirect"
	KindUpload    Kind = "upload"
	KindDelete    Kind = "delete"
	KindError     Kind = "error"
)

// Field is one response header.
type Field struct {
	Key   string
	Value string
}

// Response is a status line, headers and a body, streamed to a socket in
// bounded slices by SendSlice.
//
// A Response is owned by one connection. It owns its body store and, for
// CGI responses, the subprocess bridge.
type Response struct {
	Status int
	Reason string
	Kind   Kind

	// Simple responses (HTTP/0.9) carry the body only.
	Simple bool

	Body *body.Store

	header []Field
	state  State
	next   State

	head    []byte
	headOff int
	bodyOff int64
	sent    int64
	slice   int
	buf     []byte

	bridge      *cgi.Bridge
	awaiting    bool
	cgiHead     []byte
	pending     []byte
	pendingOff  int
	pipeEOF     bool
	cgiRead     int64
	finalQueued bool
}

func newResponse(status int, slice int, opts ...body.Option) *Response {
	if slice <= 0 {
		slice = DefaultSliceSize
	}
	return &Response{
		Status: status,
		Reason: Reason(status),
		Body:   body.New(opts...),
		state:  StateSendingHead,
		next:   StateSendingStatic,
		slice:  slice,
	}
}

// State returns the streaming state.
func (r *Response) State() State { return r.state }

// Done reports whether every byte has been sent.
func (r *Response) Done() bool { return r.state == StateDone }

// Sent returns the number of bytes written so far.
func (r *Response) Sent() int64 { return r.sent }

// Started reports whether any byte has reached the socket.
func (r *Response) Started() bool { return r.sent > 0 }

// CGI returns the subprocess bridge of a CGI response, or nil.
func (r *Response) CGI() *cgi.Bridge { return r.bridge }

// AwaitingCGI reports whether the CGI header block is still incomplete.
// The status line cannot be generated until it is.
func (r *Response) AwaitingCGI() bool { return r.awaiting }

// SetHeader sets a header, replacing an earlier value in place so the
// original insertion order is kept. It has no effect once the head has
// been generated.
func (r *Response) SetHeader(key, value string) {
	if r.head != nil {
		return
	}
	key = textproto.CanonicalMIMEHeaderKey(key)
	for i := range r.header {
		if r.header[i].Key == key {
			r.header[i].Value = value
			return
		}
	}
	r.header = append(r.header, Field{Key: key, Value: value})
}

// Header returns the value of key.
func (r *Response) Header(key string) string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	for _, f := range r.header {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Headers returns a copy of the headers in insertion order.
func (r *Response) Headers() []Field {
	return append([]Field(nil), r.header...)
}

// setStatus changes the status before the head exists.
func (r *Response) setStatus(code int, reason string) {
	r.Status = code
	r.Reason = reason
	if reason == "" {
		r.Reason = Reason(code)
	}
}

// finalize fixes the framing headers of a buffered response.
func (r *Response) finalize() {
	if bodyless(r.Status) {
		r.Body.Clear()
	} else {
		r.SetHeader("Content-Length", strconv.FormatInt(r.Body.Size(), 10))
	}
	r.SetHeader("Connection", "close")
}

// Head returns the status line and headers, generating them on first use.
func (r *Response) Head() []byte {
	if r.head != nil {
		return r.head
	}
	if r.Simple {
		r.head = []byte{}
		return r.head
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", Proto, r.Status, r.Reason)
	for _, f := range r.header {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	r.head = b.Bytes()
	return r.head
}

// SendSlice makes one bounded write attempt to w and reports whether the
// response is fully sent. A Sink returning ErrWouldBlock is not an error.
// For CGI responses, ErrCGIPending means no output is available until the
// subprocess pipe becomes readable or the subprocess exits.
func (r *Response) SendSlice(w io.Writer) (bool, error) {
	if r.state == StateDone {
		return true, nil
	}
	if r.awaiting {
		return false, ErrCGIPending
	}

	switch r.state {
	case StateSendingHead:
		head := r.Head()
		if r.headOff < len(head) {
			n, err := w.Write(head[r.headOff:])
			r.headOff += n
			r.sent += int64(n)
			if err != nil {
				return false, filterBlock(err)
			}
			if r.headOff < len(head) {
				return false, nil
			}
		}
		r.state = r.next
		if r.state == StateSendingStatic && r.Body.Size() == 0 {
			r.state = StateDone
		}
		if len(head) > 0 {
			return r.state == StateDone, nil
		}
		return r.SendSlice(w)

	case StateSendingStatic:
		return r.sendStatic(w)

	case StateSendingChunked:
		return r.sendChunked(w)
	}
	return r.state == StateDone, nil
}

func (r *Response) scratch() []byte {
	if r.buf == nil {
		r.buf = make([]byte, r.slice)
	}
	return r.buf
}

func (r *Response) sendStatic(w io.Writer) (bool, error) {
	buf := r.scratch()
	n, err := r.Body.ReadAt(buf, r.bodyOff)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			r.state = StateDone
			return true, nil
		}
		return false, err
	}
	wn, werr := w.Write(buf[:n])
	r.bodyOff += int64(wn)
	r.sent += int64(wn)
	if werr != nil {
		return false, filterBlock(werr)
	}
	if r.bodyOff >= r.Body.Size() {
		r.state = StateDone
	}
	return r.state == StateDone, nil
}

func (r *Response) sendChunked(w io.Writer) (bool, error) {
	if r.pendingOff >= len(r.pending) {
		if r.finalQueued {
			r.state = StateDone
			return true, nil
		}
		if err := r.fill(); err != nil {
			return false, err
		}
		if r.pendingOff >= len(r.pending) {
			if r.finalQueued {
				r.state = StateDone
				return true, nil
			}
			return false, ErrCGIPending
		}
	}
	n, err := w.Write(r.pending[r.pendingOff:])
	r.pendingOff += n
	r.sent += int64(n)
	if err != nil {
		return false, filterBlock(err)
	}
	if r.pendingOff >= len(r.pending) && r.finalQueued {
		r.state = StateDone
	}
	return r.state == StateDone, nil
}

// fill queues the next framed piece of subprocess output, or the terminal
// chunk once the pipe is closed and the subprocess has been reaped.
func (r *Response) fill() error {
	r.pending = r.pending[:0]
	r.pendingOff = 0

	if len(r.cgiHead) > 0 {
		// Body bytes that arrived together with the CGI header block.
		r.frame(r.cgiHead)
		r.cgiHead = nil
		return nil
	}
	if !r.pipeEOF {
		buf := r.scratch()
		n, err := r.bridge.Read(buf)
		if n > 0 {
			r.cgiRead += int64(n)
			r.frame(buf[:n])
			return nil
		}
		switch {
		case errors.Is(err, cgi.ErrWouldBlock):
			return ErrCGIPending
		case err != nil:
			r.pipeEOF = true
		}
	}
	if !r.bridge.IsDone() {
		return ErrCGIPending
	}
	if !r.Simple {
		r.pending = append(r.pending, "0\r\n\r\n"...)
	}
	r.finalQueued = true
	return nil
}

func (r *Response) frame(p []byte) {
	if r.Simple {
		r.pending = append(r.pending, p...)
		return
	}
	r.pending = strconv.AppendInt(r.pending, int64(len(p)), 16)
	r.pending = append(r.pending, "\r\n"...)
	r.pending = append(r.pending, p...)
	r.pending = append(r.pending, "\r\n"...)
}

// CGIOutput returns the number of bytes read from the CGI output pipe.
func (r *Response) CGIOutput() int64 { return r.cgiRead }

// PipeClosed reports whether the CGI output pipe has reached end of file.
func (r *Response) PipeClosed() bool { return r.pipeEOF }

// PumpCGI reads available subprocess output while the CGI header block is
// incomplete. It returns true once the head can be generated.
func (r *Response) PumpCGI() bool {
	if !r.awaiting {
		return true
	}
	buf := r.scratch()
	for len(r.cgiHead) < maxCGIHeader {
		n, err := r.bridge.Read(buf)
		if n > 0 {
			r.cgiRead += int64(n)
			r.cgiHead = append(r.cgiHead, buf[:n]...)
			if r.parseCGIHeader(false) {
				return true
			}
		}
		if errors.Is(err, cgi.ErrWouldBlock) {
			return false
		}
		if err != nil {
			r.pipeEOF = true
			r.parseCGIHeader(true)
			return true
		}
	}
	// No header block within the limit: everything is body.
	r.endCGIHeader(nil)
	return true
}

// parseCGIHeader applies the CGI document header block once it is
// complete. Output that does not start with a header line is passed
// through as body. With force set, whatever is buffered is resolved.
func (r *Response) parseCGIHeader(force bool) bool {
	data := r.cgiHead
	if eol := bytes.IndexByte(data, '\n'); eol >= 0 || force {
		first := data
		if eol >= 0 {
			first = data[:eol]
		}
		if !headerLine(first) {
			r.endCGIHeader(nil)
			return true
		}
	}

	end, skip := -1, 0
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		end, skip = i, 4
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 && (end < 0 || i < end) {
		end, skip = i, 2
	}
	if end < 0 {
		if force {
			// Headers without a terminating blank line and no body.
			r.endCGIHeader(splitLines(data))
			r.cgiHead = nil
			return true
		}
		return false
	}
	lines := splitLines(data[:end])
	r.cgiHead = data[end+skip:]
	r.endCGIHeader(lines)
	return true
}

func (r *Response) endCGIHeader(lines []string) {
	status := false
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "Status":
			code, reason, _ := strings.Cut(value, " ")
			if n, err := strconv.Atoi(code); err == nil && n >= 100 && n <= 599 {
				r.setStatus(n, strings.TrimSpace(reason))
				status = true
			}
		case "Content-Length", "Transfer-Encoding", "Connection":
			// Framing is ours.
		default:
			r.SetHeader(key, value)
		}
	}
	if !status && r.Header("Location") != "" {
		r.setStatus(302, "")
	}
	if r.Header("Content-Type") == "" {
		r.SetHeader("Content-Type", "text/html; charset=utf-8")
	}
	if !r.Simple {
		r.SetHeader("Transfer-Encoding", "chunked")
	}
	r.SetHeader("Connection", "close")
	r.awaiting = false
}

func headerLine(line []byte) bool {
	line = bytes.TrimRight(line, "\r")
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}

func splitLines(data []byte) []string {
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Close releases the body store and the CGI bridge. A subprocess still
// running is killed.
func (r *Response) Close() error {
	var err error
	if r.bridge != nil {
		err = r.bridge.Close()
	}
	if cerr := r.Body.Close(); err == nil {
		err = cerr
	}
	return err
}

func filterBlock(err error) error {
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	return err
}
