package request

import (
	"bytes"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/config"
)

const (
	// DefaultMaxHeaderBytes bounds the request line plus headers.
	DefaultMaxHeaderBytes = 16 << 10

	// ChunkBudget is the number of input bytes the chunk decoder handles
	// per Parse call.
	ChunkBudget = 8192

	maxChunkLine = 4096
)

// Supported protocol tokens. A request without one is HTTP/0.9.
const (
	ProtoHTTP10 = "HTTP/1.0"
	ProtoHTTP11 = "HTTP/1.1"
)

// State is the parse state. StateDone and StateError are terminal.
type State int

const (
	StateHeaders State = iota
	StateBody
	StateChunked
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateChunked:
		return "chunked"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Header holds request headers keyed by canonical MIME key. Duplicate keys
// keep the last value.
type Header map[string]string

// Get returns the value for key in any case.
func (h Header) Get(key string) string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Has reports whether key was sent.
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Request is an HTTP request assembled incrementally by Parse.
//
// A Request is owned by one connection and is not safe for concurrent use.
type Request struct {
	Method      config.Method
	MethodToken string
	Target      string // raw request target
	Path        string // decoded path component of Target
	Query       string // raw query string, without '?'
	Proto       string // "" for HTTP/0.9
	Header      Header

	// ContentLength is the declared length, or -1 when absent or chunked.
	ContentLength int64
	Chunked       bool

	Body *body.Store

	// OnHeaders runs once the header block is parsed and before the body
	// framing is decided. It may call SetMaxBodySize.
	OnHeaders func(*Request)

	state     State
	status    int
	consumed  int64
	scanned   int
	maxBody   int64
	maxHeader int
	chunk     chunkCursor
}

// Option configures a Request.
type Option func(*Request)

// WithMaxBodySize sets the body limit. Zero or negative means unlimited.
func WithMaxBodySize(n int64) Option {
	return func(r *Request) { r.maxBody = n }
}

// WithMaxHeaderBytes sets the header block limit.
func WithMaxHeaderBytes(n int) Option {
	return func(r *Request) {
		if n > 0 {
			r.maxHeader = n
		}
	}
}

// WithBody configures the body store.
func WithBody(opts ...body.Option) Option {
	return func(r *Request) { r.Body = body.New(opts...) }
}

// New creates a request in StateHeaders.
func New(opts ...Option) *Request {
	r := &Request{
		Header:        make(Header),
		ContentLength: -1,
		maxBody:       config.DefaultMaxBodySize,
		maxHeader:     DefaultMaxHeaderBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Body == nil {
		r.Body = body.New()
	}
	return r
}

// State returns the current parse state.
func (r *Request) State() State { return r.state }

// Status returns the response status recommended for StateError.
func (r *Request) Status() int { return r.status }

// Complete reports whether parsing reached a terminal state.
func (r *Request) Complete() bool { return r.state == StateDone || r.state == StateError }

// Consumed returns the total number of bytes Parse has consumed.
func (r *Request) Consumed() int64 { return r.consumed }

// MaxBodySize returns the active body limit.
func (r *Request) MaxBodySize() int64 { return r.maxBody }

// SetMaxBodySize changes the body limit. It has no effect once the body
// framing has been decided.
func (r *Request) SetMaxBodySize(n int64) {
	if r.state == StateHeaders {
		r.maxBody = n
	}
}

// Host returns the Host header without port, lowercased.
func (r *Request) Host() string {
	h := r.Header.Get("Host")
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.HasSuffix(h, "]") {
		h = h[:i]
	}
	return strings.ToLower(strings.TrimSpace(h))
}

// Close releases the body store.
func (r *Request) Close() error {
	return r.Body.Close()
}

// Parse consumes bytes from the front of data and returns how many it
// used. The caller drops consumed bytes and calls Parse again as more data
// arrives. Nothing is consumed while the header block is incomplete.
//
// Parse never fails; rejections move the request to StateError with a
// status code available from Status.
func (r *Request) Parse(data []byte) int {
	n := 0
	if r.state == StateHeaders {
		n = r.parseHeaders(data)
		if r.state == StateHeaders || r.Complete() {
			r.consumed += int64(n)
			return n
		}
	}
	switch r.state {
	case StateBody:
		n += r.parseBody(data[n:])
	case StateChunked:
		n += r.parseChunked(data[n:])
	}
	r.consumed += int64(n)
	return n
}

func (r *Request) fail(status int) {
	r.state = StateError
	r.status = status
}

var crlf = []byte("\r\n")

func (r *Request) parseHeaders(data []byte) int {
	// HTTP/0.9 has no header block; its request line ends the request.
	if eol := bytes.Index(data, crlf); eol >= 0 {
		if fields := strings.Fields(string(data[:eol])); len(fields) == 2 {
			r.requestLine(fields)
			if r.state != StateError {
				r.state = StateDone
			}
			return eol + 2
		}
	}

	from := r.scanned - 3
	if from < 0 {
		from = 0
	}
	end := bytes.Index(data[from:], []byte("\r\n\r\n"))
	if end < 0 {
		r.scanned = len(data)
		if len(data) > r.maxHeader {
			r.fail(431)
		}
		return 0
	}
	end += from
	if end > r.maxHeader {
		r.fail(431)
		return 0
	}

	lines := strings.Split(string(data[:end]), "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) != 3 {
		r.fail(400)
		return end + 4
	}
	r.requestLine(fields)
	if r.state == StateError {
		return end + 4
	}
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		if key == "" {
			continue
		}
		r.Header[textproto.CanonicalMIMEHeaderKey(key)] = strings.TrimSpace(line[i+1:])
	}

	if r.OnHeaders != nil {
		r.OnHeaders(r)
	}
	r.framing()
	return end + 4
}

// requestLine handles `METHOD target [protocol]`.
func (r *Request) requestLine(fields []string) {
	r.MethodToken = fields[0]
	m, ok := config.ParseMethod(fields[0])
	if !ok {
		r.fail(501)
		return
	}
	r.Method = m

	if len(fields) == 3 {
		if fields[2] != ProtoHTTP10 && fields[2] != ProtoHTTP11 {
			r.fail(505)
			return
		}
		r.Proto = fields[2]
	}

	target := fields[1]
	if !strings.HasPrefix(target, "/") {
		r.fail(400)
		return
	}
	r.Target = target
	rawPath := target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		rawPath, r.Query = target[:i], target[i+1:]
	}
	p, err := url.PathUnescape(rawPath)
	if err != nil || strings.IndexByte(p, 0) >= 0 || hasDotDot(p) {
		r.fail(400)
		return
	}
	r.Path = p
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// framing picks the body mode from Transfer-Encoding and Content-Length.
func (r *Request) framing() {
	if te := r.Header.Get("Transfer-Encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		r.Chunked = true
		r.state = StateChunked
		return
	}
	if !r.Header.Has("Content-Length") {
		r.state = StateDone
		return
	}
	v := r.Header.Get("Content-Length")
	if v == "" || strings.TrimLeft(v, "0123456789") != "" {
		r.fail(400)
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// All digits but out of range.
		r.fail(413)
		return
	}
	if r.maxBody > 0 && n > r.maxBody {
		r.fail(413)
		return
	}
	r.ContentLength = n
	if n == 0 {
		r.state = StateDone
		return
	}
	r.state = StateBody
}

func (r *Request) parseBody(data []byte) int {
	need := r.ContentLength - r.Body.Size()
	if int64(len(data)) < need {
		need = int64(len(data))
	}
	if need > 0 {
		if err := r.Body.Append(data[:need]); err != nil {
			r.fail(500)
			return int(need)
		}
	}
	if r.Body.Size() >= r.ContentLength {
		r.state = StateDone
	}
	return int(need)
}
