package request

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/config"
)

// feed parses data the way a connection does: consumed bytes are dropped
// and Parse is called again until no progress is made.
func feed(r *Request, buf []byte) []byte {
	for {
		n := r.Parse(buf)
		buf = buf[n:]
		if n == 0 || r.Complete() {
			return buf
		}
	}
}

func bodyString(t *testing.T, r *Request) string {
	t.Helper()
	b, err := r.Body.Bytes()
	if err != nil {
		t.Fatalf("Body.Bytes: %v", err)
	}
	return string(b)
}

func TestParse_SimpleGet(t *testing.T) {
	r := New()
	defer r.Close()

	raw := "GET /index.html HTTP/1.0\r\nHost: x\r\n\r\n"
	n := r.Parse([]byte(raw))

	if n != len(raw) {
		t.Errorf("consumed = %d, want %d", n, len(raw))
	}
	if r.State() != StateDone {
		t.Fatalf("State = %v, want done", r.State())
	}
	if r.Method != config.MethodGet || r.Target != "/index.html" || r.Proto != "HTTP/1.0" {
		t.Errorf("request line = %v %q %q", r.Method, r.Target, r.Proto)
	}
	if r.Header.Get("host") != "x" {
		t.Errorf("Host = %q", r.Header.Get("host"))
	}
	if r.Body.Size() != 0 {
		t.Errorf("Body.Size = %d, want 0", r.Body.Size())
	}
}

func TestParse_ContentLength(t *testing.T) {
	head := "POST /upload HTTP/1.1\r\nContent-Length: 5\r\n\r\n"

	r := New()
	r.Parse([]byte(head + "abcd"))
	if r.State() != StateBody {
		t.Fatalf("with 4 bytes: State = %v, want body", r.State())
	}
	r.Parse([]byte("e"))
	if r.State() != StateDone {
		t.Fatalf("with 5 bytes: State = %v, want done", r.State())
	}
	if got := bodyString(t, r); got != "abcde" {
		t.Errorf("body = %q", got)
	}

	// Extra bytes beyond the declared length are not consumed.
	r2 := New()
	rest := feed(r2, []byte(head+"abcdeXYZ"))
	if r2.State() != StateDone || string(rest) != "XYZ" {
		t.Errorf("State = %v rest = %q", r2.State(), rest)
	}
}

func TestParse_Chunked(t *testing.T) {
	r := New()
	rest := feed(r, []byte("POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"))

	if r.State() != StateDone {
		t.Fatalf("State = %v, want done", r.State())
	}
	if len(rest) != 0 {
		t.Errorf("unconsumed = %q", rest)
	}
	if got := bodyString(t, r); got != "abc" {
		t.Errorf("body = %q, want abc", got)
	}
}

func TestParse_ChunkedWinsOverContentLength(t *testing.T) {
	r := New()
	feed(r, []byte("POST /c HTTP/1.1\r\nContent-Length: 100\r\nTransfer-Encoding: gzip, Chunked\r\n\r\n"+
		"4;name=val\r\nwiki\r\n5\r\npedia\r\n0\r\nExpires: never\r\n\r\n"))

	if r.State() != StateDone {
		t.Fatalf("State = %v, want done (status %d)", r.State(), r.Status())
	}
	if !r.Chunked {
		t.Error("Chunked = false")
	}
	if got := bodyString(t, r); got != "wikipedia" {
		t.Errorf("body = %q", got)
	}
}

func TestParse_TargetAndQuery(t *testing.T) {
	r := New()
	r.Parse([]byte("GET /search?q=1 HTTP/1.1\r\n\r\n"))
	if r.Path != "/search" || r.Query != "q=1" {
		t.Errorf("Path = %q Query = %q", r.Path, r.Query)
	}

	r = New()
	r.Parse([]byte("GET /a%20b.txt HTTP/1.1\r\n\r\n"))
	if r.Path != "/a b.txt" || r.Target != "/a%20b.txt" {
		t.Errorf("Path = %q Target = %q", r.Path, r.Target)
	}
}

func TestParse_HTTP09(t *testing.T) {
	r := New()
	n := r.Parse([]byte("GET /old.html\r\n"))
	if r.State() != StateDone {
		t.Fatalf("State = %v, want done", r.State())
	}
	if n != 15 || r.Proto != "" || r.Path != "/old.html" {
		t.Errorf("n = %d Proto = %q Path = %q", n, r.Proto, r.Path)
	}

	r = New()
	r.Parse([]byte("GET old.html\r\n"))
	if r.State() != StateError || r.Status() != 400 {
		t.Errorf("State = %v Status = %d, want error 400", r.State(), r.Status())
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		opts   []Option
		status int
	}{
		{"unknown method", "PATCH / HTTP/1.1\r\n\r\n", nil, 501},
		{"lowercase method", "get / HTTP/1.1\r\n\r\n", nil, 501},
		{"missing slash", "GET index.html HTTP/1.1\r\n\r\n", nil, 400},
		{"bad protocol", "GET / HTTP/2.0\r\n\r\n", nil, 505},
		{"too many fields", "GET / HTTP/1.1 extra\r\n\r\n", nil, 400},
		{"dot dot", "GET /a/../../etc/passwd HTTP/1.1\r\n\r\n", nil, 400},
		{"encoded dot dot", "GET /a/%2e%2e/b HTTP/1.1\r\n\r\n", nil, 400},
		{"encoded nul", "GET /a%00b HTTP/1.1\r\n\r\n", nil, 400},
		{"non-numeric length", "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", nil, 400},
		{"negative length", "POST / HTTP/1.1\r\nContent-Length: -5\r\n\r\n", nil, 400},
		{"length over max", "POST / HTTP/1.1\r\nContent-Length: 11\r\n\r\n", []Option{WithMaxBodySize(10)}, 413},
		{"huge length", "POST / HTTP/1.1\r\nContent-Length: 99999999999999999999\r\n\r\n", nil, 413},
		{"chunked over max", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nb\r\n", []Option{WithMaxBodySize(10)}, 413},
		{"bad chunk size", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", nil, 400},
		{"missing chunk crlf", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcXY", nil, 400},
		{"headers too large", "GET / HTTP/1.1\r\nX: " + strings.Repeat("a", 64) + "\r\n", []Option{WithMaxHeaderBytes(32)}, 431},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.opts...)
			feed(r, []byte(tt.raw))
			if r.State() != StateError {
				t.Fatalf("State = %v, want error", r.State())
			}
			if r.Status() != tt.status {
				t.Errorf("Status = %d, want %d", r.Status(), tt.status)
			}
		})
	}
}

func TestParse_ChunkSizeNearMaxInt64(t *testing.T) {
	r := New(WithMaxBodySize(16))
	defer r.Close()

	rest := feed(r, []byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n7fffffffffffffff\r\n"))
	if r.State() != StateError || r.Status() != 413 {
		t.Fatalf("State = %v Status = %d, want error 413", r.State(), r.Status())
	}
	if len(rest) != 0 {
		t.Errorf("%d bytes left unconsumed", len(rest))
	}

	feed(r, bytes.Repeat([]byte("z"), 40<<10))
	if size := r.Body.Size(); size != 1 {
		t.Errorf("Body.Size = %d, want 1", size)
	}
}

func TestParse_TerminalStateIsSticky(t *testing.T) {
	r := New()
	r.Parse([]byte("BREW / HTTP/1.1\r\n\r\n"))
	if n := r.Parse([]byte("GET / HTTP/1.1\r\n\r\n")); n != 0 {
		t.Errorf("Parse after error consumed %d bytes", n)
	}
	if r.State() != StateError {
		t.Errorf("State = %v, want error", r.State())
	}

	r = New()
	r.Parse([]byte("GET / HTTP/1.1\r\n\r\n"))
	r.Parse([]byte("POST /x HTTP/1.1\r\n\r\n"))
	if r.State() != StateDone || r.Method != config.MethodGet {
		t.Errorf("State = %v Method = %v", r.State(), r.Method)
	}
}

func TestParse_HeaderRules(t *testing.T) {
	r := New()
	r.Parse([]byte("GET / HTTP/1.1\r\n" +
		"  x-token :  first  \r\n" +
		"no colon here\r\n" +
		"X-TOKEN: second\r\n" +
		"Host: Example.COM:8080\r\n\r\n"))

	if r.State() != StateDone {
		t.Fatalf("State = %v", r.State())
	}
	if got := r.Header.Get("X-Token"); got != "second" {
		t.Errorf("X-Token = %q, want second (last write wins)", got)
	}
	if len(r.Header) != 2 {
		t.Errorf("Header = %v, want 2 keys", r.Header)
	}
	if r.Host() != "example.com" {
		t.Errorf("Host() = %q", r.Host())
	}
}

func TestParse_OnHeadersSetsLimit(t *testing.T) {
	r := New(WithMaxBodySize(1 << 20))
	r.OnHeaders = func(r *Request) {
		if r.Host() == "small" {
			r.SetMaxBodySize(4)
		}
	}
	r.Parse([]byte("POST / HTTP/1.1\r\nHost: small\r\nContent-Length: 5\r\n\r\n"))
	if r.State() != StateError || r.Status() != 413 {
		t.Errorf("State = %v Status = %d, want error 413", r.State(), r.Status())
	}
}

func TestParse_ChunkBudget(t *testing.T) {
	payload := strings.Repeat("x", 3*ChunkBudget)
	raw := fmt.Sprintf("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n%x\r\n%s\r\n0\r\n\r\n", len(payload), payload)

	r := New()
	buf := []byte(raw)
	head := strings.Index(raw, "\r\n\r\n") + 4

	n := r.Parse(buf)
	if n > head+ChunkBudget {
		t.Fatalf("first Parse consumed %d bytes, budget allows %d", n, head+ChunkBudget)
	}
	calls := 1
	buf = buf[n:]
	for !r.Complete() {
		n = r.Parse(buf)
		if n == 0 || n > ChunkBudget {
			t.Fatalf("Parse consumed %d bytes", n)
		}
		buf = buf[n:]
		calls++
	}
	if r.State() != StateDone || calls < 4 {
		t.Fatalf("State = %v after %d calls", r.State(), calls)
	}
	if got := bodyString(t, r); got != payload {
		t.Errorf("body length = %d, want %d", len(got), len(payload))
	}
}

func TestParse_ByteByByteMatchesWhole(t *testing.T) {
	inputs := []string{
		"GET /index.html HTTP/1.0\r\nHost: x\r\n\r\n",
		"GET /search?q=1&r=2 HTTP/1.1\r\nAccept: */*\r\nUser-Agent: t\r\n\r\n",
		"POST /upload HTTP/1.1\r\nContent-Length: 11\r\nContent-Type: text/plain\r\n\r\nhello world",
		"POST /cgi-bin/a.py HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n10;x=y\r\n0123456789abcdef\r\n0\r\nX-Trailer: 1\r\n\r\n",
		"DELETE /files/a.txt HTTP/1.1\r\n\r\n",
		"GET /plain\r\n",
	}

	for i, raw := range inputs {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			whole := New(WithBody(body.WithThreshold(8), body.WithTempDir(t.TempDir())))
			defer whole.Close()
			feed(whole, []byte(raw))

			split := New(WithBody(body.WithThreshold(8), body.WithTempDir(t.TempDir())))
			defer split.Close()
			var pending []byte
			for j := 0; j < len(raw); j++ {
				pending = feed(split, append(pending, raw[j]))
			}

			if whole.State() != StateDone || split.State() != whole.State() {
				t.Fatalf("State whole=%v split=%v", whole.State(), split.State())
			}
			if split.Method != whole.Method || split.Target != whole.Target ||
				split.Proto != whole.Proto || split.Query != whole.Query {
				t.Errorf("request line differs: %+v vs %+v", split, whole)
			}
			if fmt.Sprint(split.Header) != fmt.Sprint(whole.Header) {
				t.Errorf("headers differ: %v vs %v", split.Header, whole.Header)
			}
			if a, b := bodyString(t, split), bodyString(t, whole); a != b {
				t.Errorf("body differs: %q vs %q", a, b)
			}
			if whole.Consumed() != split.Consumed() {
				t.Errorf("Consumed whole=%d split=%d", whole.Consumed(), split.Consumed())
			}
		})
	}
}

func TestParse_LargeBodySpills(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 4096)
	r := New(WithBody(body.WithThreshold(1024), body.WithTempDir(t.TempDir())))
	defer r.Close()

	raw := append([]byte(fmt.Sprintf("POST / HTTP/1.1\r\nContent-Length: %d\r\n\r\n", len(payload))), payload...)
	feed(r, raw)
	if r.State() != StateDone {
		t.Fatalf("State = %v", r.State())
	}
	if r.Body.Mode() != body.ModeDisk {
		t.Errorf("Body.Mode = %v, want disk", r.Body.Mode())
	}
	if got := bodyString(t, r); got != string(payload) {
		t.Error("spilled body differs")
	}
}
