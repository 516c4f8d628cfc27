package response

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/config"
	"github.com/lefthookroll/webserv/pkg/request"
)

// throttled accepts at most n bytes per write and reports would-block on
// every other call.
type throttled struct {
	buf   bytes.Buffer
	n     int
	calls int
}

func (w *throttled) Write(p []byte) (int, error) {
	w.calls++
	if w.calls%2 == 0 {
		return 0, ErrWouldBlock
	}
	if len(p) > w.n {
		p = p[:w.n]
	}
	w.buf.Write(p)
	return len(p), nil
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testServer(t *testing.T, root string) *config.Server {
	t.Helper()
	src := fmt.Sprintf(`server {
    listen 8080;
    server_name test.local;
    error_page 404 /errors/404.html;

    location /site {
        root %[1]s;
        methods GET DELETE;
        autoindex on;
    }
    location /plain {
        root %[1]s;
    }
    location /errors {
        root %[1]s;
    }
    location /old {
        return 301 http://test.local/new;
    }
    location /upload {
        methods POST;
        upload_store %[1]s/stored;
    }
    location /nopost {
        methods POST;
        root %[1]s;
    }
    location /cgi-bin {
        root %[1]s;
        methods GET POST;
        cgi .sh /bin/sh;
    }
}
`, root)
	cfg, err := config.Parse("test.conf", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg.Servers[0]
}

func parseRequest(t *testing.T, raw string) *request.Request {
	t.Helper()
	r := request.New()
	buf := []byte(raw)
	for len(buf) > 0 && !r.Complete() {
		n := r.Parse(buf)
		if n == 0 {
			break
		}
		buf = buf[n:]
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// drain sends r completely through a throttled sink.
func drain(t *testing.T, r *Response) []byte {
	t.Helper()
	w := &throttled{n: 7}
	for i := 0; i < 100000; i++ {
		done, err := r.SendSlice(w)
		if err != nil {
			t.Fatalf("SendSlice: %v", err)
		}
		if done {
			return w.buf.Bytes()
		}
	}
	t.Fatal("response never completed")
	return nil
}

func readResponse(t *testing.T, raw []byte) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v\n%s", err, raw)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(data)
}

func build(t *testing.T, b *Builder, srv *config.Server, raw string) (*http.Response, string) {
	t.Helper()
	r := b.Build(parseRequest(t, raw), srv, ConnInfo{})
	defer r.Close()
	return readResponse(t, drain(t, r))
}

func TestErrorPage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "errors", "404.html"), "custom not found")
	srv := testServer(t, root)
	b := NewBuilder()

	r := b.ErrorPage(404, srv, nil)
	resp, body := readResponse(t, drain(t, r))
	if resp.StatusCode != 404 || body != "custom not found" {
		t.Errorf("custom page = %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}

	for _, code := range []int{500, 413, 599} {
		r := b.ErrorPage(code, srv, nil)
		resp, body := readResponse(t, drain(t, r))
		if resp.StatusCode != code || !strings.Contains(body, fmt.Sprintf("<h1>%d ", code)) {
			t.Errorf("builtin page %d = %d %q", code, resp.StatusCode, body)
		}
	}

	// A configured page that cannot be read falls back.
	os.Remove(filepath.Join(root, "errors", "404.html"))
	resp, body = readResponse(t, drain(t, b.ErrorPage(404, srv, nil)))
	if resp.StatusCode != 404 || !strings.Contains(body, "404 Not Found") {
		t.Errorf("fallback page = %d %q", resp.StatusCode, body)
	}

	// No server at all.
	resp, _ = readResponse(t, drain(t, b.ErrorPage(400, nil, nil)))
	if resp.StatusCode != 400 {
		t.Errorf("nil server page = %d", resp.StatusCode)
	}
}

func TestBuild_StaticFile(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("0123456789abcdef", 300)
	writeFile(t, filepath.Join(root, "site", "data.txt"), content)
	srv := testServer(t, root)

	b := NewBuilder()
	b.SliceSize = 64

	resp, body := build(t, b, srv, "GET /site/data.txt HTTP/1.1\r\nHost: test.local\r\n\r\n")
	if resp.StatusCode != 200 || body != content {
		t.Fatalf("status %d, body %d bytes", resp.StatusCode, len(body))
	}
	if resp.ContentLength != int64(len(content)) {
		t.Errorf("Content-Length = %d", resp.ContentLength)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q", got)
	}
	if resp.Header.Get("Server") != DefaultSoftware {
		t.Errorf("headers = %v", resp.Header)
	}
	// ReadResponse moves Connection: close into resp.Close.
	if !resp.Close {
		t.Error("response should carry Connection: close")
	}
}

func TestResponse_HeadIsStable(t *testing.T) {
	b := NewBuilder()
	r := b.ErrorPage(404, nil, nil)
	defer r.Close()

	head := string(r.Head())
	if !strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\nServer: ") {
		t.Errorf("head = %q", head)
	}
	r.SetHeader("X-Late", "1")
	if string(r.Head()) != head {
		t.Error("head changed after generation")
	}

	order := []string{"Server", "Date", "Content-Type", "Content-Length", "Connection"}
	for i, f := range r.Headers() {
		if f.Key != order[i] {
			t.Errorf("header %d = %s, want %s", i, f.Key, order[i])
		}
	}
}

func TestBuild_Routing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "site", "docs", "a.txt"), "a")
	writeFile(t, filepath.Join(root, "site", "indexed", "index.html"), "<p>home</p>")
	writeFile(t, filepath.Join(root, "plain", "dir", "x.txt"), "x")
	srv := testServer(t, root)
	b := NewBuilder()

	tests := []struct {
		name     string
		raw      string
		status   int
		header   string
		value    string
		contains string
	}{
		{"no location", "GET /nowhere HTTP/1.1\r\n\r\n", 404, "", "", "404 Not Found"},
		{"missing file", "GET /site/missing HTTP/1.1\r\n\r\n", 404, "", "", ""},
		{"method denied", "POST /plain/dir/x.txt HTTP/1.1\r\nContent-Length: 1\r\n\r\nx", 405, "Allow", "GET", ""},
		{"redirect", "GET /old/page HTTP/1.1\r\n\r\n", 301, "Location", "http://test.local/new", ""},
		{"dir without slash", "GET /site/docs?x=1 HTTP/1.1\r\n\r\n", 301, "Location", "/site/docs/?x=1", ""},
		{"autoindex", "GET /site/docs/ HTTP/1.1\r\n\r\n", 200, "Content-Type", "text/html; charset=utf-8", `<a href="a.txt">a.txt</a>`},
		{"index file", "GET /site/indexed/ HTTP/1.1\r\n\r\n", 200, "", "", "<p>home</p>"},
		{"listing disabled", "GET /plain/dir/ HTTP/1.1\r\n\r\n", 403, "", "", ""},
		{"post without store", "POST /nopost/f HTTP/1.1\r\nContent-Length: 1\r\n\r\nx", 405, "", "", ""},
		{"parser error", "BREW /pot HTTP/1.1\r\n\r\n", 501, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := build(t, b, srv, tt.raw)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.header != "" {
				if got := resp.Header.Get(tt.header); got != tt.value {
					t.Errorf("%s = %q, want %q", tt.header, got, tt.value)
				}
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("body %q does not contain %q", body, tt.contains)
			}
		})
	}
}

func TestBuild_UploadAndDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "site", "gone.txt"), "bye")
	os.MkdirAll(filepath.Join(root, "site", "sub"), 0o755)
	srv := testServer(t, root)
	b := NewBuilder()

	resp, _ := build(t, b, srv, "POST /upload/note.txt HTTP/1.1\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	if resp.StatusCode != 201 || resp.Header.Get("Location") != "/upload/note.txt" {
		t.Fatalf("upload = %d, Location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	data, err := os.ReadFile(filepath.Join(root, "stored", "note.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("stored = %q, %v", data, err)
	}

	tests := []struct {
		target string
		status int
	}{
		{"/site/gone.txt", 204},
		{"/site/gone.txt", 404},
		{"/site/sub", 403},
	}
	for _, tt := range tests {
		resp, _ := build(t, b, srv, "DELETE "+tt.target+" HTTP/1.1\r\n\r\n")
		if resp.StatusCode != tt.status {
			t.Errorf("DELETE %s = %d, want %d", tt.target, resp.StatusCode, tt.status)
		}
	}
}

func TestBuild_UploadBodyFailure(t *testing.T) {
	root := t.TempDir()
	srv := testServer(t, root)
	b := NewBuilder()
	// Any response body past one byte must spill into a missing directory.
	b.BodyOptions = []body.Option{body.WithThreshold(1), body.WithTempDir(filepath.Join(root, "missing"))}

	resp, got := build(t, b, srv, "POST /upload/note.txt HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello")
	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got != "" || resp.ContentLength != 0 {
		t.Errorf("body = %q, Content-Length = %d", got, resp.ContentLength)
	}
}

func TestBuild_SimpleResponse(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "site", "hi.txt"), "hi there")
	srv := testServer(t, root)

	r := NewBuilder().Build(parseRequest(t, "GET /site/hi.txt\r\n"), srv, ConnInfo{})
	defer r.Close()
	if !r.Simple {
		t.Fatal("expected a simple response")
	}
	if got := string(drain(t, r)); got != "hi there" {
		t.Errorf("output = %q", got)
	}
}

func TestSendSlice_WriteError(t *testing.T) {
	r := NewBuilder().ErrorPage(500, nil, nil)
	defer r.Close()

	boom := errors.New("connection reset")
	done, err := r.SendSlice(failWriter{boom})
	if done || !errors.Is(err, boom) {
		t.Errorf("SendSlice = %v, %v", done, err)
	}
	if r.Started() {
		t.Error("Started after failed write")
	}
}

type failWriter struct{ err error }

func (w failWriter) Write([]byte) (int, error) { return 0, w.err }

func TestReason(t *testing.T) {
	tests := map[int]string{
		200: "OK",
		431: "Request Header Fields Too Large",
		505: "HTTP Version Not Supported",
		599: "Server Error",
		499: "Client Error",
	}
	for code, want := range tests {
		if got := Reason(code); got != want {
			t.Errorf("Reason(%d) = %q, want %q", code, got, want)
		}
	}
}
