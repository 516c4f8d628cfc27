package config

import (
	stderrors "errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lefthookroll/webserv/internal/errors"
)

const sampleConf = `# two virtual servers
server {
    listen 127.0.0.1:8080;
    server_name example.com;
    client_max_body_size 10M;
    error_page 404 /errors/404.html;
    error_page 500 502 /errors/50x.html;

    location / {
        root /var/www/html;
        methods GET POST;
        autoindex off;
        index index.html;
    }

    location /upload {
        methods POST DELETE;
        upload_store /tmp/uploads;
    }

    location /old {
        return 301 https://example.com/new;
    }

    location /cgi-bin {
        root ./www;
        cgi .py /usr/bin/python3;
        cgi .sh;
    }
}

server {
    listen 9090;
    server_name api.example.com;
    client_max_body_size 1k;

    location /api {
        methods GET POST DELETE;
        autoindex on;
    }
}
`

func mustParse(t *testing.T, src string) *Config {
	t.Helper()
	cfg, err := Parse("test.conf", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestParse(t *testing.T) {
	cfg := mustParse(t, sampleConf)

	if len(cfg.Servers) != 2 {
		t.Fatalf("len(Servers) = %d, want 2", len(cfg.Servers))
	}

	s0 := cfg.Servers[0]
	if s0.Name != "example.com" {
		t.Errorf("Name = %q, want example.com", s0.Name)
	}
	if s0.MaxBodySize != 10<<20 {
		t.Errorf("MaxBodySize = %d, want %d", s0.MaxBodySize, 10<<20)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:8080"); s0.Listen != want {
		t.Errorf("Listen = %v, want %v", s0.Listen, want)
	}
	if p, ok := s0.ErrorPage(404); !ok || p != "/errors/404.html" {
		t.Errorf("ErrorPage(404) = %q, %v", p, ok)
	}
	if p, _ := s0.ErrorPage(502); p != "/errors/50x.html" {
		t.Errorf("ErrorPage(502) = %q", p)
	}
	if _, ok := s0.ErrorPage(403); ok {
		t.Error("ErrorPage(403) should not be configured")
	}
	if len(s0.Locations) != 4 {
		t.Fatalf("len(Locations) = %d, want 4", len(s0.Locations))
	}

	root := s0.Locations[0]
	if root.Root != "/var/www/html" || root.Index != "index.html" || root.AutoIndex {
		t.Errorf("root location = %+v", root)
	}
	if !root.Allows(MethodGet) || !root.Allows(MethodPost) || root.Allows(MethodDelete) {
		t.Errorf("root Methods = %v, want GET, POST", root.Methods)
	}

	upload := s0.Locations[1]
	if upload.UploadStore != "/tmp/uploads" {
		t.Errorf("UploadStore = %q", upload.UploadStore)
	}
	if upload.Root != "." || upload.Index != DefaultIndex {
		t.Errorf("upload defaults = root %q index %q", upload.Root, upload.Index)
	}

	redir := s0.Locations[2]
	if !redir.Redirects() || redir.ReturnCode != 301 || redir.ReturnURL != "https://example.com/new" {
		t.Errorf("redirect = %d %q", redir.ReturnCode, redir.ReturnURL)
	}
	if redir.Methods != DefaultMethods {
		t.Errorf("default Methods = %v, want GET", redir.Methods)
	}

	cgi := s0.Locations[3]
	if in, ok := cgi.CGIFor("/cgi-bin/hello.py"); !ok || in != "/usr/bin/python3" {
		t.Errorf("CGIFor(.py) = %q, %v", in, ok)
	}
	if in, ok := cgi.CGIFor("/cgi-bin/run.sh"); !ok || in != "" {
		t.Errorf("CGIFor(.sh) = %q, %v", in, ok)
	}
	if _, ok := cgi.CGIFor("/cgi-bin/readme.txt"); ok {
		t.Error("CGIFor(.txt) should not match")
	}

	s1 := cfg.Servers[1]
	if s1.MaxBodySize != 1024 {
		t.Errorf("s1 MaxBodySize = %d, want 1024", s1.MaxBodySize)
	}
	if want := netip.MustParseAddrPort("0.0.0.0:9090"); s1.Listen != want {
		t.Errorf("s1 Listen = %v, want %v", s1.Listen, want)
	}
	api := s1.Locations[0]
	if api.Methods != Methods(MethodGet, MethodPost, MethodDelete) {
		t.Errorf("api Methods = %v", api.Methods)
	}
}

func TestServer_Match(t *testing.T) {
	s := &Server{Locations: []*Location{
		{Path: "/"},
		{Path: "/img"},
		{Path: "/img/thumbs/"},
	}}

	tests := []struct {
		target string
		want   string
	}{
		{"/", "/"},
		{"/index.html", "/"},
		{"/img", "/img"},
		{"/img/a.png", "/img"},
		{"/images/a.png", "/"},
		{"/img/thumbs/a.png", "/img/thumbs/"},
		{"/img/thumbs", "/img"},
	}
	for _, tt := range tests {
		loc := s.Match(tt.target)
		if loc == nil || loc.Path != tt.want {
			t.Errorf("Match(%q) = %v, want %q", tt.target, loc, tt.want)
		}
	}

	if loc := (&Server{Locations: []*Location{{Path: "/api"}}}).Match("/other"); loc != nil {
		t.Errorf("Match(/other) = %v, want nil", loc.Path)
	}
}

func TestConfig_ListenersAndServersFor(t *testing.T) {
	cfg := mustParse(t, `
server { listen 8080; server_name a; }
server { listen 8080; server_name b; }
server { listen 127.0.0.1:8081; }
`)
	ls := cfg.Listeners()
	if len(ls) != 2 {
		t.Fatalf("Listeners = %v, want 2 entries", ls)
	}
	group := cfg.ServersFor(ls[0])
	if len(group) != 2 || group[0].Name != "a" || group[1].Name != "b" {
		t.Fatalf("ServersFor(%v) = %v", ls[0], group)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantCode string
		wantLine int
	}{
		{"empty", "# nothing\n", "C003", 1},
		{"not a server", "http {\n}\n", "C001", 1},
		{"unterminated", "server {\n listen 80;\n", "C002", 3},
		{"unknown server directive", "server {\n  listen 80;\n  gzip on;\n}\n", "C010", 3},
		{"unknown location directive", "server {\n listen 80;\n location / {\n  proxy_pass x;\n }\n}\n", "C011", 4},
		{"missing argument", "server {\n listen;\n}\n", "C012", 2},
		{"bad port", "server {\n listen 70000;\n}\n", "C020", 2},
		{"bad ip", "server {\n listen 300.1.1.1:80;\n}\n", "C020", 2},
		{"bad body size", "server {\n listen 80;\n client_max_body_size 10x;\n}\n", "C021", 3},
		{"bad error code", "server {\n listen 80;\n error_page 4o4 /x.html;\n}\n", "C022", 3},
		{"bad method", "server {\n listen 80;\n location / {\n  methods GET PUT;\n }\n}\n", "C023", 4},
		{"bad autoindex", "server {\n listen 80;\n location / {\n  autoindex yes;\n }\n}\n", "C024", 4},
		{"bad cgi ext", "server {\n listen 80;\n location / {\n  cgi py;\n }\n}\n", "C025", 4},
		{"relative location", "server {\n listen 80;\n location img {\n }\n}\n", "C026", 3},
		{"missing semicolon", "server {\n listen 80\n}\n", "C001", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.conf", []byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *errors.ConfigError
			if !stderrors.As(err, &ce) {
				t.Fatalf("err = %T (%v), want *errors.ConfigError", err, err)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s (%v)", ce.Code, tt.wantCode, err)
			}
			if ce.Location != nil && ce.Location.Line != tt.wantLine {
				t.Errorf("Line = %d, want %d (%v)", ce.Location.Line, tt.wantLine, err)
			}
		})
	}
}

func TestValidate_MissingListen(t *testing.T) {
	_, err := Parse("x.conf", []byte("server {\n server_name a;\n}\n"))
	var ce *errors.ConfigError
	if !stderrors.As(err, &ce) || ce.Code != "C020" {
		t.Fatalf("err = %v, want C020", err)
	}
	if !strings.Contains(ce.Suggestion, "listen") {
		t.Errorf("Suggestion = %q", ce.Suggestion)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.conf"))
	var ce *errors.ConfigError
	if !stderrors.As(err, &ce) || ce.Code != "C040" {
		t.Fatalf("Load(missing) = %v, want C040", err)
	}
	if !stderrors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) should wrap os.ErrNotExist")
	}

	path := filepath.Join(dir, DefaultFileName)
	if err := os.WriteFile(path, []byte(sampleConf), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
}

func TestParseBodySize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"512", 512, true},
		{"4k", 4096, true},
		{"2M", 2 << 20, true},
		{"1g", 1 << 30, true},
		{"", 0, false},
		{"m", 0, false},
		{"-1", 0, false},
		{"1.5m", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseBodySize(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseBodySize(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMethodSet_String(t *testing.T) {
	if got := Methods(MethodDelete, MethodGet).String(); got != "GET, DELETE" {
		t.Errorf("String() = %q", got)
	}
	if _, ok := ParseMethod("get"); ok {
		t.Error("method tokens are case-sensitive")
	}
}
