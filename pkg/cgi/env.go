package cgi

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/lefthookroll/webserv/pkg/request"
)

// GatewayInterface is the CGI revision advertised to scripts.
const GatewayInterface = "CGI/1.1"

// Meta carries the server-side meta-variables a request cannot supply.
type Meta struct {
	ServerName     string
	ServerPort     int
	ServerSoftware string
	RemoteAddr     string
	RemotePort     int
}

// Snapshot is the argument vector and environment for one invocation.
// It is built once by Prepare and never modified; the null-terminated
// arrays the kernel needs exist only inside the spawn call.
type Snapshot struct {
	Path   string // executable: interpreter or script
	Script string
	Dir    string
	Query  string
	argv   []string
	env    []string
}

// Args returns a copy of the argument vector.
func (s *Snapshot) Args() []string { return append([]string(nil), s.argv...) }

// Environ returns a copy of the environment as KEY=value pairs, sorted.
func (s *Snapshot) Environ() []string { return append([]string(nil), s.env...) }

// Lookup returns the value of one meta-variable.
func (s *Snapshot) Lookup(key string) (string, bool) {
	prefix := key + "="
	for _, kv := range s.env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func newSnapshot(r *request.Request, script, interpreter string, meta Meta) *Snapshot {
	s := &Snapshot{
		Path:   script,
		Script: script,
		Dir:    filepath.Dir(script),
		Query:  r.Query,
	}
	if interpreter != "" {
		s.Path = interpreter
		s.argv = []string{interpreter, script}
	} else {
		s.argv = []string{script}
	}

	proto := r.Proto
	if proto == "" {
		proto = "HTTP/0.9"
	}
	vars := map[string]string{
		"GATEWAY_INTERFACE": GatewayInterface,
		"SERVER_SOFTWARE":   meta.ServerSoftware,
		"SERVER_NAME":       meta.ServerName,
		"SERVER_PORT":       strconv.Itoa(meta.ServerPort),
		"SERVER_PROTOCOL":   proto,
		"REQUEST_METHOD":    r.MethodToken,
		"REQUEST_URI":       r.Target,
		"QUERY_STRING":      r.Query,
		"SCRIPT_NAME":       r.Path,
		"SCRIPT_FILENAME":   script,
		"PATH_INFO":         r.Path,
		"REMOTE_ADDR":       meta.RemoteAddr,
		"REMOTE_PORT":       strconv.Itoa(meta.RemotePort),
		"REDIRECT_STATUS":   "200",
		"PATH":              "/usr/local/bin:/usr/bin:/bin",
	}
	if size := r.Body.Size(); size > 0 {
		vars["CONTENT_LENGTH"] = strconv.FormatInt(size, 10)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		vars["CONTENT_TYPE"] = ct
	}
	for k, v := range r.Header {
		switch k {
		case "Content-Length", "Content-Type", "Transfer-Encoding":
			continue
		}
		vars["HTTP_"+strings.ToUpper(strings.ReplaceAll(k, "-", "_"))] = v
	}

	s.env = make([]string, 0, len(vars))
	for k, v := range vars {
		s.env = append(s.env, k+"="+v)
	}
	sort.Strings(s.env)
	return s
}
