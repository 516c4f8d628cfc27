package config

import (
	"fmt"
	"net/netip"
	"path"
	"strings"

	"github.com/lefthookroll/webserv/internal/errors"
)

const (
	// DefaultFileName is used when no configuration path is given.
	DefaultFileName = "webserv.conf"

	// DefaultMaxBodySize applies when a server omits client_max_body_size.
	DefaultMaxBodySize = 1 << 20

	// DefaultIndex applies when a location omits index.
	DefaultIndex = "index.html"

	// DefaultMethods applies when a location omits methods.
	DefaultMethods = MethodSet(MethodGet)
)

// Location is a route block: a URL path prefix and how requests under it
// are served.
type Location struct {
	// Path is the URL prefix this location matches.
	Path string

	// Root is the document root. Targets map to Root + target path.
	Root string

	// Methods is the set of allowed request methods.
	Methods MethodSet

	// ReturnCode and ReturnURL describe a redirect. ReturnCode is zero when
	// the location does not redirect.
	ReturnCode int
	ReturnURL  string

	// AutoIndex enables generated directory listings.
	AutoIndex bool

	// Index is the file served for directory targets.
	Index string

	// UploadStore is the destination for POST bodies: a directory, or an
	// s3://bucket/prefix URL.
	UploadStore string

	// CGI maps a file extension (".py") to its interpreter. An empty
	// interpreter executes the script directly.
	CGI map[string]string
}

// Allows reports whether m is permitted here.
func (l *Location) Allows(m Method) bool { return l.Methods.Has(m) }

// Redirects reports whether the location answers with a redirect.
func (l *Location) Redirects() bool { return l.ReturnCode != 0 }

// CGIFor returns the interpreter registered for the extension of p.
func (l *Location) CGIFor(p string) (interpreter string, ok bool) {
	ext := path.Ext(p)
	if ext == "" || l.CGI == nil {
		return "", false
	}
	interpreter, ok = l.CGI[ext]
	return interpreter, ok
}

// Server is one virtual-server block.
type Server struct {
	Listen      netip.AddrPort
	Name        string
	MaxBodySize int64
	ErrorPages  map[int]string
	Locations   []*Location
}

// Match returns the location with the longest prefix matching target, or
// nil. Prefixes match on segment boundaries, so "/img" matches "/img" and
// "/img/a.png" but not "/images".
func (s *Server) Match(target string) *Location {
	var best *Location
	for _, loc := range s.Locations {
		if !prefixMatch(loc.Path, target) {
			continue
		}
		if best == nil || len(loc.Path) > len(best.Path) {
			best = loc
		}
	}
	return best
}

func prefixMatch(prefix, target string) bool {
	if !strings.HasPrefix(target, prefix) {
		return false
	}
	if len(target) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return target[len(prefix)] == '/'
}

// ErrorPage returns the custom page path configured for code.
func (s *Server) ErrorPage(code int) (string, bool) {
	p, ok := s.ErrorPages[code]
	return p, ok && p != ""
}

// Config is the parsed configuration: every server block, in file order.
type Config struct {
	Servers []*Server

	path string
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

// Listeners returns each distinct listen address once, in first-seen order.
func (c *Config) Listeners() []netip.AddrPort {
	seen := make(map[netip.AddrPort]bool)
	var out []netip.AddrPort
	for _, s := range c.Servers {
		if seen[s.Listen] {
			continue
		}
		seen[s.Listen] = true
		out = append(out, s.Listen)
	}
	return out
}

// ServersFor returns the servers bound to addr. The first is the default
// for requests whose Host matches no server_name.
func (c *Config) ServersFor(addr netip.AddrPort) []*Server {
	var out []*Server
	for _, s := range c.Servers {
		if s.Listen == addr {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks cross-block constraints the directive parser cannot see.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("C003")
	}
	for i, s := range c.Servers {
		if !s.Listen.IsValid() {
			return errors.Newf("C020", "server #%d has no listen directive", i+1).
				WithSuggestion("add `listen 8080;` to the server block")
		}
		for _, loc := range s.Locations {
			if loc.Redirects() && (loc.ReturnCode < 300 || loc.ReturnCode > 399) {
				return errors.Newf("C022", "return code %d for location %s is not a redirect", loc.ReturnCode, loc.Path)
			}
		}
	}
	return nil
}

func (s *Server) String() string {
	name := s.Name
	if name == "" {
		name = "_"
	}
	return fmt.Sprintf("%s@%s", name, s.Listen)
}

func newServer() *Server {
	return &Server{
		MaxBodySize: DefaultMaxBodySize,
		ErrorPages:  make(map[int]string),
	}
}

func newLocation(p string) *Location {
	return &Location{
		Path:    p,
		Root:    ".",
		Methods: DefaultMethods,
		Index:   DefaultIndex,
	}
}
