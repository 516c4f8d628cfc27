package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/lefthookroll/webserv/internal/errors"
)

type token struct {
	text string
	line int
	col  int
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Newf("C040", "Cannot read configuration file %s", path).Wrap(err)
	}
	return Parse(path, data)
}

// Parse parses configuration source. name is used in diagnostics only.
//
// The grammar is a sequence of `server { ... }` blocks. Directives end
// with `;`, `#` starts a comment running to end of line.
func Parse(name string, src []byte) (*Config, error) {
	p := &parser{file: name, src: string(src)}
	p.tokenize()

	cfg := &Config{path: name}
	for !p.atEnd() {
		t := p.next()
		if t.text != "server" {
			return nil, p.errAt("C001", t).
				WithDetail("Expected a `server` block, got `" + t.text + "`.")
		}
		if err := p.expect("{"); err != nil {
			return nil, err
		}
		srv, err := p.serverBlock()
		if err != nil {
			return nil, err
		}
		cfg.Servers = append(cfg.Servers, srv)
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("C003").At(name, 1, 0, "")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type parser struct {
	file string
	src  string
	toks []token
	pos  int
	eof  token
}

func (p *parser) tokenize() {
	line, col := 1, 1
	i := 0
	advance := func() {
		if p.src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
		i++
	}
	for i < len(p.src) {
		c := p.src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\v' || c == '\f':
			advance()
		case c == '#':
			for i < len(p.src) && p.src[i] != '\n' {
				advance()
			}
		case c == '{' || c == '}' || c == ';':
			p.toks = append(p.toks, token{text: string(c), line: line, col: col})
			advance()
		default:
			start, sl, sc := i, line, col
			for i < len(p.src) && !isDelim(p.src[i]) {
				advance()
			}
			p.toks = append(p.toks, token{text: p.src[start:i], line: sl, col: sc})
		}
	}
	p.eof = token{line: line, col: col}
}

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f', '{', '}', ';', '#':
		return true
	}
	return false
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() (token, bool) {
	if p.atEnd() {
		return p.eof, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() token {
	t, _ := p.peek()
	p.pos++
	return t
}

func (p *parser) errAt(code string, t token) *errors.ConfigError {
	return errors.New(code).At(p.file, t.line, t.col, p.src)
}

func (p *parser) errEOF() *errors.ConfigError {
	return p.errAt("C002", p.eof)
}

func (p *parser) expect(text string) error {
	t, ok := p.peek()
	if !ok {
		return p.errEOF().WithSuggestion("add `" + text + "`")
	}
	p.pos++
	if t.text != text {
		return errors.Newf("C001", "Expected `%s`, got `%s`", text, t.text).
			At(p.file, t.line, t.col, p.src)
	}
	return nil
}

// word consumes one argument token for directive d.
func (p *parser) word(d token) (token, error) {
	t, ok := p.peek()
	if !ok {
		return t, p.errEOF()
	}
	if t.text == ";" || t.text == "{" || t.text == "}" {
		return t, errors.Newf("C012", "Directive `%s` is missing an argument", d.text).
			At(p.file, t.line, t.col, p.src)
	}
	p.pos++
	return t, nil
}

// words consumes arguments up to the terminating semicolon.
func (p *parser) words(d token) ([]token, error) {
	var out []token
	for {
		t, ok := p.peek()
		if !ok {
			return nil, p.errEOF()
		}
		if t.text == ";" {
			p.pos++
			break
		}
		if t.text == "{" || t.text == "}" {
			return nil, errors.Newf("C001", "Unexpected `%s` in `%s` directive", t.text, d.text).
				At(p.file, t.line, t.col, p.src).
				WithSuggestion("terminate the directive with `;`")
		}
		out = append(out, t)
		p.pos++
	}
	if len(out) == 0 {
		return nil, errors.Newf("C012", "Directive `%s` is missing an argument", d.text).
			At(p.file, d.line, d.col, p.src)
	}
	return out, nil
}

// single consumes exactly one argument and the semicolon.
func (p *parser) single(d token) (token, error) {
	t, err := p.word(d)
	if err != nil {
		return t, err
	}
	return t, p.expect(";")
}

func (p *parser) serverBlock() (*Server, error) {
	srv := newServer()
	for {
		d, ok := p.peek()
		if !ok {
			return nil, p.errEOF().WithSuggestion("close the server block with `}`")
		}
		p.pos++
		if d.text == "}" {
			return srv, nil
		}

		switch d.text {
		case "listen":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			addr, ok := parseListen(t.text)
			if !ok {
				return nil, p.errAt("C020", t).WithSuggestion("use `listen 8080;` or `listen 127.0.0.1:8080;`")
			}
			srv.Listen = addr

		case "server_name":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			srv.Name = strings.ToLower(t.text)

		case "client_max_body_size":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			n, ok := parseBodySize(t.text)
			if !ok {
				return nil, p.errAt("C021", t)
			}
			srv.MaxBodySize = n

		case "error_page":
			args, err := p.words(d)
			if err != nil {
				return nil, err
			}
			if len(args) < 2 {
				return nil, errors.Newf("C012", "error_page needs a status code and a path").
					At(p.file, d.line, d.col, p.src)
			}
			page := args[len(args)-1].text
			for _, a := range args[:len(args)-1] {
				code, ok := parseStatus(a.text)
				if !ok {
					return nil, p.errAt("C022", a)
				}
				srv.ErrorPages[code] = page
			}

		case "location":
			t, err := p.word(d)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(t.text, "/") {
				return nil, p.errAt("C026", t)
			}
			if err := p.expect("{"); err != nil {
				return nil, err
			}
			loc, err := p.locationBlock(t.text)
			if err != nil {
				return nil, err
			}
			srv.Locations = append(srv.Locations, loc)

		default:
			return nil, errors.Newf("C010", "Unknown server directive `%s`", d.text).
				At(p.file, d.line, d.col, p.src)
		}
	}
}

func (p *parser) locationBlock(prefix string) (*Location, error) {
	loc := newLocation(prefix)
	for {
		d, ok := p.peek()
		if !ok {
			return nil, p.errEOF().WithSuggestion("close the location block with `}`")
		}
		p.pos++
		if d.text == "}" {
			return loc, nil
		}

		switch d.text {
		case "root":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			loc.Root = t.text

		case "methods":
			args, err := p.words(d)
			if err != nil {
				return nil, err
			}
			var set MethodSet
			for _, a := range args {
				m, ok := ParseMethod(a.text)
				if !ok {
					return nil, errors.Newf("C023", "Unknown HTTP method `%s`", a.text).
						At(p.file, a.line, a.col, p.src)
				}
				set = set.With(m)
			}
			loc.Methods = set

		case "autoindex":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			switch t.text {
			case "on":
				loc.AutoIndex = true
			case "off":
				loc.AutoIndex = false
			default:
				return nil, p.errAt("C024", t)
			}

		case "index":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			loc.Index = t.text

		case "upload_store":
			t, err := p.single(d)
			if err != nil {
				return nil, err
			}
			loc.UploadStore = t.text

		case "return":
			args, err := p.words(d)
			if err != nil {
				return nil, err
			}
			if len(args) != 2 {
				return nil, errors.Newf("C012", "return needs a status code and a URL").
					At(p.file, d.line, d.col, p.src)
			}
			code, ok := parseStatus(args[0].text)
			if !ok {
				return nil, p.errAt("C022", args[0])
			}
			loc.ReturnCode = code
			loc.ReturnURL = args[1].text

		case "cgi":
			args, err := p.words(d)
			if err != nil {
				return nil, err
			}
			ext := args[0]
			if len(args) > 2 || len(ext.text) < 2 || ext.text[0] != '.' || strings.Contains(ext.text[1:], ".") {
				return nil, p.errAt("C025", ext).WithSuggestion("use `cgi .py /usr/bin/python3;` or `cgi .cgi;`")
			}
			if loc.CGI == nil {
				loc.CGI = make(map[string]string)
			}
			interpreter := ""
			if len(args) == 2 {
				interpreter = args[1].text
			}
			loc.CGI[ext.text] = interpreter

		default:
			return nil, errors.Newf("C011", "Unknown location directive `%s`", d.text).
				At(p.file, d.line, d.col, p.src)
		}
	}
}

// parseListen accepts `port` (all interfaces) or `ipv4:port`.
func parseListen(v string) (netip.AddrPort, bool) {
	host, portStr := "0.0.0.0", v
	if i := strings.LastIndexByte(v, ':'); i >= 0 {
		host, portStr = v[:i], v[i+1:]
	}
	if !allDigits(portStr) {
		return netip.AddrPort{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return netip.AddrPort{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, uint16(port)), true
}

// parseBodySize parses a decimal size with an optional k, m or g suffix.
func parseBodySize(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	}
	if mult != 1 {
		v = v[:len(v)-1]
	}
	if !allDigits(v) {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n > (1<<62)/mult {
		return 0, false
	}
	return n * mult, true
}

func parseStatus(v string) (int, bool) {
	if len(v) != 3 || !allDigits(v) {
		return 0, false
	}
	n, _ := strconv.Atoi(v)
	return n, n >= 100 && n <= 599
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
