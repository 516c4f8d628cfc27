package config

import "strings"

// Method is one of the request methods the server can route.
type Method uint8

const (
	MethodGet Method = 1 << iota
	MethodPost
	MethodDelete
)

// ParseMethod maps a request-line token to a Method. Tokens are
// case-sensitive, as on the wire.
func ParseMethod(token string) (Method, bool) {
	switch token {
	case "GET":
		return MethodGet, true
	case "POST":
		return MethodPost, true
	case "DELETE":
		return MethodDelete, true
	}
	return 0, false
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// MethodSet is a bitmask of allowed methods.
type MethodSet uint8

// Methods builds a set from individual methods.
func Methods(ms ...Method) MethodSet {
	var s MethodSet
	for _, m := range ms {
		s = s.With(m)
	}
	return s
}

// Has reports whether m is in the set.
func (s MethodSet) Has(m Method) bool { return s&MethodSet(m) != 0 }

// With returns a copy of the set including m.
func (s MethodSet) With(m Method) MethodSet { return s | MethodSet(m) }

// String renders the set as an Allow header value.
func (s MethodSet) String() string {
	var out []string
	for _, m := range []Method{MethodGet, MethodPost, MethodDelete} {
		if s.Has(m) {
			out = append(out, m.String())
		}
	}
	return strings.Join(out, ", ")
}
