package errors

import (
	"fmt"
	"strings"
)

// Category represents the type of diagnostic.
type Category string

const (
	CategorySyntax    Category = "syntax"
	CategoryDirective Category = "directive"
	CategoryValue     Category = "value"
	CategoryIO        Category = "io"
)

// Location represents a position in a configuration file.
type Location struct {
	File   string
	Line   int
	Column int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// ConfigError is a coded configuration diagnostic with a source location,
// surrounding lines and an optional fix suggestion.
type ConfigError struct {
	// Code is a unique identifier (e.g., "C001").
	Code string

	// Category is the diagnostic type.
	Category Category

	// Message is a short description.
	Message string

	// Detail is a longer explanation.
	Detail string

	// Location is where the problem was found.
	Location *Location

	// Context holds the source lines around Location.
	Context []string

	// contextStart is the line number of Context[0].
	contextStart int

	// Suggestion is a hint on how to fix the problem.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Location != nil {
		b.WriteString(e.Location.String())
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.Wrapped.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Wrapped
}

// At sets the location and captures up to two lines of context on each side
// from src.
func (e *ConfigError) At(file string, line, column int, src string) *ConfigError {
	e.Location = &Location{File: file, Line: line, Column: column}
	if src != "" && line > 0 {
		e.Context, e.contextStart = contextLines(src, line, 2)
	}
	return e
}

// WithSuggestion adds a fix suggestion.
func (e *ConfigError) WithSuggestion(s string) *ConfigError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation.
func (e *ConfigError) WithDetail(d string) *ConfigError {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *ConfigError) Wrap(err error) *ConfigError {
	e.Wrapped = err
	return e
}

func contextLines(src string, target, radius int) ([]string, int) {
	lines := strings.Split(src, "\n")
	start := target - radius
	if start < 1 {
		start = 1
	}
	end := target + radius
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil, 0
	}
	out := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, strings.TrimRight(lines[i-1], "\r"))
	}
	return out, start
}

// New creates a ConfigError from a registered code.
func New(code string) *ConfigError {
	template, ok := registry[code]
	if !ok {
		return &ConfigError{
			Code:    code,
			Message: "Unknown configuration error",
		}
	}
	return &ConfigError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
	}
}

// Newf creates a ConfigError from a registered code with a formatted message
// replacing the template message.
func Newf(code string, format string, args ...any) *ConfigError {
	e := New(code)
	e.Message = fmt.Sprintf(format, args...)
	return e
}
