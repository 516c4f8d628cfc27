package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type logOptions struct {
	level  string
	format string
}

// newLogger builds the process logger from the --log-* flags.
func newLogger(opts logOptions, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", opts.level)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(opts.format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", opts.format)
	}
}
