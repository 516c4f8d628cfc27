package server

import (
	"log/slog"
	"time"

	"github.com/lefthookroll/webserv/internal/poller"
	"github.com/lefthookroll/webserv/pkg/body"
	"github.com/lefthookroll/webserv/pkg/request"
	"github.com/lefthookroll/webserv/pkg/response"
	"github.com/lefthookroll/webserv/pkg/telemetry"
	"github.com/lefthookroll/webserv/pkg/upload"
)

// Options holds the runtime settings of the event loop. Virtual-server
// settings come from the configuration file instead.
type Options struct {
	// Timeouts

	// IdleTimeout bounds inactivity while reading a request (408) and
	// while a response cannot be written (connection closed).
	// Default: 30 seconds.
	IdleTimeout time.Duration

	// CGITimeout bounds the wait for subprocess output. On expiry the
	// subprocess is killed and 504 is sent.
	// Default: 30 seconds.
	CGITimeout time.Duration

	// Tick is the longest the loop blocks in the readiness wait. Timeouts
	// and subprocess reaping are checked at least this often.
	// Default: 1 second.
	Tick time.Duration

	// Buffers and limits

	// ReadSize is the size of one socket read.
	// Default: 64KB.
	ReadSize int

	// WriteSize bounds one socket write.
	// Default: 64KB.
	WriteSize int

	// BodyThreshold is the memory limit of a body store before it moves
	// to disk.
	// Default: 1MB.
	BodyThreshold int64

	// TempDir holds spilled bodies.
	// Default: os.TempDir().
	TempDir string

	// MaxHeaderBytes limits the request header block (431 beyond).
	// Default: 16KB.
	MaxHeaderBytes int

	// MaxEvents is the readiness batch size.
	// Default: 64.
	MaxEvents int

	// ListenBacklog is the kernel accept queue length.
	// Default: 511.
	ListenBacklog int

	// Collaborators

	// Software is the Server header value.
	// Default: response.DefaultSoftware.
	Software string

	// Metrics receives loop metrics. Nil records nothing.
	Metrics *telemetry.Metrics

	// Tracer opens a span per exchange. Nil traces nothing.
	Tracer *telemetry.Tracer

	// Uploads resolves upload_store destinations.
	// Default: upload.NewRegistry().
	Uploads *upload.Registry

	// OnExchange is called from the loop after each exchange. It must not
	// block.
	OnExchange func(telemetry.Exchange)

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		IdleTimeout:    30 * time.Second,
		CGITimeout:     30 * time.Second,
		Tick:           time.Second,
		ReadSize:       64 * 1024,
		WriteSize:      response.DefaultSliceSize,
		BodyThreshold:  body.DefaultThreshold,
		MaxHeaderBytes: request.DefaultMaxHeaderBytes,
		MaxEvents:      poller.DefaultMaxEvents,
		ListenBacklog:  511,
		Software:       response.DefaultSoftware,
	}
}

// Clone returns a copy of the Options.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// WithIdleTimeout sets the idle timeout and returns the options for chaining.
func (o *Options) WithIdleTimeout(d time.Duration) *Options {
	o.IdleTimeout = d
	return o
}

// WithCGITimeout sets the CGI timeout and returns the options for chaining.
func (o *Options) WithCGITimeout(d time.Duration) *Options {
	o.CGITimeout = d
	return o
}

// WithTick sets the wait tick and returns the options for chaining.
func (o *Options) WithTick(d time.Duration) *Options {
	o.Tick = d
	return o
}

// WithBodyThreshold sets the body memory threshold and returns the options for chaining.
func (o *Options) WithBodyThreshold(n int64) *Options {
	o.BodyThreshold = n
	return o
}

// WithTempDir sets the spill directory and returns the options for chaining.
func (o *Options) WithTempDir(dir string) *Options {
	o.TempDir = dir
	return o
}

// WithMetrics sets the metrics sink and returns the options for chaining.
func (o *Options) WithMetrics(m *telemetry.Metrics) *Options {
	o.Metrics = m
	return o
}

// WithTracer sets the tracer and returns the options for chaining.
func (o *Options) WithTracer(t *telemetry.Tracer) *Options {
	o.Tracer = t
	return o
}

// WithUploads sets the upload registry and returns the options for chaining.
func (o *Options) WithUploads(r *upload.Registry) *Options {
	o.Uploads = r
	return o
}

// WithOnExchange sets the exchange callback and returns the options for chaining.
func (o *Options) WithOnExchange(fn func(telemetry.Exchange)) *Options {
	o.OnExchange = fn
	return o
}

// WithLogger sets the logger and returns the options for chaining.
func (o *Options) WithLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// normalize fills zero values with defaults.
func (o *Options) normalize() {
	d := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.CGITimeout <= 0 {
		o.CGITimeout = d.CGITimeout
	}
	if o.Tick <= 0 {
		o.Tick = d.Tick
	}
	if o.ReadSize <= 0 {
		o.ReadSize = d.ReadSize
	}
	if o.WriteSize <= 0 {
		o.WriteSize = d.WriteSize
	}
	if o.BodyThreshold <= 0 {
		o.BodyThreshold = d.BodyThreshold
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = d.MaxEvents
	}
	if o.ListenBacklog <= 0 {
		o.ListenBacklog = d.ListenBacklog
	}
	if o.Software == "" {
		o.Software = d.Software
	}
	if o.Uploads == nil {
		o.Uploads = upload.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) bodyOptions() []body.Option {
	return []body.Option{body.WithThreshold(o.BodyThreshold), body.WithTempDir(o.TempDir)}
}
