package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "webserv").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for exchange duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "webserv",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the server's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	accepted      prometheus.Counter
	closed        *prometheus.CounterVec
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	cgiSpawns     prometheus.Counter
	cgiRunning    prometheus.Gauge
	spills        prometheus.Counter
	spillBytes    prometheus.Histogram
	timeouts      *prometheus.CounterVec
	uploads       *prometheus.CounterVec
}

// NewMetrics registers the collectors.
//
// Metrics collected:
//   - webserv_connections: Gauge of open client connections
//   - webserv_connections_accepted_total: Counter of accepted connections
//   - webserv_connections_closed_total: Counter of closed connections by reason
//   - webserv_requests_total: Counter of exchanges by method, kind and status
//   - webserv_request_duration_seconds: Histogram of exchange duration by kind
//   - webserv_bytes_sent_total / webserv_bytes_received_total
//   - webserv_cgi_spawns_total, webserv_cgi_running
//   - webserv_body_spills_total, webserv_body_spill_bytes
//   - webserv_timeouts_total: Counter of timeouts by phase
//   - webserv_uploads_total: Counter of uploads by backend and result
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Metrics{
		connections:   gauge("connections", "Number of open client connections"),
		accepted:      counter("connections_accepted_total", "Total number of accepted connections"),
		closed:        counterVec("connections_closed_total", "Total number of closed connections by reason", "reason"),
		requests:      counterVec("requests_total", "Total number of exchanges", "method", "kind", "status"),
		bytesSent:     counter("bytes_sent_total", "Total response bytes written to sockets"),
		bytesReceived: counter("bytes_received_total", "Total request bytes read from sockets"),
		cgiSpawns:     counter("cgi_spawns_total", "Total number of CGI subprocesses started"),
		cgiRunning:    gauge("cgi_running", "Number of CGI subprocesses not yet reaped"),
		spills:        counter("body_spills_total", "Total number of body stores migrated to disk"),
		timeouts:      counterVec("timeouts_total", "Total number of timeouts by phase", "phase"),
		uploads:       counterVec("uploads_total", "Total number of uploads by backend and result", "backend", "result"),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Exchange duration from request completion to last byte sent",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"kind"}),

		spillBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "body_spill_bytes",
			Help:        "Body size at the moment of migration to disk",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{1 << 20, 4 << 20, 16 << 20, 64 << 20, 256 << 20}, // 1MB to 256MB
		}),
	}
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.connections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.closed.WithLabelValues(reason).Inc()
}

// BytesReceived records bytes read from a client socket.
func (m *Metrics) BytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

// Exchange records a finished request/response exchange.
func (m *Metrics) Exchange(e Exchange) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(e.Method, e.Kind, strconv.Itoa(e.Status)).Inc()
	m.duration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
	m.bytesSent.Add(float64(e.Bytes))
}

// CGISpawned records a started subprocess.
func (m *Metrics) CGISpawned() {
	if m == nil {
		return
	}
	m.cgiSpawns.Inc()
}

// CGIRunning sets the number of subprocesses not yet reaped.
func (m *Metrics) CGIRunning(n int) {
	if m == nil {
		return
	}
	m.cgiRunning.Set(float64(n))
}

// BodySpilled records a body store migration to disk.
func (m *Metrics) BodySpilled(size int64) {
	if m == nil {
		return
	}
	m.spills.Inc()
	m.spillBytes.Observe(float64(size))
}

// Timeout records a timeout in the given phase ("read", "cgi", "idle").
func (m *Metrics) Timeout(phase string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(phase).Inc()
}

// Upload records a completed upload.
func (m *Metrics) Upload(backend string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.uploads.WithLabelValues(backend, result).Inc()
}

// Exchange describes one finished request/response exchange.
type Exchange struct {
	Start    time.Time
	Method   string
	Path     string
	Proto    string
	Host     string
	Peer     string
	Status   int
	Kind     string
	Bytes    int64
	Duration time.Duration
}

// LogAttrs returns the exchange as slog key/value pairs.
func (e Exchange) LogAttrs() []any {
	return []any{
		"method", e.Method,
		"path", e.Path,
		"status", e.Status,
		"kind", e.Kind,
		"bytes", e.Bytes,
		"duration", e.Duration,
		"peer", e.Peer,
	}
}
