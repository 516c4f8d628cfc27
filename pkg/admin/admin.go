package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lefthookroll/webserv/pkg/telemetry"
)

// Options configures the admin surface.
type Options struct {
	// Gatherer serves /metrics.
	// Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Stats returns the value encoded by /debug/connections. It is called
	// from HTTP handler goroutines.
	Stats func() any

	// Backlog bounds the access entries waiting for broadcast.
	// Default: DefaultBacklog.
	Backlog int

	// Logger is the base logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// Admin is the operator-facing HTTP surface. It runs on its own listener
// and goroutines, never on the event loop.
type Admin struct {
	router  chi.Router
	hub     *Hub
	stats   func() any
	started time.Time
	logger  *slog.Logger
}

// New builds the admin router.
func New(opts Options) *Admin {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "admin")

	a := &Admin{
		hub:     NewHub(opts.Backlog, logger),
		stats:   opts.Stats,
		started: time.Now(),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/debug", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/connections", a.handleConnections)
		r.Get("/access", a.hub.HandleWebSocket)
	})
	a.router = r
	return a
}

// Handler returns the admin router.
func (a *Admin) Handler() http.Handler { return a.router }

// Record publishes a finished exchange to access-log subscribers. It never
// blocks, so it can be installed as the event loop's exchange callback.
func (a *Admin) Record(e telemetry.Exchange) { a.hub.Publish(e) }

// Hub returns the access-log hub.
func (a *Admin) Hub() *Hub { return a.hub }

// Serve listens on addr until ctx is cancelled.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled. The hub is closed on
// return.
func (a *Admin) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	a.logger.Info("admin listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		a.hub.Close()
		return err
	case <-ctx.Done():
	}

	// Close subscribers first; Shutdown does not wait for hijacked
	// connections.
	a.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSec   float64 `json:"uptime_seconds"`
	Subscribers int     `json:"access_subscribers"`
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		UptimeSec:   time.Since(a.started).Seconds(),
		Subscribers: a.hub.ClientCount(),
	})
}

func (a *Admin) handleConnections(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, a.stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
