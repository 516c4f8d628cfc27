// Package telemetry records what the event loop does: Prometheus metrics
// for connections, exchanges, CGI subprocesses and body spills, and one
// OpenTelemetry span per exchange.
//
// Both types are nil-safe so the loop can call them unconditionally:
//
//	m := telemetry.NewMetrics(telemetry.WithNamespace("edge"))
//	t := telemetry.NewTracer(telemetry.WithPathFilter(func(p string) bool {
//	    return p != "/healthz"
//	}))
//
// Expose the metrics through the admin listener (see package admin) or
// promhttp directly.
package telemetry
