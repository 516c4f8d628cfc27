// Package admin serves the operator endpoints of webserv on a separate
// listener:
//
//   - GET /healthz: liveness as JSON.
//   - GET /metrics: Prometheus exposition of the telemetry registry.
//   - GET /debug/connections: the event loop's latest connection snapshot.
//   - GET /debug/access: a WebSocket streaming one JSON message per
//     finished exchange.
//
// The event loop feeds the access stream through Admin.Record, which
// drops entries rather than block when subscribers fall behind.
package admin
