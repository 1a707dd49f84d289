/*
Package server runs the machine client's operational HTTP endpoint: the
Prometheus /metrics scrape target and the /healthz and /readyz probes.

# Core types

  - Manager wraps net/http.Server with non-blocking Start, graceful
    Shutdown, an asynchronous error channel and Run for errgroup use.
  - Config holds listen address, timeouts and the shutdown grace period.
  - Health aggregates named readiness checks (transport, database).
*/
package server
