/*
Package metrics exposes Prometheus metrics for the machine client.

Collector groups counters and histograms by concern: transport operations,
persona request outcomes, coordinator attempts and workflow step results.
Metrics are registered through promauto on a caller-supplied Registerer and
isolated by namespace. A nil *Collector is safe to call and records nothing,
so components accept it as an optional dependency.
*/
package metrics
