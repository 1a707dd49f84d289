// Package telemetry configures the OpenTelemetry SDK for the machine client
// and offers span helpers for the consumer, coordinator and workflow engine.
// With telemetry disabled the global providers stay noop.
package telemetry
