// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector records transport, persona, coordinator and workflow metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// transport
	transportOpsTotal   *prometheus.CounterVec
	transportOpDuration *prometheus.HistogramVec

	// persona consumer
	personaMessagesTotal   *prometheus.CounterVec
	personaHandlerDuration *prometheus.HistogramVec

	// retry coordinator
	coordinatorAttemptsTotal *prometheus.CounterVec
	coordinatorCallsTotal    *prometheus.CounterVec

	// workflow engine
	workflowRunsTotal    *prometheus.CounterVec
	workflowStepsTotal   *prometheus.CounterVec
	workflowStepDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer creates a collector registered on reg.
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.transportOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_operations_total",
			Help:      "Total number of transport operations",
		},
		[]string{"backend", "operation", "status"},
	)

	c.transportOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_operation_duration_seconds",
			Help:      "Transport operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"backend", "operation"},
	)

	c.personaMessagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_messages_total",
			Help:      "Total number of persona request messages by outcome",
		},
		[]string{"persona", "outcome"},
	)

	c.personaHandlerDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persona_handler_duration_seconds",
			Help:      "Persona handler duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"persona"},
	)

	c.coordinatorAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_attempts_total",
			Help:      "Total number of coordinator request attempts by outcome",
		},
		[]string{"persona", "outcome"}, // outcome: completed, timeout
	)

	c.coordinatorCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_calls_total",
			Help:      "Total number of coordinator calls by result",
		},
		[]string{"persona", "result"}, // result: success, exhausted, error
	)

	c.workflowRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"workflow", "status"},
	)

	c.workflowStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of workflow steps by status",
		},
		[]string{"workflow", "step_type", "status"},
	)

	c.workflowStepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 900},
		},
		[]string{"workflow", "step_type"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// Transport
// =============================================================================

// RecordTransportOp records one transport operation.
func (c *Collector) RecordTransportOp(backend, operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.transportOpsTotal.WithLabelValues(backend, operation, errStatus(err)).Inc()
	c.transportOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// =============================================================================
// Persona
// =============================================================================

// RecordPersonaMessage records a handled request. Outcomes: done, fail,
// skipped, duplicate, error.
func (c *Collector) RecordPersonaMessage(persona, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.personaMessagesTotal.WithLabelValues(persona, outcome).Inc()
	if duration > 0 {
		c.personaHandlerDuration.WithLabelValues(persona).Observe(duration.Seconds())
	}
}

// =============================================================================
// Coordinator
// =============================================================================

// RecordCoordinatorAttempt records one request attempt.
func (c *Collector) RecordCoordinatorAttempt(persona, outcome string) {
	if c == nil {
		return
	}
	c.coordinatorAttemptsTotal.WithLabelValues(persona, outcome).Inc()
}

// RecordCoordinatorCall records a finished coordinator call.
func (c *Collector) RecordCoordinatorCall(persona, result string) {
	if c == nil {
		return
	}
	c.coordinatorCallsTotal.WithLabelValues(persona, result).Inc()
}

// =============================================================================
// Workflow
// =============================================================================

// RecordWorkflowRun records a finished run.
func (c *Collector) RecordWorkflowRun(workflow, status string) {
	if c == nil {
		return
	}
	c.workflowRunsTotal.WithLabelValues(workflow, status).Inc()
}

// RecordWorkflowStep records a finished step.
func (c *Collector) RecordWorkflowStep(workflow, stepType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowStepsTotal.WithLabelValues(workflow, stepType, status).Inc()
	c.workflowStepDuration.WithLabelValues(workflow, stepType).Observe(duration.Seconds())
}

func errStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
