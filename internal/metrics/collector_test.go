package metrics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.transportOpsTotal)
	assert.NotNil(t, collector.personaMessagesTotal)
	assert.NotNil(t, collector.coordinatorAttemptsTotal)
	assert.NotNil(t, collector.workflowStepsTotal)
}

func TestCollector_NilLogger(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), nil)
	assert.NotNil(t, collector.logger)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTransportOp("memory", "xadd", nil, time.Millisecond)
		c.RecordPersonaMessage("qa", "done", time.Second)
		c.RecordCoordinatorAttempt("qa", "timeout")
		c.RecordCoordinatorCall("qa", "exhausted")
		c.RecordWorkflowRun("wf", "completed")
		c.RecordWorkflowStep("wf", "set_variables", "pass", time.Millisecond)
	})
}

func TestCollector_RecordTransportOp(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordTransportOp("redis", "xadd", nil, 2*time.Millisecond)
	collector.RecordTransportOp("redis", "xadd", nil, 3*time.Millisecond)
	collector.RecordTransportOp("redis", "xadd", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.transportOpsTotal.WithLabelValues("redis", "xadd", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transportOpsTotal.WithLabelValues("redis", "xadd", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.transportOpDuration))
}

func TestCollector_RecordPersonaMessage(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordPersonaMessage("qa", "done", 150*time.Millisecond)
	collector.RecordPersonaMessage("qa", "skipped", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.personaMessagesTotal.WithLabelValues("qa", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.personaMessagesTotal.WithLabelValues("qa", "skipped")))
	// skipped messages carry no duration
	assert.Equal(t, 1, testutil.CollectAndCount(collector.personaHandlerDuration))
}

func TestCollector_RecordCoordinator(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordCoordinatorAttempt("lead-engineer", "timeout")
	collector.RecordCoordinatorAttempt("lead-engineer", "timeout")
	collector.RecordCoordinatorAttempt("lead-engineer", "completed")
	collector.RecordCoordinatorCall("lead-engineer", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.coordinatorAttemptsTotal.WithLabelValues("lead-engineer", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.coordinatorCallsTotal.WithLabelValues("lead-engineer", "success")))
}

func TestCollector_RecordWorkflow(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	collector.RecordWorkflowStep("feature", "persona_request", "pass", time.Second)
	collector.RecordWorkflowStep("feature", "persona_request", "fail", time.Second)
	collector.RecordWorkflowRun("feature", "completed")

	assert.Equal(t, 2, testutil.CollectAndCount(collector.workflowStepsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workflowRunsTotal.WithLabelValues("feature", "completed")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollectorWithRegisterer(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RecordPersonaMessage("qa", "done", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(collector.personaMessagesTotal.WithLabelValues("qa", "done")))
}

func TestCollector_MetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	collector := NewCollectorWithRegisterer(ns, reg, zap.NewNop())
	collector.RecordWorkflowRun("wf", "failed")

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, ns+"_workflow_runs_total")

	// a second collector on the same registry and namespace collides
	assert.Panics(t, func() {
		NewCollectorWithRegisterer(ns, reg, zap.NewNop())
	})
}
