package workflow

import (
	"sort"
	"sync"
	"time"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	// RunSucceeded means every step succeeded or was skipped.
	RunSucceeded RunStatus = "succeeded"
	// RunFailed means the run finished but at least one step failed.
	RunFailed RunStatus = "failed"
	// RunErrored means a step returned a fatal error.
	RunErrored RunStatus = "errored"
	// RunAborted means a workflow_abort step stopped the run.
	RunAborted RunStatus = "aborted"
)

// RunResult summarizes one run.
type RunResult struct {
	Workflow    string                    `json:"workflow"`
	WorkflowID  string                    `json:"workflow_id"`
	Status      RunStatus                 `json:"status"`
	History     []HistoryEntry            `json:"history"`
	Variables   map[string]any            `json:"variables,omitempty"`
	StepOutputs map[string]map[string]any `json:"step_outputs,omitempty"`
	// Error is the fatal error message, if any.
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// FailedSteps returns the names of failed steps in execution order.
func (r *RunResult) FailedSteps() []string {
	var out []string
	for _, h := range r.History {
		if h.Status == StatusFailure {
			out = append(out, h.StepName)
		}
	}
	return out
}

// RunStore keeps the most recent run results in memory.
type RunStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	runs     map[string]*RunResult
}

// NewRunStore creates a store holding at most capacity runs. Zero means
// unbounded.
func NewRunStore(capacity int) *RunStore {
	return &RunStore{capacity: capacity, runs: make(map[string]*RunResult)}
}

// Save stores r under its WorkflowID, evicting the oldest run when full.
func (s *RunStore) Save(r *RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.WorkflowID]; !exists {
		s.order = append(s.order, r.WorkflowID)
	}
	s.runs[r.WorkflowID] = r
	for s.capacity > 0 && len(s.order) > s.capacity {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

// Get retrieves a run by workflow id.
func (s *RunStore) Get(workflowID string) (*RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[workflowID]
	return r, ok
}

// ListByWorkflow returns the runs of one workflow, oldest first.
func (s *RunStore) ListByWorkflow(name string) []*RunResult {
	return s.list(func(r *RunResult) bool { return r.Workflow == name })
}

// ListByStatus returns the runs with status, oldest first.
func (s *RunStore) ListByStatus(status RunStatus) []*RunResult {
	return s.list(func(r *RunResult) bool { return r.Status == status })
}

// ListByTimeRange returns runs started within [start, end].
func (s *RunStore) ListByTimeRange(start, end time.Time) []*RunResult {
	return s.list(func(r *RunResult) bool {
		return !r.StartTime.Before(start) && !r.StartTime.After(end)
	})
}

func (s *RunStore) list(keep func(*RunResult) bool) []*RunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RunResult
	for _, id := range s.order {
		if r := s.runs[id]; keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}
