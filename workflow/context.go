package workflow

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known variable names.
const (
	VarWorkflowAborted = "workflowAborted"
	VarAbortReason     = "abortReason"
)

// StatusVar returns the variable holding a step's pass/fail/skipped status.
func StatusVar(step string) string { return step + "_status" }

// Step status values stored in StatusVar.
const (
	StepPass    = "pass"
	StepFail    = "fail"
	StepSkipped = "skipped"
)

// HistoryEntry records one finished or skipped step.
type HistoryEntry struct {
	StepName   string     `json:"step_name"`
	StepType   string     `json:"step_type"`
	Status     StepStatus `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// ExecutionContext is the mutable state of one run. Variables are
// last-write-wins and persist for the rest of the run.
type ExecutionContext struct {
	WorkflowID string `json:"workflow_id"`
	ProjectID  string `json:"project_id,omitempty"`
	RepoRoot   string `json:"repo_root,omitempty"`
	Branch     string `json:"branch,omitempty"`

	StartTime      time.Time `json:"start_time"`
	LastUpdateTime time.Time `json:"last_update_time"`

	mu          sync.RWMutex
	variables   map[string]any
	history     []HistoryEntry
	stepOutputs map[string]map[string]any
}

// NewExecutionContext creates a context. An empty workflowID is replaced by
// a random one.
func NewExecutionContext(workflowID string) *ExecutionContext {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	now := time.Now()
	return &ExecutionContext{
		WorkflowID:     workflowID,
		StartTime:      now,
		LastUpdateTime: now,
		variables:      make(map[string]any),
		stepOutputs:    make(map[string]map[string]any),
	}
}

// SetVariable sets a workflow variable.
func (ec *ExecutionContext) SetVariable(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.variables[key] = value
	ec.LastUpdateTime = time.Now()
}

// SetVariables sets several variables at once.
func (ec *ExecutionContext) SetVariables(vars map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	maps.Copy(ec.variables, vars)
	ec.LastUpdateTime = time.Now()
}

// GetVariable retrieves a workflow variable.
func (ec *ExecutionContext) GetVariable(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.variables[key]
	return v, ok
}

// Variables returns a copy of all variables.
func (ec *ExecutionContext) Variables() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return maps.Clone(ec.variables)
}

// SetStepOutputs stores every output of a step.
func (ec *ExecutionContext) SetStepOutputs(step string, outputs map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if outputs == nil {
		outputs = map[string]any{}
	}
	ec.stepOutputs[step] = outputs
	ec.LastUpdateTime = time.Now()
}

// StepOutputs returns the outputs of step.
func (ec *ExecutionContext) StepOutputs(step string) (map[string]any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out, ok := ec.stepOutputs[step]
	return out, ok
}

// AllStepOutputs returns a shallow copy of every step's outputs.
func (ec *ExecutionContext) AllStepOutputs() map[string]map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return maps.Clone(ec.stepOutputs)
}

func (ec *ExecutionContext) record(entry HistoryEntry) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.history = append(ec.history, entry)
	ec.LastUpdateTime = time.Now()
}

// History returns the recorded steps in execution order.
func (ec *ExecutionContext) History() []HistoryEntry {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return append([]HistoryEntry(nil), ec.history...)
}

// Aborted reports whether a workflow_abort step ran.
func (ec *ExecutionContext) Aborted() bool {
	v, _ := ec.GetVariable(VarWorkflowAborted)
	b, _ := v.(bool)
	return b
}

// EvalVars returns the variables visible to conditions and interpolation:
// every context variable, "steps.<name>.<key>" for step outputs (plus
// "steps.<name>.status"), and the run identity under workflowId,
// projectId, repoRoot and branch.
func (ec *ExecutionContext) EvalVars() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	vars := make(map[string]any, len(ec.variables)+5)
	maps.Copy(vars, ec.variables)

	steps := make(map[string]any, len(ec.stepOutputs))
	for name, outputs := range ec.stepOutputs {
		view := maps.Clone(outputs)
		if _, ok := view["status"]; !ok {
			if s, ok := ec.variables[StatusVar(name)]; ok {
				view["status"] = s
			}
		}
		steps[name] = view
	}
	for _, h := range ec.history {
		if _, ok := steps[h.StepName]; !ok {
			steps[h.StepName] = map[string]any{"status": ec.variables[StatusVar(h.StepName)]}
		}
	}
	vars["steps"] = steps

	vars["workflowId"] = ec.WorkflowID
	vars["projectId"] = ec.ProjectID
	vars["repoRoot"] = ec.RepoRoot
	vars["branch"] = ec.Branch
	return vars
}
