package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
)

// ErrUnknownStepType is returned for a step type with no registered
// factory.
var ErrUnknownStepType = errors.New("unknown step type")

// Registry maps step types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StepFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StepFactory)}
}

// NewDefaultRegistry returns a registry holding the built-in kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}

// Register adds a factory. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f StepFactory) error {
	if kind == "" || f == nil {
		return errors.New("register step: kind and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("step type %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Has reports whether kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the step for cfg.
func (r *Registry) Build(cfg dsl.StepConfig, deps Deps) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStepType, cfg.Type)
	}
	step, err := f(cfg, deps)
	if err != nil {
		return nil, err
	}
	return step, nil
}

// Built-in step kinds.
const (
	KindPersonaRequest = "persona_request"
	KindSubWorkflow    = "sub_workflow"
	KindSetVariables   = "set_variables"
	KindWorkflowAbort  = "workflow_abort"
	KindTaskUpdate     = "task_update"
	KindFetchTasks     = "fetch_tasks"
	KindCreateTask     = "create_task"
	KindCheckoutBranch = "checkout_branch"
	KindCommitPush     = "commit_push"
	KindApplyDiff      = "apply_diff"
)

// RegisterBuiltins installs every built-in kind on r.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]StepFactory{
		KindPersonaRequest: newPersonaRequestStep,
		KindSubWorkflow:    newSubWorkflowStep,
		KindSetVariables:   newSetVariablesStep,
		KindWorkflowAbort:  newWorkflowAbortStep,
		KindTaskUpdate:     newTaskUpdateStep,
		KindFetchTasks:     newFetchTasksStep,
		KindCreateTask:     newCreateTaskStep,
		KindCheckoutBranch: newCheckoutBranchStep,
		KindCommitPush:     newCommitPushStep,
		KindApplyDiff:      newApplyDiffStep,
	}
	var errs []error
	for kind, f := range builtins {
		if err := r.Register(kind, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
