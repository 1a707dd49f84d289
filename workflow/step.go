package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/collab"
	"github.com/goblinsan/multi-agent-machine-client/persona"
	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
	"go.uber.org/zap"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailure StepStatus = "failure"
	StatusSkipped StepStatus = "skipped"
)

// StepResult is what a step reports back to the engine.
type StepResult struct {
	Status  StepStatus
	Error   string
	Outputs map[string]any
	Metrics map[string]float64
}

// Success returns a success result carrying outputs.
func Success(outputs map[string]any) *StepResult {
	return &StepResult{Status: StatusSuccess, Outputs: outputs}
}

// Failure returns a failure result. Failures do not stop the run.
func Failure(format string, args ...any) *StepResult {
	return &StepResult{Status: StatusFailure, Error: fmt.Sprintf(format, args...)}
}

// Step is one executable node. Validate runs right before Execute; an
// error from it turns into a failure result. An error from Execute is
// fatal to the run.
type Step interface {
	Validate(ec *ExecutionContext) error
	Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error)
}

// Runner runs loaded workflows by name; sub_workflow steps use it.
type Runner interface {
	Run(ctx context.Context, name string, ec *ExecutionContext) (*RunResult, error)
}

// Coordinator sends persona requests and waits for their completions.
type Coordinator interface {
	Call(ctx context.Context, req persona.CallRequest) (*persona.CallResult, error)
	DefaultPolicy() persona.RetryPolicy
}

// Drainer removes a run's outstanding persona requests.
type Drainer interface {
	Drain(ctx context.Context, workflowID string, personas []string) (persona.DrainReport, error)
}

// Deps are the collaborators step factories may capture. Any of them may
// be nil; a factory whose kind needs a missing collaborator fails at load
// time.
type Deps struct {
	Coordinator Coordinator
	Drainer     Drainer
	Tasks       collab.TaskStore
	Repo        collab.RepoOps
	Diff        collab.DiffApplier
	// Runner defaults to the engine itself.
	Runner Runner
	// Personas are drained by workflow_abort when a step lists none.
	Personas []string
	Logger   *zap.Logger
	Now      func() time.Time
}

// StepFactory builds a step from its configuration.
type StepFactory func(cfg dsl.StepConfig, deps Deps) (Step, error)
