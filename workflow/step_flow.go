package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
	"go.uber.org/zap"
)

// =============================================================================
// sub_workflow
// =============================================================================

type subWorkflowStep struct {
	runner   Runner
	workflow string
	inputs   map[string]any
	export   []string
}

func newSubWorkflowStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Runner == nil {
		return nil, errors.New("sub_workflow needs a runner")
	}
	c := newStepConfig(cfg)
	s := &subWorkflowStep{runner: deps.Runner}
	var err error
	if s.workflow, err = c.requiredString("workflow"); err != nil {
		return nil, err
	}
	if s.inputs, err = c.stringMap("inputs"); err != nil {
		return nil, err
	}
	if s.export, err = c.strings("export"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *subWorkflowStep) Validate(*ExecutionContext) error { return nil }

// Execute runs the child on a fresh context that shares the parent's run
// identity and sees only the interpolated inputs.
func (s *subWorkflowStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	child := NewExecutionContext(ec.WorkflowID)
	child.ProjectID = ec.ProjectID
	child.RepoRoot = ec.RepoRoot
	child.Branch = ec.Branch
	if len(s.inputs) > 0 {
		seed, _ := dsl.InterpolateValue(s.inputs, ec.EvalVars()).(map[string]any)
		child.SetVariables(seed)
	}

	res, err := s.runner.Run(ctx, s.workflow, child)
	if err != nil {
		return nil, fmt.Errorf("sub_workflow %s: %w", s.workflow, err)
	}

	outputs := map[string]any{
		"workflow": s.workflow,
		"status":   string(res.Status),
	}
	for _, key := range s.export {
		if v, ok := child.GetVariable(key); ok {
			outputs[key] = v
		}
	}

	switch res.Status {
	case RunAborted:
		reason, _ := child.GetVariable(VarAbortReason)
		ec.SetVariables(map[string]any{VarWorkflowAborted: true, VarAbortReason: reason})
		r := Failure("sub_workflow %s aborted", s.workflow)
		r.Outputs = outputs
		return r, nil
	case RunFailed:
		r := Failure("sub_workflow %s failed steps: %v", s.workflow, res.FailedSteps())
		r.Outputs = outputs
		return r, nil
	}
	return Success(outputs), nil
}

// =============================================================================
// set_variables
// =============================================================================

type setVariablesStep struct {
	values      map[string]any
	expressions map[string]*dsl.Expr
	now         func() time.Time
}

func newSetVariablesStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	c := newStepConfig(cfg)
	s := &setVariablesStep{now: deps.Now}
	var err error
	if s.values, err = c.stringMap("values"); err != nil {
		return nil, err
	}
	exprs, err := c.stringMap("expressions")
	if err != nil {
		return nil, err
	}
	if len(s.values) == 0 && len(exprs) == 0 {
		return nil, errors.New("set_variables needs values or expressions")
	}
	s.expressions = make(map[string]*dsl.Expr, len(exprs))
	for key, raw := range exprs {
		src, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expression %s must be a string", key)
		}
		compiled, err := dsl.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("expression %s: %w", key, err)
		}
		s.expressions[key] = compiled
	}
	return s, nil
}

func (s *setVariablesStep) Validate(*ExecutionContext) error { return nil }

func (s *setVariablesStep) Execute(_ context.Context, ec *ExecutionContext) (*StepResult, error) {
	vars := ec.EvalVars()
	out := make(map[string]any, len(s.values)+len(s.expressions))
	for key, v := range s.values {
		out[key] = dsl.InterpolateValue(v, vars)
	}

	keys := make([]string, 0, len(s.expressions))
	for k := range s.expressions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v, err := s.expressions[key].Eval(vars, dsl.Options{Now: s.now})
		if err != nil {
			return Failure("expression %s: %v", key, err), nil
		}
		out[key] = v
	}

	ec.SetVariables(out)
	return Success(out), nil
}

// =============================================================================
// workflow_abort
// =============================================================================

type workflowAbortStep struct {
	drainer  Drainer
	personas []string
	reason   string
	logger   *zap.Logger
}

func newWorkflowAbortStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	c := newStepConfig(cfg)
	s := &workflowAbortStep{drainer: deps.Drainer, logger: deps.Logger}
	var err error
	if s.personas, err = c.strings("personas"); err != nil {
		return nil, err
	}
	if len(s.personas) == 0 {
		s.personas = deps.Personas
	}
	if s.reason, err = c.string("reason", "aborted by "+cfg.Name); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

func (s *workflowAbortStep) Validate(*ExecutionContext) error { return nil }

// Execute drains the run's outstanding requests, then marks the run
// aborted. The abort flag is set even when draining fails.
func (s *workflowAbortStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	reason := interpolate(s.reason, ec)
	outputs := map[string]any{"reason": reason}

	var drainErr error
	if s.drainer != nil {
		report, err := s.drainer.Drain(ctx, ec.WorkflowID, s.personas)
		drainErr = err
		outputs["drained"] = report.Deleted
		outputs["acked"] = report.Acked
	}

	ec.SetVariables(map[string]any{VarWorkflowAborted: true, VarAbortReason: reason})
	s.logger.Warn("workflow abort requested",
		zap.String("workflow_id", ec.WorkflowID),
		zap.String("reason", reason),
	)

	if drainErr != nil {
		r := Failure("drain: %v", drainErr)
		r.Outputs = outputs
		return r, nil
	}
	return Success(outputs), nil
}
