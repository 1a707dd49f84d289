package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"github.com/goblinsan/multi-agent-machine-client/internal/metrics"
	"github.com/goblinsan/multi-agent-machine-client/internal/telemetry"
	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
	"go.uber.org/zap"
)

// ErrWorkflowNotFound is returned for a name that was never loaded.
var ErrWorkflowNotFound = errors.New("workflow not found")

// maxSubWorkflowDepth bounds sub_workflow nesting.
const maxSubWorkflowDepth = 16

type depthKey struct{}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineCollector records run and step metrics.
func WithEngineCollector(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.collector = m }
}

// WithRunStore keeps finished runs in store.
func WithRunStore(store *RunStore) EngineOption {
	return func(e *Engine) { e.runs = store }
}

// WithClock overrides the clock used for history timestamps and now().
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type loadedStep struct {
	cfg       dsl.StepConfig
	step      Step
	condition *dsl.Expr
}

type loadedWorkflow struct {
	def     *dsl.Definition
	steps   []loadedStep
	trigger *dsl.Expr
}

// Engine loads workflow definitions and runs them.
type Engine struct {
	reg       *Registry
	deps      Deps
	logger    *zap.Logger
	collector *metrics.Collector
	runs      *RunStore
	now       func() time.Time

	mu        sync.RWMutex
	workflows map[string]*loadedWorkflow
	order     []string
}

// NewEngine creates an engine. deps are handed to every step factory; a
// nil Runner is replaced by the engine.
func NewEngine(reg *Registry, deps Deps, opts ...EngineOption) *Engine {
	if reg == nil {
		reg = NewDefaultRegistry()
	}
	e := &Engine{
		reg:       reg,
		logger:    zap.NewNop(),
		now:       time.Now,
		workflows: make(map[string]*loadedWorkflow),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))

	if deps.Runner == nil {
		deps.Runner = e
	}
	if deps.Logger == nil {
		deps.Logger = e.logger
	}
	if deps.Now == nil {
		deps.Now = e.now
	}
	e.deps = deps
	return e
}

// Load validates def, resolves every step type and builds its steps. A
// definition with the same name replaces the earlier one.
func (e *Engine) Load(def *dsl.Definition) error {
	if err := dsl.Validate(def); err != nil {
		return err
	}

	lw := &loadedWorkflow{def: def}
	var (
		problems []string
		unknown  bool
	)
	for _, cfg := range def.Steps {
		step, err := e.reg.Build(cfg, e.deps)
		if err != nil {
			if errors.Is(err, ErrUnknownStepType) {
				unknown = true
			}
			problems = append(problems, fmt.Sprintf("step %s: %v", cfg.Name, err))
			continue
		}
		ls := loadedStep{cfg: cfg, step: step}
		if cfg.Condition != "" {
			// syntax was checked by Validate
			ls.condition, _ = dsl.Compile(cfg.Condition)
		}
		lw.steps = append(lw.steps, ls)
	}
	if len(problems) > 0 {
		verr := &dsl.ValidationError{Workflow: def.Name, Problems: problems}
		if unknown {
			return fmt.Errorf("%w: %w", ErrUnknownStepType, verr)
		}
		return verr
	}
	if def.Trigger != nil && def.Trigger.Condition != "" {
		lw.trigger, _ = dsl.Compile(def.Trigger.Condition)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; !exists {
		e.order = append(e.order, def.Name)
	}
	e.workflows[def.Name] = lw
	e.logger.Info("workflow loaded",
		zap.String("workflow", def.Name),
		zap.Int("steps", len(def.Steps)),
		zap.String("source", def.Source),
	)
	return nil
}

// LoadDir parses and loads every definition in dir.
func (e *Engine) LoadDir(dir string) error {
	defs, err := dsl.ParseDir(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, def := range defs {
		if err := e.Load(def); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Workflow returns a loaded definition.
func (e *Engine) Workflow(name string) (*dsl.Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lw, ok := e.workflows[name]
	if !ok {
		return nil, false
	}
	return lw.def, true
}

// Workflows returns the loaded workflow names in load order.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// MatchTrigger returns the first loaded workflow, in load order, whose
// trigger condition holds for vars.
func (e *Engine) MatchTrigger(vars map[string]any) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	opts := dsl.Options{Now: e.now}
	for _, name := range e.order {
		lw := e.workflows[name]
		if lw.trigger == nil {
			continue
		}
		ok, err := lw.trigger.Bool(vars, opts)
		if err != nil {
			e.logger.Debug("trigger evaluation failed", zap.String("workflow", name), zap.Error(err))
			continue
		}
		if ok {
			return name, true
		}
	}
	return "", false
}

// Runs returns the run store, or nil.
func (e *Engine) Runs() *RunStore { return e.runs }

// Run executes the named workflow on ec. Definition variables seed ec
// without overriding values already present. The returned result is never
// nil once the workflow is found, even when err is non-nil.
func (e *Engine) Run(ctx context.Context, name string, ec *ExecutionContext) (res *RunResult, err error) {
	e.mu.RLock()
	lw, ok := e.workflows[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxSubWorkflowDepth {
		return nil, fmt.Errorf("workflow %s: sub_workflow nesting exceeds %d", name, maxSubWorkflowDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	if ec == nil {
		ec = NewExecutionContext("")
	}
	for k, v := range lw.def.Variables {
		if _, exists := ec.GetVariable(k); !exists {
			ec.SetVariable(k, v)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "workflow.run",
		telemetry.AttrWorkflow.String(name),
		telemetry.AttrWorkflowID.String(ec.WorkflowID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	ctx = ctxkeys.WithWorkflowID(ctx, ec.WorkflowID)
	logger := e.logger.With(zap.String("workflow", name), zap.String("workflow_id", ec.WorkflowID))
	logger.Info("workflow run started", zap.Int("steps", len(lw.steps)))

	start := e.now()
	runErr := e.schedule(ctx, lw, ec, logger)

	res = &RunResult{
		Workflow:    name,
		WorkflowID:  ec.WorkflowID,
		History:     ec.History(),
		Variables:   ec.Variables(),
		StepOutputs: ec.AllStepOutputs(),
		StartTime:   start,
		EndTime:     e.now(),
	}
	res.Duration = res.EndTime.Sub(start)
	switch {
	case runErr != nil:
		res.Status = RunErrored
		res.Error = runErr.Error()
	case ec.Aborted():
		res.Status = RunAborted
	case len(res.FailedSteps()) > 0:
		res.Status = RunFailed
	default:
		res.Status = RunSucceeded
	}

	e.collector.RecordWorkflowRun(name, string(res.Status))
	if e.runs != nil {
		e.runs.Save(res)
	}

	if runErr != nil {
		logger.Error("workflow run stopped", zap.Error(runErr), zap.Int("steps_run", len(res.History)))
		return res, runErr
	}
	logger.Info("workflow run finished",
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration),
		zap.Strings("failed_steps", res.FailedSteps()),
	)
	return res, nil
}

// schedule runs steps one at a time until all are terminal, the run is
// aborted or a step returns a fatal error.
func (e *Engine) schedule(ctx context.Context, lw *loadedWorkflow, ec *ExecutionContext, logger *zap.Logger) error {
	done := make(map[string]bool, len(lw.steps))
	for len(done) < len(lw.steps) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("workflow cancelled: %w", err)
		}

		next := -1
		for i, ls := range lw.steps {
			if done[ls.cfg.Name] {
				continue
			}
			ready := true
			for _, dep := range ls.cfg.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				next = i
				break
			}
		}
		if next < 0 {
			// unreachable for a validated graph
			return fmt.Errorf("workflow %s: no runnable step", lw.def.Name)
		}

		ls := lw.steps[next]
		done[ls.cfg.Name] = true
		if err := e.runStep(ctx, lw.def.Name, ls, ec, logger); err != nil {
			return err
		}
		if ec.Aborted() {
			logger.Warn("workflow aborted", zap.String("step", ls.cfg.Name))
			return nil
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, workflow string, ls loadedStep, ec *ExecutionContext, logger *zap.Logger) (err error) {
	cfg := ls.cfg
	logger = logger.With(zap.String("step", cfg.Name), zap.String("step_type", cfg.Type))
	ctx = ctxkeys.WithStep(ctx, cfg.Name)
	started := e.now()

	finish := func(res *StepResult, fatal error) {
		elapsed := e.now().Sub(started)
		entry := HistoryEntry{
			StepName:   cfg.Name,
			StepType:   cfg.Type,
			Status:     res.Status,
			Timestamp:  started,
			DurationMs: elapsed.Milliseconds(),
			Error:      res.Error,
		}
		if fatal != nil {
			entry.Error = fatal.Error()
		}
		ec.record(entry)

		switch res.Status {
		case StatusSuccess:
			ec.SetVariable(StatusVar(cfg.Name), StepPass)
		case StatusFailure:
			ec.SetVariable(StatusVar(cfg.Name), StepFail)
		default:
			ec.SetVariable(StatusVar(cfg.Name), StepSkipped)
		}
		if res.Status != StatusSkipped {
			ec.SetStepOutputs(cfg.Name, res.Outputs)
			for _, key := range cfg.Outputs {
				if v, ok := res.Outputs[key]; ok {
					ec.SetVariable(key, v)
				}
			}
		}
		e.collector.RecordWorkflowStep(workflow, cfg.Type, string(res.Status), elapsed)
	}

	if ls.condition != nil {
		ok, cerr := ls.condition.Bool(ec.EvalVars(), dsl.Options{Now: e.now})
		if cerr != nil {
			logger.Warn("condition evaluation failed", zap.Error(cerr))
			finish(Failure("condition: %v", cerr), nil)
			return nil
		}
		if !ok {
			logger.Info("step skipped", zap.String("condition", ls.condition.String()))
			finish(&StepResult{Status: StatusSkipped}, nil)
			return nil
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "workflow.step",
		telemetry.AttrWorkflow.String(workflow),
		telemetry.AttrWorkflowID.String(ec.WorkflowID),
		telemetry.AttrStep.String(cfg.Name),
		telemetry.AttrStepType.String(cfg.Type),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	if verr := ls.step.Validate(ec); verr != nil {
		logger.Warn("step validation failed", zap.Error(verr))
		finish(Failure("validate: %v", verr), nil)
		return nil
	}

	logger.Debug("executing step")
	res, err := ls.step.Execute(ctx, ec)
	if err != nil {
		finish(&StepResult{Status: StatusFailure}, err)
		return fmt.Errorf("step %s: %w", cfg.Name, err)
	}
	if res == nil {
		res = Success(nil)
	}
	finish(res, nil)

	if res.Status == StatusFailure {
		logger.Warn("step failed", zap.String("error", res.Error))
	} else {
		logger.Info("step completed", zap.String("status", string(res.Status)))
	}
	return nil
}
