package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goblinsan/multi-agent-machine-client/collab"
	"github.com/goblinsan/multi-agent-machine-client/persona"
	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ---------------------------------------------------------------------------
// Scripted test step
// ---------------------------------------------------------------------------

const kindScripted = "scripted"

// trace records the order in which scripted steps execute.
type trace struct {
	mu    sync.Mutex
	names []string
}

func (t *trace) add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

// scriptedStep returns whatever its config says: result pass|fail|fatal,
// plus an outputs mapping.
type scriptedStep struct {
	name    string
	result  string
	invalid bool
	outputs map[string]any
	trace   *trace
}

func (s *scriptedStep) Validate(*ExecutionContext) error {
	if s.invalid {
		return errors.New("refusing to run")
	}
	return nil
}

func (s *scriptedStep) Execute(ctx context.Context, _ *ExecutionContext) (*StepResult, error) {
	s.trace.add(s.name)
	switch s.result {
	case "fail":
		r := Failure("%s failed", s.name)
		r.Outputs = s.outputs
		return r, nil
	case "fatal":
		return nil, fmt.Errorf("%s blew up", s.name)
	}
	return Success(s.outputs), nil
}

func scriptedFactory(tr *trace) StepFactory {
	return func(cfg dsl.StepConfig, _ Deps) (Step, error) {
		c := newStepConfig(cfg)
		result, err := c.string("result", "pass")
		if err != nil {
			return nil, err
		}
		outputs, err := c.stringMap("outputs")
		if err != nil {
			return nil, err
		}
		invalid, _ := cfg.Config["invalid"].(bool)
		return &scriptedStep{name: cfg.Name, result: result, invalid: invalid, outputs: outputs, trace: tr}, nil
	}
}

// newTestEngine returns an engine with the built-ins plus the scripted kind.
func newTestEngine(t *testing.T, deps Deps, opts ...EngineOption) (*Engine, *trace) {
	t.Helper()
	tr := &trace{}
	reg := NewDefaultRegistry()
	require.NoError(t, reg.Register(kindScripted, scriptedFactory(tr)))
	opts = append([]EngineOption{WithEngineLogger(zaptest.NewLogger(t))}, opts...)
	return NewEngine(reg, deps, opts...), tr
}

func loadYAML(t *testing.T, e *Engine, src string) {
	t.Helper()
	def, err := dsl.Parse([]byte(src))
	require.NoError(t, err)
	require.NoError(t, e.Load(def))
}

// ---------------------------------------------------------------------------
// Collaborator fakes
// ---------------------------------------------------------------------------

type fakeCoordinator struct {
	mu     sync.Mutex
	calls  []persona.CallRequest
	policy persona.RetryPolicy
	reply  func(req persona.CallRequest) (*persona.CallResult, error)
}

func (f *fakeCoordinator) Call(_ context.Context, req persona.CallRequest) (*persona.CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(req)
}

func (f *fakeCoordinator) DefaultPolicy() persona.RetryPolicy { return f.policy }

func (f *fakeCoordinator) lastCall() persona.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func completed(result string) func(req persona.CallRequest) (*persona.CallResult, error) {
	return func(req persona.CallRequest) (*persona.CallResult, error) {
		return &persona.CallResult{
			Completion: &persona.Completion{
				WorkflowID:  req.WorkflowID,
				FromPersona: req.Persona,
				Status:      persona.StatusDone,
				CorrID:      "corr-" + req.Step,
				Step:        req.Step,
				Result:      []byte(result),
				DurationMs:  12,
			},
			Attempts:   1,
			LastCorrID: "corr-" + req.Step,
		}, nil
	}
}

type fakeDrainer struct {
	workflowID string
	personas   []string
	err        error
}

func (f *fakeDrainer) Drain(_ context.Context, workflowID string, personas []string) (persona.DrainReport, error) {
	f.workflowID = workflowID
	f.personas = personas
	return persona.DrainReport{WorkflowID: workflowID, Matched: 2, Acked: 2, Deleted: 2}, f.err
}

type fakeTasks struct {
	tasks   []collab.Task
	updates [][3]string
	created []collab.TaskSpec
	err     error
}

func (f *fakeTasks) FetchTasks(_ context.Context, projectID string) ([]collab.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []collab.Task
	for _, t := range f.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTasks) UpdateTaskStatus(_ context.Context, id, status, projectID string) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, [3]string{id, status, projectID})
	return nil
}

func (f *fakeTasks) CreateTask(_ context.Context, spec collab.TaskSpec) (collab.CreateTaskResult, error) {
	if f.err != nil {
		return collab.CreateTaskResult{}, f.err
	}
	f.created = append(f.created, spec)
	return collab.CreateTaskResult{ID: fmt.Sprintf("task-%d", len(f.created)), OK: true}, nil
}

type fakeRepo struct {
	resolved  string
	checkouts [][3]string
	commits   []string
	paths     []string
	err       error
}

func (f *fakeRepo) ResolveRepo(context.Context, map[string]any) (collab.RepoInfo, error) {
	if f.err != nil {
		return collab.RepoInfo{}, f.err
	}
	return collab.RepoInfo{RepoRoot: f.resolved}, nil
}

func (f *fakeRepo) CheckoutBranch(_ context.Context, repoRoot, base, branch string) error {
	if f.err != nil {
		return f.err
	}
	f.checkouts = append(f.checkouts, [3]string{repoRoot, base, branch})
	return nil
}

func (f *fakeRepo) CommitAndPush(_ context.Context, repoRoot, branch, message string, paths []string) (collab.CommitResult, error) {
	if f.err != nil {
		return collab.CommitResult{}, f.err
	}
	f.commits = append(f.commits, repoRoot+"@"+branch+": "+message)
	f.paths = paths
	return collab.CommitResult{Committed: true, Pushed: true}, nil
}

func parseDef(src string) (*dsl.Definition, error) {
	return dsl.Parse([]byte(src))
}
