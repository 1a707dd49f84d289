package workflow

import (
	"context"
	"fmt"
	"maps"

	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"github.com/goblinsan/multi-agent-machine-client/persona"
	"go.uber.org/zap"
)

// CoordinationHandler runs workflows in-process for requests addressed to
// the coordination persona.
type CoordinationHandler struct {
	engine          *Engine
	defaultWorkflow string
	logger          *zap.Logger
}

var _ persona.Handler = (*CoordinationHandler)(nil)

// CoordinationOption configures a CoordinationHandler.
type CoordinationOption func(*CoordinationHandler)

// WithDefaultWorkflow names the workflow run when a request names none and
// no trigger matches.
func WithDefaultWorkflow(name string) CoordinationOption {
	return func(h *CoordinationHandler) { h.defaultWorkflow = name }
}

// NewCoordinationHandler creates a handler backed by engine.
func NewCoordinationHandler(engine *Engine, logger *zap.Logger, opts ...CoordinationOption) *CoordinationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &CoordinationHandler{
		engine: engine,
		logger: logger.With(zap.String("component", "coordination")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StepSummary is one history line of a coordination result.
type StepSummary struct {
	Step       string `json:"step"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// CoordinationResult is returned to the requester.
type CoordinationResult struct {
	Status     string        `json:"status"`
	Workflow   string        `json:"workflow"`
	WorkflowID string        `json:"workflow_id"`
	RunStatus  RunStatus     `json:"run_status"`
	Steps      []StepSummary `json:"steps"`
	Error      string        `json:"error,omitempty"`
}

// Handle picks the workflow named by the payload's "workflow" key, the
// first whose trigger matches, or the default workflow, and runs it under the request's workflow id.
// A fatal run error is returned as an error.
func (h *CoordinationHandler) Handle(ctx context.Context, req *persona.Request) (any, error) {
	vars := make(map[string]any, len(req.Payload)+3)
	maps.Copy(vars, req.Payload)
	if req.Intent != "" {
		vars["intent"] = req.Intent
	}
	if req.TaskID != "" {
		vars["taskId"] = req.TaskID
	}
	if req.Repo != "" {
		vars["repo"] = req.Repo
	}

	name, _ := req.Payload["workflow"].(string)
	if name == "" {
		matched, ok := h.engine.MatchTrigger(vars)
		switch {
		case ok:
			name = matched
		case h.defaultWorkflow != "":
			name = h.defaultWorkflow
		default:
			return nil, fmt.Errorf("no workflow matches request %s", req.CorrID)
		}
	}

	ec := NewExecutionContext(req.WorkflowID)
	ec.ProjectID = req.ProjectID
	ec.Branch = req.Branch
	if root, ok := req.Payload["repo_root"].(string); ok {
		ec.RepoRoot = root
	}
	ec.SetVariables(vars)

	ctx = ctxkeys.WithWorkflowID(ctx, ec.WorkflowID)
	h.logger.Info("coordinating workflow", append(ctxkeys.Fields(ctx),
		zap.String("workflow", name),
	)...)

	res, err := h.engine.Run(ctx, name, ec)
	if err != nil {
		return nil, err
	}

	out := CoordinationResult{
		Status:     StepPass,
		Workflow:   name,
		WorkflowID: res.WorkflowID,
		RunStatus:  res.Status,
		Steps:      make([]StepSummary, 0, len(res.History)),
	}
	for _, entry := range res.History {
		out.Steps = append(out.Steps, StepSummary{
			Step:       entry.StepName,
			Status:     string(entry.Status),
			DurationMs: entry.DurationMs,
			Error:      entry.Error,
		})
	}
	if res.Status != RunSucceeded {
		out.Status = StepFail
		if failed := res.FailedSteps(); len(failed) > 0 {
			out.Error = fmt.Sprintf("failed steps: %v", failed)
		}
		if res.Status == RunAborted {
			reason, _ := res.Variables[VarAbortReason].(string)
			out.Error = "aborted: " + reason
		}
	}
	return out, nil
}
