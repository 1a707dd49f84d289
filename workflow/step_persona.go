package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/persona"
	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
)

// on_timeout values.
const (
	onTimeoutError = "error"
	onTimeoutFail  = "fail"
)

// personaRequestStep delegates to a remote persona and waits for the
// correlated completion.
type personaRequestStep struct {
	name        string
	coordinator Coordinator

	persona   string
	intent    string
	payload   map[string]any
	taskID    string
	repo      string
	onTimeout string

	baseTimeout      time.Duration
	maxRetries       int
	maxRetriesSet    bool
	backoffIncrement time.Duration
}

func newPersonaRequestStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Coordinator == nil {
		return nil, errors.New("persona_request needs a retry coordinator")
	}
	c := newStepConfig(cfg)
	s := &personaRequestStep{name: cfg.Name, coordinator: deps.Coordinator}

	var err error
	if s.persona, err = c.requiredString("persona"); err != nil {
		return nil, err
	}
	if s.intent, err = c.string("intent", cfg.Name); err != nil {
		return nil, err
	}
	if s.payload, err = c.stringMap("payload"); err != nil {
		return nil, err
	}
	if s.taskID, err = c.string("task_id", ""); err != nil {
		return nil, err
	}
	if s.repo, err = c.string("repo", ""); err != nil {
		return nil, err
	}
	if s.onTimeout, err = c.string("on_timeout", onTimeoutError); err != nil {
		return nil, err
	}
	if s.onTimeout != onTimeoutError && s.onTimeout != onTimeoutFail {
		return nil, fmt.Errorf("config on_timeout must be %q or %q", onTimeoutError, onTimeoutFail)
	}
	if s.baseTimeout, err = c.duration("timeout"); err != nil {
		return nil, err
	}
	if s.backoffIncrement, err = c.duration("backoff_increment"); err != nil {
		return nil, err
	}
	s.maxRetriesSet = c.has("max_retries")
	if s.maxRetries, err = c.int("max_retries", 0); err != nil {
		return nil, err
	}
	if s.maxRetries < 0 {
		return nil, errors.New("config max_retries must not be negative")
	}
	return s, nil
}

func (s *personaRequestStep) Validate(*ExecutionContext) error { return nil }

func (s *personaRequestStep) policy() *persona.RetryPolicy {
	if s.baseTimeout == 0 && s.backoffIncrement == 0 && !s.maxRetriesSet {
		return nil
	}
	p := s.coordinator.DefaultPolicy()
	if s.baseTimeout > 0 {
		p.BaseTimeout = s.baseTimeout
	}
	if s.backoffIncrement > 0 {
		p.BackoffIncrement = s.backoffIncrement
	}
	if s.maxRetriesSet {
		p.MaxRetries = s.maxRetries
	}
	return &p
}

func (s *personaRequestStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	vars := ec.EvalVars()
	var payload map[string]any
	if s.payload != nil {
		payload, _ = dsl.InterpolateValue(s.payload, vars).(map[string]any)
	}
	repo := dsl.Interpolate(s.repo, vars)
	if repo == "" {
		if v, ok := ec.GetVariable("repo"); ok {
			repo, _ = v.(string)
		}
	}

	res, err := s.coordinator.Call(ctx, persona.CallRequest{
		Persona:    s.persona,
		Step:       s.name,
		Intent:     s.intent,
		WorkflowID: ec.WorkflowID,
		ProjectID:  ec.ProjectID,
		TaskID:     dsl.Interpolate(s.taskID, vars),
		Repo:       repo,
		Branch:     ec.Branch,
		Payload:    payload,
		Policy:     s.policy(),
	})
	if err != nil {
		var ex *persona.ExhaustedError
		if s.onTimeout == onTimeoutFail && errors.As(err, &ex) {
			r := Failure("%v", err)
			r.Outputs = map[string]any{
				"status":   "timeout",
				"attempts": ex.Attempts,
				"corr_id":  ex.LastCorrID,
			}
			return r, nil
		}
		return nil, err
	}

	comp := res.Completion
	var result any
	if len(comp.Result) > 0 {
		_ = comp.DecodeResult(&result)
	}
	status := comp.BusinessStatus()
	if status == "" {
		status = StepPass
		if comp.Status == persona.StatusError {
			status = StepFail
		}
	}
	outputs := map[string]any{
		"result":       result,
		"status":       status,
		"corr_id":      comp.CorrID,
		"attempts":     res.Attempts,
		"from_persona": comp.FromPersona,
		"duration_ms":  comp.DurationMs,
	}
	metrics := map[string]float64{"attempts": float64(res.Attempts)}

	switch {
	case comp.Status == persona.StatusError:
		r := Failure("persona %s: %s", s.persona, comp.Error)
		r.Outputs, r.Metrics = outputs, metrics
		return r, nil
	case status == StepFail:
		msg := comp.Error
		if m := comp.ResultMap(); msg == "" && m != nil {
			msg, _ = m["error"].(string)
		}
		r := Failure("persona %s reported failure: %s", s.persona, msg)
		r.Outputs, r.Metrics = outputs, metrics
		return r, nil
	}
	return &StepResult{Status: StatusSuccess, Outputs: outputs, Metrics: metrics}, nil
}
