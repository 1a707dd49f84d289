package persona

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/transport"
)

// CoordinationPersona is routed to the in-process workflow engine.
const CoordinationPersona = "coordination"

// Completion statuses.
const (
	StatusDone      = "done"
	StatusError     = "error"
	StatusDuplicate = "duplicate_response"
)

// Request stream fields.
const (
	fieldWorkflowID = "workflow_id"
	fieldStep       = "step"
	fieldFrom       = "from"
	fieldToPersona  = "to_persona"
	fieldIntent     = "intent"
	fieldCorrID     = "corr_id"
	fieldPayload    = "payload"
	fieldRepo       = "repo"
	fieldBranch     = "branch"
	fieldProjectID  = "project_id"
	fieldTaskID     = "task_id"
	fieldDeadline   = "deadline_s"
)

// Event stream fields.
const (
	fieldFromPersona = "from_persona"
	fieldStatus      = "status"
	fieldResult      = "result"
	fieldError       = "error"
	fieldDurationMs  = "duration_ms"
	fieldTS          = "ts"
)

// GroupName returns the consumer group a persona reads through.
func GroupName(prefix, persona string) string {
	return prefix + ":" + persona
}

// Request asks a persona to perform one step.
type Request struct {
	// MessageID is the transport id, set when parsed from a stream.
	MessageID string

	CorrID     string
	WorkflowID string
	Step       string
	From       string
	ToPersona  string
	Intent     string
	Payload    map[string]any
	Repo       string
	Branch     string
	ProjectID  string
	TaskID     string
	Deadline   time.Duration
}

// Fields encodes r for the request stream.
func (r *Request) Fields() (map[string]string, error) {
	payload := []byte("{}")
	if r.Payload != nil {
		var err error
		if payload, err = json.Marshal(r.Payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	fields := map[string]string{
		fieldWorkflowID: r.WorkflowID,
		fieldStep:       r.Step,
		fieldFrom:       r.From,
		fieldToPersona:  r.ToPersona,
		fieldIntent:     r.Intent,
		fieldCorrID:     r.CorrID,
		fieldPayload:    string(payload),
		fieldRepo:       r.Repo,
		fieldBranch:     r.Branch,
		fieldProjectID:  r.ProjectID,
		fieldTaskID:     r.TaskID,
	}
	if r.Deadline > 0 {
		fields[fieldDeadline] = strconv.FormatInt(int64(r.Deadline/time.Second), 10)
	}
	return fields, nil
}

// ParseRequest decodes a request stream message. A malformed payload is an
// error; missing optional fields are left empty.
func ParseRequest(msg transport.Message) (*Request, error) {
	f := msg.Fields
	r := &Request{
		MessageID:  msg.ID,
		CorrID:     f[fieldCorrID],
		WorkflowID: f[fieldWorkflowID],
		Step:       f[fieldStep],
		From:       f[fieldFrom],
		ToPersona:  f[fieldToPersona],
		Intent:     f[fieldIntent],
		Repo:       f[fieldRepo],
		Branch:     f[fieldBranch],
		ProjectID:  f[fieldProjectID],
		TaskID:     f[fieldTaskID],
	}
	if raw := f[fieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Payload); err != nil {
			return r, fmt.Errorf("decode payload of %s: %w", msg.ID, err)
		}
	}
	if raw := f[fieldDeadline]; raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return r, fmt.Errorf("decode deadline of %s: %w", msg.ID, err)
		}
		r.Deadline = time.Duration(secs) * time.Second
	}
	return r, nil
}

// Completion reports the outcome of a request.
type Completion struct {
	MessageID string

	WorkflowID  string
	FromPersona string
	Status      string
	CorrID      string
	Step        string
	Result      json.RawMessage
	Error       string
	DurationMs  int64
	TS          time.Time
}

// Fields encodes c for the event stream.
func (c *Completion) Fields() map[string]string {
	result := string(c.Result)
	if result == "" {
		result = "null"
	}
	ts := c.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]string{
		fieldWorkflowID:  c.WorkflowID,
		fieldFromPersona: c.FromPersona,
		fieldStatus:      c.Status,
		fieldCorrID:      c.CorrID,
		fieldStep:        c.Step,
		fieldResult:      result,
		fieldError:       c.Error,
		fieldDurationMs:  strconv.FormatInt(c.DurationMs, 10),
		fieldTS:          ts.UTC().Format(time.RFC3339Nano),
	}
}

// ParseCompletion decodes an event stream message.
func ParseCompletion(msg transport.Message) (*Completion, error) {
	f := msg.Fields
	c := &Completion{
		MessageID:   msg.ID,
		WorkflowID:  f[fieldWorkflowID],
		FromPersona: f[fieldFromPersona],
		Status:      f[fieldStatus],
		CorrID:      f[fieldCorrID],
		Step:        f[fieldStep],
		Error:       f[fieldError],
	}
	if raw := f[fieldResult]; raw != "" {
		if !json.Valid([]byte(raw)) {
			return c, fmt.Errorf("completion %s carries invalid result JSON", msg.ID)
		}
		c.Result = json.RawMessage(raw)
	}
	if raw := f[fieldDurationMs]; raw != "" {
		d, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, fmt.Errorf("decode duration of %s: %w", msg.ID, err)
		}
		c.DurationMs = d
	}
	if raw := f[fieldTS]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c, fmt.Errorf("decode ts of %s: %w", msg.ID, err)
		}
		c.TS = ts
	}
	return c, nil
}

// DecodeResult unmarshals the result payload into v.
func (c *Completion) DecodeResult(v any) error {
	if len(c.Result) == 0 {
		return fmt.Errorf("completion %s has no result", c.CorrID)
	}
	return json.Unmarshal(c.Result, v)
}

// ResultMap returns the result as a JSON object, or nil when it is not one.
func (c *Completion) ResultMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(c.Result, &m); err != nil {
		return nil
	}
	return m
}

// BusinessStatus returns the "status" key of an object result, if any.
func (c *Completion) BusinessStatus() string {
	if s, ok := c.ResultMap()["status"].(string); ok {
		return s
	}
	return ""
}
