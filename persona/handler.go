package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/collab"
	"github.com/goblinsan/multi-agent-machine-client/config"
)

// Handler performs a persona's work for one request. The returned value is
// JSON-encoded into the completion result.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// FailureResult is the business-failure payload of a failed handler.
type FailureResult struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ModelHandler answers requests by prompting a language model with the
// persona's system prompt and the request payload.
type ModelHandler struct {
	Persona string
	Prompt  config.PersonaPrompt
	Caller  collab.ModelCaller
}

var _ Handler = (*ModelHandler)(nil)

// NewModelHandler creates a model-backed handler.
func NewModelHandler(persona string, prompt config.PersonaPrompt, caller collab.ModelCaller) *ModelHandler {
	return &ModelHandler{Persona: persona, Prompt: prompt, Caller: caller}
}

// Handle implements Handler. A reply that is itself a JSON object is
// returned as-is; any other reply is wrapped as a passing output.
func (h *ModelHandler) Handle(ctx context.Context, req *Request) (any, error) {
	payload, err := json.MarshalIndent(req.Payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	system := h.Prompt.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are the %s persona in a multi-agent software workflow.", h.Persona)
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Step: %s\nIntent: %s\n", req.Step, req.Intent)
	if req.Repo != "" {
		fmt.Fprintf(&user, "Repository: %s (branch %s)\n", req.Repo, req.Branch)
	}
	if req.TaskID != "" {
		fmt.Fprintf(&user, "Task: %s\n", req.TaskID)
	}
	fmt.Fprintf(&user, "Payload:\n%s\n", payload)

	timeout := h.Prompt.Timeout
	if req.Deadline > 0 && (timeout <= 0 || req.Deadline < timeout) {
		timeout = req.Deadline
	}

	start := time.Now()
	resp, err := h.Caller.Call(ctx, h.Persona, h.Prompt.Model, []collab.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}, timeout)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(resp.Content)
	var obj map[string]any
	if strings.HasPrefix(content, "{") && json.Unmarshal([]byte(content), &obj) == nil {
		return obj, nil
	}
	duration := resp.DurationMs
	if duration == 0 {
		duration = time.Since(start).Milliseconds()
	}
	return map[string]any{
		"status":      "pass",
		"output":      resp.Content,
		"duration_ms": duration,
	}, nil
}
