package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/internal/metrics"
	"github.com/goblinsan/multi-agent-machine-client/internal/telemetry"
	"github.com/goblinsan/multi-agent-machine-client/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HardAttemptCap bounds attempts regardless of configuration.
const HardAttemptCap = 100

// ErrTimeoutExhausted matches every *ExhaustedError.
var ErrTimeoutExhausted = errors.New("persona: no completion within retry budget")

// ExhaustedError reports a call that never saw a matching completion.
type ExhaustedError struct {
	Persona    string
	Step       string
	WorkflowID string
	Attempts   int
	Timeouts   []time.Duration
	LastCorrID string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("persona %s step %s (workflow %s): no completion after %d attempts (timeouts %v, last corr_id %s)",
		e.Persona, e.Step, e.WorkflowID, e.Attempts, e.Timeouts, e.LastCorrID)
}

// Is reports whether target is ErrTimeoutExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrTimeoutExhausted }

// RetryPolicy controls attempts and their timeouts.
type RetryPolicy struct {
	BaseTimeout time.Duration
	// MaxRetries is the attempt budget. Zero means unlimited up to
	// HardAttemptCap.
	MaxRetries       int
	BackoffIncrement time.Duration
}

// AttemptTimeout returns the timeout of the given 1-based attempt.
func (p RetryPolicy) AttemptTimeout(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseTimeout
	}
	return p.BaseTimeout + time.Duration(attempt-1)*p.BackoffIncrement
}

// MaxAttempts returns the effective attempt limit.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries <= 0 || p.MaxRetries > HardAttemptCap {
		return HardAttemptCap
	}
	return p.MaxRetries
}

// CoordinatorConfig configures a RetryCoordinator.
type CoordinatorConfig struct {
	RequestStream string
	EventStream   string
	// GroupPrefix prefixes the private event stream group of each call.
	GroupPrefix string
	// From is written into the "from" field of every request.
	From   string
	Policy RetryPolicy
}

// CoordinatorConfigFrom maps the persona and coordinator configuration.
func CoordinatorConfigFrom(p config.PersonaConfig, c config.CoordinatorConfig) CoordinatorConfig {
	return CoordinatorConfig{
		RequestStream: p.RequestStream,
		EventStream:   p.EventStream,
		GroupPrefix:   c.GroupPrefix,
		From:          CoordinationPersona,
		Policy: RetryPolicy{
			BaseTimeout:      c.BaseTimeout,
			MaxRetries:       c.MaxRetries,
			BackoffIncrement: c.BackoffIncrement,
		},
	}
}

// CallRequest describes one logical persona call.
type CallRequest struct {
	Persona    string
	Step       string
	Intent     string
	WorkflowID string
	ProjectID  string
	TaskID     string
	Repo       string
	Branch     string
	Payload    map[string]any
	// Policy overrides the coordinator's default when set.
	Policy *RetryPolicy
}

// CallResult is a successful call.
type CallResult struct {
	Completion *Completion
	Attempts   int
	// Timeouts lists the timeouts of the attempts that expired.
	Timeouts   []time.Duration
	LastCorrID string
}

// CoordinatorOption configures a RetryCoordinator.
type CoordinatorOption func(*RetryCoordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *RetryCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCoordinatorCollector records attempt metrics.
func WithCoordinatorCollector(m *metrics.Collector) CoordinatorOption {
	return func(c *RetryCoordinator) { c.collector = m }
}

// RetryCoordinator sends persona requests and blocks for their correlated
// completions.
type RetryCoordinator struct {
	t         transport.Transport
	cfg       CoordinatorConfig
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewRetryCoordinator creates a coordinator.
func NewRetryCoordinator(t transport.Transport, cfg CoordinatorConfig, opts ...CoordinatorOption) *RetryCoordinator {
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "coordinator"
	}
	c := &RetryCoordinator{t: t, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "retry_coordinator"))
	return c
}

// DefaultPolicy returns the configured retry policy.
func (c *RetryCoordinator) DefaultPolicy() RetryPolicy { return c.cfg.Policy }

// Call appends a request and waits for its completion, retrying with a new
// corrId and a longer timeout after each expiry. It returns an
// *ExhaustedError once the attempt budget is spent. Work left behind by
// abandoned attempts is not cancelled.
func (c *RetryCoordinator) Call(ctx context.Context, req CallRequest) (res *CallResult, err error) {
	policy := c.cfg.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	if policy.BaseTimeout <= 0 {
		return nil, errors.New("retry coordinator: base timeout must be positive")
	}

	ctx, span := telemetry.StartSpan(ctx, "persona.call",
		telemetry.AttrPersona.String(req.Persona),
		telemetry.AttrWorkflowID.String(req.WorkflowID),
		telemetry.AttrStep.String(req.Step),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	logger := c.logger.With(
		zap.String("persona", req.Persona),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("step", req.Step),
	)

	// the group is positioned before the first request exists, so no
	// completion can slip past it
	group := c.cfg.GroupPrefix + ":" + uuid.NewString()
	if err = c.t.CreateGroup(ctx, c.cfg.EventStream, group, transport.StartFromNew,
		transport.CreateGroupOptions{MkStream: true}); err != nil {
		c.collector.RecordCoordinatorCall(req.Persona, "error")
		return nil, fmt.Errorf("create waiter group: %w", err)
	}
	defer func() {
		if _, derr := c.t.DropGroup(context.WithoutCancel(ctx), c.cfg.EventStream, group); derr != nil {
			logger.Warn("failed to drop waiter group", zap.String("group", group), zap.Error(derr))
		}
	}()

	var (
		timeouts   []time.Duration
		lastCorrID string
	)
	maxAttempts := policy.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		timeout := policy.AttemptTimeout(attempt)
		lastCorrID = uuid.NewString()

		request := &Request{
			CorrID:     lastCorrID,
			WorkflowID: req.WorkflowID,
			Step:       req.Step,
			From:       c.cfg.From,
			ToPersona:  req.Persona,
			Intent:     req.Intent,
			Payload:    req.Payload,
			Repo:       req.Repo,
			Branch:     req.Branch,
			ProjectID:  req.ProjectID,
			TaskID:     req.TaskID,
			Deadline:   timeout,
		}
		fields, ferr := request.Fields()
		if ferr != nil {
			c.collector.RecordCoordinatorCall(req.Persona, "error")
			return nil, ferr
		}
		if _, err = c.t.Append(ctx, c.cfg.RequestStream, fields); err != nil {
			c.collector.RecordCoordinatorCall(req.Persona, "error")
			return nil, fmt.Errorf("append request: %w", err)
		}
		logger.Debug("request sent",
			zap.Int("attempt", attempt),
			zap.String("corr_id", lastCorrID),
			zap.Duration("timeout", timeout),
		)

		completion, werr := c.await(ctx, group, req.WorkflowID, lastCorrID, timeout)
		if werr != nil {
			c.collector.RecordCoordinatorCall(req.Persona, "error")
			return nil, werr
		}
		if completion != nil {
			c.collector.RecordCoordinatorAttempt(req.Persona, "completed")
			c.collector.RecordCoordinatorCall(req.Persona, "success")
			logger.Info("completion received",
				zap.Int("attempt", attempt),
				zap.String("corr_id", lastCorrID),
				zap.String("status", completion.Status),
			)
			return &CallResult{
				Completion: completion,
				Attempts:   attempt,
				Timeouts:   timeouts,
				LastCorrID: lastCorrID,
			}, nil
		}

		timeouts = append(timeouts, timeout)
		c.collector.RecordCoordinatorAttempt(req.Persona, "timeout")
		logger.Warn("attempt timed out",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("corr_id", lastCorrID),
			zap.Duration("timeout", timeout),
		)
	}

	c.collector.RecordCoordinatorCall(req.Persona, "exhausted")
	err = &ExhaustedError{
		Persona:    req.Persona,
		Step:       req.Step,
		WorkflowID: req.WorkflowID,
		Attempts:   maxAttempts,
		Timeouts:   timeouts,
		LastCorrID: lastCorrID,
	}
	logger.Error("retries exhausted", zap.Error(err))
	return nil, err
}

// await reads the private group until a completion for (workflowID,
// corrID) arrives or timeout elapses. Every message read is acked.
func (c *RetryCoordinator) await(ctx context.Context, group, workflowID, corrID string, timeout time.Duration) (*Completion, error) {
	deadline := time.Now().Add(timeout)
	query := transport.GroupQuery{Stream: c.cfg.EventStream, NewOnly: true}

	for {
		// transports block in whole milliseconds
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			return nil, nil
		}
		msgs, err := c.t.ReadGroup(ctx, group, "waiter", query, transport.ReadOptions{Block: remaining, Count: 32})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read completions: %w", err)
		}

		var match *Completion
		ids := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			ids = append(ids, msg.ID)
			if match != nil {
				continue
			}
			comp, perr := ParseCompletion(msg)
			if perr != nil {
				c.logger.Debug("ignoring malformed completion", zap.String("message_id", msg.ID), zap.Error(perr))
				continue
			}
			if comp.WorkflowID == workflowID && comp.CorrID == corrID {
				match = comp
			}
		}
		if len(ids) > 0 {
			if _, err := c.t.Ack(context.WithoutCancel(ctx), c.cfg.EventStream, group, ids...); err != nil {
				c.logger.Warn("failed to ack completions", zap.Error(err))
			}
		}
		if match != nil {
			return match, nil
		}
	}
}
