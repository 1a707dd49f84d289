package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"github.com/goblinsan/multi-agent-machine-client/internal/metrics"
	"github.com/goblinsan/multi-agent-machine-client/internal/telemetry"
	"github.com/goblinsan/multi-agent-machine-client/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	RequestStream string
	EventStream   string
	GroupPrefix   string
	// ConsumerName identifies this process in every group. Empty means
	// "<hostname>-<uuid>".
	ConsumerName string
	Personas     []string
	Block        time.Duration
	BatchSize    int
	// RateLimit caps handler invocations per second per persona. Zero
	// disables limiting.
	RateLimit  float64
	DedupeSize int
}

// ConsumerConfigFrom maps the persona section of the configuration.
func ConsumerConfigFrom(cfg config.PersonaConfig) ConsumerConfig {
	return ConsumerConfig{
		RequestStream: cfg.RequestStream,
		EventStream:   cfg.EventStream,
		GroupPrefix:   cfg.GroupPrefix,
		ConsumerName:  cfg.ConsumerName,
		Personas:      cfg.Names,
		Block:         cfg.Block,
		BatchSize:     cfg.BatchSize,
		RateLimit:     cfg.RateLimit,
		DedupeSize:    cfg.DedupeSize,
	}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerCollector records per-message metrics.
func WithConsumerCollector(m *metrics.Collector) ConsumerOption {
	return func(c *Consumer) { c.collector = m }
}

// WithHandler registers the handler for one persona.
func WithHandler(persona string, h Handler) ConsumerOption {
	return func(c *Consumer) { c.handlers[persona] = h }
}

// WithDefaultHandler serves personas without a dedicated handler, except
// coordination.
func WithDefaultHandler(h Handler) ConsumerOption {
	return func(c *Consumer) { c.defaultHandler = h }
}

// Consumer runs one poll loop per configured persona.
type Consumer struct {
	t   transport.Transport
	cfg ConsumerConfig

	handlersMu     sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler

	limiters map[string]*rate.Limiter
	dedupe   *dedupeCache

	logger    *zap.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	started  bool
	stopped  bool
	running  []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopErrs []error
}

// NewConsumer creates a consumer. Handlers may also be added later with
// SetHandler, before or after Start.
func NewConsumer(t transport.Transport, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ConsumerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		cfg.ConsumerName = host + "-" + uuid.NewString()[:8]
	}

	c := &Consumer{
		t:        t,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		limiters: make(map[string]*rate.Limiter),
		dedupe:   newDedupeCache(cfg.DedupeSize),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		zap.String("component", "persona_consumer"),
		zap.String("consumer", cfg.ConsumerName),
	)

	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		for _, p := range cfg.Personas {
			c.limiters[p] = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
	}
	return c
}

// SetHandler registers or replaces the handler for persona.
func (c *Consumer) SetHandler(persona string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[persona] = h
}

func (c *Consumer) handlerFor(persona string) Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	if h, ok := c.handlers[persona]; ok {
		return h
	}
	if persona == CoordinationPersona {
		return nil
	}
	return c.defaultHandler
}

// Name returns the consumer name used in every group.
func (c *Consumer) Name() string { return c.cfg.ConsumerName }

// Start creates each persona's group and launches its poll loop. A persona
// whose group cannot be created is not started; its error is returned
// joined with the others while the remaining loops keep running. Running
// reports which loops did start.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("persona consumer already started")
	}
	if len(c.cfg.Personas) == 0 {
		return errors.New("persona consumer has no personas")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	var errs []error
	for _, p := range c.cfg.Personas {
		group := GroupName(c.cfg.GroupPrefix, p)
		err := c.t.CreateGroup(ctx, c.cfg.RequestStream, group, transport.StartFromBeginning,
			transport.CreateGroupOptions{MkStream: true})
		if err != nil {
			c.logger.Error("failed to create consumer group",
				zap.String("persona", p),
				zap.String("group", group),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("persona %s: %w", p, err))
			continue
		}

		c.wg.Add(1)
		c.running = append(c.running, p)
		go c.loop(loopCtx, p, group)
		c.logger.Info("persona loop started", zap.String("persona", p), zap.String("group", group))
	}
	return errors.Join(errs...)
}

// Running returns the personas whose poll loops were started.
func (c *Consumer) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.running)
}

// Stop cancels every loop and waits for in-flight messages to be
// completed and acked. Calling Stop again returns nil.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop persona consumer: %w", ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Info("persona consumer stopped")
	return errors.Join(c.loopErrs...)
}

func (c *Consumer) loop(ctx context.Context, persona, group string) {
	defer c.wg.Done()

	query := transport.GroupQuery{Stream: c.cfg.RequestStream, NewOnly: true}
	opts := transport.ReadOptions{Block: c.cfg.Block, Count: int64(c.cfg.BatchSize)}

	for ctx.Err() == nil {
		msgs, err := c.t.ReadGroup(ctx, group, c.cfg.ConsumerName, query, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				c.mu.Lock()
				c.loopErrs = append(c.loopErrs, fmt.Errorf("persona %s: %w", persona, err))
				c.mu.Unlock()
				return
			}
			if errors.Is(err, transport.ErrNoGroup) && c.recreateGroup(ctx, persona, group) {
				continue
			}
			c.logger.Warn("read failed, backing off",
				zap.String("persona", persona),
				zap.Duration("backoff", c.cfg.Block),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.Block):
			}
			continue
		}

		for _, msg := range msgs {
			c.process(ctx, persona, group, msg)
		}
	}
}

// recreateGroup restores a group that vanished under a running loop, for
// example after a Redis restart without persistence.
func (c *Consumer) recreateGroup(ctx context.Context, persona, group string) bool {
	err := c.t.CreateGroup(ctx, c.cfg.RequestStream, group, transport.StartFromBeginning,
		transport.CreateGroupOptions{MkStream: true})
	if err != nil {
		c.logger.Warn("failed to recreate consumer group",
			zap.String("persona", persona),
			zap.String("group", group),
			zap.Error(err),
		)
		return false
	}
	c.logger.Warn("consumer group was missing, recreated",
		zap.String("persona", persona),
		zap.String("group", group),
	)
	return true
}

// process handles one message and always acks it.
func (c *Consumer) process(ctx context.Context, persona, group string, msg transport.Message) {
	// completion and ack survive shutdown
	bg := context.WithoutCancel(ctx)
	defer c.ack(bg, persona, group, msg.ID)

	req, parseErr := ParseRequest(msg)
	if req.ToPersona != persona {
		c.collector.RecordPersonaMessage(persona, "skipped", 0)
		return
	}

	logger := c.logger.With(
		zap.String("persona", persona),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("step", req.Step),
		zap.String("corr_id", req.CorrID),
	)

	completion := &Completion{
		WorkflowID:  req.WorkflowID,
		FromPersona: persona,
		CorrID:      req.CorrID,
		Step:        req.Step,
	}

	if parseErr != nil {
		logger.Warn("malformed request", zap.Error(parseErr))
		completion.Status = StatusError
		completion.Error = parseErr.Error()
		c.publish(bg, logger, completion)
		c.collector.RecordPersonaMessage(persona, "error", 0)
		return
	}

	if cached, ok := c.dedupe.get(req.CorrID); ok {
		logger.Info("duplicate request, replaying cached result")
		completion.Status = StatusDuplicate
		completion.Result = cached
		c.publish(bg, logger, completion)
		c.collector.RecordPersonaMessage(persona, "duplicate", 0)
		return
	}

	handler := c.handlerFor(persona)
	if handler == nil {
		logger.Error("no handler registered for persona")
		completion.Status = StatusError
		completion.Error = fmt.Sprintf("no handler registered for persona %s", persona)
		c.publish(bg, logger, completion)
		c.collector.RecordPersonaMessage(persona, "error", 0)
		return
	}

	start := time.Now()
	result, err := c.invoke(ctx, persona, handler, req)
	elapsed := time.Since(start)
	completion.Status = StatusDone
	completion.DurationMs = elapsed.Milliseconds()

	outcome := "done"
	if err == nil {
		completion.Result, err = json.Marshal(result)
		if err != nil {
			err = fmt.Errorf("encode handler result: %w", err)
		}
	}
	if err != nil {
		outcome = "fail"
		failure := FailureResult{Status: "fail", Error: err.Error()}
		var pe *panicError
		if errors.As(err, &pe) {
			failure.Details = pe.stack
		}
		completion.Result, _ = json.Marshal(failure)
		completion.Error = err.Error()
		logger.Warn("handler failed", zap.Error(err), zap.Duration("duration", elapsed))
	} else {
		logger.Info("handler completed", zap.Duration("duration", elapsed))
	}

	c.dedupe.put(req.CorrID, completion.Result)
	c.publish(bg, logger, completion)
	c.collector.RecordPersonaMessage(persona, outcome, elapsed)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

// invoke runs the handler under the persona's rate limit, converting panics
// into errors.
func (c *Consumer) invoke(ctx context.Context, persona string, h Handler, req *Request) (result any, err error) {
	ctx, span := telemetry.StartSpan(ctx, "persona.handle",
		telemetry.AttrPersona.String(persona),
		telemetry.AttrWorkflowID.String(req.WorkflowID),
		telemetry.AttrStep.String(req.Step),
		telemetry.AttrCorrID.String(req.CorrID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	ctx = ctxkeys.WithPersona(ctx, persona)
	ctx = ctxkeys.WithWorkflowID(ctx, req.WorkflowID)
	ctx = ctxkeys.WithCorrID(ctx, req.CorrID)
	ctx = ctxkeys.WithStep(ctx, req.Step)

	if lim := c.limiters[persona]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return h.Handle(ctx, req)
}

func (c *Consumer) publish(ctx context.Context, logger *zap.Logger, comp *Completion) {
	comp.TS = time.Now()
	if _, err := c.t.Append(ctx, c.cfg.EventStream, comp.Fields()); err != nil {
		logger.Error("failed to publish completion", zap.String("status", comp.Status), zap.Error(err))
	}
}

func (c *Consumer) ack(ctx context.Context, persona, group, id string) {
	if _, err := c.t.Ack(ctx, c.cfg.RequestStream, group, id); err != nil {
		c.logger.Error("failed to ack request",
			zap.String("persona", persona),
			zap.String("message_id", id),
			zap.Error(err),
		)
	}
}
