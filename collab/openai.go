package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"github.com/goblinsan/multi-agent-machine-client/internal/tlsutil"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIModelCaller calls OpenAI-compatible chat completion endpoints.
type OpenAIModelCaller struct {
	client         *openai.Client
	defaultModel   string
	defaultTimeout time.Duration
	logger         *zap.Logger
}

var _ ModelCaller = (*OpenAIModelCaller)(nil)

// NewOpenAIModelCaller builds a caller from LLM settings. BaseURL points
// the client at any compatible server.
func NewOpenAIModelCaller(cfg config.LLMConfig, logger *zap.Logger) *OpenAIModelCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.HTTPClient = tlsutil.SecureHTTPClient(0)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIModelCaller{
		client:         openai.NewClientWithConfig(clientCfg),
		defaultModel:   model,
		defaultTimeout: cfg.Timeout,
		logger:         logger.With(zap.String("component", "model_caller")),
	}
}

// Call sends messages and returns the first choice. An empty model uses the
// configured default; a non-positive timeout uses the configured timeout.
func (c *OpenAIModelCaller) Call(ctx context.Context, persona, model string, messages []ChatMessage, timeout time.Duration) (ModelResponse, error) {
	if model == "" {
		model = c.defaultModel
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("model call failed", append(ctxkeys.Fields(ctx),
			zap.String("persona", persona),
			zap.String("model", model),
			zap.Error(err),
		)...)
		return ModelResponse{}, fmt.Errorf("model call for %s failed: %w", persona, err)
	}
	if len(resp.Choices) == 0 {
		return ModelResponse{}, errors.New("model returned no choices")
	}

	c.logger.Debug("model call completed", append(ctxkeys.Fields(ctx),
		zap.String("persona", persona),
		zap.String("model", model),
		zap.Duration("duration", elapsed),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)...)
	return ModelResponse{
		Content:    resp.Choices[0].Message.Content,
		DurationMs: elapsed.Milliseconds(),
	}, nil
}
