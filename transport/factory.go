package transport

import (
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"go.uber.org/zap"
)

// New builds the backend selected by cfg.Type.
func New(cfg config.TransportConfig, logger *zap.Logger, opts ...Option) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]Option{WithLogger(logger), WithPollInterval(cfg.PollInterval), WithMaxLen(cfg.MaxLen)}, opts...)

	switch cfg.Type {
	case "", "memory":
		logger.Info("using in-memory transport")
		return NewMemoryTransport(opts...), nil
	case "redis":
		t, err := NewRedisTransport(cfg.Redis, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis transport", zap.String("addr", cfg.Redis.Addr))
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}
