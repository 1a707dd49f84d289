package transport

import (
	"time"

	"github.com/goblinsan/multi-agent-machine-client/internal/metrics"
	"go.uber.org/zap"
)

// Option configures a transport backend.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	collector    *metrics.Collector
	pollInterval time.Duration
	maxLen       int64
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		pollInterval: 10 * time.Millisecond,
		now:          time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCollector records per-operation metrics on c.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithPollInterval sets how often blocked in-memory reads re-check streams.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxLen trims each stream to about n entries on append. n <= 0 keeps
// every entry.
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLen = n
		}
	}
}

// WithClock overrides the clock used for in-memory ids.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
