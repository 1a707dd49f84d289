package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport implements Transport on Redis Streams.
type RedisTransport struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool

	opts   options
	logger *zap.Logger
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(cfg config.RedisConfig, opts ...Option) (*RedisTransport, error) {
	client := redis.NewClient(redisOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	t := NewRedisTransportFromClient(client, cfg.KeyPrefix, opts...)
	t.ownClient = true
	return t, nil
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig(cfg.TLSServerName)
	}
	return opts
}

// NewRedisTransportFromClient wraps an existing client. Close leaves the
// client open.
func NewRedisTransportFromClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisTransport {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisTransport{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      o,
		logger:    o.logger.With(zap.String("component", "transport"), zap.String("backend", "redis")),
	}
}

func (r *RedisTransport) key(stream string) string {
	return r.keyPrefix + stream
}

func (r *RedisTransport) observe(op string, start time.Time, err error) {
	r.opts.collector.RecordTransportOp("redis", op, err, time.Since(start))
}

// wrap maps Redis replies onto the package errors.
func wrap(op, stream string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOGROUP"):
		err = ErrNoGroup
	case strings.Contains(msg, "requires the key to exist"):
		err = ErrNoStream
	}
	return &TransportError{Op: op, Stream: stream, Err: err}
}

// blockArg converts ReadOptions.Block to go-redis form, where a negative
// value omits BLOCK and zero blocks forever. go-redis sends whole
// milliseconds, so a sub-millisecond block is raised to one millisecond
// instead of truncating to BLOCK 0.
func blockArg(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// Append implements Transport.
func (r *RedisTransport) Append(ctx context.Context, stream string, fields map[string]string) (id string, err error) {
	start := time.Now()
	defer func() { r.observe("append", start, err) }()

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: r.key(stream),
		Values: values,
	}
	if r.opts.maxLen > 0 {
		args.MaxLen = r.opts.maxLen
		args.Approx = true
	}
	id, err = r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", wrap("append", stream, err)
	}
	return id, nil
}

// CreateGroup implements Transport.
func (r *RedisTransport) CreateGroup(ctx context.Context, stream, group, startID string, opts CreateGroupOptions) (err error) {
	start := time.Now()
	defer func() { r.observe("create_group", start, err) }()

	if startID == "" {
		startID = StartFromBeginning
	}
	if opts.MkStream {
		err = r.client.XGroupCreateMkStream(ctx, r.key(stream), group, startID).Err()
	} else {
		err = r.client.XGroupCreate(ctx, r.key(stream), group, startID).Err()
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			r.logger.Debug("consumer group already exists",
				zap.String("stream", stream),
				zap.String("group", group),
			)
			return nil
		}
		return wrap("create_group", stream, err)
	}
	return nil
}

// ReadGroup implements Transport.
func (r *RedisTransport) ReadGroup(ctx context.Context, group, consumer string, q GroupQuery, opts ReadOptions) (msgs []Message, err error) {
	start := time.Now()
	defer func() { r.observe("read_group", start, err) }()

	cursor := "0"
	if q.NewOnly {
		cursor = ">"
	}
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.key(q.Stream), cursor},
		Count:    opts.Count,
		Block:    blockArg(opts.Block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrap("read_group", q.Stream, err)
	}
	for _, s := range streams {
		msgs = append(msgs, convertMessages(s.Messages)...)
	}
	return msgs, nil
}

// Read implements Transport.
func (r *RedisTransport) Read(ctx context.Context, offsets []StreamOffset, opts ReadOptions) (out []StreamMessages, err error) {
	start := time.Now()
	defer func() { r.observe("read", start, err) }()

	if len(offsets) == 0 {
		return nil, nil
	}
	args := make([]string, 0, 2*len(offsets))
	for _, off := range offsets {
		args = append(args, r.key(off.Stream))
	}
	for _, off := range offsets {
		after := off.AfterID
		if after == "" {
			after = StartFromBeginning
		}
		args = append(args, after)
	}

	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: args,
		Count:   opts.Count,
		Block:   blockArg(opts.Block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrap("read", offsets[0].Stream, err)
	}
	for _, s := range streams {
		if len(s.Messages) == 0 {
			continue
		}
		out = append(out, StreamMessages{
			Stream:   strings.TrimPrefix(s.Stream, r.keyPrefix),
			Messages: convertMessages(s.Messages),
		})
	}
	return out, nil
}

// Ack implements Transport.
func (r *RedisTransport) Ack(ctx context.Context, stream, group string, ids ...string) (n int64, err error) {
	start := time.Now()
	defer func() { r.observe("ack", start, err) }()

	if len(ids) == 0 {
		return 0, nil
	}
	n, err = r.client.XAck(ctx, r.key(stream), group, ids...).Result()
	if err != nil {
		return 0, wrap("ack", stream, err)
	}
	return n, nil
}

// Len implements Transport.
func (r *RedisTransport) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, r.key(stream)).Result()
	if err != nil {
		return 0, wrap("len", stream, err)
	}
	return n, nil
}

// Delete implements Transport.
func (r *RedisTransport) Delete(ctx context.Context, stream string, ids ...string) (n int64, err error) {
	start := time.Now()
	defer func() { r.observe("delete", start, err) }()

	if len(ids) == 0 {
		return 0, nil
	}
	n, err = r.client.XDel(ctx, r.key(stream), ids...).Result()
	if err != nil {
		return 0, wrap("delete", stream, err)
	}
	return n, nil
}

// Range implements Transport.
func (r *RedisTransport) Range(ctx context.Context, stream, start, end string, count int64) ([]Message, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = r.client.XRangeN(ctx, r.key(stream), start, end, count).Result()
	} else {
		msgs, err = r.client.XRange(ctx, r.key(stream), start, end).Result()
	}
	if err != nil {
		return nil, wrap("range", stream, err)
	}
	return convertMessages(msgs), nil
}

// ListGroups implements Transport. A missing stream has no groups.
func (r *RedisTransport) ListGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, r.key(stream)).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		return nil, wrap("list_groups", stream, err)
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

// DropGroup implements Transport.
func (r *RedisTransport) DropGroup(ctx context.Context, stream, group string) (bool, error) {
	n, err := r.client.XGroupDestroy(ctx, r.key(stream), group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "requires the key to exist") {
			return false, nil
		}
		return false, wrap("drop_group", stream, err)
	}
	return n > 0, nil
}

// Close closes the client when the transport created it.
func (r *RedisTransport) Close() error {
	if !r.ownClient {
		return nil
	}
	return r.client.Close()
}

func convertMessages(in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case nil:
			default:
				fields[k] = fmt.Sprint(val)
			}
		}
		out = append(out, Message{ID: m.ID, Fields: fields})
	}
	return out
}
