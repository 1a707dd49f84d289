package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backends returns a constructor per implementation so every contract test
// runs against both.
func backends(opts ...Option) map[string]func(t *testing.T) Transport {
	return map[string]func(t *testing.T) Transport{
		"memory": func(t *testing.T) Transport {
			mopts := append([]Option{WithPollInterval(2 * time.Millisecond), WithLogger(zap.NewNop())}, opts...)
			tr := NewMemoryTransport(mopts...)
			t.Cleanup(func() { _ = tr.Close() })
			return tr
		},
		"redis": func(t *testing.T) Transport {
			mr, err := miniredis.Run()
			require.NoError(t, err)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() {
				_ = client.Close()
				mr.Close()
			})
			return NewRedisTransportFromClient(client, "test:", opts...)
		},
	}
}

func testTransportConfig(kind string) config.TransportConfig {
	cfg := config.DefaultTransportConfig()
	cfg.Type = kind
	return cfg
}

func forEachBackend(t *testing.T, fn func(t *testing.T, tr Transport), opts ...Option) {
	for name, mk := range backends(opts...) {
		t.Run(name, func(t *testing.T) {
			fn(t, mk(t))
		})
	}
}

func TestTransport_AppendIDsIncrease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		var prev string
		for i := 0; i < 20; i++ {
			id, err := tr.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
			if prev != "" {
				assert.Equal(t, 1, CompareIDs(id, prev), "id %s should follow %s", id, prev)
			}
			prev = id
		}

		n, err := tr.Len(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, int64(20), n)
	})
}

func TestTransport_CreateGroupIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		opts := CreateGroupOptions{MkStream: true}
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, opts))
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, opts))
	})
}

func TestTransport_CreateGroupWithoutStream(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		err := tr.CreateGroup(context.Background(), "missing", "g", StartFromBeginning, CreateGroupOptions{})
		require.Error(t, err)
	})
}

func TestTransport_ReadGroupFromBeginning(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := tr.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))

		msgs, err := tr.ReadGroup(ctx, "g", "c1", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Count: 10})
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "0", msgs[0].Fields["n"])
		assert.Equal(t, "2", msgs[2].Fields["n"])

		// nothing new
		msgs, err = tr.ReadGroup(ctx, "g", "c1", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestTransport_CreateGroupAtTailSkipsExisting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		_, err := tr.Append(ctx, "s", map[string]string{"old": "1"})
		require.NoError(t, err)
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromNew, CreateGroupOptions{MkStream: true}))
		_, err = tr.Append(ctx, "s", map[string]string{"new": "1"})
		require.NoError(t, err)

		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Count: 10})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "1", msgs[0].Fields["new"])
	})
}

func TestTransport_CountCapsBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))
		for i := 0; i < 5; i++ {
			_, err := tr.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}

		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Count: 2})
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})
}

func TestTransport_PendingUntilAcked(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))
		id, err := tr.Append(ctx, "s", map[string]string{"k": "v"})
		require.NoError(t, err)

		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		// unacked entries replay from the consumer's history
		history, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s"}, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, id, history[0].ID)

		n, err := tr.Ack(ctx, "s", "g", id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// acking twice is harmless
		n, err = tr.Ack(ctx, "s", "g", id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		history, err = tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s"}, ReadOptions{})
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestTransport_BlockingReadTimesOut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))

		start := time.Now()
		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Block: 50 * time.Millisecond})
		require.NoError(t, err)
		assert.Nil(t, msgs)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})
}

func TestTransport_SubMillisecondBlockReturnsPromptly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		first, err := tr.Append(ctx, "s", map[string]string{"n": "1"})
		require.NoError(t, err)
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromNew, CreateGroupOptions{}))

		start := time.Now()
		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Block: 500 * time.Microsecond})
		require.NoError(t, err)
		assert.Nil(t, msgs)
		assert.Less(t, time.Since(start), time.Second)

		start = time.Now()
		out, err := tr.Read(ctx, []StreamOffset{{Stream: "s", AfterID: first}}, ReadOptions{Block: time.Microsecond})
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestBlockArg(t *testing.T) {
	assert.Equal(t, time.Duration(-1), blockArg(0))
	assert.Equal(t, time.Duration(-1), blockArg(-time.Second))
	assert.Equal(t, time.Millisecond, blockArg(time.Nanosecond))
	assert.Equal(t, time.Millisecond, blockArg(500*time.Microsecond))
	assert.Equal(t, 50*time.Millisecond, blockArg(50*time.Millisecond))
}

func TestTransport_BlockingReadWakesOnAppend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromNew, CreateGroupOptions{MkStream: true}))

		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = tr.Append(context.Background(), "s", map[string]string{"late": "yes"})
		}()

		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Block: 2 * time.Second})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "yes", msgs[0].Fields["late"])
	})
}

func TestTransport_ReadGroupMissingGroup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		_, err := tr.Append(ctx, "s", map[string]string{"k": "v"})
		require.NoError(t, err)

		_, err = tr.ReadGroup(ctx, "nope", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoGroup))
	})
}

func TestTransport_ReadFromOffset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		first, err := tr.Append(ctx, "s", map[string]string{"n": "1"})
		require.NoError(t, err)
		_, err = tr.Append(ctx, "s", map[string]string{"n": "2"})
		require.NoError(t, err)

		out, err := tr.Read(ctx, []StreamOffset{{Stream: "s", AfterID: first}}, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "s", out[0].Stream)
		require.Len(t, out[0].Messages, 1)
		assert.Equal(t, "2", out[0].Messages[0].Fields["n"])
	})
}

func TestTransport_RangeAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 4; i++ {
			id, err := tr.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		all, err := tr.Range(ctx, "s", "-", "+", 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		firstTwo, err := tr.Range(ctx, "s", "-", "+", 2)
		require.NoError(t, err)
		assert.Len(t, firstTwo, 2)

		n, err := tr.Delete(ctx, "s", ids[1], ids[2])
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		rest, err := tr.Range(ctx, "s", "-", "+", 0)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, ids[0], rest[0].ID)
		assert.Equal(t, ids[3], rest[1].ID)
	})
}

func TestTransport_MaxLenTrimsOldest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))
		var ids []string
		for i := 0; i < 50; i++ {
			id, err := tr.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		n, err := tr.Len(ctx, "s")
		require.NoError(t, err)
		assert.Positive(t, n)
		assert.LessOrEqual(t, n, int64(5))

		all, err := tr.Range(ctx, "s", "-", "+", 0)
		require.NoError(t, err)
		require.Len(t, all, int(n))
		assert.Equal(t, ids[49], all[len(all)-1].ID)

		msgs, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, msgs, int(n))
		assert.Equal(t, "49", msgs[len(msgs)-1].Fields["n"])

		out, err := tr.Read(ctx, []StreamOffset{{Stream: "s", AfterID: ids[47]}}, ReadOptions{})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Len(t, out[0].Messages, 2)
	}, WithMaxLen(5))
}

func TestTransport_DropGroup(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))

		dropped, err := tr.DropGroup(ctx, "s", "g")
		require.NoError(t, err)
		assert.True(t, dropped)

		dropped, err = tr.DropGroup(ctx, "s", "g")
		require.NoError(t, err)
		assert.False(t, dropped)
	})
}

func TestTransport_ConcurrentConsumersNoDoubleDelivery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, tr Transport) {
		ctx := context.Background()
		require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))

		const total = 50
		for i := 0; i < total; i++ {
			_, err := tr.Append(ctx, "s", map[string]string{"n": fmt.Sprint(i)})
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]string)
			wg   sync.WaitGroup
		)
		for c := 0; c < 4; c++ {
			consumer := fmt.Sprintf("c%d", c)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					msgs, err := tr.ReadGroup(ctx, "g", consumer, GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Count: 3})
					if err != nil || len(msgs) == 0 {
						return
					}
					mu.Lock()
					for _, m := range msgs {
						if prev, dup := seen[m.ID]; dup {
							t.Errorf("message %s delivered to %s and %s", m.ID, prev, consumer)
						}
						seen[m.ID] = consumer
					}
					mu.Unlock()
					for _, m := range msgs {
						_, _ = tr.Ack(ctx, "s", "g", m.ID)
					}
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, total)
	})
}

// --- memory-only behaviour ---

func TestMemoryTransport_ListGroups(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.CreateGroup(ctx, "s", "b", StartFromBeginning, CreateGroupOptions{MkStream: true}))
	require.NoError(t, tr.CreateGroup(ctx, "s", "a", StartFromBeginning, CreateGroupOptions{MkStream: true}))
	id, err := tr.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)
	_, err = tr.ReadGroup(ctx, "a", "worker", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
	require.NoError(t, err)

	groups, err := tr.ListGroups(ctx, "s")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0].Name)
	assert.Equal(t, int64(1), groups[0].Consumers)
	assert.Equal(t, int64(1), groups[0].Pending)
	assert.Equal(t, id, groups[0].LastDeliveredID)
	assert.Equal(t, int64(0), groups[1].Pending)

	missing, err := tr.ListGroups(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMemoryTransport_SameMillisecondIDs(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	tr := NewMemoryTransport(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	a, err := tr.Append(ctx, "s", nil)
	require.NoError(t, err)
	b, err := tr.Append(ctx, "s", nil)
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-0", a)
	assert.Equal(t, "1700000000000-1", b)
}

func TestMemoryTransport_ClockGoingBackwards(t *testing.T) {
	now := time.UnixMilli(2000)
	tr := NewMemoryTransport(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	a, err := tr.Append(ctx, "s", nil)
	require.NoError(t, err)
	now = time.UnixMilli(1000)
	b, err := tr.Append(ctx, "s", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, CompareIDs(b, a))
}

func TestMemoryTransport_Closed(t *testing.T) {
	tr := NewMemoryTransport()
	require.NoError(t, tr.Close())

	_, err := tr.Append(context.Background(), "s", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.ReadGroup(context.Background(), "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryTransport_CloseWakesBlockedReader(t *testing.T) {
	tr := NewMemoryTransport(WithPollInterval(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromNew, CreateGroupOptions{MkStream: true}))

	done := make(chan error, 1)
	go func() {
		_, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Block: 5 * time.Second})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked reader did not return after Close")
	}
}

func TestMemoryTransport_ContextCancelStopsBlock(t *testing.T) {
	tr := NewMemoryTransport()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromNew, CreateGroupOptions{MkStream: true}))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{Block: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryTransport_AckReleasesPending(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.CreateGroup(ctx, "s", "g", StartFromBeginning, CreateGroupOptions{MkStream: true}))
	id, err := tr.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = tr.ReadGroup(ctx, "g", "c", GroupQuery{Stream: "s", NewOnly: true}, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.pendingCount("s", "g"))

	_, err = tr.Ack(ctx, "s", "g", id, "999-0")
	require.NoError(t, err)
	assert.Equal(t, 0, tr.pendingCount("s", "g"))
}

func TestNew_Factory(t *testing.T) {
	cfgMemory := testTransportConfig("memory")
	tr, err := New(cfgMemory, zap.NewNop())
	require.NoError(t, err)
	_, ok := tr.(*MemoryTransport)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	cfgRedis := testTransportConfig("redis")
	cfgRedis.Redis.Addr = mr.Addr()
	tr, err = New(cfgRedis, nil)
	require.NoError(t, err)
	_, ok = tr.(*RedisTransport)
	assert.True(t, ok)
	assert.NoError(t, tr.Close())

	_, err = New(testTransportConfig("kafka"), nil)
	assert.Error(t, err)
}

func TestRedisOptions_TLS(t *testing.T) {
	cfg := config.RedisConfig{Addr: "redis:6380", PoolSize: 4}
	assert.Nil(t, redisOptions(cfg).TLSConfig)

	cfg.TLS = true
	cfg.TLSServerName = "redis.internal"
	opts := redisOptions(cfg)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "redis.internal", opts.TLSConfig.ServerName)
	assert.Equal(t, 4, opts.PoolSize)
}
