package persona

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/transport"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testRequests = "req"
	testEvents   = "evt"
	testPrefix   = "cg"
)

func newMemoryTransport(t *testing.T) *transport.MemoryTransport {
	t.Helper()
	tr := transport.NewMemoryTransport(transport.WithPollInterval(2 * time.Millisecond))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func testConsumerConfig(personas ...string) ConsumerConfig {
	return ConsumerConfig{
		RequestStream: testRequests,
		EventStream:   testEvents,
		GroupPrefix:   testPrefix,
		Personas:      personas,
		Block:         20 * time.Millisecond,
		BatchSize:     1,
		DedupeSize:    16,
	}
}

func startConsumer(t *testing.T, tr transport.Transport, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	t.Helper()
	opts = append([]ConsumerOption{WithConsumerLogger(zaptest.NewLogger(t))}, opts...)
	c := NewConsumer(tr, cfg, opts...)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func sendRequest(t *testing.T, tr transport.Transport, req *Request) {
	t.Helper()
	fields, err := req.Fields()
	require.NoError(t, err)
	_, err = tr.Append(context.Background(), testRequests, fields)
	require.NoError(t, err)
}

// waitCompletions waits until the event stream holds n completions.
func waitCompletions(t *testing.T, tr transport.Transport, n int) []*Completion {
	t.Helper()
	var out []*Completion
	require.Eventually(t, func() bool {
		msgs, err := tr.Range(context.Background(), testEvents, "-", "+", 0)
		if err != nil || len(msgs) < n {
			return false
		}
		out = out[:0]
		for _, m := range msgs {
			c, err := ParseCompletion(m)
			if err != nil {
				return false
			}
			out = append(out, c)
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return out
}

func pending(t *testing.T, tr transport.Transport, group string) int64 {
	t.Helper()
	infos, err := tr.ListGroups(context.Background(), testRequests)
	if err != nil {
		return -1
	}
	for _, info := range infos {
		if info.Name == group {
			return info.Pending
		}
	}
	return -1
}

func TestConsumer_HandlerSuccess(t *testing.T) {
	tr := newMemoryTransport(t)
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(_ context.Context, req *Request) (any, error) {
			return map[string]any{"status": "pass", "echo": req.Payload["x"]}, nil
		})))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", Step: "s1", ToPersona: "qa", Payload: map[string]any{"x": "y"}})

	comps := waitCompletions(t, tr, 1)
	require.Len(t, comps, 1)
	c := comps[0]
	assert.Equal(t, StatusDone, c.Status)
	assert.Equal(t, "c1", c.CorrID)
	assert.Equal(t, "wf", c.WorkflowID)
	assert.Equal(t, "s1", c.Step)
	assert.Equal(t, "qa", c.FromPersona)
	assert.Equal(t, "pass", c.BusinessStatus())
	assert.Equal(t, "y", c.ResultMap()["echo"])
	assert.Empty(t, c.Error)

	assert.Eventually(t, func() bool { return pending(t, tr, "cg:qa") == 0 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_HandlerErrorBecomesFailResult(t *testing.T) {
	tr := newMemoryTransport(t)
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(context.Context, *Request) (any, error) {
			return nil, errors.New("tests did not run")
		})))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", Step: "s1", ToPersona: "qa"})

	comps := waitCompletions(t, tr, 1)
	require.Len(t, comps, 1)
	assert.Equal(t, StatusDone, comps[0].Status)
	assert.Equal(t, "fail", comps[0].BusinessStatus())
	assert.Equal(t, "tests did not run", comps[0].ResultMap()["error"])
	assert.Eventually(t, func() bool { return pending(t, tr, "cg:qa") == 0 }, time.Second, 5*time.Millisecond)

	// nothing else is emitted for the failed request
	time.Sleep(50 * time.Millisecond)
	n, err := tr.Len(context.Background(), testEvents)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsumer_PanicRecovered(t *testing.T) {
	tr := newMemoryTransport(t)
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(context.Context, *Request) (any, error) {
			panic("boom")
		})))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", ToPersona: "qa"})
	sendRequest(t, tr, &Request{CorrID: "c2", WorkflowID: "wf", ToPersona: "qa"})

	comps := waitCompletions(t, tr, 2)
	for _, c := range comps {
		var fr FailureResult
		require.NoError(t, c.DecodeResult(&fr))
		assert.Equal(t, "fail", fr.Status)
		assert.Contains(t, fr.Error, "boom")
		assert.Contains(t, fr.Details, "goroutine")
	}
}

func TestConsumer_SkipsOtherPersonas(t *testing.T) {
	tr := newMemoryTransport(t)
	var calls atomic.Int32
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(context.Context, *Request) (any, error) {
			calls.Add(1)
			return map[string]any{"status": "pass"}, nil
		})))

	sendRequest(t, tr, &Request{CorrID: "dev-1", WorkflowID: "wf", ToPersona: "lead-engineer"})
	sendRequest(t, tr, &Request{CorrID: "qa-1", WorkflowID: "wf", ToPersona: "qa"})

	comps := waitCompletions(t, tr, 1)
	assert.Equal(t, "qa-1", comps[0].CorrID)
	assert.Eventually(t, func() bool { return pending(t, tr, "cg:qa") == 0 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	n, err := tr.Len(context.Background(), testEvents)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumer_DuplicateCorrIDReplaysResult(t *testing.T) {
	tr := newMemoryTransport(t)
	var calls atomic.Int32
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(context.Context, *Request) (any, error) {
			n := calls.Add(1)
			return map[string]any{"status": "pass", "call": n}, nil
		})))

	sendRequest(t, tr, &Request{CorrID: "same", WorkflowID: "wf", ToPersona: "qa"})
	sendRequest(t, tr, &Request{CorrID: "same", WorkflowID: "wf", ToPersona: "qa"})

	comps := waitCompletions(t, tr, 2)
	assert.Equal(t, StatusDone, comps[0].Status)
	assert.Equal(t, StatusDuplicate, comps[1].Status)
	assert.JSONEq(t, string(comps[0].Result), string(comps[1].Result))
	assert.Equal(t, int32(1), calls.Load())
}

func TestConsumer_MissingHandler(t *testing.T) {
	tr := newMemoryTransport(t)
	// the default handler never serves coordination
	startConsumer(t, tr, testConsumerConfig(CoordinationPersona, "qa"),
		WithDefaultHandler(HandlerFunc(func(context.Context, *Request) (any, error) {
			return map[string]any{"status": "pass"}, nil
		})))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", ToPersona: CoordinationPersona})

	comps := waitCompletions(t, tr, 1)
	assert.Equal(t, StatusError, comps[0].Status)
	assert.Contains(t, comps[0].Error, "no handler")
	assert.Eventually(t, func() bool { return pending(t, tr, "cg:coordination") == 0 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_MalformedPayload(t *testing.T) {
	tr := newMemoryTransport(t)
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(context.Context, *Request) (any, error) {
			t.Error("handler must not run for malformed requests")
			return nil, nil
		})))

	_, err := tr.Append(context.Background(), testRequests, map[string]string{
		"to_persona": "qa", "corr_id": "c1", "workflow_id": "wf", "payload": "{not json",
	})
	require.NoError(t, err)

	comps := waitCompletions(t, tr, 1)
	assert.Equal(t, StatusError, comps[0].Status)
	assert.Contains(t, comps[0].Error, "decode payload")
}

func TestConsumer_CompetingConsumersShareWork(t *testing.T) {
	tr := newMemoryTransport(t)

	var (
		mu      sync.Mutex
		handled = make(map[string][]string)
	)
	handlerFor := func(name string) Handler {
		return HandlerFunc(func(_ context.Context, req *Request) (any, error) {
			mu.Lock()
			handled[req.CorrID] = append(handled[req.CorrID], name)
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			return map[string]any{"status": "pass"}, nil
		})
	}

	cfgA := testConsumerConfig("qa")
	cfgA.ConsumerName = "a"
	cfgB := testConsumerConfig("qa")
	cfgB.ConsumerName = "b"
	startConsumer(t, tr, cfgA, WithHandler("qa", handlerFor("a")))
	startConsumer(t, tr, cfgB, WithHandler("qa", handlerFor("b")))

	for i := 0; i < 10; i++ {
		sendRequest(t, tr, &Request{CorrID: fmt.Sprintf("c%d", i), WorkflowID: "wf", ToPersona: "qa"})
	}

	comps := waitCompletions(t, tr, 10)
	assert.Len(t, comps, 10)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 10)
	for corr, by := range handled {
		assert.Len(t, by, 1, "request %s handled more than once", corr)
	}
	assert.Eventually(t, func() bool { return pending(t, tr, "cg:qa") == 0 }, time.Second, 5*time.Millisecond)
}

func TestConsumer_StartStop(t *testing.T) {
	tr := newMemoryTransport(t)
	c := NewConsumer(tr, testConsumerConfig("qa"))

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	assert.NotEmpty(t, c.Name())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.Stop(ctx))
	assert.NoError(t, c.Stop(ctx))
}

func TestConsumer_NoPersonas(t *testing.T) {
	c := NewConsumer(newMemoryTransport(t), testConsumerConfig())
	assert.Error(t, c.Start(context.Background()))
}

func TestConsumer_ClosedTransportSurfacesOnStop(t *testing.T) {
	tr := newMemoryTransport(t)
	c := NewConsumer(tr, testConsumerConfig("qa"))
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, tr.Close())
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.Stop(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestConsumer_SetHandlerAfterStart(t *testing.T) {
	tr := newMemoryTransport(t)
	c := startConsumer(t, tr, testConsumerConfig(CoordinationPersona))
	c.SetHandler(CoordinationPersona, HandlerFunc(func(context.Context, *Request) (any, error) {
		return map[string]any{"status": "pass"}, nil
	}))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", ToPersona: CoordinationPersona})
	comps := waitCompletions(t, tr, 1)
	assert.Equal(t, StatusDone, comps[0].Status)
}

func newRedisTransport(t *testing.T) *transport.RedisTransport {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return transport.NewRedisTransportFromClient(client, "test:")
}

func TestConsumer_RedisBackend(t *testing.T) {
	tr := newRedisTransport(t)

	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(context.Context, *Request) (any, error) {
			return map[string]any{"status": "pass"}, nil
		})))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", ToPersona: "qa"})
	comps := waitCompletions(t, tr, 1)
	assert.Equal(t, "pass", comps[0].BusinessStatus())
	assert.Eventually(t, func() bool { return pending(t, tr, "cg:qa") == 0 }, time.Second, 5*time.Millisecond)
}

func TestConsumerConfigFrom(t *testing.T) {
	pc := config.DefaultPersonaConfig()
	pc.Names = []string{"qa", "coordination"}
	cfg := ConsumerConfigFrom(pc)

	assert.Equal(t, pc.RequestStream, cfg.RequestStream)
	assert.Equal(t, pc.EventStream, cfg.EventStream)
	assert.Equal(t, pc.GroupPrefix, cfg.GroupPrefix)
	assert.Equal(t, []string{"qa", "coordination"}, cfg.Personas)
	assert.Equal(t, pc.DedupeSize, cfg.DedupeSize)
}

// refusingTransport fails group creation for one group.
type refusingTransport struct {
	transport.Transport
	group string
}

func (r refusingTransport) CreateGroup(ctx context.Context, stream, group, startID string, opts transport.CreateGroupOptions) error {
	if group == r.group {
		return errors.New("group refused")
	}
	return r.Transport.CreateGroup(ctx, stream, group, startID, opts)
}

func TestConsumer_PartialStartKeepsHealthyLoops(t *testing.T) {
	tr := newMemoryTransport(t)
	c := NewConsumer(refusingTransport{Transport: tr, group: "cg:broken"}, testConsumerConfig("qa", "broken"),
		WithConsumerLogger(zaptest.NewLogger(t)),
		WithHandler("qa", HandlerFunc(func(context.Context, *Request) (any, error) {
			return map[string]any{"status": "pass"}, nil
		})))

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"qa"}, c.Running())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", ToPersona: "qa"})
	comps := waitCompletions(t, tr, 1)
	assert.Equal(t, "pass", comps[0].BusinessStatus())
}

func TestConsumer_RecreatesMissingGroup(t *testing.T) {
	tr := newMemoryTransport(t)
	startConsumer(t, tr, testConsumerConfig("qa"), WithHandler("qa", HandlerFunc(
		func(_ context.Context, req *Request) (any, error) {
			return map[string]any{"status": "pass", "corr": req.CorrID}, nil
		})))

	sendRequest(t, tr, &Request{CorrID: "c1", WorkflowID: "wf", ToPersona: "qa"})
	waitCompletions(t, tr, 1)

	dropped, err := tr.DropGroup(context.Background(), testRequests, "cg:qa")
	require.NoError(t, err)
	require.True(t, dropped)

	sendRequest(t, tr, &Request{CorrID: "c2", WorkflowID: "wf", ToPersona: "qa"})
	require.Eventually(t, func() bool {
		msgs, err := tr.Range(context.Background(), testEvents, "-", "+", 0)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			comp, err := ParseCompletion(m)
			if err == nil && comp.CorrID == "c2" && comp.Status == StatusDone {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	infos, err := tr.ListGroups(context.Background(), testRequests)
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, "cg:qa")
}
