package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/messaging"
)

// flakyClient fails the first few Consume calls, then delivers its messages and blocks.
type flakyClient struct {
	mu       sync.Mutex
	failures int
	calls    int
	messages []messaging.Message
	handled  chan error
}

func (c *flakyClient) Publish(context.Context, []byte, []byte) error { return nil }

func (c *flakyClient) Consume(ctx context.Context, handler messaging.Handler) error {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.failures
	c.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	for _, msg := range c.messages {
		c.handled <- handler(ctx, msg)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *flakyClient) Topic() string { return "orders" }

func newTestEngine(t *testing.T, client messaging.Client, regs ...HandlerRegistration) *Engine {
	t.Helper()
	cfg := config.Config{Messaging: config.Messaging{Enabled: true, Workers: config.Worker{Enabled: true, Concurrency: 1}}}
	engine, err := NewEngine(Params{Client: client, Logger: zap.NewNop(), Config: cfg, Registrations: regs})
	require.NoError(t, err)
	engine.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return engine
}

func TestEngineRoutesByTopic(t *testing.T) {
	client := &flakyClient{
		failures: 2,
		messages: []messaging.Message{
			{Topic: "orders", Value: []byte("a")},
			{Topic: "elsewhere", Value: []byte("b")},
			{Topic: "orders", Value: []byte("boom")},
		},
		handled: make(chan error, 3),
	}

	var mu sync.Mutex
	var seen []string
	engine := newTestEngine(t, client,
		HandlerRegistration{Topic: "orders", Handler: func(_ context.Context, msg messaging.Message) error {
			mu.Lock()
			seen = append(seen, string(msg.Value))
			mu.Unlock()
			if string(msg.Value) == "boom" {
				return errors.New("handler failed")
			}
			return nil
		}},
		HandlerRegistration{Topic: "", Handler: func(context.Context, messaging.Message) error { return nil }},
	)

	require.NoError(t, engine.start(context.Background()))

	var results []error
	for i := 0; i < 3; i++ {
		select {
		case err := <-client.handled:
			results = append(results, err)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.stop(stopCtx))

	assert.NoError(t, results[0])
	assert.NoError(t, results[1], "unrouted topics are acknowledged")
	assert.EqualError(t, results[2], "handler failed")
	assert.Equal(t, []string{"a", "boom"}, seen)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 3, client.calls, "consume is retried after broker failures")
}

func TestEngineDisabled(t *testing.T) {
	client := &flakyClient{handled: make(chan error, 1)}
	engine := newTestEngine(t, client, HandlerRegistration{Topic: "orders", Handler: func(context.Context, messaging.Message) error { return nil }})
	engine.cfg.Messaging.Workers.Enabled = false

	require.NoError(t, engine.start(context.Background()))
	require.NoError(t, engine.stop(context.Background()))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Zero(t, client.calls)
}
