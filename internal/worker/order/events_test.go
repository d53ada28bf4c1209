package order

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/events"
	"github.com/Additional-Code/settle/internal/messaging"
	"github.com/Additional-Code/settle/internal/service/verification"
)

type retrierFunc func(context.Context, events.VerificationRequested) (verification.Outcome, error)

func (f retrierFunc) Retry(ctx context.Context, req events.VerificationRequested) (verification.Outcome, error) {
	return f(ctx, req)
}

func (f retrierFunc) Abandon(context.Context, events.VerificationRequested, error) (verification.Outcome, error) {
	panic("unexpected abandon")
}

// abandoningRetrier fails every retry with err and records what was given up.
type abandoningRetrier struct {
	err       error
	abandoned []events.VerificationRequested
}

func (r *abandoningRetrier) Retry(context.Context, events.VerificationRequested) (verification.Outcome, error) {
	return verification.Outcome{}, r.err
}

func (r *abandoningRetrier) Abandon(_ context.Context, req events.VerificationRequested, cause error) (verification.Outcome, error) {
	r.abandoned = append(r.abandoned, req)
	return verification.Outcome{Status: verification.StatusRejected, Detail: cause.Error()}, nil
}

type requeueBus struct {
	mu       sync.Mutex
	requests []events.VerificationRequested
}

func (b *requeueBus) Publish(_ context.Context, _ []byte, value []byte) error {
	env, err := events.Decode(value)
	if err != nil {
		return err
	}
	var req events.VerificationRequested
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	return nil
}

func (b *requeueBus) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *requeueBus) Topic() string { return "orders" }

func envelope(t *testing.T, kind events.Kind, payload any) messaging.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(events.Envelope{Kind: kind, Payload: body})
	require.NoError(t, err)
	return messaging.Message{Topic: "orders", Value: raw}
}

func TestHandleVerificationRequested(t *testing.T) {
	var got []events.VerificationRequested
	retrier := retrierFunc(func(_ context.Context, req events.VerificationRequested) (verification.Outcome, error) {
		got = append(got, req)
		return verification.Outcome{Status: verification.StatusConfirmed}, nil
	})
	bus := &requeueBus{}
	h := newHandler(retrier, events.NewPublisher(bus, zap.NewNop()), zap.NewNop(), time.Second, 3)

	req := events.VerificationRequested{Reference: "sig-1", Attempt: 2, NotBefore: time.Now().UTC()}
	require.NoError(t, h.Handle(context.Background(), envelope(t, events.KindVerificationRequested, req)))

	require.Len(t, got, 1)
	assert.Equal(t, "sig-1", got[0].Reference)
	assert.Equal(t, 2, got[0].Attempt)
	assert.Empty(t, bus.requests)
}

func TestHandleRequeuesWhenChainUnavailable(t *testing.T) {
	retrier := retrierFunc(func(context.Context, events.VerificationRequested) (verification.Outcome, error) {
		return verification.Outcome{}, &chain.RPCError{Method: "getSignatureStatuses", Class: chain.ClassTransient, StatusCode: 503}
	})
	bus := &requeueBus{}
	h := newHandler(retrier, events.NewPublisher(bus, zap.NewNop()), zap.NewNop(), time.Minute, 3)

	before := time.Now().UTC()
	req := events.VerificationRequested{Reference: "sig-2", Attempt: 1}
	require.NoError(t, h.Handle(context.Background(), envelope(t, events.KindVerificationRequested, req)))

	require.Len(t, bus.requests, 1)
	assert.Equal(t, "sig-2", bus.requests[0].Reference)
	assert.Equal(t, 1, bus.requests[0].Attempt, "transport failures do not consume an attempt")
	assert.Equal(t, 1, bus.requests[0].Requeues)
	assert.True(t, bus.requests[0].NotBefore.After(before.Add(59*time.Second)))
}

func TestHandleAbandonsAfterRequeueLimit(t *testing.T) {
	retrier := &abandoningRetrier{err: &chain.RPCError{Method: "getTransaction", Class: chain.ClassTransient, StatusCode: 503}}
	bus := &requeueBus{}
	h := newHandler(retrier, events.NewPublisher(bus, zap.NewNop()), zap.NewNop(), time.Millisecond, 2)
	ctx := context.Background()

	req := events.VerificationRequested{Reference: "sig-4", Attempt: 1}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Handle(ctx, envelope(t, events.KindVerificationRequested, req)))
		if i < 2 {
			require.Len(t, bus.requests, i+1)
			req = bus.requests[i]
		}
	}

	assert.Len(t, bus.requests, 2)
	require.Len(t, retrier.abandoned, 1)
	assert.Equal(t, "sig-4", retrier.abandoned[0].Reference)
	assert.Equal(t, 2, retrier.abandoned[0].Requeues)
}

func TestHandleSurfacesOtherFailures(t *testing.T) {
	boom := errors.New("ledger unavailable")
	retrier := retrierFunc(func(context.Context, events.VerificationRequested) (verification.Outcome, error) {
		return verification.Outcome{}, boom
	})
	h := newHandler(retrier, events.NewPublisher(&requeueBus{}, zap.NewNop()), zap.NewNop(), time.Second, 3)

	err := h.Handle(context.Background(), envelope(t, events.KindVerificationRequested, events.VerificationRequested{Reference: "sig-3", Attempt: 1}))
	assert.ErrorIs(t, err, boom)
}

func TestHandleAcknowledgesOtherMessages(t *testing.T) {
	retrier := retrierFunc(func(context.Context, events.VerificationRequested) (verification.Outcome, error) {
		t.Fatal("retrier must not be called")
		return verification.Outcome{}, nil
	})
	h := newHandler(retrier, events.NewPublisher(&requeueBus{}, zap.NewNop()), zap.NewNop(), time.Second, 3)
	ctx := context.Background()

	changed := events.StatusChanged{OrderID: "o-1", Number: "ORD-1", From: entity.StatusPendingPayment, To: entity.StatusConfirmed}
	assert.NoError(t, h.Handle(ctx, envelope(t, events.KindStatusChanged, changed)))
	assert.NoError(t, h.Handle(ctx, envelope(t, events.Kind("order.archived"), map[string]string{})))
	assert.NoError(t, h.Handle(ctx, messaging.Message{Topic: "orders", Value: []byte("not json")}))
}
