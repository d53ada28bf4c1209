package verification

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Additional-Code/settle/internal/cache"
	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/events"
	"github.com/Additional-Code/settle/internal/messaging"
	repo "github.com/Additional-Code/settle/internal/repository/order"
	"github.com/Additional-Code/settle/internal/service/confirmation"
)

type stubVerifier struct {
	calls   atomic.Int32
	mu      sync.Mutex
	terms   []chain.Terms
	respond func(sig string, terms chain.Terms) (chain.Result, error)
}

func (s *stubVerifier) Verify(_ context.Context, sig string, terms chain.Terms) (chain.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.terms = append(s.terms, terms)
	s.mu.Unlock()
	return s.respond(sig, terms)
}

func valid(sig string, terms chain.Terms) (chain.Result, error) {
	return chain.Result{
		Valid:     true,
		Signature: sig,
		Amount:    terms.Amount,
		Payer:     terms.Payer,
		Recipient: terms.Recipient,
		Token:     terms.Token,
	}, nil
}

func rejectWith(reason chain.Reason) func(string, chain.Terms) (chain.Result, error) {
	return func(sig string, terms chain.Terms) (chain.Result, error) {
		return chain.Result{Signature: sig, Token: terms.Token, Reason: reason, Detail: "test"}, nil
	}
}

type recordingBus struct {
	mu       sync.Mutex
	requests []events.VerificationRequested
}

func (b *recordingBus) Publish(_ context.Context, _ []byte, value []byte) error {
	env, err := events.Decode(value)
	if err != nil {
		return err
	}
	if env.Kind != events.KindVerificationRequested {
		return nil
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

func (b *recordingBus) Consume(ctx context.Context, _ messaging.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *recordingBus) Topic() string { return "test" }

type fixture struct {
	store    *repo.MemoryStore
	verifier *stubVerifier
	bus      *recordingBus
	svc      *Service
}

func newFixture(t *testing.T, respond func(string, chain.Terms) (chain.Result, error)) *fixture {
	t.Helper()
	f := &fixture{
		store:    repo.NewMemoryStore(),
		verifier: &stubVerifier{respond: respond},
		bus:      &recordingBus{},
	}
	publisher := events.NewPublisher(f.bus, zap.NewNop())
	policy := config.Confirmation{
		MaxAttempts:             5,
		InitialBackoff:          time.Millisecond,
		MaxBackoff:              5 * time.Millisecond,
		VerificationRetryDelay:  10 * time.Millisecond,
		MaxVerificationAttempts: 3,
	}
	orch := confirmation.New(confirmation.Params{
		Store:     f.store,
		Cache:     cache.Noop(),
		Publisher: publisher,
		Config:    config.Config{Confirmation: policy},
		Logger:    zap.NewNop(),
	})
	f.svc = New(f.store, f.verifier, orch, publisher, policy, zap.NewNop())
	return f
}

func (f *fixture) order(t *testing.T, amount, batch string, rail entity.Rail) *entity.Order {
	t.Helper()
	o := &entity.Order{
		ID:                uuid.NewString(),
		Number:            "ORD-" + uuid.NewString()[:8],
		BatchOrderID:      batch,
		Status:            entity.StatusDraft,
		Rail:              rail,
		ExpectedAmount:    decimal.RequireFromString(amount),
		ExpectedRecipient: "Merchant1111",
		PayerWallet:       "Buyer1111",
		TokenDecimals:     entity.NativeDecimals,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, f.store.Create(context.Background(), o))
	return o
}

func (f *fixture) get(t *testing.T, id string) *entity.Order {
	t.Helper()
	o, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestVerifyAndConfirmNativePayment(t *testing.T) {
	f := newFixture(t, valid)
	o := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()

	out, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: o.ID, Signature: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	require.Len(t, f.verifier.terms, 1)
	assert.Equal(t, "0.03", f.verifier.terms[0].Amount.String())
	assert.Equal(t, "Buyer1111", f.verifier.terms[0].Payer)
	assert.True(t, f.verifier.terms[0].Token.IsNative())

	got := f.get(t, o.ID)
	assert.Equal(t, entity.StatusConfirmed, got.Status)
	assert.Equal(t, "sig-1", got.PaymentReference)

	again, err := f.svc.VerifyAndConfirm(ctx, Request{Signature: "sig-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyConfirmed, again.Status)
	assert.Equal(t, int32(1), f.verifier.calls.Load())
}

func TestVerifyAndConfirmBatchSumsAmounts(t *testing.T) {
	f := newFixture(t, valid)
	a := f.order(t, "0.01", "batch-1", entity.RailChain)
	b := f.order(t, "0.02", "batch-1", entity.RailChain)

	out, err := f.svc.VerifyAndConfirm(context.Background(), Request{OrderID: b.ID, Signature: "sig-batch"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Len(t, out.Orders, 2)
	assert.Equal(t, "0.03", f.verifier.terms[0].Amount.String())
	assert.Equal(t, entity.StatusConfirmed, f.get(t, a.ID).Status)
	assert.Equal(t, entity.StatusConfirmed, f.get(t, b.ID).Status)
}

func TestVerifyAndConfirmRejectsMismatch(t *testing.T) {
	f := newFixture(t, func(sig string, terms chain.Terms) (chain.Result, error) {
		if sig == "sig-2" {
			return rejectWith(chain.ReasonAmountMismatch)(sig, terms)
		}
		return valid(sig, terms)
	})
	o := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()

	out, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: o.ID, Signature: "sig-2"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, chain.ReasonAmountMismatch, out.Reason)

	got := f.get(t, o.ID)
	assert.Equal(t, entity.StatusDraft, got.Status)
	assert.Empty(t, got.PaymentReference, "a refused signature is not attached")
	assert.Contains(t, got.PaymentError, "amount_mismatch")
	assert.Empty(t, f.bus.requests)

	out, err = f.svc.VerifyAndConfirm(ctx, Request{OrderID: o.ID, Signature: "sig-2b"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	got = f.get(t, o.ID)
	assert.Equal(t, entity.StatusConfirmed, got.Status)
	assert.Equal(t, "sig-2b", got.PaymentReference)
}

func TestVerifyAndConfirmRefusesSignatureOfAnotherCheckout(t *testing.T) {
	f := newFixture(t, valid)
	a := f.order(t, "0.03", "", entity.RailChain)
	b := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()

	_, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: a.ID, Signature: "sig-a"})
	require.NoError(t, err)
	require.Equal(t, entity.StatusConfirmed, f.get(t, a.ID).Status)
	calls := f.verifier.calls.Load()

	_, err = f.svc.VerifyAndConfirm(ctx, Request{OrderID: b.ID, Signature: "sig-a"})
	assert.ErrorIs(t, err, confirmation.ErrReferenceInUse)
	assert.Equal(t, calls, f.verifier.calls.Load())
	got := f.get(t, b.ID)
	assert.Empty(t, got.PaymentReference)
	assert.Equal(t, entity.StatusDraft, got.Status)

	out, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: b.ID, Signature: "sig-b"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	require.Len(t, out.Orders, 1)
	assert.Equal(t, b.ID, out.Orders[0].ID)
	assert.Equal(t, "0.03", f.verifier.terms[len(f.verifier.terms)-1].Amount.String())
}

func TestVerifyAndConfirmNeedsPayer(t *testing.T) {
	f := newFixture(t, valid)
	walletless := &entity.Order{
		ID:                uuid.NewString(),
		Number:            "ORD-LEGACY",
		Status:            entity.StatusDraft,
		Rail:              entity.RailChain,
		ExpectedAmount:    decimal.RequireFromString("0.03"),
		ExpectedRecipient: "Merchant1111",
		TokenDecimals:     entity.NativeDecimals,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, f.store.Create(context.Background(), walletless))
	ctx := context.Background()

	_, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: walletless.ID, Signature: "sig-w1"})
	assert.ErrorIs(t, err, chain.ErrPayerRequired)
	assert.Zero(t, f.verifier.calls.Load())

	out, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: walletless.ID, Signature: "sig-w2", Payer: "Buyer2222"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Equal(t, "Buyer2222", f.verifier.terms[0].Payer)
}

func TestVerifyAndConfirmSchedulesRetryWhenNotFinalized(t *testing.T) {
	f := newFixture(t, rejectWith(chain.ReasonNotFinalized))
	o := f.order(t, "0.03", "", entity.RailChain)

	out, err := f.svc.VerifyAndConfirm(context.Background(), Request{OrderID: o.ID, Signature: "sig-3"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)

	require.Len(t, f.bus.requests, 1)
	assert.Equal(t, "sig-3", f.bus.requests[0].Reference)
	assert.Equal(t, 1, f.bus.requests[0].Attempt)
	assert.Empty(t, f.get(t, o.ID).PaymentError)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, rejectWith(chain.ReasonNotFinalized))
	o := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()
	_, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: o.ID, Signature: "sig-4"})
	require.NoError(t, err)

	out, err := f.svc.Retry(ctx, events.VerificationRequested{Reference: "sig-4", Attempt: 2, NotBefore: time.Now().Add(5 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
	require.Len(t, f.bus.requests, 2)
	assert.Equal(t, 3, f.bus.requests[1].Attempt)

	out, err = f.svc.Retry(ctx, events.VerificationRequested{Reference: "sig-4", Attempt: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Len(t, f.bus.requests, 2)
	assert.Contains(t, f.get(t, o.ID).PaymentError, "not_finalized")
}

func TestRetryHonoursCancellation(t *testing.T) {
	f := newFixture(t, valid)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Retry(ctx, events.VerificationRequested{Reference: "sig", Attempt: 1, NotBefore: time.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyAndConfirmTransientFailure(t *testing.T) {
	f := newFixture(t, func(string, chain.Terms) (chain.Result, error) {
		return chain.Result{}, &chain.RPCError{Method: "getSignatureStatuses", Class: chain.ClassTransient, StatusCode: 503}
	})
	o := f.order(t, "0.03", "", entity.RailChain)

	_, err := f.svc.VerifyAndConfirm(context.Background(), Request{OrderID: o.ID, Signature: "sig-5"})
	require.Error(t, err)
	assert.True(t, chain.IsTransient(err))
	got := f.get(t, o.ID)
	assert.Equal(t, entity.StatusDraft, got.Status)
	assert.Empty(t, got.PaymentReference)
}

func TestVerifyAndConfirmInputErrors(t *testing.T) {
	f := newFixture(t, valid)
	card := f.order(t, "10", "", entity.RailGateway)
	ctx := context.Background()

	_, err := f.svc.VerifyAndConfirm(ctx, Request{Signature: " "})
	assert.Error(t, err)

	_, err = f.svc.VerifyAndConfirm(ctx, Request{Signature: "sig-unknown"})
	assert.ErrorIs(t, err, confirmation.ErrOrderNotFound)

	_, err = f.svc.VerifyAndConfirm(ctx, Request{OrderID: uuid.NewString(), Signature: "sig-6"})
	assert.ErrorIs(t, err, confirmation.ErrOrderNotFound)

	_, err = f.svc.VerifyAndConfirm(ctx, Request{OrderID: card.ID, Signature: "sig-7"})
	assert.ErrorIs(t, err, ErrWrongRail)
	assert.Zero(t, f.verifier.calls.Load())
}

func TestConcurrentVerificationsShareWork(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(sig string, terms chain.Terms) (chain.Result, error) {
		<-release
		return valid(sig, terms)
	})
	o := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()
	_, err := f.svc.orchestrator.Attach(ctx, o.ID, "sig-8")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			out, err := f.svc.VerifyAndConfirm(ctx, Request{Signature: "sig-8"})
			if err != nil {
				return err
			}
			assert.Contains(t, []Status{StatusConfirmed, StatusAlreadyConfirmed}, out.Status)
			return nil
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), f.verifier.calls.Load())
	assert.Equal(t, entity.StatusConfirmed, f.get(t, o.ID).Status)
}

func TestConcurrentVerificationsForDifferentOrdersRunSeparately(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(sig string, terms chain.Terms) (chain.Result, error) {
		<-release
		return valid(sig, terms)
	})
	a := f.order(t, "0.03", "", entity.RailChain)
	b := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()

	var g errgroup.Group
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		g.Go(func() error {
			_, errs[i] = f.svc.VerifyAndConfirm(ctx, Request{OrderID: id, Signature: "sig-9"})
			return nil
		})
	}
	require.Eventually(t, func() bool { return f.verifier.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	confirmed := 0
	for _, err := range errs {
		if err == nil {
			confirmed++
			continue
		}
		assert.ErrorIs(t, err, confirmation.ErrReferenceInUse)
	}
	assert.Equal(t, 1, confirmed)
	holders, err := f.store.ListByPaymentReference(ctx, "sig-9")
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, entity.StatusConfirmed, holders[0].Status)
}

func TestAbandonRecordsChainOutage(t *testing.T) {
	f := newFixture(t, rejectWith(chain.ReasonNotFinalized))
	o := f.order(t, "0.03", "", entity.RailChain)
	ctx := context.Background()
	_, err := f.svc.VerifyAndConfirm(ctx, Request{OrderID: o.ID, Signature: "sig-10"})
	require.NoError(t, err)

	cause := &chain.RPCError{Method: "getSignatureStatuses", Class: chain.ClassTransient, StatusCode: 503}
	out, err := f.svc.Abandon(ctx, events.VerificationRequested{Reference: "sig-10", Attempt: 1, Requeues: 40}, cause)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)

	got := f.get(t, o.ID)
	assert.Equal(t, entity.StatusPendingPayment, got.Status)
	assert.Equal(t, "sig-10", got.PaymentReference)
	assert.Contains(t, got.PaymentError, "chain_unavailable")
}
