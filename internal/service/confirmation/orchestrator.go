// Package confirmation is the only writer of confirming and failing ledger transitions.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/cache"
	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/events"
	repo "github.com/Additional-Code/settle/internal/repository/order"
)

var (
	tracer = otel.Tracer("github.com/Additional-Code/settle/service/confirmation")
	meter  = otel.Meter("github.com/Additional-Code/settle/service/confirmation")
)

var (
	// ErrOrderNotFound means no order carries the payment reference.
	ErrOrderNotFound = errors.New("no order for payment reference")
	// ErrOrderCancelled means every order for the reference was cancelled.
	ErrOrderCancelled = errors.New("order cancelled")
	// ErrMissingEvidence means a confirmation was requested without verified proof of payment.
	ErrMissingEvidence = errors.New("confirmation requires verified evidence")
	// ErrConflict means concurrent writers kept winning until retries ran out.
	ErrConflict = errors.New("order changed concurrently; retries exhausted")
	// ErrReferenceMismatch means the order already carries a different payment reference.
	ErrReferenceMismatch = errors.New("order already has a different payment reference")
	// ErrReferenceInUse means the payment reference already pays for another checkout.
	ErrReferenceInUse = errors.New("payment reference already used by another checkout")
)

// Evidence proves a payment. Exactly one of the fields is expected to be set.
type Evidence struct {
	Chain          *chain.Result
	GatewayEventID string
}

func (e Evidence) verified() bool {
	if e.Chain != nil {
		return e.Chain.Valid
	}
	return e.GatewayEventID != ""
}

func (e Evidence) source() string {
	if e.Chain != nil {
		return "chain"
	}
	return "gateway"
}

// Outcome is either Confirm or Fail.
type Outcome interface {
	outcome()
}

// Confirm moves every order carrying the reference to confirmed.
type Confirm struct {
	Evidence Evidence
}

// Fail records why the payment attempt was rejected. Status is left as it is.
type Fail struct {
	Reason string
}

func (Confirm) outcome() {}
func (Fail) outcome()    {}

// Result is what Apply did.
type Result struct {
	Orders []*entity.Order
	// AlreadyConfirmed is set when the call found nothing left to confirm.
	AlreadyConfirmed bool
	// Transitions counts the effective ledger writes made by the call.
	Transitions int
}

// Orchestrator applies payment outcomes to the ledger.
type Orchestrator struct {
	store     repo.Store
	cache     cache.Store
	publisher *events.Publisher
	logger    *zap.Logger
	policy    config.Confirmation
	now       func() time.Time

	confirmations metric.Int64Counter
	rejections    metric.Int64Counter
}

// Params defines dependencies for constructing the Orchestrator.
type Params struct {
	fx.In

	Store     repo.Store
	Cache     cache.Store
	Publisher *events.Publisher
	Config    config.Config
	Logger    *zap.Logger
}

// Module provides the orchestrator to Fx.
var Module = fx.Provide(New)

// New builds an Orchestrator.
func New(p Params) *Orchestrator {
	o := &Orchestrator{
		store:     p.Store,
		cache:     p.Cache,
		publisher: p.Publisher,
		logger:    p.Logger,
		policy:    p.Config.Confirmation,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.cache == nil {
		o.cache = cache.Noop()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.policy.MaxAttempts <= 0 {
		o.policy.MaxAttempts = 1
	}

	var err error
	if o.confirmations, err = meter.Int64Counter("settle.orders.confirmed",
		metric.WithDescription("Orders moved to confirmed")); err != nil {
		o.logger.Warn("create confirmation counter", zap.Error(err))
	}
	if o.rejections, err = meter.Int64Counter("settle.payments.rejected",
		metric.WithDescription("Payment outcomes recorded as failures")); err != nil {
		o.logger.Warn("create rejection counter", zap.Error(err))
	}
	return o
}

// errRace marks a lost compare-and-set; the whole pass is retried from a fresh read.
var errRace = errors.New("lost conditional write")

// Apply applies outcome to every order carrying reference.
func (o *Orchestrator) Apply(ctx context.Context, reference string, outcome Outcome) (Result, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Apply", trace.WithAttributes(attribute.String("payment.reference", reference)))
	defer span.End()

	if reference == "" {
		return Result{}, fmt.Errorf("%w: empty reference", ErrOrderNotFound)
	}

	var pass func(context.Context, *Result) error
	switch oc := outcome.(type) {
	case Confirm:
		if !oc.Evidence.verified() {
			return Result{}, ErrMissingEvidence
		}
		span.SetAttributes(attribute.String("evidence.source", oc.Evidence.source()))
		pass = func(ctx context.Context, res *Result) error { return o.confirmPass(ctx, reference, res) }
	case Fail:
		pass = func(ctx context.Context, res *Result) error { return o.failPass(ctx, reference, oc.Reason, res) }
	default:
		return Result{}, fmt.Errorf("unsupported outcome %T", outcome)
	}

	res, err := o.retry(ctx, func(ctx context.Context, res *Result) error {
		orders, err := o.store.ListByPaymentReference(ctx, reference)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("list orders for reference: %w", err))
		}
		if len(orders) == 0 {
			return backoff.Permanent(ErrOrderNotFound)
		}
		res.Orders = orders
		return pass(ctx, res)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return res, err
	}

	switch outcome.(type) {
	case Confirm:
		res.AlreadyConfirmed = res.Transitions == 0
	case Fail:
		o.add(ctx, o.rejections, 1)
	}
	return res, nil
}

// confirmPass walks the reference's orders once. Drafts are promoted to pending_payment in
// their own write before being confirmed.
func (o *Orchestrator) confirmPass(ctx context.Context, reference string, res *Result) error {
	cancelled, settled := 0, 0
	for i, order := range res.Orders {
		switch {
		case order.Status.Reached(entity.StatusConfirmed):
			settled++
			continue
		case order.Status == entity.StatusCancelled:
			cancelled++
			continue
		}

		if order.Status == entity.StatusDraft {
			promoted, err := o.transition(ctx, res, repo.Transition{
				OrderID: order.ID,
				From:    entity.StatusDraft,
				To:      entity.StatusPendingPayment,
			})
			if err != nil {
				return err
			}
			order = promoted
		}

		confirmed, err := o.transition(ctx, res, repo.Transition{
			OrderID:     order.ID,
			From:        entity.StatusPendingPayment,
			To:          entity.StatusConfirmed,
			ConfirmedAt: o.now(),
		})
		if err != nil {
			return err
		}
		res.Orders[i] = confirmed
		o.add(ctx, o.confirmations, 1)
		o.logger.Info("order confirmed",
			zap.String("order.id", confirmed.ID),
			zap.String("reference", reference))
	}
	if cancelled > 0 && settled == 0 && cancelled == len(res.Orders) {
		return backoff.Permanent(ErrOrderCancelled)
	}
	return nil
}

func (o *Orchestrator) failPass(ctx context.Context, reference, reason string, res *Result) error {
	cancelled := 0
	for i, order := range res.Orders {
		switch {
		case order.Status.Reached(entity.StatusConfirmed):
			continue
		case order.Status == entity.StatusCancelled:
			cancelled++
			continue
		}

		if order.Status == entity.StatusDraft {
			promoted, err := o.transition(ctx, res, repo.Transition{
				OrderID: order.ID,
				From:    entity.StatusDraft,
				To:      entity.StatusPendingPayment,
			})
			if err != nil {
				return err
			}
			order = promoted
		}
		if order.PaymentError == reason {
			res.Orders[i] = order
			continue
		}

		annotated, err := o.annotate(ctx, repo.Transition{
			OrderID:      order.ID,
			From:         order.Status,
			To:           order.Status,
			PaymentError: &reason,
		})
		if err != nil {
			return err
		}
		res.Orders[i] = annotated
		o.logger.Warn("payment rejected",
			zap.String("order.id", order.ID),
			zap.String("reference", reference),
			zap.String("reason", reason))
	}
	if cancelled == len(res.Orders) {
		return backoff.Permanent(ErrOrderCancelled)
	}
	return nil
}

// Attach sets reference on the order and its batch siblings and moves drafts to
// pending_payment. Re-attaching the same reference is a no-op. A reference already held by
// another checkout group is refused with ErrReferenceInUse.
func (o *Orchestrator) Attach(ctx context.Context, orderID, reference string) ([]*entity.Order, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Attach", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	if reference == "" {
		return nil, errors.New("payment reference is required")
	}

	res, err := o.retry(ctx, func(ctx context.Context, res *Result) error {
		target, siblings, err := o.group(ctx, orderID)
		if err != nil {
			return err
		}
		if target.Status == entity.StatusCancelled {
			return backoff.Permanent(ErrOrderCancelled)
		}
		res.Orders = siblings

		for _, s := range siblings {
			if s.PaymentReference != "" && s.PaymentReference != reference {
				return backoff.Permanent(fmt.Errorf("%w: order %s", ErrReferenceMismatch, s.ID))
			}
		}
		if err := o.claim(ctx, reference, target.GroupKey()); err != nil {
			return backoff.Permanent(err)
		}
		for i, s := range siblings {
			if s.PaymentReference == reference || s.Status == entity.StatusCancelled {
				continue
			}
			to := s.Status
			if s.Status == entity.StatusDraft {
				to = entity.StatusPendingPayment
			}
			if to.IsTerminal() {
				continue
			}
			updated, err := o.transition(ctx, res, repo.Transition{
				OrderID:          s.ID,
				From:             s.Status,
				To:               to,
				PaymentReference: reference,
			})
			if err != nil {
				return err
			}
			siblings[i] = updated
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attach failed")
		return nil, err
	}
	return res.Orders, nil
}

// Reject records reason on the checkout of orderID without attaching the payment that was
// refused. Status and payment reference are left as they are, so a corrected payment can
// still be attached.
func (o *Orchestrator) Reject(ctx context.Context, orderID, reason string) (Result, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Reject", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	res, err := o.retry(ctx, func(ctx context.Context, res *Result) error {
		_, siblings, err := o.group(ctx, orderID)
		if err != nil {
			return err
		}
		res.Orders = siblings
		for i, s := range siblings {
			if !s.Status.AwaitingPayment() || s.PaymentError == reason {
				continue
			}
			annotated, err := o.annotate(ctx, repo.Transition{
				OrderID:      s.ID,
				From:         s.Status,
				To:           s.Status,
				PaymentError: &reason,
			})
			if err != nil {
				return err
			}
			siblings[i] = annotated
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reject failed")
		return res, err
	}
	o.add(ctx, o.rejections, 1)
	o.logger.Warn("payment refused before attaching",
		zap.String("order.id", orderID),
		zap.String("reason", reason))
	return res, nil
}

// group loads orderID and every order of its checkout, itself included.
func (o *Orchestrator) group(ctx context.Context, orderID string) (*entity.Order, []*entity.Order, error) {
	target, err := o.store.GetByID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, backoff.Permanent(ErrOrderNotFound)
	}
	if err != nil {
		return nil, nil, backoff.Permanent(fmt.Errorf("load order: %w", err))
	}
	siblings := []*entity.Order{target}
	if target.BatchOrderID != "" {
		if siblings, err = o.store.ListByBatch(ctx, target.BatchOrderID); err != nil {
			return nil, nil, backoff.Permanent(fmt.Errorf("load batch: %w", err))
		}
	}
	return target, siblings, nil
}

// claim reserves reference for group, refusing references other groups already carry.
func (o *Orchestrator) claim(ctx context.Context, reference, group string) error {
	holders, err := o.store.ListByPaymentReference(ctx, reference)
	if err != nil {
		return fmt.Errorf("list orders for reference: %w", err)
	}
	for _, h := range holders {
		if h.GroupKey() != group {
			return fmt.Errorf("%w: order %s", ErrReferenceInUse, h.ID)
		}
	}
	err = o.store.ClaimReference(ctx, reference, group)
	if errors.Is(err, repo.ErrReferenceClaimed) {
		return ErrReferenceInUse
	}
	if err != nil {
		return fmt.Errorf("claim reference: %w", err)
	}
	return nil
}

// Annotate records settlement metadata on confirmed orders carrying reference.
func (o *Orchestrator) Annotate(ctx context.Context, reference, receiptURL string) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.Annotate", trace.WithAttributes(attribute.String("payment.reference", reference)))
	defer span.End()

	if receiptURL == "" {
		return nil
	}
	_, err := o.retry(ctx, func(ctx context.Context, res *Result) error {
		orders, err := o.store.ListByPaymentReference(ctx, reference)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("list orders for reference: %w", err))
		}
		for _, order := range orders {
			if !order.Status.Reached(entity.StatusConfirmed) || order.Status.IsTerminal() || order.ReceiptURL == receiptURL {
				continue
			}
			if _, err := o.annotate(ctx, repo.Transition{
				OrderID:    order.ID,
				From:       order.Status,
				To:         order.Status,
				ReceiptURL: receiptURL,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "annotate failed")
	}
	return err
}

// retry runs pass until it stops losing conditional writes or attempts run out.
func (o *Orchestrator) retry(ctx context.Context, pass func(context.Context, *Result) error) (Result, error) {
	policy := backoff.NewExponentialBackOff()
	if o.policy.InitialBackoff > 0 {
		policy.InitialInterval = o.policy.InitialBackoff
	}
	if o.policy.MaxBackoff > 0 {
		policy.MaxInterval = o.policy.MaxBackoff
	}

	var res Result
	transitions := 0
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		res = Result{}
		err := pass(ctx, &res)
		transitions += res.Transitions
		if errors.Is(err, errRace) {
			o.logger.Debug("conditional write lost; re-reading", zap.Int("attempt", attempt))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(o.policy.MaxAttempts)))
	res.Transitions = transitions

	if errors.Is(err, errRace) {
		return res, ErrConflict
	}
	return res, err
}

// transition performs a status-changing write and its side effects.
func (o *Orchestrator) transition(ctx context.Context, res *Result, t repo.Transition) (*entity.Order, error) {
	updated, err := o.write(ctx, t)
	if err != nil {
		return nil, err
	}
	res.Transitions++
	o.invalidate(ctx, updated.ID)
	if t.From != t.To {
		o.publisher.StatusChanged(ctx, updated, t.From)
	}
	return updated, nil
}

// annotate performs a same-status write, which invalidates the cache but emits no event.
func (o *Orchestrator) annotate(ctx context.Context, t repo.Transition) (*entity.Order, error) {
	updated, err := o.write(ctx, t)
	if err != nil {
		return nil, err
	}
	o.invalidate(ctx, updated.ID)
	return updated, nil
}

func (o *Orchestrator) write(ctx context.Context, t repo.Transition) (*entity.Order, error) {
	updated, err := o.store.Transition(ctx, t)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, repo.ErrPreconditionFailed):
		return nil, errRace
	case errors.Is(err, repo.ErrNotFound):
		return nil, backoff.Permanent(ErrOrderNotFound)
	default:
		return nil, backoff.Permanent(fmt.Errorf("write order %s: %w", t.OrderID, err))
	}
}

func (o *Orchestrator) invalidate(ctx context.Context, orderID string) {
	if err := o.cache.Delete(ctx, cache.OrderKey(orderID)); err != nil {
		o.logger.Warn("orders cache invalidation failed", zap.String("order.id", orderID), zap.Error(err))
	}
}

func (o *Orchestrator) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}
