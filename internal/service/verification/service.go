// Package verification drives chain payments from a submitted signature to a ledger outcome.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/events"
	repo "github.com/Additional-Code/settle/internal/repository/order"
	"github.com/Additional-Code/settle/internal/service/confirmation"
)

var tracer = otel.Tracer("github.com/Additional-Code/settle/service/verification")

// ErrWrongRail is returned when a signature is submitted for a card-paid order.
var ErrWrongRail = errors.New("order is not paid on chain")

// Verifier is the part of chain.Verifier the service needs.
type Verifier interface {
	Verify(ctx context.Context, sig string, terms chain.Terms) (chain.Result, error)
}

// Status summarises what a verification did.
type Status string

const (
	StatusConfirmed        Status = "confirmed"
	StatusAlreadyConfirmed Status = "already_confirmed"
	StatusRejected         Status = "rejected"
	StatusPending          Status = "pending"
)

// Request identifies the payment to verify. OrderID is optional when the signature is
// already attached to an order.
type Request struct {
	OrderID   string
	Signature string
	// Payer is used when the ledger does not record the buyer's wallet.
	Payer string
}

// Outcome is the result of VerifyAndConfirm.
type Outcome struct {
	Status Status
	Reason chain.Reason
	Detail string
	Result chain.Result
	Orders []*entity.Order
}

// Service verifies chain payments and hands the evidence to the orchestrator.
type Service struct {
	store        repo.Store
	verifier     Verifier
	orchestrator *confirmation.Orchestrator
	publisher    *events.Publisher
	logger       *zap.Logger
	retryDelay   time.Duration
	maxAttempts  int
	flight       singleflight.Group
	now          func() time.Time
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Store        repo.Store
	Verifier     *chain.Verifier
	Orchestrator *confirmation.Orchestrator
	Publisher    *events.Publisher
	Config       config.Config
	Logger       *zap.Logger
}

// Module provides the verification service to Fx.
var Module = fx.Provide(NewService)

// NewService wires a Service.
func NewService(p Params) *Service {
	return New(p.Store, p.Verifier, p.Orchestrator, p.Publisher, p.Config.Confirmation, p.Logger)
}

// New builds a Service from explicit collaborators.
func New(store repo.Store, verifier Verifier, orch *confirmation.Orchestrator, publisher *events.Publisher, policy config.Confirmation, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		verifier:     verifier,
		orchestrator: orch,
		publisher:    publisher,
		logger:       logger,
		retryDelay:   policy.VerificationRetryDelay,
		maxAttempts:  policy.MaxVerificationAttempts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// VerifyAndConfirm checks the signature against the ledger's expected terms and applies the
// outcome. Concurrent calls for the same order and signature share one verification.
func (s *Service) VerifyAndConfirm(ctx context.Context, req Request) (Outcome, error) {
	req.Signature = strings.TrimSpace(req.Signature)
	if req.Signature == "" {
		return Outcome{}, errors.New("signature is required")
	}

	v, err, _ := s.flight.Do(flightKey(req.OrderID, req.Signature), func() (any, error) {
		return s.verify(ctx, req, 0)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

// Retry re-runs a verification scheduled by an earlier not-finalized result.
func (s *Service) Retry(ctx context.Context, req events.VerificationRequested) (Outcome, error) {
	if wait := req.NotBefore.Sub(s.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	v, err, _ := s.flight.Do(flightKey("", req.Reference), func() (any, error) {
		return s.verify(ctx, Request{Signature: req.Reference}, req.Attempt)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

// Abandon records that a scheduled verification never reached the chain. The orders keep
// their status and reference, so the payment can be verified again on request.
func (s *Service) Abandon(ctx context.Context, req events.VerificationRequested, cause error) (Outcome, error) {
	reason := "chain_unavailable"
	if cause != nil {
		reason += ": " + cause.Error()
	}
	applied, err := s.orchestrator.Apply(ctx, req.Reference, confirmation.Fail{Reason: reason})
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Warn("verification abandoned",
		zap.String("reference", req.Reference),
		zap.Int("attempt", req.Attempt),
		zap.Int("requeues", req.Requeues),
		zap.NamedError("cause", cause))
	return Outcome{Status: StatusRejected, Detail: reason, Orders: applied.Orders}, nil
}

func flightKey(orderID, sig string) string {
	return orderID + "|" + sig
}

func (s *Service) verify(ctx context.Context, req Request, attempt int) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "VerificationService.Verify", trace.WithAttributes(
		attribute.String("payment.reference", req.Signature),
		attribute.Int("verification.attempt", attempt),
	))
	defer span.End()

	orders, attach, err := s.ordersFor(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load orders")
		return Outcome{}, err
	}
	if allConfirmed(orders) {
		return Outcome{Status: StatusAlreadyConfirmed, Orders: orders}, nil
	}

	terms, err := termsFor(orders, req.Payer)
	if err != nil {
		return Outcome{}, err
	}

	result, err := s.verifier.Verify(ctx, req.Signature, terms)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chain rpc")
		return Outcome{}, fmt.Errorf("verify %s: %w", req.Signature, err)
	}

	if attach {
		if !result.Valid && !result.Reason.Retryable() {
			return s.refuse(ctx, req, result)
		}
		if _, err := s.orchestrator.Attach(ctx, req.OrderID, req.Signature); err != nil {
			return Outcome{}, err
		}
	}

	if !result.Valid {
		return s.reject(ctx, req.Signature, result, attempt)
	}

	applied, err := s.orchestrator.Apply(ctx, req.Signature, confirmation.Confirm{
		Evidence: confirmation.Evidence{Chain: &result},
	})
	if err != nil {
		return Outcome{}, err
	}
	status := StatusConfirmed
	if applied.AlreadyConfirmed {
		status = StatusAlreadyConfirmed
	}
	return Outcome{Status: status, Result: result, Orders: applied.Orders}, nil
}

// refuse reports a signature that does not pay for the order it was submitted with. It is
// never attached, so the buyer can still submit the right one.
func (s *Service) refuse(ctx context.Context, req Request, result chain.Result) (Outcome, error) {
	applied, err := s.orchestrator.Reject(ctx, req.OrderID, failureReason(result))
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("chain payment refused",
		zap.String("order.id", req.OrderID),
		zap.String("reference", req.Signature),
		zap.String("reason", string(result.Reason)))
	return Outcome{
		Status: StatusRejected,
		Reason: result.Reason,
		Detail: result.Detail,
		Result: result,
		Orders: applied.Orders,
	}, nil
}

func (s *Service) reject(ctx context.Context, sig string, result chain.Result, attempt int) (Outcome, error) {
	out := Outcome{Reason: result.Reason, Detail: result.Detail, Result: result}

	if result.Reason.Retryable() && attempt < s.maxAttempts {
		next := events.VerificationRequested{
			Reference: sig,
			Attempt:   attempt + 1,
			NotBefore: s.now().Add(s.retryDelay),
		}
		if err := s.publisher.VerificationRequested(ctx, next); err != nil {
			s.logger.Warn("schedule verification retry", zap.String("reference", sig), zap.Error(err))
		}
		out.Status = StatusPending
		orders, err := s.store.ListByPaymentReference(ctx, sig)
		if err != nil {
			return Outcome{}, fmt.Errorf("list orders for reference: %w", err)
		}
		out.Orders = orders
		return out, nil
	}

	applied, err := s.orchestrator.Apply(ctx, sig, confirmation.Fail{Reason: failureReason(result)})
	if err != nil {
		return Outcome{}, err
	}
	s.logger.Info("chain payment rejected",
		zap.String("reference", sig),
		zap.String("reason", string(result.Reason)),
		zap.Int("attempt", attempt))
	out.Status = StatusRejected
	out.Orders = applied.Orders
	return out, nil
}

func failureReason(result chain.Result) string {
	reason := string(result.Reason)
	if result.Detail != "" {
		reason += ": " + result.Detail
	}
	return reason
}

// ordersFor returns the orders the signature pays for. attach is set when the signature is
// new to the order named in the request; it is attached only once the chain backs it.
func (s *Service) ordersFor(ctx context.Context, req Request) (orders []*entity.Order, attach bool, err error) {
	if req.OrderID != "" {
		order, err := s.store.GetByID(ctx, req.OrderID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, confirmation.ErrOrderNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("load order: %w", err)
		}
		if order.Rail != entity.RailChain {
			return nil, false, ErrWrongRail
		}
		if order.PaymentReference != req.Signature {
			orders, err := s.checkout(ctx, order, req.Signature)
			return orders, err == nil, err
		}
	}

	orders, err = s.store.ListByPaymentReference(ctx, req.Signature)
	if err != nil {
		return nil, false, fmt.Errorf("list orders for reference: %w", err)
	}
	if len(orders) == 0 {
		return nil, false, confirmation.ErrOrderNotFound
	}
	for _, o := range orders {
		if o.Rail != entity.RailChain {
			return nil, false, ErrWrongRail
		}
	}
	return orders, false, nil
}

// checkout loads the group of order for a signature not attached to it yet, refusing up
// front what Attach would refuse after the chain had been asked.
func (s *Service) checkout(ctx context.Context, order *entity.Order, sig string) ([]*entity.Order, error) {
	if order.Status == entity.StatusCancelled {
		return nil, confirmation.ErrOrderCancelled
	}
	group := []*entity.Order{order}
	if order.BatchOrderID != "" {
		var err error
		if group, err = s.store.ListByBatch(ctx, order.BatchOrderID); err != nil {
			return nil, fmt.Errorf("load batch: %w", err)
		}
	}
	for _, o := range group {
		if o.PaymentReference != "" && o.PaymentReference != sig {
			return nil, fmt.Errorf("%w: order %s", confirmation.ErrReferenceMismatch, o.ID)
		}
		if o.Rail != entity.RailChain {
			return nil, ErrWrongRail
		}
	}

	holders, err := s.store.ListByPaymentReference(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("list orders for reference: %w", err)
	}
	for _, h := range holders {
		if h.GroupKey() != order.GroupKey() {
			return nil, fmt.Errorf("%w: order %s", confirmation.ErrReferenceInUse, h.ID)
		}
	}
	return group, nil
}

func allConfirmed(orders []*entity.Order) bool {
	confirmed := 0
	for _, o := range orders {
		switch {
		case o.Status.Reached(entity.StatusConfirmed):
			confirmed++
		case o.Status != entity.StatusCancelled:
			return false
		}
	}
	return confirmed > 0
}

// termsFor sums a batch into the single transfer the buyer was asked to make. The ledger's
// payer wins over the one in the request; with neither, there is nothing to verify against.
func termsFor(orders []*entity.Order, payer string) (chain.Terms, error) {
	var terms chain.Terms
	first := true
	for _, o := range orders {
		if o.Status == entity.StatusCancelled {
			continue
		}
		if first {
			terms.Recipient = o.ExpectedRecipient
			terms.Token = o.Token()
			terms.Payer = o.PayerWallet
			terms.Amount = o.ExpectedAmount
			first = false
			continue
		}
		if o.Token() != terms.Token || !strings.EqualFold(o.ExpectedRecipient, terms.Recipient) {
			return chain.Terms{}, fmt.Errorf("orders for one payment disagree on token or recipient (order %s)", o.ID)
		}
		terms.Amount = terms.Amount.Add(o.ExpectedAmount)
	}
	if first {
		return chain.Terms{}, confirmation.ErrOrderCancelled
	}
	if terms.Payer == "" {
		terms.Payer = strings.TrimSpace(payer)
	}
	if terms.Payer == "" {
		return chain.Terms{}, chain.ErrPayerRequired
	}
	return terms, nil
}
