// Package reconcile maps authenticated gateway events onto ledger outcomes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/gateway"
	repo "github.com/Additional-Code/settle/internal/repository/order"
	"github.com/Additional-Code/settle/internal/service/confirmation"
)

var tracer = otel.Tracer("github.com/Additional-Code/settle/service/reconcile")

// ErrOrderNotFound means the gateway captured money for a payment no order knows about.
var ErrOrderNotFound = errors.New("payment succeeded with no matching order")

// Action names what handling an event did.
type Action string

const (
	ActionPending   Action = "pending"
	ActionConfirmed Action = "confirmed"
	ActionDuplicate Action = "duplicate"
	ActionFailed    Action = "failed"
	// ActionRejected means funds were captured but did not match the orders; the mismatch
	// is recorded and the orders keep their status.
	ActionRejected  Action = "rejected"
	ActionUnchanged Action = "unchanged"
	ActionIgnored   Action = "ignored"
)

// Outcome describes the effect of one event.
type Outcome struct {
	Action    Action
	EventID   string
	Reference string
	Orders    []*entity.Order
}

// Reconciler consumes gateway events. It never writes the ledger itself; every change goes
// through the orchestrator.
type Reconciler struct {
	store        repo.Store
	orchestrator *confirmation.Orchestrator
	receipts     gateway.ReceiptLocator
	currency     string
	logger       *zap.Logger
}

// Params defines dependencies for constructing the Reconciler.
type Params struct {
	fx.In

	Store        repo.Store
	Orchestrator *confirmation.Orchestrator
	Receipts     gateway.ReceiptLocator
	Config       config.Config
	Logger       *zap.Logger
}

// Module provides the reconciler to Fx.
var Module = fx.Provide(New)

// New builds a Reconciler.
func New(p Params) *Reconciler {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	currency := strings.ToLower(p.Config.Gateway.Currency)
	if currency == "" {
		currency = "usd"
	}
	return &Reconciler{store: p.Store, orchestrator: p.Orchestrator, receipts: p.Receipts, currency: currency, logger: logger}
}

// Handle applies ev. Duplicate and out-of-order deliveries are safe.
func (r *Reconciler) Handle(ctx context.Context, ev gateway.Event) (Outcome, error) {
	meta := ev.Header()
	ctx, span := tracer.Start(ctx, "Reconciler.Handle", trace.WithAttributes(
		attribute.String("gateway.event_id", meta.EventID),
		attribute.String("payment.reference", meta.IntentID),
		attribute.String("gateway.event_kind", fmt.Sprintf("%T", ev)),
	))
	defer span.End()

	var (
		out Outcome
		err error
	)
	switch e := ev.(type) {
	case gateway.IntentCreated:
		out, err = r.pending(ctx, e.Meta)
	case gateway.IntentProcessing:
		out, err = r.pending(ctx, e.Meta)
	case gateway.IntentSucceeded:
		out, err = r.succeeded(ctx, e)
	case gateway.IntentFailed:
		out, err = r.failed(ctx, e)
	case gateway.Unknown:
		r.logger.Info("ignoring gateway event", zap.String("event.id", e.EventID), zap.String("event.type", e.Type))
		out = Outcome{Action: ActionIgnored}
	}
	out.EventID = meta.EventID
	if out.Reference == "" {
		out.Reference = meta.IntentID
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
	}
	return out, err
}

// pending attaches the intent to the order named in its metadata.
func (r *Reconciler) pending(ctx context.Context, meta gateway.Meta) (Outcome, error) {
	orders, err := r.resolve(ctx, meta)
	if err != nil {
		return Outcome{}, err
	}
	if orders == nil {
		r.logger.Warn("gateway intent has no resolvable order",
			zap.String("event.id", meta.EventID),
			zap.String("reference", meta.IntentID),
			zap.String("order.id", meta.OrderID))
		return Outcome{Action: ActionIgnored}, nil
	}
	return Outcome{Action: ActionPending, Orders: orders}, nil
}

func (r *Reconciler) succeeded(ctx context.Context, e gateway.IntentSucceeded) (Outcome, error) {
	orders, err := r.resolve(ctx, e.Meta)
	if err != nil {
		return Outcome{}, err
	}
	if orders == nil {
		r.logger.Error("gateway captured payment with no matching order",
			zap.Bool("critical", true),
			zap.String("event.id", e.EventID),
			zap.String("reference", e.IntentID),
			zap.String("order.id", e.OrderID),
			zap.String("amount", e.Amount.String()),
			zap.String("currency", e.Currency))
		return Outcome{}, ErrOrderNotFound
	}

	if mismatch := r.mismatch(e, orders); mismatch != "" {
		return r.reject(ctx, e, orders, mismatch)
	}

	res, err := r.orchestrator.Apply(ctx, e.IntentID, confirmation.Confirm{
		Evidence: confirmation.Evidence{GatewayEventID: e.EventID},
	})
	switch {
	case errors.Is(err, confirmation.ErrOrderNotFound):
		r.logger.Error("gateway captured payment with no matching order",
			zap.Bool("critical", true),
			zap.String("event.id", e.EventID),
			zap.String("reference", e.IntentID))
		return Outcome{}, ErrOrderNotFound
	case errors.Is(err, confirmation.ErrOrderCancelled):
		r.logger.Error("gateway captured payment for a cancelled order",
			zap.Bool("critical", true),
			zap.String("event.id", e.EventID),
			zap.String("reference", e.IntentID))
		return Outcome{}, err
	case err != nil:
		return Outcome{}, err
	}

	if res.AlreadyConfirmed {
		return Outcome{Action: ActionDuplicate, Orders: res.Orders}, nil
	}

	r.enrich(ctx, e)
	return Outcome{Action: ActionConfirmed, Orders: res.Orders}, nil
}

// mismatch compares the captured funds with what the live orders expect. An empty string
// means they agree.
func (r *Reconciler) mismatch(e gateway.IntentSucceeded, orders []*entity.Order) string {
	expected := decimal.Zero
	live := 0
	for _, o := range orders {
		if o.Status == entity.StatusCancelled {
			continue
		}
		expected = expected.Add(o.ExpectedAmount)
		live++
	}
	if live == 0 {
		return ""
	}

	currency := strings.ToLower(e.Currency)
	if currency != r.currency {
		return fmt.Sprintf("currency_mismatch: paid in %q, orders priced in %q", currency, r.currency)
	}
	places := gateway.MinorUnitPlaces(currency)
	if !e.Amount.Round(places).Equal(expected.Round(places)) {
		return fmt.Sprintf("amount_mismatch: paid %s, expected %s", e.Amount.StringFixed(places), expected.StringFixed(places))
	}
	return ""
}

// reject records a capture that does not pay for its orders. The event is acknowledged so
// the gateway stops redelivering it; settling the difference is left to an operator.
func (r *Reconciler) reject(ctx context.Context, e gateway.IntentSucceeded, orders []*entity.Order, reason string) (Outcome, error) {
	r.logger.Error("gateway captured an amount that does not match the orders",
		zap.Bool("critical", true),
		zap.String("event.id", e.EventID),
		zap.String("reference", e.IntentID),
		zap.String("amount", e.Amount.String()),
		zap.String("currency", e.Currency),
		zap.String("reason", reason))

	res, err := r.orchestrator.Apply(ctx, e.IntentID, confirmation.Fail{Reason: reason})
	if errors.Is(err, confirmation.ErrOrderCancelled) {
		return Outcome{Action: ActionRejected, Orders: orders}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionRejected, Orders: res.Orders}, nil
}

// enrich records the receipt. Confirmation has already happened; failures are only logged.
func (r *Reconciler) enrich(ctx context.Context, e gateway.IntentSucceeded) {
	if r.receipts == nil || e.ChargeID == "" {
		return
	}
	url, err := r.receipts.ReceiptURL(ctx, e.ChargeID)
	if err != nil {
		if !errors.Is(err, gateway.ErrNoReceipt) {
			r.logger.Warn("receipt lookup failed", zap.String("reference", e.IntentID), zap.String("charge.id", e.ChargeID), zap.Error(err))
		}
		return
	}
	if err := r.orchestrator.Annotate(ctx, e.IntentID, url); err != nil {
		r.logger.Warn("recording receipt failed", zap.String("reference", e.IntentID), zap.Error(err))
	}
}

func (r *Reconciler) failed(ctx context.Context, e gateway.IntentFailed) (Outcome, error) {
	orders, err := r.resolve(ctx, e.Meta)
	if err != nil {
		return Outcome{}, err
	}
	if orders == nil {
		r.logger.Warn("gateway payment failure has no resolvable order",
			zap.String("event.id", e.EventID),
			zap.String("reference", e.IntentID))
		return Outcome{Action: ActionIgnored}, nil
	}

	res, err := r.orchestrator.Apply(ctx, e.IntentID, confirmation.Fail{Reason: e.Message})
	if errors.Is(err, confirmation.ErrOrderCancelled) {
		return Outcome{Action: ActionUnchanged, Orders: orders}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionFailed, Orders: res.Orders}, nil
}

// resolve finds the orders paid by the intent. When none carry it yet, the order id from the
// intent metadata is used, provided that order has no payment reference of its own. A nil
// slice means the event cannot be tied to any order.
func (r *Reconciler) resolve(ctx context.Context, meta gateway.Meta) ([]*entity.Order, error) {
	orders, err := r.store.ListByPaymentReference(ctx, meta.IntentID)
	if err != nil {
		return nil, fmt.Errorf("list orders for reference: %w", err)
	}
	if len(orders) > 0 {
		return orders, nil
	}
	if meta.OrderID == "" {
		return nil, nil
	}

	attached, err := r.orchestrator.Attach(ctx, meta.OrderID, meta.IntentID)
	switch {
	case err == nil:
		return attached, nil
	case errors.Is(err, confirmation.ErrOrderNotFound),
		errors.Is(err, confirmation.ErrReferenceMismatch),
		errors.Is(err, confirmation.ErrReferenceInUse),
		errors.Is(err, confirmation.ErrOrderCancelled):
		r.logger.Warn("cannot attach gateway intent to order",
			zap.String("reference", meta.IntentID),
			zap.String("order.id", meta.OrderID),
			zap.Error(err))
		return nil, nil
	default:
		return nil, err
	}
}
