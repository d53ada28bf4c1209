package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/batch"
	"github.com/Additional-Code/settle/internal/cache"
	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/events"
	repo "github.com/Additional-Code/settle/internal/repository/order"
	"github.com/Additional-Code/settle/internal/service/confirmation"
	"github.com/Additional-Code/settle/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/settle/service/order")

// Module provides the order service to Fx.
var Module = fx.Module("order_service", fx.Provide(NewService))

// Service encapsulates business logic around orders.
type Service struct {
	repo         repo.Store
	cache        cache.Store
	cacheTTL     time.Duration
	logger       *zap.Logger
	publisher    *events.Publisher
	orchestrator *confirmation.Orchestrator
	now          func() time.Time
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository   repo.Store
	Cache        cache.Store
	Config       config.Config
	Logger       *zap.Logger
	Publisher    *events.Publisher
	Orchestrator *confirmation.Orchestrator
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	s := &Service{
		repo:         p.Repository,
		cache:        p.Cache,
		cacheTTL:     p.Config.Cache.DefaultTTL,
		logger:       p.Logger,
		publisher:    p.Publisher,
		orchestrator: p.Orchestrator,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if s.cache == nil {
		s.cache = cache.Noop()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// DraftInput is what the checkout hands over when the buyer submits a cart.
type DraftInput struct {
	Items             []entity.LineItem
	ShippingAddress   entity.ShippingAddress
	ContactInfo       entity.ContactInfo
	ExpectedAmount    decimal.Decimal
	ExpectedRecipient string
	Token             entity.TokenKind
	Rail              entity.Rail
	PayerWallet       string
}

// CreateDraft stores one draft order per line item. Carts with several items become a batch
// sharing one batch id; their subtotals must add up to the expected amount.
func (s *Service) CreateDraft(ctx context.Context, in DraftInput) ([]*entity.Order, error) {
	if err := validateDraft(&in); err != nil {
		return nil, err
	}
	ctx, span := serviceTracer.Start(ctx, "OrderService.CreateDraft", trace.WithAttributes(
		attribute.Int("order.items", len(in.Items)),
		attribute.String("order.rail", string(in.Rail)),
	))
	defer span.End()

	now := s.now()
	batchID := ""
	if len(in.Items) > 1 {
		batchID = uuid.NewString()
	}

	orders := make([]*entity.Order, 0, len(in.Items))
	for _, item := range in.Items {
		amount := in.ExpectedAmount
		if batchID != "" {
			amount = item.Subtotal()
		}
		orders = append(orders, &entity.Order{
			ID:                uuid.NewString(),
			Number:            orderNumber(now),
			BatchOrderID:      batchID,
			Status:            entity.StatusDraft,
			Rail:              in.Rail,
			ExpectedAmount:    amount,
			ExpectedRecipient: in.ExpectedRecipient,
			PayerWallet:       in.PayerWallet,
			TokenMint:         in.Token.Mint,
			TokenDecimals:     in.Token.Decimals,
			Items:             []entity.LineItem{item},
			ShippingAddress:   in.ShippingAddress,
			ContactInfo:       in.ContactInfo,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	if err := s.repo.Create(ctx, orders...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create order", errorbank.WithCause(err))
	}

	for _, o := range orders {
		s.publisher.StatusChanged(ctx, o, "")
	}
	return orders, nil
}

func validateDraft(in *DraftInput) error {
	if len(in.Items) == 0 {
		return errorbank.BadRequest("at least one item is required")
	}
	if in.Rail == "" {
		in.Rail = entity.RailChain
	}
	switch in.Rail {
	case entity.RailChain:
		if strings.TrimSpace(in.ExpectedRecipient) == "" {
			return errorbank.BadRequest("expected_recipient is required for chain payments")
		}
		if strings.TrimSpace(in.PayerWallet) == "" {
			return errorbank.BadRequest("payer_wallet is required for chain payments")
		}
		if in.Token.IsNative() {
			in.Token = entity.Native()
		} else if in.Token.Decimals < 0 || in.Token.Decimals > 18 {
			return errorbank.BadRequest("token decimals must be between 0 and 18")
		}
	case entity.RailGateway:
		in.Token = entity.TokenKind{Decimals: 2}
	default:
		return errorbank.BadRequest("unsupported payment rail", errorbank.WithDetail("rail", in.Rail))
	}

	total := decimal.Zero
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return errorbank.BadRequest("item quantity must be positive", errorbank.WithDetail("item", i))
		}
		if item.UnitPrice.IsNegative() {
			return errorbank.BadRequest("item price must not be negative", errorbank.WithDetail("item", i))
		}
		total = total.Add(item.Subtotal())
	}
	if in.ExpectedAmount.IsZero() {
		in.ExpectedAmount = total
	}
	if !in.ExpectedAmount.IsPositive() {
		return errorbank.BadRequest("expected_amount must be positive")
	}
	if len(in.Items) > 1 && !total.Equal(in.ExpectedAmount) {
		return errorbank.Unprocessable("item subtotals do not add up to expected_amount",
			errorbank.WithDetail("items_total", total.String()),
			errorbank.WithDetail("expected_amount", in.ExpectedAmount.String()))
	}
	return nil
}

// orderNumber is the buyer-facing reference, e.g. ORD-20250301-4F1A9C.
func orderNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", at.Format("20060102"), suffix)
}

// Get retrieves an order by id, consulting cache when available. Only orders in a terminal
// status are cached.
func (s *Service) Get(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	if order, err := s.getFromCache(ctx, id); err == nil {
		return order, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.String("order.id", id), zap.Error(err))
	}

	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	if err := s.storeInCache(ctx, order); err != nil {
		s.logger.Warn("orders cache write failed", zap.String("order.id", id), zap.Error(err))
	}
	return order, nil
}

// ListByWallet returns the wallet's orders grouped by checkout, newest first.
func (s *Service) ListByWallet(ctx context.Context, wallet string) ([]batch.Group, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, errorbank.BadRequest("wallet is required")
	}
	ctx, span := serviceTracer.Start(ctx, "OrderService.ListByWallet")
	defer span.End()

	orders, err := s.repo.ListByWallet(ctx, wallet)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to list orders", errorbank.WithCause(err))
	}
	return batch.Partition(orders), nil
}

// GetBatch returns the checkout group with the given key. A plain order id yields a group of
// one.
func (s *Service) GetBatch(ctx context.Context, key string) (batch.Group, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.GetBatch", trace.WithAttributes(attribute.String("batch.key", key)))
	defer span.End()

	orders, err := s.repo.ListByBatch(ctx, key)
	if err != nil {
		return batch.Group{}, errorbank.Internal("failed to list batch", errorbank.WithCause(err))
	}
	if len(orders) == 0 {
		order, err := s.repo.GetByID(ctx, key)
		if errors.Is(err, repo.ErrNotFound) {
			return batch.Group{}, errorbank.NotFound("batch not found")
		}
		if err != nil {
			return batch.Group{}, errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}
		if order.BatchOrderID != "" {
			return batch.Group{}, errorbank.NotFound("batch not found")
		}
		orders = []*entity.Order{order}
	}
	return batch.Partition(orders)[0], nil
}

// AttachPaymentReference records the payment the buyer made for the order's checkout. The
// declared amount must cover the whole batch.
func (s *Service) AttachPaymentReference(ctx context.Context, orderID, reference string, amount decimal.Decimal) ([]*entity.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, errorbank.BadRequest("reference is required")
	}
	ctx, span := serviceTracer.Start(ctx, "OrderService.AttachPaymentReference", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	group, err := s.GetBatch(ctx, order.GroupKey())
	if err != nil {
		return nil, err
	}
	payable := decimal.Zero
	for _, o := range group.Orders {
		if o.Status != entity.StatusCancelled {
			payable = payable.Add(o.ExpectedAmount)
		}
	}
	if !amount.Equal(payable) {
		return nil, errorbank.Unprocessable("amount does not match the order total",
			errorbank.WithDetail("expected_amount", payable.String()),
			errorbank.WithDetail("amount", amount.String()))
	}

	orders, err := s.orchestrator.Attach(ctx, orderID, reference)
	if err != nil {
		span.RecordError(err)
		return nil, MapError(err)
	}
	return orders, nil
}

// Cancel moves an order that has not shipped to cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*entity.Order, error) {
	return s.move(ctx, id, entity.StatusCancelled, "OrderService.Cancel")
}

// Advance moves a confirmed order one step along fulfilment.
func (s *Service) Advance(ctx context.Context, id string, to entity.Status) (*entity.Order, error) {
	switch to {
	case entity.StatusPreparing, entity.StatusShipped, entity.StatusDelivered:
	default:
		return nil, errorbank.BadRequest("status is not a fulfilment step", errorbank.WithDetail("status", to))
	}
	return s.move(ctx, id, to, "OrderService.Advance")
}

func (s *Service) move(ctx context.Context, id string, to entity.Status, spanName string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.status.to", to.String()),
	))
	defer span.End()

	current, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, errorbank.NotFound("order not found")
	}
	if err != nil {
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	if current.Status == to {
		return current, nil
	}
	if !entity.CanTransition(current.Status, to) {
		return nil, errorbank.Conflict("order cannot move to the requested status",
			errorbank.WithDetail("status", current.Status),
			errorbank.WithDetail("requested", to))
	}

	updated, err := s.repo.Transition(ctx, repo.Transition{OrderID: id, From: current.Status, To: to})
	switch {
	case errors.Is(err, repo.ErrPreconditionFailed):
		return nil, errorbank.Conflict("order changed concurrently; retry", errorbank.WithCause(err))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to update order", errorbank.WithCause(err))
	}

	if err := s.cache.Delete(ctx, cache.OrderKey(id)); err != nil {
		s.logger.Warn("orders cache invalidation failed", zap.String("order.id", id), zap.Error(err))
	}
	s.publisher.StatusChanged(ctx, updated, current.Status)
	s.logger.Info("order status changed",
		zap.String("order.id", id),
		zap.String("from", current.Status.String()),
		zap.String("to", to.String()))
	return updated, nil
}

// MapError converts orchestration errors into transport-neutral application errors.
func MapError(err error) error {
	var appErr *errorbank.AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, confirmation.ErrOrderNotFound):
		return errorbank.NotFound("order not found", errorbank.WithCause(err))
	case errors.Is(err, confirmation.ErrOrderCancelled):
		return errorbank.Conflict("order is cancelled", errorbank.WithCause(err))
	case errors.Is(err, confirmation.ErrReferenceMismatch):
		return errorbank.Conflict("order already has a different payment reference", errorbank.WithCause(err))
	case errors.Is(err, confirmation.ErrReferenceInUse):
		return errorbank.Conflict("payment reference already used by another checkout", errorbank.WithCause(err))
	case errors.Is(err, chain.ErrPayerRequired):
		return errorbank.Unprocessable("payer wallet is required to verify the payment", errorbank.WithCause(err))
	case errors.Is(err, confirmation.ErrConflict):
		return errorbank.Unavailable("order is busy; retry", errorbank.WithCause(err))
	case errors.Is(err, confirmation.ErrMissingEvidence):
		return errorbank.Unprocessable("confirmation requires verified evidence", errorbank.WithCause(err))
	default:
		return errorbank.Internal("internal error", errorbank.WithCause(err))
	}
}

func (s *Service) getFromCache(ctx context.Context, id string) (*entity.Order, error) {
	bytes, err := s.cache.Get(ctx, cache.OrderKey(id))
	if err != nil {
		return nil, err
	}
	var order entity.Order
	if err := json.Unmarshal(bytes, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// storeInCache keeps terminal orders only. A live order read here may already be stale when
// the orchestrator confirms it and drops the key, and writing it back would undo that.
func (s *Service) storeInCache(ctx context.Context, order *entity.Order) error {
	if order == nil || !order.Status.IsTerminal() {
		return nil
	}
	bytes, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, cache.OrderKey(order.ID), bytes, s.cacheTTL)
}
