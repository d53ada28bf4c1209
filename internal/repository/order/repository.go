package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/settle/internal/database"
	"github.com/Additional-Code/settle/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/settle/repository/order")

// Repository encapsulates read/write access for orders.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// Create persists new orders in a single transaction using the write connection.
func (r *Repository) Create(ctx context.Context, orders ...*entity.Order) error {
	if len(orders) == 0 {
		return errors.New("no orders to create")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.Int("order.count", len(orders))))
	defer span.End()

	for _, o := range orders {
		if o == nil {
			return errors.New("nil order")
		}
	}

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&orders).Exec(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an order by primary key using the read replica when available.
func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := r.get(ctx, r.reader, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
	}
	return order, err
}

// ListByPaymentReference returns every order paid by the reference. Reads go to the writer
// so the orchestrator never acts on replica lag.
func (r *Repository) ListByPaymentReference(ctx context.Context, reference string) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListByPaymentReference", trace.WithAttributes(attribute.String("payment.reference", reference)))
	defer span.End()

	return r.list(ctx, span, r.writer, "payment_reference = ?", reference)
}

// ListByWallet returns orders whose expected payer is the wallet.
func (r *Repository) ListByWallet(ctx context.Context, wallet string) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListByWallet", trace.WithAttributes(attribute.String("wallet", wallet)))
	defer span.End()

	return r.list(ctx, span, r.reader, "payer_wallet = ?", wallet)
}

// ListByBatch returns the sibling orders of a checkout.
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListByBatch", trace.WithAttributes(attribute.String("order.batch_id", batchID)))
	defer span.End()

	return r.list(ctx, span, r.reader, "batch_order_id = ?", batchID)
}

// Transition applies a conditional status update keyed on the expected prior status.
func (r *Repository) Transition(ctx context.Context, t Transition) (*entity.Order, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Transition", trace.WithAttributes(
		attribute.String("order.id", t.OrderID),
		attribute.String("order.status.from", t.From.String()),
		attribute.String("order.status.to", t.To.String()),
	))
	defer span.End()

	q := r.writer.NewUpdate().
		Model((*entity.Order)(nil)).
		Set("status = ?", t.To).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", t.OrderID).
		Where("status = ?", t.From)
	if t.PaymentReference != "" {
		q = q.Set("payment_reference = ?", t.PaymentReference)
	}
	if t.PaymentError != nil {
		q = q.Set("payment_error = ?", *t.PaymentError)
	}
	if t.ReceiptURL != "" {
		q = q.Set("receipt_url = ?", t.ReceiptURL)
	}
	if !t.ConfirmedAt.IsZero() {
		q = q.Set("confirmed_at = ?", t.ConfirmedAt)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, fmt.Errorf("transition order %s: %w", t.OrderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition order %s: %w", t.OrderID, err)
	}

	current, err := r.get(ctx, r.writer, t.OrderID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		span.SetStatus(codes.Error, "precondition failed")
		return current, ErrPreconditionFailed
	}
	return current, nil
}

// ClaimReference inserts the reference claim. The primary key on the reference makes the
// first group to claim it the only one that can.
func (r *Repository) ClaimReference(ctx context.Context, reference, groupKey string) error {
	if reference == "" || groupKey == "" {
		return errors.New("claim requires a reference and a group")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ClaimReference", trace.WithAttributes(
		attribute.String("payment.reference", reference),
		attribute.String("order.group", groupKey),
	))
	defer span.End()

	claim := &entity.ReferenceClaim{Reference: reference, GroupKey: groupKey, ClaimedAt: time.Now().UTC()}
	_, insertErr := r.writer.NewInsert().Model(claim).Exec(ctx)
	if insertErr == nil {
		return nil
	}

	existing := new(entity.ReferenceClaim)
	if err := r.writer.NewSelect().Model(existing).Where("reference = ?", reference).Scan(ctx); err != nil {
		span.RecordError(insertErr)
		span.SetStatus(codes.Error, "claim failed")
		return fmt.Errorf("claim reference %s: %w", reference, insertErr)
	}
	if existing.GroupKey != groupKey {
		span.SetStatus(codes.Error, "reference claimed")
		return ErrReferenceClaimed
	}
	return nil
}

func (r *Repository) get(ctx context.Context, db bun.IDB, id string) (*entity.Order, error) {
	order := new(entity.Order)
	err := db.NewSelect().Model(order).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *Repository) list(ctx context.Context, span trace.Span, db bun.IDB, where string, arg any) ([]*entity.Order, error) {
	var orders []*entity.Order
	err := db.NewSelect().
		Model(&orders).
		Where(where, arg).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return orders, nil
}
