package order

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Additional-Code/settle/internal/database"
	"github.com/Additional-Code/settle/internal/entity"
)

func newSQLiteRepository(t *testing.T) Store {
	t.Helper()

	db, err := database.Open(database.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.NewCreateTable().Model((*entity.Order)(nil)).Exec(context.Background())
	require.NoError(t, err)
	_, err = db.NewCreateTable().Model((*entity.ReferenceClaim)(nil)).Exec(context.Background())
	require.NoError(t, err)

	return NewRepository(&database.Connections{Writer: db, Reader: db})
}

func newMemory(*testing.T) Store { return NewMemoryStore() }

func TestStores(t *testing.T) {
	backends := map[string]func(*testing.T) Store{
		"memory": newMemory,
		"sqlite": newSQLiteRepository,
	}
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("create and read", func(t *testing.T) { testCreateAndRead(t, factory(t)) })
			t.Run("listings", func(t *testing.T) { testListings(t, factory(t)) })
			t.Run("conditional transition", func(t *testing.T) { testConditionalTransition(t, factory(t)) })
			t.Run("concurrent confirmation", func(t *testing.T) { testConcurrentConfirmation(t, factory(t)) })
			t.Run("reference claims", func(t *testing.T) { testReferenceClaims(t, factory(t)) })
		})
	}
}

func sampleOrder(batch string, created time.Time) *entity.Order {
	return &entity.Order{
		ID:                uuid.NewString(),
		Number:            "ORD-" + uuid.NewString()[:8],
		BatchOrderID:      batch,
		Status:            entity.StatusDraft,
		Rail:              entity.RailChain,
		ExpectedAmount:    decimal.RequireFromString("0.03"),
		ExpectedRecipient: "Merchant1111",
		PayerWallet:       "Buyer1111",
		TokenDecimals:     entity.NativeDecimals,
		Items: []entity.LineItem{{
			SKU:               "tee",
			Name:              "T-shirt",
			Quantity:          1,
			UnitPrice:         decimal.RequireFromString("0.03"),
			VariantSelections: map[string]string{"size": "M"},
		}},
		ShippingAddress: entity.ShippingAddress{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		ContactInfo:     entity.ContactInfo{Email: "ada@example.com"},
		CreatedAt:       created.UTC(),
		UpdatedAt:       created.UTC(),
	}
}

func testCreateAndRead(t *testing.T, store Store) {
	ctx := context.Background()
	o := sampleOrder("", time.Now())
	require.NoError(t, store.Create(ctx, o))

	got, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Number, got.Number)
	assert.Equal(t, entity.StatusDraft, got.Status)
	assert.True(t, got.ExpectedAmount.Equal(o.ExpectedAmount), "amount %s", got.ExpectedAmount)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "M", got.Items[0].VariantSelections["size"])
	assert.Equal(t, "ada@example.com", got.ContactInfo.Email)

	_, err = store.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func testListings(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	a := sampleOrder("batch-1", base)
	b := sampleOrder("batch-1", base.Add(time.Second))
	c := sampleOrder("", base.Add(2*time.Second))
	c.PayerWallet = "Other2222"
	require.NoError(t, store.Create(ctx, a, b, c))

	batch, err := store.ListByBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, a.ID, batch[0].ID)
	assert.Equal(t, b.ID, batch[1].ID)

	wallet, err := store.ListByWallet(ctx, "Buyer1111")
	require.NoError(t, err)
	assert.Len(t, wallet, 2)

	for _, o := range []*entity.Order{a, b} {
		_, err := store.Transition(ctx, Transition{OrderID: o.ID, From: entity.StatusDraft, To: entity.StatusPendingPayment, PaymentReference: "sig-1"})
		require.NoError(t, err)
	}
	byRef, err := store.ListByPaymentReference(ctx, "sig-1")
	require.NoError(t, err)
	assert.Len(t, byRef, 2)

	none, err := store.ListByPaymentReference(ctx, "sig-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConditionalTransition(t *testing.T, store Store) {
	ctx := context.Background()
	o := sampleOrder("", time.Now())
	require.NoError(t, store.Create(ctx, o))

	_, err := store.Transition(ctx, Transition{OrderID: o.ID, From: entity.StatusDraft, To: entity.StatusConfirmed})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	updated, err := store.Transition(ctx, Transition{OrderID: o.ID, From: entity.StatusDraft, To: entity.StatusPendingPayment, PaymentReference: "sig-2"})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPendingPayment, updated.Status)
	assert.Equal(t, "sig-2", updated.PaymentReference)

	current, err := store.Transition(ctx, Transition{OrderID: o.ID, From: entity.StatusDraft, To: entity.StatusPendingPayment})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	require.NotNil(t, current)
	assert.Equal(t, entity.StatusPendingPayment, current.Status)

	reason := "amount mismatch"
	annotated, err := store.Transition(ctx, Transition{OrderID: o.ID, From: entity.StatusPendingPayment, To: entity.StatusPendingPayment, PaymentError: &reason})
	require.NoError(t, err)
	assert.Equal(t, reason, annotated.PaymentError)
	assert.Equal(t, entity.StatusPendingPayment, annotated.Status)

	_, err = store.Transition(ctx, Transition{OrderID: uuid.NewString(), From: entity.StatusDraft, To: entity.StatusPendingPayment})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentConfirmation(t *testing.T, store Store) {
	ctx := context.Background()
	o := sampleOrder("", time.Now())
	o.Status = entity.StatusPendingPayment
	o.PaymentReference = "sig-3"
	require.NoError(t, store.Create(ctx, o))

	var wins, losses atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := store.Transition(ctx, Transition{
				OrderID:     o.ID,
				From:        entity.StatusPendingPayment,
				To:          entity.StatusConfirmed,
				ConfirmedAt: time.Now().UTC(),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case err == ErrPreconditionFailed:
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), losses.Load())

	got, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusConfirmed, got.Status)
	assert.False(t, got.ConfirmedAt.IsZero())
}

func testReferenceClaims(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.ClaimReference(ctx, "sig-4", "batch-a"))
	require.NoError(t, store.ClaimReference(ctx, "sig-4", "batch-a"))
	assert.ErrorIs(t, store.ClaimReference(ctx, "sig-4", "batch-b"), ErrReferenceClaimed)
	require.NoError(t, store.ClaimReference(ctx, "sig-5", "batch-b"))

	var g errgroup.Group
	var won atomic.Int32
	for i := 0; i < 6; i++ {
		group := fmt.Sprintf("group-%d", i)
		g.Go(func() error {
			err := store.ClaimReference(ctx, "sig-6", group)
			switch {
			case err == nil:
				won.Add(1)
			case err == ErrReferenceClaimed:
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load())
}
