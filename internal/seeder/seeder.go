package seeder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/entity"
	repo "github.com/Additional-Code/settle/internal/repository/order"
)

// Module provides the Seeder to Fx.
var Module = fx.Provide(New)

// demoNamespace derives stable ids so seeding twice finds the same rows.
var demoNamespace = uuid.MustParse("6f1d3c1e-3c57-4c1b-9d7e-5a3c7e0b8a21")

const (
	demoBuyer    = "DemoBuyer1111111111111111111111111111111111"
	demoMerchant = "DemoMerchant11111111111111111111111111111111"
)

// Seeder writes demo orders for local setups.
type Seeder struct {
	store  repo.Store
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Seeder over the order ledger.
func New(store repo.Store, logger *zap.Logger) *Seeder {
	return &Seeder{store: store, logger: logger, now: time.Now}
}

// Orders seeds a single chain order, a two-item chain batch and a gateway order. Orders that
// already exist are left untouched.
func (s *Seeder) Orders(ctx context.Context) error {
	now := s.now().UTC()
	batchID := demoID("batch-1")

	samples := []*entity.Order{
		s.chainOrder("single-1", "", "ORD-DEMO-000001", item("mug", "Mug", 1, "0.03"), now.Add(-2*time.Hour)),
		s.chainOrder("batch-1-tee", batchID, "ORD-DEMO-000002", item("tee", "T-shirt", 1, "0.01"), now.Add(-time.Hour)),
		s.chainOrder("batch-1-cap", batchID, "ORD-DEMO-000003", item("cap", "Cap", 2, "0.01"), now.Add(-time.Hour)),
		{
			ID:             demoID("gateway-1"),
			Number:         "ORD-DEMO-000004",
			Status:         entity.StatusDraft,
			Rail:           entity.RailGateway,
			ExpectedAmount: decimal.RequireFromString("25.00"),
			TokenDecimals:  2,
			Items:          []entity.LineItem{item("hoodie", "Hoodie", 1, "25.00")},
			ContactInfo:    entity.ContactInfo{Email: "demo@example.com"},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	created := 0
	for _, o := range samples {
		_, err := s.store.GetByID(ctx, o.ID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, repo.ErrNotFound):
			return fmt.Errorf("seed %s: %w", o.Number, err)
		}
		if err := s.store.Create(ctx, o); err != nil {
			return fmt.Errorf("seed %s: %w", o.Number, err)
		}
		created++
	}

	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("created", created), zap.Int("total", len(samples)))
	}
	return nil
}

func (s *Seeder) chainOrder(name, batchID, number string, li entity.LineItem, created time.Time) *entity.Order {
	return &entity.Order{
		ID:                demoID(name),
		Number:            number,
		BatchOrderID:      batchID,
		Status:            entity.StatusDraft,
		Rail:              entity.RailChain,
		ExpectedAmount:    li.Subtotal(),
		ExpectedRecipient: demoMerchant,
		PayerWallet:       demoBuyer,
		TokenDecimals:     entity.NativeDecimals,
		Items:             []entity.LineItem{li},
		ShippingAddress:   entity.ShippingAddress{Name: "Demo Buyer", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		ContactInfo:       entity.ContactInfo{Email: "demo@example.com"},
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func item(sku, name string, qty int, price string) entity.LineItem {
	return entity.LineItem{SKU: sku, Name: name, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func demoID(name string) string {
	return uuid.NewSHA1(demoNamespace, []byte(name)).String()
}
