package seeder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/batch"
	"github.com/Additional-Code/settle/internal/entity"
	repo "github.com/Additional-Code/settle/internal/repository/order"
)

func TestOrdersIsIdempotent(t *testing.T) {
	store := repo.NewMemoryStore()
	s := New(store, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.Orders(ctx))
	require.NoError(t, s.Orders(ctx))

	orders, err := store.ListByWallet(ctx, demoBuyer)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	groups := batch.Partition(orders)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.Equal(t, entity.StatusDraft, g.Status())
		assert.Equal(t, "0.03", g.Total().String())
	}

	gw, err := store.GetByID(ctx, demoID("gateway-1"))
	require.NoError(t, err)
	assert.Equal(t, entity.RailGateway, gw.Rail)
}
