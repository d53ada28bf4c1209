package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Additional-Code/settle/internal/entity"
)

// MemoryStore is a process-local Store used for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*entity.Order
	claims map[string]string
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*entity.Order), claims: make(map[string]string)}
}

func (m *MemoryStore) Create(_ context.Context, orders ...*entity.Order) error {
	if len(orders) == 0 {
		return errors.New("no orders to create")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range orders {
		if o == nil {
			return errors.New("nil order")
		}
		if _, exists := m.orders[o.ID]; exists {
			return fmt.Errorf("order %s already exists", o.ID)
		}
	}
	for _, o := range orders {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now().UTC()
		}
		m.orders[o.ID] = o.Clone()
	}
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*entity.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListByPaymentReference(_ context.Context, reference string) ([]*entity.Order, error) {
	return m.filter(func(o *entity.Order) bool { return reference != "" && o.PaymentReference == reference }), nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, wallet string) ([]*entity.Order, error) {
	return m.filter(func(o *entity.Order) bool { return wallet != "" && o.PayerWallet == wallet }), nil
}

func (m *MemoryStore) ListByBatch(_ context.Context, batchID string) ([]*entity.Order, error) {
	return m.filter(func(o *entity.Order) bool { return batchID != "" && o.BatchOrderID == batchID }), nil
}

func (m *MemoryStore) Transition(_ context.Context, t Transition) (*entity.Order, error) {
	if err := validateTransition(t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[t.OrderID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != t.From {
		return o.Clone(), ErrPreconditionFailed
	}

	o.Status = t.To
	o.UpdatedAt = time.Now().UTC()
	if t.PaymentReference != "" {
		o.PaymentReference = t.PaymentReference
	}
	if t.PaymentError != nil {
		o.PaymentError = *t.PaymentError
	}
	if t.ReceiptURL != "" {
		o.ReceiptURL = t.ReceiptURL
	}
	if !t.ConfirmedAt.IsZero() {
		o.ConfirmedAt = t.ConfirmedAt
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ClaimReference(_ context.Context, reference, groupKey string) error {
	if reference == "" || groupKey == "" {
		return errors.New("claim requires a reference and a group")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.claims[reference]; ok {
		if owner != groupKey {
			return ErrReferenceClaimed
		}
		return nil
	}
	m.claims[reference] = groupKey
	return nil
}

func (m *MemoryStore) filter(match func(*entity.Order) bool) []*entity.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*entity.Order
	for _, o := range m.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
