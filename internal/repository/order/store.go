package order

import (
	"context"
	"errors"
	"time"

	"github.com/Additional-Code/settle/internal/entity"
)

var (
	// ErrNotFound is returned when an order is missing.
	ErrNotFound = errors.New("order not found")
	// ErrPreconditionFailed is returned when a conditional write finds a different status.
	ErrPreconditionFailed = errors.New("order status precondition not met")
	// ErrIllegalTransition is returned for status changes the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrReferenceClaimed is returned when a payment reference already belongs to another
	// checkout group.
	ErrReferenceClaimed = errors.New("payment reference claimed by another checkout")
)

// Transition is a compare-and-set status write. The write applies only when the stored
// status equals From. From == To is allowed for annotating an order without moving it.
type Transition struct {
	OrderID string
	From    entity.Status
	To      entity.Status

	PaymentReference string
	PaymentError     *string
	ReceiptURL       string
	ConfirmedAt      time.Time
}

// Store is the authoritative order ledger.
type Store interface {
	Create(ctx context.Context, orders ...*entity.Order) error
	GetByID(ctx context.Context, id string) (*entity.Order, error)
	ListByPaymentReference(ctx context.Context, reference string) ([]*entity.Order, error)
	ListByWallet(ctx context.Context, wallet string) ([]*entity.Order, error)
	ListByBatch(ctx context.Context, batchID string) ([]*entity.Order, error)
	Transition(ctx context.Context, t Transition) (*entity.Order, error)
	// ClaimReference records that reference pays for groupKey. Claiming again for the same
	// group succeeds; any other group gets ErrReferenceClaimed.
	ClaimReference(ctx context.Context, reference, groupKey string) error
}

func validateTransition(t Transition) error {
	if t.OrderID == "" {
		return errors.New("transition requires an order id")
	}
	if t.From == t.To {
		if t.From.IsTerminal() || !t.From.IsValid() {
			return ErrIllegalTransition
		}
		return nil
	}
	if !entity.CanTransition(t.From, t.To) {
		return ErrIllegalTransition
	}
	return nil
}
