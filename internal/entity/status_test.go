package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStatuses = []Status{
	StatusDraft,
	StatusPendingPayment,
	StatusConfirmed,
	StatusPreparing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

func TestCanTransitionIsMonotonic(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if !CanTransition(from, to) {
				continue
			}
			if to == StatusCancelled {
				assert.Less(t, from.Rank(), StatusShipped.Rank(), "%s -> cancelled", from)
				continue
			}
			assert.Equal(t, from.Rank()+1, to.Rank(), "%s -> %s must move one step forward", from, to)
		}
	}
}

func TestDraftNeverConfirmsDirectly(t *testing.T) {
	assert.False(t, CanTransition(StatusDraft, StatusConfirmed))
	assert.True(t, CanTransition(StatusDraft, StatusPendingPayment))
	assert.True(t, CanTransition(StatusPendingPayment, StatusConfirmed))
}

func TestCancelledIsTerminal(t *testing.T) {
	for _, to := range allStatuses {
		assert.False(t, CanTransition(StatusCancelled, to))
	}
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusShipped.Cancellable())
	assert.True(t, StatusPreparing.Cancellable())
}

func TestReached(t *testing.T) {
	assert.True(t, StatusConfirmed.Reached(StatusConfirmed))
	assert.True(t, StatusDelivered.Reached(StatusConfirmed))
	assert.False(t, StatusPendingPayment.Reached(StatusConfirmed))
	assert.False(t, StatusCancelled.Reached(StatusDraft))
	assert.False(t, Status("bogus").Reached(StatusDraft))
}

func TestOrderCloneIsDeep(t *testing.T) {
	o := &Order{ID: "a", Items: []LineItem{{SKU: "tee", VariantSelections: map[string]string{"size": "M"}}}}
	cp := o.Clone()
	cp.Items[0].VariantSelections["size"] = "L"
	cp.Status = StatusConfirmed

	assert.Equal(t, "M", o.Items[0].VariantSelections["size"])
	assert.Equal(t, Status(""), o.Status)
}
