package gateway

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
)

// ReceiptLocator resolves the buyer-facing receipt of a captured charge.
type ReceiptLocator interface {
	ReceiptURL(ctx context.Context, chargeID string) (string, error)
}

// ErrNoReceipt is returned when the charge carries no receipt.
var ErrNoReceipt = errors.New("gateway: no receipt for charge")

type chargeReceipts struct {
	client *charge.Client
}

// NewChargeReceipts looks receipts up through the gateway's charges API using apiKey.
func NewChargeReceipts(apiKey string, backend stripe.Backend) ReceiptLocator {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &chargeReceipts{client: &charge.Client{B: backend, Key: apiKey}}
}

func (c *chargeReceipts) ReceiptURL(ctx context.Context, chargeID string) (string, error) {
	if chargeID == "" {
		return "", ErrNoReceipt
	}
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := c.client.Get(chargeID, params)
	if err != nil {
		return "", err
	}
	if ch.ReceiptURL == "" {
		return "", ErrNoReceipt
	}
	return ch.ReceiptURL, nil
}

type noReceipts struct{}

func (noReceipts) ReceiptURL(context.Context, string) (string, error) { return "", ErrNoReceipt }
