package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem mirrors entity.LineItem on the wire.
type LineItem struct {
	SKU               string            `json:"sku"`
	Name              string            `json:"name"`
	Quantity          int               `json:"quantity"`
	UnitPrice         decimal.Decimal   `json:"unit_price"`
	VariantSelections map[string]string `json:"variant_selections,omitempty"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID                string          `json:"id"`
	Number            string          `json:"number"`
	BatchOrderID      string          `json:"batch_order_id,omitempty"`
	Status            string          `json:"status"`
	Rail              string          `json:"rail"`
	PaymentReference  string          `json:"payment_reference,omitempty"`
	ExpectedAmount    decimal.Decimal `json:"expected_amount"`
	ExpectedRecipient string          `json:"expected_recipient,omitempty"`
	PayerWallet       string          `json:"payer_wallet,omitempty"`
	Token             string          `json:"token"`
	Items             []LineItem      `json:"items"`
	ReceiptURL        string          `json:"receipt_url,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ConfirmedAt       *time.Time      `json:"confirmed_at,omitempty"`
}

// BatchResponse is a derived grouping of sibling orders.
type BatchResponse struct {
	Key       string          `json:"key"`
	Status    string          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	CreatedAt time.Time       `json:"created_at"`
	Orders    []OrderResponse `json:"orders"`
}

// VerificationResponse reports what a verification request did to the ledger.
type VerificationResponse struct {
	Outcome   string          `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Payer     string          `json:"payer,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Orders    []OrderResponse `json:"orders,omitempty"`
}
