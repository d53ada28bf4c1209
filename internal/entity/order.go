package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Rail identifies how an order is paid.
type Rail string

const (
	RailChain   Rail = "chain"
	RailGateway Rail = "gateway"
)

// LineItem is a single purchased product with the buyer's variant choices.
type LineItem struct {
	SKU               string            `json:"sku"`
	Name              string            `json:"name"`
	Quantity          int               `json:"quantity"`
	UnitPrice         decimal.Decimal   `json:"unit_price"`
	VariantSelections map[string]string `json:"variant_selections,omitempty"`
}

// Subtotal returns unit price times quantity.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ShippingAddress is where fulfilment sends the goods.
type ShippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// ContactInfo is how the buyer is reached about the order.
type ContactInfo struct {
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// TokenKind is either the chain's native asset (empty mint) or a fungible token.
type TokenKind struct {
	Mint     string `json:"mint,omitempty"`
	Decimals int32  `json:"decimals"`
}

// NativeDecimals is the precision of the chain's native asset.
const NativeDecimals = 9

// Native returns the native asset token kind.
func Native() TokenKind {
	return TokenKind{Decimals: NativeDecimals}
}

// IsNative reports whether the kind denotes the native asset.
func (t TokenKind) IsNative() bool { return t.Mint == "" }

func (t TokenKind) String() string {
	if t.IsNative() {
		return "native"
	}
	return t.Mint
}

// Order is a single purchase line persisted in the ledger.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID                string          `bun:"id,pk" json:"id"`
	Number            string          `bun:"number,notnull,unique" json:"number"`
	BatchOrderID      string          `bun:"batch_order_id,nullzero" json:"batch_order_id,omitempty"`
	Status            Status          `bun:"status,notnull" json:"status"`
	Rail              Rail            `bun:"rail,notnull" json:"rail"`
	PaymentReference  string          `bun:"payment_reference,nullzero" json:"payment_reference,omitempty"`
	ExpectedAmount    decimal.Decimal `bun:"expected_amount,type:numeric,notnull" json:"expected_amount"`
	ExpectedRecipient string          `bun:"expected_recipient,nullzero" json:"expected_recipient,omitempty"`
	PayerWallet       string          `bun:"payer_wallet,nullzero" json:"payer_wallet,omitempty"`
	TokenMint         string          `bun:"token_mint,nullzero" json:"token_mint,omitempty"`
	TokenDecimals     int32           `bun:"token_decimals,notnull" json:"token_decimals"`
	Items             []LineItem      `bun:"items" json:"items"`
	ShippingAddress   ShippingAddress `bun:"shipping_address" json:"shipping_address"`
	ContactInfo       ContactInfo     `bun:"contact_info" json:"contact_info"`
	PaymentError      string          `bun:"payment_error,nullzero" json:"payment_error,omitempty"`
	ReceiptURL        string          `bun:"receipt_url,nullzero" json:"receipt_url,omitempty"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero" json:"updated_at"`
	ConfirmedAt       time.Time       `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
}

// Token returns the order's expected token kind.
func (o *Order) Token() TokenKind {
	return TokenKind{Mint: o.TokenMint, Decimals: o.TokenDecimals}
}

// GroupKey is the batch id, or the order id for orders checked out alone.
func (o *Order) GroupKey() string {
	if o.BatchOrderID != "" {
		return o.BatchOrderID
	}
	return o.ID
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Items != nil {
		cp.Items = make([]LineItem, len(o.Items))
		for i, item := range o.Items {
			cp.Items[i] = item
			if item.VariantSelections != nil {
				sel := make(map[string]string, len(item.VariantSelections))
				for k, v := range item.VariantSelections {
					sel[k] = v
				}
				cp.Items[i].VariantSelections = sel
			}
		}
	}
	return &cp
}
