// Package gateway authenticates card gateway webhooks and decodes them into a closed set of
// payment intent events.
package gateway

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Meta is carried by every event.
type Meta struct {
	EventID  string
	IntentID string
	// OrderID is the order id the checkout stored in the intent's metadata, if any.
	OrderID string
	Created time.Time
}

// Event is one of IntentCreated, IntentProcessing, IntentSucceeded, IntentFailed or Unknown.
type Event interface {
	Header() Meta
	gatewayEvent()
}

// Header returns the common event fields.
func (m Meta) Header() Meta { return m }

// IntentCreated reports that the buyer started a card payment.
type IntentCreated struct {
	Meta
	Amount   decimal.Decimal
	Currency string
}

// IntentProcessing reports that the gateway is still settling the payment.
type IntentProcessing struct {
	Meta
}

// IntentSucceeded reports that funds were captured.
type IntentSucceeded struct {
	Meta
	Amount   decimal.Decimal
	Currency string
	ChargeID string
}

// IntentFailed reports a declined, errored or cancelled payment attempt.
type IntentFailed struct {
	Meta
	Message string
}

// Unknown is any event kind settle does not act on.
type Unknown struct {
	Meta
	Type string
}

func (IntentCreated) gatewayEvent() {}
func (IntentProcessing) gatewayEvent() {}
func (IntentSucceeded) gatewayEvent() {}
func (IntentFailed) gatewayEvent() {}
func (Unknown) gatewayEvent() {}

// zeroDecimalCurrencies are charged in whole units by the gateway.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true,
	"mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true,
	"xof": true, "xpf": true,
}

// MinorUnitPlaces is the number of decimal places the gateway charges currency in.
func MinorUnitPlaces(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// minorToDecimal converts a gateway amount in minor units into currency units.
func minorToDecimal(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -MinorUnitPlaces(currency))
}
