package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/Additional-Code/settle/internal/config"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

var (
	// ErrInvalidSignature means the payload was not signed with the shared secret.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	// ErrMalformedEvent means the payload was authentic but could not be decoded.
	ErrMalformedEvent = errors.New("gateway: malformed event")
)

// Verifier authenticates webhook payloads and decodes them.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier builds a Verifier from the gateway configuration.
func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{secret: cfg.Gateway.WebhookSecret, tolerance: cfg.Gateway.SignatureTolerance}
}

// Parse authenticates payload against header and returns the decoded event. Nothing in the
// payload is trusted before the signature check passes.
func (v *Verifier) Parse(payload []byte, header string) (Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if header == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decode(ev)
}

func decode(ev stripe.Event) (Event, error) {
	meta := Meta{EventID: ev.ID, Created: time.Unix(ev.Created, 0).UTC()}

	kind := string(ev.Type)
	switch kind {
	case "payment_intent.created", "payment_intent.processing", "payment_intent.succeeded",
		"payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return Unknown{Meta: meta, Type: kind}, nil
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformedEvent, kind)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: %s without intent id", ErrMalformedEvent, kind)
	}
	meta.IntentID = intent.ID
	meta.OrderID = intent.Metadata["order_id"]
	currency := string(intent.Currency)

	switch kind {
	case "payment_intent.created":
		return IntentCreated{Meta: meta, Amount: minorToDecimal(intent.Amount, currency), Currency: currency}, nil
	case "payment_intent.processing":
		return IntentProcessing{Meta: meta}, nil
	case "payment_intent.succeeded":
		out := IntentSucceeded{Meta: meta, Amount: minorToDecimal(intent.AmountReceived, currency), Currency: currency}
		if intent.AmountReceived == 0 {
			out.Amount = minorToDecimal(intent.Amount, currency)
		}
		if intent.LatestCharge != nil {
			out.ChargeID = intent.LatestCharge.ID
		}
		return out, nil
	case "payment_intent.canceled":
		msg := "payment intent canceled"
		if intent.CancellationReason != "" {
			msg += ": " + string(intent.CancellationReason)
		}
		return IntentFailed{Meta: meta, Message: msg}, nil
	default:
		msg := "payment failed"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			msg = intent.LastPaymentError.Msg
		}
		return IntentFailed{Meta: meta, Message: msg}, nil
	}
}
