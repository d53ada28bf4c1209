// Package events defines the messages settle publishes about orders and the
// publisher that puts them on the bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/messaging"
)

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindStatusChanged         Kind = "order.status_changed"
	KindVerificationRequested Kind = "verification.requested"
)

// Envelope is the wire format of every message on the orders topic.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// StatusChanged is emitted after an effective ledger transition.
type StatusChanged struct {
	OrderID          string        `json:"order_id"`
	Number           string        `json:"number"`
	BatchOrderID     string        `json:"batch_order_id,omitempty"`
	From             entity.Status `json:"from"`
	To               entity.Status `json:"to"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	At               time.Time     `json:"at"`
}

// VerificationRequested asks a worker to re-run chain verification later.
type VerificationRequested struct {
	Reference string    `json:"reference"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before"`
	// Requeues counts redeliveries caused by the chain RPC being unreachable.
	Requeues int `json:"requeues,omitempty"`
}

// Decode unpacks a raw message into its envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	return env, nil
}

// Publisher writes order events to the message bus. Publishing is best effort: the ledger is
// the source of truth and consumers must tolerate gaps.
type Publisher struct {
	client messaging.Client
	logger *zap.Logger
}

// Module provides the Publisher to Fx.
var Module = fx.Provide(NewPublisher)

// NewPublisher wraps the messaging client.
func NewPublisher(client messaging.Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// StatusChanged publishes a transition of order from one status to another.
func (p *Publisher) StatusChanged(ctx context.Context, order *entity.Order, from entity.Status) {
	if order == nil {
		return
	}
	p.publish(ctx, order.ID, KindStatusChanged, StatusChanged{
		OrderID:          order.ID,
		Number:           order.Number,
		BatchOrderID:     order.BatchOrderID,
		From:             from,
		To:               order.Status,
		PaymentReference: order.PaymentReference,
		At:               order.UpdatedAt,
	})
}

// VerificationRequested schedules another verification attempt for reference.
func (p *Publisher) VerificationRequested(ctx context.Context, req VerificationRequested) error {
	return p.publishErr(ctx, req.Reference, KindVerificationRequested, req)
}

func (p *Publisher) publish(ctx context.Context, key string, kind Kind, payload any) {
	if err := p.publishErr(ctx, key, kind, payload); err != nil && p.logger != nil {
		p.logger.Error("publish order event", zap.String("kind", string(kind)), zap.String("key", key), zap.Error(err))
	}
}

func (p *Publisher) publishErr(ctx context.Context, key string, kind Kind, payload any) error {
	if p == nil || p.client == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	raw, err := json.Marshal(Envelope{Kind: kind, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.client.Publish(ctx, []byte(key), raw)
}
