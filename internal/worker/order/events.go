package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/events"
	"github.com/Additional-Code/settle/internal/logger"
	"github.com/Additional-Code/settle/internal/messaging"
	"github.com/Additional-Code/settle/internal/service/verification"
	"github.com/Additional-Code/settle/internal/worker"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/settle/worker/order")

// Module registers order-related worker handlers.
var Module = fx.Module("worker_order",
	fx.Provide(
		NewHandler,
		fx.Annotate(
			NewRegistration,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// Retrier re-runs scheduled chain verifications and records the ones that cannot finish.
type Retrier interface {
	Retry(ctx context.Context, req events.VerificationRequested) (verification.Outcome, error)
	Abandon(ctx context.Context, req events.VerificationRequested, cause error) (verification.Outcome, error)
}

// Handler consumes the orders topic.
type Handler struct {
	retrier     Retrier
	publisher   *events.Publisher
	logger      *zap.Logger
	retryDelay  time.Duration
	maxRequeues int
}

// NewHandler builds the orders topic Handler.
func NewHandler(svc *verification.Service, publisher *events.Publisher, logger *zap.Logger, cfg config.Config) *Handler {
	return newHandler(svc, publisher, logger, cfg.Confirmation.VerificationRetryDelay, cfg.Confirmation.MaxVerificationRequeues)
}

func newHandler(retrier Retrier, publisher *events.Publisher, logger *zap.Logger, retryDelay time.Duration, maxRequeues int) *Handler {
	return &Handler{retrier: retrier, publisher: publisher, logger: logger, retryDelay: retryDelay, maxRequeues: maxRequeues}
}

// NewRegistration binds the Handler to the configured topic.
func NewRegistration(h *Handler, cfg config.Config) worker.HandlerRegistration {
	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: h.Handle,
	}
}

// Handle dispatches one message by event kind.
func (h *Handler) Handle(ctx context.Context, msg messaging.Message) error {
	ctx, span := workerTracer.Start(ctx, "worker.orders.process", trace.WithAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int64("messaging.offset", msg.Offset),
	))
	defer span.End()

	env, err := events.Decode(msg.Value)
	if err != nil {
		// Poison messages are dropped; retrying cannot fix them.
		h.logger.Error("failed to decode order event", zap.Int64("offset", msg.Offset), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode error")
		return nil
	}
	span.SetAttributes(attribute.String("event.kind", string(env.Kind)))

	switch env.Kind {
	case events.KindStatusChanged:
		return h.statusChanged(env.Payload)
	case events.KindVerificationRequested:
		return h.verificationRequested(ctx, env.Payload)
	default:
		h.logger.Debug("ignoring order event", zap.String("kind", string(env.Kind)))
		return nil
	}
}

func (h *Handler) statusChanged(payload json.RawMessage) error {
	var ev events.StatusChanged
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Error("failed to decode status change", zap.Error(err))
		return nil
	}
	h.logger.Info("order status changed",
		zap.String("order.id", ev.OrderID),
		zap.String("number", ev.Number),
		zap.String("from", ev.From.String()),
		zap.String("to", ev.To.String()),
	)
	return nil
}

func (h *Handler) verificationRequested(ctx context.Context, payload json.RawMessage) error {
	var req events.VerificationRequested
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.Error("failed to decode verification request", zap.Error(err))
		return nil
	}

	log := logger.ForContext(ctx, h.logger)
	out, err := h.retrier.Retry(ctx, req)
	switch {
	case err == nil:
		log.Info("scheduled verification finished",
			zap.String("reference", req.Reference),
			zap.Int("attempt", req.Attempt),
			zap.String("outcome", string(out.Status)))
		return nil
	case chain.IsTransient(err) && req.Requeues < h.maxRequeues:
		// The chain node is unavailable; try the same attempt again later.
		req.Requeues++
		req.NotBefore = time.Now().UTC().Add(h.retryDelay)
		if perr := h.publisher.VerificationRequested(ctx, req); perr != nil {
			return fmt.Errorf("requeue verification %s: %w", req.Reference, perr)
		}
		log.Warn("chain unavailable; verification requeued",
			zap.String("reference", req.Reference),
			zap.Int("requeues", req.Requeues),
			zap.Error(err))
		return nil
	case chain.IsTransient(err):
		if _, aerr := h.retrier.Abandon(ctx, req, err); aerr != nil {
			log.Error("recording abandoned verification failed", zap.String("reference", req.Reference), zap.Error(aerr))
			return fmt.Errorf("abandon verification %s: %w", req.Reference, aerr)
		}
		log.Error("chain unavailable; verification abandoned",
			zap.String("reference", req.Reference),
			zap.Int("requeues", req.Requeues),
			zap.Error(err))
		return nil
	default:
		log.Error("scheduled verification failed",
			zap.String("reference", req.Reference),
			zap.Int("attempt", req.Attempt),
			zap.Error(err))
		return err
	}
}
