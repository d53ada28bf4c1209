package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
	"github.com/Additional-Code/settle/internal/gateway"
	"github.com/Additional-Code/settle/internal/logger"
	"github.com/Additional-Code/settle/internal/presentation/http/response"
	ordersvc "github.com/Additional-Code/settle/internal/service/order"
	"github.com/Additional-Code/settle/internal/service/reconcile"
	"github.com/Additional-Code/settle/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/settle/transport/http/webhook")

// Handler receives gateway webhooks.
type Handler struct {
	verifier   *gateway.Verifier
	reconciler *reconcile.Reconciler
	maxBody    int64
	logger     *zap.Logger
}

// NewHandler constructs a webhook Handler.
func NewHandler(cfg config.Config, verifier *gateway.Verifier, reconciler *reconcile.Reconciler, logger *zap.Logger) *Handler {
	maxBody := cfg.Gateway.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 65536
	}
	return &Handler{verifier: verifier, reconciler: reconciler, maxBody: maxBody, logger: logger}
}

// Module wires the webhook endpoint.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	e.POST("/webhooks/gateway", h.receive)
}

func (h *Handler) receive(c echo.Context) error {
	b := response.New(c)
	ctx, span := httpTracer.Start(c.Request().Context(), "webhooks.gateway")
	defer span.End()

	body := http.MaxBytesReader(c.Response(), c.Request().Body, h.maxBody)
	payload, err := io.ReadAll(body)
	if err != nil {
		return b.WithError(errorbank.BadRequest("unreadable body", errorbank.WithCause(err))).Build()
	}

	ev, err := h.verifier.Parse(payload, c.Request().Header.Get(gateway.SignatureHeader))
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		h.logger.Warn("rejected unsigned gateway webhook", zap.String("remote", c.RealIP()), zap.Error(err))
		return b.WithError(errorbank.Unauthorized("invalid signature")).Build()
	case err != nil:
		return b.WithError(errorbank.BadRequest("malformed event", errorbank.WithCause(err))).Build()
	}

	meta := ev.Header()
	span.SetAttributes(
		attribute.String("gateway.event_id", meta.EventID),
		attribute.String("payment.reference", meta.IntentID),
	)

	out, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		if errors.Is(err, reconcile.ErrOrderNotFound) {
			return b.WithError(errorbank.Internal("payment has no matching order", errorbank.WithCause(err))).Build()
		}
		logger.ForContext(ctx, h.logger).Error("gateway webhook failed",
			zap.String("event.id", meta.EventID),
			zap.String("reference", meta.IntentID),
			zap.Error(err))
		return b.WithError(ordersvc.MapError(err)).Build()
	}

	return b.WithData(map[string]string{
		"event_id":  out.EventID,
		"reference": out.Reference,
		"action":    string(out.Action),
	}).Build()
}
