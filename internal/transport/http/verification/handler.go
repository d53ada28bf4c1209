package verification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/chain"
	"github.com/Additional-Code/settle/internal/dto"
	"github.com/Additional-Code/settle/internal/presentation/http/response"
	ordersvc "github.com/Additional-Code/settle/internal/service/order"
	service "github.com/Additional-Code/settle/internal/service/verification"
	ordertransport "github.com/Additional-Code/settle/internal/transport/http/order"
	"github.com/Additional-Code/settle/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/settle/transport/http/verification")

// Handler exposes chain payment verification over HTTP.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewHandler constructs a verification Handler.
func NewHandler(svc *service.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Module wires the verification endpoint.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(Register),
)

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	e.POST("/orders/verify", h.verify)
}

type verifyRequest struct {
	OrderID   string `json:"order_id"`
	Signature string `json:"signature"`
	Reference string `json:"reference"`
	Payer     string `json:"payer"`
}

func (h *Handler) verify(c echo.Context) error {
	b := response.New(c)

	var payload verifyRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	sig := payload.Signature
	if sig == "" {
		sig = payload.Reference
	}
	if sig == "" {
		return b.WithError(errorbank.BadRequest("signature is required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.verify", trace.WithAttributes(
		attribute.String("payment.reference", sig),
		attribute.String("order.id", payload.OrderID),
	))
	defer span.End()

	out, err := h.svc.VerifyAndConfirm(ctx, service.Request{OrderID: payload.OrderID, Signature: sig, Payer: payload.Payer})
	if err != nil {
		return b.WithError(h.mapError(sig, err)).Build()
	}

	status := http.StatusOK
	if out.Status == service.StatusPending {
		status = http.StatusAccepted
	}
	return b.WithStatus(status).WithData(toDTO(out)).Build()
}

func (h *Handler) mapError(sig string, err error) error {
	switch {
	case chain.IsTransient(err):
		h.logger.Warn("chain unavailable during verification", zap.String("reference", sig), zap.Error(err))
		return errorbank.Unavailable("chain node unavailable; retry later", errorbank.WithCause(err))
	case errors.Is(err, service.ErrWrongRail):
		return errorbank.Unprocessable("order is not paid on chain", errorbank.WithCause(err))
	default:
		return ordersvc.MapError(err)
	}
}

func toDTO(out service.Outcome) dto.VerificationResponse {
	resp := dto.VerificationResponse{
		Outcome: string(out.Status),
		Reason:  string(out.Reason),
		Orders:  ordertransport.ToDTOs(out.Orders),
	}
	if out.Result.Payer != "" || out.Result.Recipient != "" {
		resp.Amount = out.Result.Amount
		resp.Payer = out.Result.Payer
		resp.Recipient = out.Result.Recipient
	}
	return resp
}
