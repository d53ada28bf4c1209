package order

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/settle/internal/batch"
	"github.com/Additional-Code/settle/internal/dto"
	"github.com/Additional-Code/settle/internal/entity"
	"github.com/Additional-Code/settle/internal/presentation/http/response"
	service "github.com/Additional-Code/settle/internal/service/order"
	"github.com/Additional-Code/settle/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/settle/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.create)
	g.GET("", h.listByWallet)
	g.GET("/:id", h.getByID)
	g.POST("/:id/payment-reference", h.attachPaymentReference)
	g.POST("/:id/cancel", h.cancel)
	g.POST("/:id/advance", h.advance)

	e.GET("/batches/:id", h.getBatch)
}

type createRequest struct {
	Items             []dto.LineItem         `json:"items"`
	ShippingAddress   entity.ShippingAddress `json:"shipping_address"`
	ContactInfo       entity.ContactInfo     `json:"contact_info"`
	ExpectedAmount    decimal.Decimal        `json:"expected_amount"`
	ExpectedRecipient string                 `json:"expected_recipient"`
	TokenMint         string                 `json:"token_mint"`
	TokenDecimals     int32                  `json:"token_decimals"`
	Rail              string                 `json:"rail"`
	PayerWallet       string                 `json:"payer_wallet"`
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)

	var payload createRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create")
	defer span.End()

	items := make([]entity.LineItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, entity.LineItem(item))
	}
	orders, err := h.svc.CreateDraft(ctx, service.DraftInput{
		Items:             items,
		ShippingAddress:   payload.ShippingAddress,
		ContactInfo:       payload.ContactInfo,
		ExpectedAmount:    payload.ExpectedAmount,
		ExpectedRecipient: payload.ExpectedRecipient,
		Token:             entity.TokenKind{Mint: payload.TokenMint, Decimals: payload.TokenDecimals},
		Rail:              entity.Rail(payload.Rail),
		PayerWallet:       payload.PayerWallet,
	})
	if err != nil {
		return b.WithError(err).Build()
	}

	span.SetAttributes(attribute.Int("order.count", len(orders)))
	return b.WithStatus(http.StatusCreated).WithData(toBatchDTO(batch.Partition(orders)[0])).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(ToDTO(order)).Build()
}

func (h *Handler) listByWallet(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.listByWallet")
	defer span.End()

	groups, err := h.svc.ListByWallet(ctx, c.QueryParam("wallet"))
	if err != nil {
		return b.WithError(err).Build()
	}
	out := make([]dto.BatchResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, toBatchDTO(g))
	}
	return b.WithData(out).WithMeta("count", len(out)).Build()
}

func (h *Handler) getBatch(c echo.Context) error {
	b := response.New(c)
	key := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "batches.get", trace.WithAttributes(attribute.String("batch.key", key)))
	defer span.End()

	group, err := h.svc.GetBatch(ctx, key)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(toBatchDTO(group)).Build()
}

func (h *Handler) attachPaymentReference(c echo.Context) error {
	b := response.New(c)
	id := c.Param("id")

	var payload struct {
		Reference string          `json:"reference"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.attachPaymentReference", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	orders, err := h.svc.AttachPaymentReference(ctx, id, payload.Reference, payload.Amount)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(ToDTOs(orders)).Build()
}

func (h *Handler) cancel(c echo.Context) error {
	b := response.New(c)
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.Cancel(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(ToDTO(order)).Build()
}

func (h *Handler) advance(c echo.Context) error {
	b := response.New(c)
	id := c.Param("id")

	var payload struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.advance", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.Advance(ctx, id, entity.Status(payload.Status))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(ToDTO(order)).Build()
}

// ToDTO converts an order into its wire form.
func ToDTO(order *entity.Order) dto.OrderResponse {
	items := make([]dto.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, dto.LineItem(item))
	}
	out := dto.OrderResponse{
		ID:                order.ID,
		Number:            order.Number,
		BatchOrderID:      order.BatchOrderID,
		Status:            order.Status.String(),
		Rail:              string(order.Rail),
		PaymentReference:  order.PaymentReference,
		ExpectedAmount:    order.ExpectedAmount,
		ExpectedRecipient: order.ExpectedRecipient,
		PayerWallet:       order.PayerWallet,
		Token:             order.Token().String(),
		Items:             items,
		ReceiptURL:        order.ReceiptURL,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
	if !order.ConfirmedAt.IsZero() {
		confirmed := order.ConfirmedAt
		out.ConfirmedAt = &confirmed
	}
	return out
}

// ToDTOs converts a slice of orders.
func ToDTOs(orders []*entity.Order) []dto.OrderResponse {
	out := make([]dto.OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, ToDTO(o))
	}
	return out
}

func toBatchDTO(g batch.Group) dto.BatchResponse {
	return dto.BatchResponse{
		Key:       g.Key,
		Status:    g.Status().String(),
		Total:     g.Total(),
		CreatedAt: g.CreatedAt,
		Orders:    ToDTOs(g.Orders),
	}
}
