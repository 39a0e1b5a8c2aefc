package trading

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-oms/internal/auth"
	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/orders"
	"github.com/ksred/klear-oms/internal/types"
	"github.com/ksred/klear-oms/pkg/response"
)

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to place orders.
// Requires a valid JWT token and an Idempotency-Key header.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var intent types.OrderIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
		intent.Side = types.Side(strings.ToUpper(string(intent.Side)))
		intent.Kind = types.OrderKind(strings.ToUpper(string(intent.Kind)))
		if intent.Kind == "" {
			intent.Kind = types.KindMarket
		}
		// Client-submitted intents may not pose as exit manager orders.
		intent.CloseReason = ""

		clientID := clientIDFrom(c)
		if intent.Strategy == "" {
			intent.Strategy = clientID
		}

		order, replayed, err := h.service.PlaceOrder(c.Request.Context(), intent, idempotencyKey, clientID)
		if err != nil {
			respondError(c, err)
			return
		}
		if replayed {
			c.Header("Idempotent-Replayed", "true")
		}
		response.Success(c, PlaceResult{Order: order, Replayed: replayed})
	}
}

// GetOrderHandler returns one order, active or archived.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}
		order, err := h.service.GetOrder(c.Request.Context(), orderID)
		if err != nil {
			respondError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// CancelOrderHandler handles DELETE requests. In live mode the returned
// order is still working; the cancellation lands through reconciliation.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Engine().ListOrders())
	}
}

func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Engine().GetOpenPositions())
	}
}

func (h *GinHandlers) ClosedPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Engine().ClosedPositions())
	}
}

func (h *GinHandlers) MetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Engine().GetMetrics())
	}
}

// MarketTickHandler handles POST requests carrying market snapshots.
// Internal only.
func (h *GinHandlers) MarketTickHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TickRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		for i := range req.Snapshots {
			req.Snapshots[i].Symbol = strings.ToUpper(req.Snapshots[i].Symbol)
			if req.Snapshots[i].Symbol == "" {
				response.BadRequest(c, "every snapshot needs a symbol")
				return
			}
		}
		exits := h.service.MarketUpdate(c.Request.Context(), req.Snapshots)
		response.Success(c, ExitResult{ExitOrders: nonNil(exits)})
	}
}

// CandleCloseHandler handles POST requests announcing a completed bar.
// Internal only.
func (h *GinHandlers) CandleCloseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var candle types.CandleClose
		if err := c.ShouldBindJSON(&candle); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		candle.Symbol = strings.ToUpper(candle.Symbol)
		if candle.Symbol == "" {
			response.BadRequest(c, "symbol is required")
			return
		}
		exits := h.service.CandleClose(c.Request.Context(), candle)
		response.Success(c, ExitResult{ExitOrders: nonNil(exits)})
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case orders.IsValidation(err):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, execution.ErrOrderNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, execution.ErrOrderTerminal), errors.Is(err, execution.ErrOrderInFlight):
		response.InvalidState(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}

func clientIDFrom(c *gin.Context) string {
	if id := c.GetString("clientID"); id != "" {
		return id
	}
	if claims, ok := c.Get("claims"); ok {
		return auth.GetClientID(claims)
	}
	return ""
}

func nonNil(list []types.Order) []types.Order {
	if list == nil {
		return []types.Order{}
	}
	return list
}
