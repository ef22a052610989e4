package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
	"github.com/victoralfred/execution-engine/internal/core/services/orders"
)

// OrderHandler handles parent order requests
type OrderHandler struct {
	engine *engine.Engine
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(e *engine.Engine) *OrderHandler {
	return &OrderHandler{engine: e}
}

// CreateOrderRequest represents a request to create a parent order. Type is
// one of MARKET, STOP_LOSS, TAKE_PROFIT, OCO, ICEBERG, TRAILING_STOP or
// BRACKET.
type CreateOrderRequest struct {
	Type            string             `json:"type" binding:"required"`
	Symbol          string             `json:"symbol" binding:"required"`
	Side            domain.Side        `json:"side" binding:"required"`
	Quantity        decimal.Decimal    `json:"quantity"`
	StopPrice       decimal.Decimal    `json:"stop_price"`
	TakeProfitPrice decimal.Decimal    `json:"take_profit_price"`
	TrailAmount     decimal.Decimal    `json:"trail_amount"`
	VisibleQuantity decimal.Decimal    `json:"visible_quantity"`
	EntryPrice      decimal.Decimal    `json:"entry_price"`
	ReferencePrice  decimal.Decimal    `json:"reference_price"`
	TimeInForce     domain.TimeInForce `json:"time_in_force"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"`
	Execution       *AlgoParams        `json:"execution,omitempty"`
}

// MarketPriceRequest is a trade print for one symbol
type MarketPriceRequest struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// CreateOrder creates a parent order of the requested type
// @Summary Create parent order
// @Tags Orders
// @Accept json
// @Produce json
// @Param request body CreateOrderRequest true "Order"
// @Success 201 {object} domain.ParentOrder
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/orders [post]
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	or := orders.OrderRequest{
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        req.Quantity,
		StopPrice:       req.StopPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		TrailAmount:     req.TrailAmount,
		VisibleQuantity: req.VisibleQuantity,
		EntryPrice:      req.EntryPrice,
		ReferencePrice:  req.ReferencePrice,
		TimeInForce:     req.TimeInForce,
		ExpiresAt:       req.ExpiresAt,
	}
	if req.Execution != nil {
		spec, err := req.Execution.Spec()
		if err != nil {
			respondError(c, err)
			return
		}
		or.Execution = &spec
	}

	ctx := c.Request.Context()
	m := h.engine.Orders()
	var (
		out any
		err error
	)
	switch strings.ToUpper(req.Type) {
	case "MARKET":
		out, err = m.CreateMarketOrder(ctx, or)
	case "STOP_LOSS":
		out, err = m.CreateStopLossOrder(ctx, or)
	case "TAKE_PROFIT":
		out, err = m.CreateTakeProfitOrder(ctx, or)
	case "OCO":
		out, err = m.CreateOCOOrder(ctx, or)
	case "ICEBERG":
		out, err = m.CreateIcebergOrder(ctx, or)
	case "TRAILING_STOP":
		out, err = m.CreateTrailingStopOrder(ctx, or)
	case "BRACKET":
		out, err = m.CreateBracketOrder(ctx, or)
	default:
		badRequest(c, "unknown order type "+req.Type)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

// GetOrder returns one parent order
func (h *OrderHandler) GetOrder(c *gin.Context) {
	o, err := h.engine.Orders().GetOrder(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, o)
}

// ListOrders returns every order, or those of ?symbol, oldest first. Only
// live ones with ?live=true.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	live := c.Query("live") == "true"
	out := h.engine.Orders().Orders(c.Query("symbol"), live)
	if out == nil {
		out = []*domain.ParentOrder{}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	respond(c, http.StatusOK, out)
}

// CancelOrder cancels a live order. Fills already applied are kept.
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	o, err := h.engine.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, o)
}

// GetMetrics returns the order counters
func (h *OrderHandler) GetMetrics(c *gin.Context) {
	respond(c, http.StatusOK, h.engine.Orders().Metrics())
}

// UpdateMarketPrice evaluates the live orders of a symbol against a new price
// @Summary Market price tick
// @Tags Market
// @Accept json
// @Param symbol path string true "Symbol"
// @Param request body MarketPriceRequest true "Price and traded volume"
// @Router /api/v1/market/{symbol}/price [post]
func (h *OrderHandler) UpdateMarketPrice(c *gin.Context) {
	var req MarketPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	symbol := c.Param("symbol")
	triggered, err := h.engine.UpdateMarketPrice(c.Request.Context(), symbol, req.Price, req.Volume)
	if err != nil {
		respondError(c, err)
		return
	}
	if triggered == nil {
		triggered = []string{}
	}
	respond(c, http.StatusOK, gin.H{"symbol": symbol, "triggered": triggered})
}
