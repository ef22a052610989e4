package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
)

// MarketHandler handles order books and slippage estimates
type MarketHandler struct {
	engine *engine.Engine
}

// NewMarketHandler creates a new market handler
func NewMarketHandler(e *engine.Engine) *MarketHandler {
	return &MarketHandler{engine: e}
}

// OrderBookRequest replaces the book of a symbol
type OrderBookRequest struct {
	Bids []domain.PriceLevel `json:"bids"`
	Asks []domain.PriceLevel `json:"asks"`
}

// UpdateOrderBook stores a new snapshot stamped with the engine clock
func (h *MarketHandler) UpdateOrderBook(c *gin.Context) {
	var req OrderBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	snap, err := domain.NewOrderBookSnapshot(c.Param("symbol"), req.Bids, req.Asks, h.engine.Clock().Now())
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.engine.UpdateOrderBook(snap); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, snap)
}

// EstimateSlippage predicts the slippage of ?side and ?quantity. With
// ?large=true the estimate includes market impact.
func (h *MarketHandler) EstimateSlippage(c *gin.Context) {
	side, ok := parseSide(c, c.Query("side"))
	if !ok {
		return
	}
	qty, ok := queryDecimal(c, "quantity")
	if !ok {
		return
	}
	p := h.engine.Predictor()
	estimate := p.EstimateSlippage
	if c.Query("large") == "true" {
		estimate = p.EstimateLargeOrderSlippage
	}
	est, err := estimate(c.Param("symbol"), side, qty)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, est)
}

// OptimalSize returns the largest quantity expected to stay within
// ?target_pct slippage
func (h *MarketHandler) OptimalSize(c *gin.Context) {
	side, ok := parseSide(c, c.Query("side"))
	if !ok {
		return
	}
	target, ok := queryFloat(c, "target_pct", 0)
	if !ok {
		return
	}
	symbol := c.Param("symbol")
	size, err := h.engine.Predictor().CalculateOptimalOrderSize(symbol, side, target)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"symbol": symbol, "side": side, "quantity": size})
}

// Calibration reports the learned correction factor of a symbol
func (h *MarketHandler) Calibration(c *gin.Context) {
	symbol := c.Param("symbol")
	respond(c, http.StatusOK, gin.H{
		"symbol": symbol,
		"factor": h.engine.Predictor().CalibrationFactor(symbol),
	})
}
