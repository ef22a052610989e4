package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
)

// VenueHandler handles venue registration and routing
type VenueHandler struct {
	engine *engine.Engine
}

// NewVenueHandler creates a new venue handler
func NewVenueHandler(e *engine.Engine) *VenueHandler {
	return &VenueHandler{engine: e}
}

// RegisterVenueRequest describes a venue. Latency is a duration string.
type RegisterVenueRequest struct {
	ID          string                     `json:"id" binding:"required"`
	Name        string                     `json:"name"`
	Fees        domain.FeeSchedule         `json:"fees"`
	Latency     string                     `json:"latency"`
	Reliability float64                    `json:"reliability"`
	Symbols     []string                   `json:"symbols"`
	Liquidity   map[string]decimal.Decimal `json:"liquidity"`
	Available   *bool                      `json:"available,omitempty"`
}

// LiquidityRequest sets the liquidity a venue offers for a symbol
type LiquidityRequest struct {
	Symbol    string          `json:"symbol" binding:"required"`
	Liquidity decimal.Decimal `json:"liquidity"`
}

// RoutePreviewRequest asks how an order would be split
type RoutePreviewRequest struct {
	Symbol   string          `json:"symbol" binding:"required"`
	Side     domain.Side     `json:"side" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Urgency  float64         `json:"urgency"`
}

// RegisterVenue adds or replaces a venue. A venue below the router's minimum
// reliability is registered unavailable; available=false forces that too.
func (h *VenueHandler) RegisterVenue(c *gin.Context) {
	var req RegisterVenueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	latency, err := parseDuration("RegisterVenue", "latency", req.Latency)
	if err != nil {
		respondError(c, err)
		return
	}
	profile := domain.VenueProfile{
		ID:          req.ID,
		Name:        req.Name,
		Fees:        req.Fees,
		Latency:     latency,
		Reliability: req.Reliability,
		Symbols:     req.Symbols,
		Liquidity:   req.Liquidity,
	}
	if err := h.engine.RegisterVenue(profile); err != nil {
		respondError(c, err)
		return
	}
	if req.Available != nil && !*req.Available {
		if err := h.engine.Router().SetVenueAvailability(req.ID, false); err != nil {
			respondError(c, err)
			return
		}
	}
	v, err := h.engine.Router().Venue(req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, v)
}

// ListVenues returns every registered venue
func (h *VenueHandler) ListVenues(c *gin.Context) {
	respond(c, http.StatusOK, h.engine.Router().Venues())
}

// GetVenue returns one venue
func (h *VenueHandler) GetVenue(c *gin.Context) {
	v, err := h.engine.Router().Venue(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, v)
}

// UpdateLiquidity sets a venue's liquidity for one symbol
func (h *VenueHandler) UpdateLiquidity(c *gin.Context) {
	var req LiquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := c.Param("id")
	if err := h.engine.UpdateVenueLiquidity(id, req.Symbol, req.Liquidity); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"venue_id": id, "symbol": req.Symbol, "liquidity": req.Liquidity})
}

// SetAvailability takes a venue in or out of routing
func (h *VenueHandler) SetAvailability(c *gin.Context) {
	var req struct {
		Available bool `json:"available"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := c.Param("id")
	if err := h.engine.Router().SetVenueAvailability(id, req.Available); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"venue_id": id, "available": req.Available})
}

// GetMode returns the routing cost mode
func (h *VenueHandler) GetMode(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"mode": h.engine.Router().Mode()})
}

// SetMode changes the routing cost mode
func (h *VenueHandler) SetMode(c *gin.Context) {
	var req struct {
		Mode domain.CostMode `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.engine.Router().SetMode(req.Mode); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"mode": req.Mode})
}

// PreviewRoute computes a routing decision without executing it
func (h *VenueHandler) PreviewRoute(c *gin.Context) {
	var req RoutePreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	decision, err := h.engine.Router().RouteOrder(req.Symbol, req.Side, req.Quantity, req.Urgency)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, decision)
}
