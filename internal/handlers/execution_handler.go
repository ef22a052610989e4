package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/services/algo"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
)

// ExecutionHandler handles standalone algorithmic executions
type ExecutionHandler struct {
	engine *engine.Engine
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(e *engine.Engine) *ExecutionHandler {
	return &ExecutionHandler{engine: e}
}

// StartExecutionRequest starts a run. With Wait the response is sent once
// the run finishes; otherwise it is 202 with the run just started.
type StartExecutionRequest struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol" binding:"required"`
	Side     domain.Side     `json:"side" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Algo     AlgoParams      `json:"algo"`
	Wait     bool            `json:"wait"`
}

// StartExecution starts an algorithmic execution
// @Summary Start algorithmic execution
// @Tags Executions
// @Accept json
// @Produce json
// @Param request body StartExecutionRequest true "Execution"
// @Success 202 {object} algo.Result
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/executions [post]
func (h *ExecutionHandler) StartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	spec, err := req.Algo.Spec()
	if err != nil {
		respondError(c, err)
		return
	}
	ar := algo.Request{
		OrderID:  req.OrderID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Algo:     spec,
	}
	ctx := c.Request.Context()
	if req.Wait {
		res, err := h.engine.SubmitAlgorithmicOrder(ctx, ar)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, res)
		return
	}
	run, err := h.engine.StartAlgorithmicOrder(ctx, ar)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, run.Result())
}

// ListExecutions returns every retained run, newest first
func (h *ExecutionHandler) ListExecutions(c *gin.Context) {
	runs := h.engine.Scheduler().Runs()
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	respond(c, http.StatusOK, runs)
}

// GetExecution returns the progress of one run
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	res, err := h.engine.Scheduler().Progress(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

// CancelExecution stops a run from releasing further slices
func (h *ExecutionHandler) CancelExecution(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.Scheduler().Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	res, err := h.engine.Scheduler().Progress(id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}
