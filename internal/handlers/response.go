// Package handlers exposes the execution engine over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// ErrorBody describes what went wrong
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var codeStatus = map[domain.ErrorCode]int{
	domain.CodeValidation:             http.StatusBadRequest,
	domain.CodeOrderNotFound:          http.StatusNotFound,
	domain.CodeRunNotFound:            http.StatusNotFound,
	domain.CodeVenueNotFound:          http.StatusNotFound,
	domain.CodeInvalidStateTransition: http.StatusConflict,
	domain.CodeInsufficientLiquidity:  http.StatusUnprocessableEntity,
	domain.CodeStaleOrderBook:         http.StatusUnprocessableEntity,
	domain.CodeNoOrderBook:            http.StatusUnprocessableEntity,
	domain.CodeInsufficientData:       http.StatusUnprocessableEntity,
	domain.CodeSliceFailed:            http.StatusBadGateway,
	domain.CodeShutdown:               http.StatusServiceUnavailable,
}

// StatusFor maps an engine error onto an HTTP status
func StatusFor(err error) int {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		if status, ok := codeStatus[ee.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := ErrorBody{Code: "INTERNAL_ERROR", Message: "internal error"}
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		body = ErrorBody{Code: string(ee.Code), Message: ee.Message, Details: ee.Details}
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: body})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: string(domain.CodeValidation), Message: msg}})
}

func parseSide(c *gin.Context, raw string) (domain.Side, bool) {
	side, ok := domain.ParseSide(raw)
	if !ok {
		badRequest(c, "side must be BUY or SELL")
	}
	return side, ok
}

func queryDecimal(c *gin.Context, key string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(c.Query(key))
	if err != nil {
		badRequest(c, key+" must be a decimal number")
		return decimal.Zero, false
	}
	return v, true
}

func queryFloat(c *gin.Context, key string, def float64) (float64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		badRequest(c, key+" must be a number")
		return 0, false
	}
	return v, true
}
