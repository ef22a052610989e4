package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/victoralfred/execution-engine/internal/core/domain"
	"github.com/victoralfred/execution-engine/internal/core/ports"
	"github.com/victoralfred/execution-engine/internal/core/services/monitor"
)

// AnalyticsHandler serves slippage statistics and record export
type AnalyticsHandler struct {
	monitor   *monitor.Monitor
	exporters []ports.RecordExporter
}

// NewAnalyticsHandler creates a new analytics handler. exporters may be empty.
func NewAnalyticsHandler(m *monitor.Monitor, exporters ...ports.RecordExporter) *AnalyticsHandler {
	return &AnalyticsHandler{monitor: m, exporters: exporters}
}

// GetStatistics returns the overall slippage statistics
func (h *AnalyticsHandler) GetStatistics(c *gin.Context) {
	respond(c, http.StatusOK, h.monitor.GetOverallStatistics())
}

// GetAnalysis returns the slippage analysis of one symbol
func (h *AnalyticsHandler) GetAnalysis(c *gin.Context) {
	a, err := h.monitor.AnalyzeSlippageHistory(c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, a)
}

// GetAlerts returns the retained slippage alerts
func (h *AnalyticsHandler) GetAlerts(c *gin.Context) {
	respond(c, http.StatusOK, h.monitor.Alerts())
}

// GetRecords returns the retained records, filtered by ?symbol
func (h *AnalyticsHandler) GetRecords(c *gin.Context) {
	recs := h.monitor.ExportRecords(c.Query("symbol"))
	if recs == nil {
		recs = []domain.SlippageRecord{}
	}
	respond(c, http.StatusOK, recs)
}

// ExportRecords pushes the retained records through every exporter
func (h *AnalyticsHandler) ExportRecords(c *gin.Context) {
	if len(h.exporters) == 0 {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorBody{
			Code:    "NO_EXPORTERS",
			Message: "no record exporter is configured",
		}})
		return
	}
	written := make(map[string]int, len(h.exporters))
	failed := make(map[string]string)
	for _, exp := range h.exporters {
		n, err := h.monitor.Export(c.Request.Context(), exp)
		written[exp.Name()] = n
		if err != nil {
			failed[exp.Name()] = err.Error()
		}
	}
	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	}
	respond(c, status, gin.H{"written": written, "failed": failed})
}
