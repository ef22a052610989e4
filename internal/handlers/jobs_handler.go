package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/victoralfred/execution-engine/internal/jobs"
)

// JobsHandler exposes the housekeeping job runner
type JobsHandler struct {
	runner *jobs.Runner
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(runner *jobs.Runner) *JobsHandler {
	return &JobsHandler{runner: runner}
}

// ListJobs returns every scheduled job with its last outcome
func (h *JobsHandler) ListJobs(c *gin.Context) {
	respond(c, http.StatusOK, h.runner.Jobs())
}

// RunJob executes a job now and returns its updated status
func (h *JobsHandler) RunJob(c *gin.Context) {
	name := c.Param("name")
	if err := h.runner.RunNow(name); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: ErrorBody{Code: "JOB_NOT_FOUND", Message: err.Error()}})
		return
	}
	for _, s := range h.runner.Jobs() {
		if s.Name == name {
			respond(c, http.StatusOK, s)
			return
		}
	}
	respond(c, http.StatusOK, gin.H{"name": name})
}
