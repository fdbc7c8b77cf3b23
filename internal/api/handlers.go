// Package api exposes the orchestrator over HTTP so agents on other hosts
// can claim work and report results.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/storage"
)

// WorkflowSource returns the installed workflows by id.
type WorkflowSource func() (map[string]*models.WorkflowSpec, error)

type Handler struct {
	orch      *orchestrator.Orchestrator
	workflows WorkflowSource
}

func NewHandler(orch *orchestrator.Orchestrator, workflows WorkflowSource) *Handler {
	return &Handler{orch: orch, workflows: workflows}
}

type StartRunRequest struct {
	Workflow        string `json:"workflow" binding:"required"`
	Task            string `json:"task" binding:"required"`
	NotifyURL       string `json:"notify_url"`
	AllowConcurrent bool   `json:"allow_concurrent"`
}

type ClaimRequest struct {
	Agent string `json:"agent" binding:"required"`
}

type CompleteRequest struct {
	Output string `json:"output" binding:"required"`
}

type FailRequest struct {
	Error string `json:"error" binding:"required"`
}

func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specs, err := h.workflows()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	wf, ok := specs[req.Workflow]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}

	run, err := h.orch.StartRun(c, wf, req.Task, orchestrator.RunOptions{
		NotifyURL:       req.NotifyURL,
		AllowConcurrent: req.AllowConcurrent,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h *Handler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	runs, err := h.orch.ListRuns(c, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) GetRun(c *gin.Context) {
	d, err := h.orch.RunDetail(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteRun(c *gin.Context) {
	if err := h.orch.DeleteRun(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "run deleted"})
}

func (h *Handler) ResumeRun(c *gin.Context) {
	res, err := h.orch.Resume(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RunEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	events, err := h.orch.Events(c, storage.EventFilter{RunID: c.Param("id"), Limit: limit})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Claim answers 204 when the agent has no pending work.
func (h *Handler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claim, err := h.orch.Claim(c, req.Agent)
	if err != nil {
		respondError(c, err)
		return
	}
	if claim == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (h *Handler) CompleteStep(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orch.Complete(c, c.Param("id"), req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) FailStep(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orch.Fail(c, c.Param("id"), req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) StaleRuns(c *gin.Context) {
	stale, err := h.orch.StaleRuns(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stale": stale, "threshold": h.orch.StaleThreshold().String()})
}

func (h *Handler) FailStaleRuns(c *gin.Context) {
	failed, err := h.orch.FailStaleRuns(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": failed})
}

// respondError maps orchestrator errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound), errors.Is(err, orchestrator.ErrStepNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunActive),
		errors.Is(err, orchestrator.ErrRunNotRunning),
		errors.Is(err, orchestrator.ErrRunNotFailed),
		errors.Is(err, orchestrator.ErrStepNotRunning),
		errors.Is(err, orchestrator.ErrNoFailedStep),
		errors.Is(err, orchestrator.ErrRunIsRunning):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrSchedulingUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
