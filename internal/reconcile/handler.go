package reconcile

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"memoryvault/internal/pkg/response"
)

type Handler struct {
	sweeper *Sweeper
}

func NewHandler(sweeper *Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// RegisterRoutes expects an admin-only group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/reconcile", h.Status)
	rg.POST("/reconcile", h.Run)
}

func (h *Handler) Status(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"in_progress": h.sweeper.IsInProgress()})
}

// Run performs a sweep synchronously and returns its report.
func (h *Handler) Run(c *gin.Context) {
	report, err := h.sweeper.RunOnce(c.Request.Context())
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		response.Error(c, http.StatusConflict, "SWEEP_IN_PROGRESS", "A reconciliation sweep is already running")
	case err != nil:
		c.Error(err)
		response.ErrorWithDetails(c, http.StatusInternalServerError, "SWEEP_FAILED", err.Error(), report)
	default:
		response.Success(c, http.StatusOK, report)
	}
}
