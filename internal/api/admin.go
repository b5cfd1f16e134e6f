// Package api exposes the operator surface: budget inspection and
// control, run inspection and replay. The product API lives elsewhere.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"infosentry/internal/models"
	"infosentry/internal/orchestrator"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
)

type budgetAdmin interface {
	Snapshot(ctx context.Context) (*models.BudgetSnapshot, error)
	Reset(ctx context.Context) error
	ForceDisable(ctx context.Context, kind models.BudgetKind) error
	Enable(ctx context.Context, kind models.BudgetKind) error
}

type runReader interface {
	GetByID(ctx context.Context, runID string) (*models.RunRecord, error)
}

type replayer interface {
	Replay(ctx context.Context, runID string) (*orchestrator.ReplayResult, error)
}

// Handlers is the admin handler set.
type Handlers struct {
	budget budgetAdmin
	runs   runReader
	replay replayer
	logger logging.Logger
}

func NewHandlers(budget budgetAdmin, runs runReader, replay replayer, logger logging.Logger) *Handlers {
	return &Handlers{budget: budget, runs: runs, replay: replay, logger: logger}
}

// Register mounts the admin routes.
func (h *Handlers) Register(router gin.IRouter) {
	admin := router.Group("/admin")
	admin.GET("/budget", h.getBudget)
	admin.POST("/budget/reset", h.resetBudget)
	admin.POST("/budget/:kind/disable", h.disableBudget)
	admin.POST("/budget/:kind/enable", h.enableBudget)
	admin.GET("/runs/:id", h.getRun)
	admin.POST("/runs/:id/replay", h.replayRun)
}

func (h *Handlers) getBudget(c *gin.Context) {
	snap, err := h.budget.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read budget snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read budget"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handlers) resetBudget(c *gin.Context) {
	if err := h.budget.Reset(c.Request.Context()); err != nil {
		h.logger.WithError(err).Error("Failed to reset budget")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset budget"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (h *Handlers) disableBudget(c *gin.Context) {
	kind, ok := budgetKind(c)
	if !ok {
		return
	}
	if err := h.budget.ForceDisable(c.Request.Context(), kind); err != nil {
		h.logger.WithError(err).Error("Failed to disable budget kind")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled", "kind": kind})
}

func (h *Handlers) enableBudget(c *gin.Context) {
	kind, ok := budgetKind(c)
	if !ok {
		return
	}
	if err := h.budget.Enable(c.Request.Context(), kind); err != nil {
		h.logger.WithError(err).Error("Failed to enable budget kind")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled", "kind": kind})
}

func (h *Handlers) getRun(c *gin.Context) {
	run, err := h.runs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.WithError(err).Error("Failed to load run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handlers) replayRun(c *gin.Context) {
	result, err := h.replay.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.WithError(err).Error("Replay failed")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id": result.RunID,
		"clean":  result.Clean(),
		"diff":   result,
	})
}

func budgetKind(c *gin.Context) (models.BudgetKind, bool) {
	kind := models.BudgetKind(c.Param("kind"))
	if kind != models.BudgetEmbedding && kind != models.BudgetJudge {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be embedding or judge"})
		return "", false
	}
	return kind, true
}
