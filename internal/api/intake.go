package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"infosentry/internal/config"
	"infosentry/internal/models"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
)

type itemGetter interface {
	GetByID(ctx context.Context, itemID string) (*models.Item, error)
}

type matcher interface {
	MatchItemToGoals(ctx context.Context, item *models.Item) ([]*models.MatchRecord, error)
}

type immediateRunner interface {
	RunImmediate(ctx context.Context, match *models.MatchRecord) (*models.RunRecord, error)
}

// IntakeHandlers is the internal trigger surface. Upstream ingestion
// posts here after an item lands; matching and pipeline runs happen
// synchronously so the caller sees the outcome.
type IntakeHandlers struct {
	items      itemGetter
	engine     matcher
	runner     immediateRunner
	thresholds config.Thresholds
	logger     logging.Logger
}

func NewIntakeHandlers(items itemGetter, engine matcher, runner immediateRunner, thresholds config.Thresholds, logger logging.Logger) *IntakeHandlers {
	return &IntakeHandlers{
		items:      items,
		engine:     engine,
		runner:     runner,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Register mounts the internal trigger routes.
func (h *IntakeHandlers) Register(router gin.IRouter) {
	internal := router.Group("/internal")
	internal.POST("/items/:id/match", h.matchItem)
}

type matchItemResponse struct {
	ItemID  string   `json:"item_id"`
	Matches int      `json:"matches"`
	Runs    []string `json:"runs"`
}

// matchItem scores the item against every active goal and runs the
// decision pipeline for each match above the batch floor. Blocked or
// sub-floor matches are persisted but never start a run.
func (h *IntakeHandlers) matchItem(c *gin.Context) {
	ctx := c.Request.Context()

	item, err := h.items.GetByID(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		h.logger.WithError(err).Error("Failed to load item for matching")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load item"})
		return
	}

	records, err := h.engine.MatchItemToGoals(ctx, item)
	if err != nil {
		h.logger.WithError(err).WithField("item_id", item.ID).Error("Matching failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "matching failed"})
		return
	}

	resp := matchItemResponse{ItemID: item.ID, Matches: len(records), Runs: []string{}}
	for _, rec := range records {
		if rec.Reasons.Blocked || rec.Score < h.thresholds.Batch {
			continue
		}
		run, err := h.runner.RunImmediate(ctx, rec)
		if err != nil {
			h.logger.WithError(err).WithFields(logging.Fields{
				"goal_id": rec.GoalID,
				"item_id": rec.ItemID,
			}).Error("Pipeline run failed")
			continue
		}
		resp.Runs = append(resp.Runs, run.ID)
	}

	c.JSON(http.StatusOK, resp)
}
