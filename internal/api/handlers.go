// Package api exposes the batch control and observability endpoints.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/mailtriage/internal/backend"
	mailcache "github.com/jonesrussell/mailtriage/internal/cache"
	"github.com/jonesrussell/mailtriage/internal/logging"
	"github.com/jonesrussell/mailtriage/internal/orchestrator"
	"github.com/jonesrussell/mailtriage/internal/scheduler"
	"github.com/jonesrussell/mailtriage/internal/store"
)

// Handler handles HTTP requests for the mailtriage API.
type Handler struct {
	orch      *orchestrator.Orchestrator
	mailStore orchestrator.MailStore
	cache     mailcache.Store
	reviews   *store.Store
	sched     *scheduler.Scheduler
	logger    logging.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	orch *orchestrator.Orchestrator,
	mailStore orchestrator.MailStore,
	cacheStore mailcache.Store,
	reviews *store.Store,
	sched *scheduler.Scheduler,
	logger logging.Logger,
) *Handler {
	return &Handler{
		orch:      orch,
		mailStore: mailStore,
		cache:     cacheStore,
		reviews:   reviews,
		sched:     sched,
		logger:    logger,
	}
}

// StartBatchRequest starts a batch run over explicit message IDs or a folder.
type StartBatchRequest struct {
	MessageIDs []string `json:"message_ids"`
	Folder     string   `json:"folder"`
	BackendID  string   `json:"backend_id" binding:"required"`
	Priority   int      `json:"priority"`
}

// StartBatch handles POST /api/v1/batches.
func (h *Handler) StartBatch(c *gin.Context) {
	var req StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid batch request", logging.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	messageIDs := req.MessageIDs
	if len(messageIDs) == 0 {
		ids, err := h.mailStore.ListMessages(c.Request.Context(), req.Folder)
		if err != nil {
			h.logger.Error("Failed to list messages", logging.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		messageIDs = ids
	}
	if len(messageIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no messages to process"})
		return
	}

	// The run outlives this request; it is cancelled through the API, not
	// by the client disconnecting.
	err := h.orch.Start(context.Background(), messageIDs, orchestrator.RunSettings{
		BackendID: req.BackendID,
		Priority:  req.Priority,
	})
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, backend.ErrNotConfigured):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to start batch", logging.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, h.orch.Progress())
}

// GetProgress handles GET /api/v1/batches/current.
func (h *Handler) GetProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Progress())
}

// CancelBatch handles POST /api/v1/batches/cancel.
func (h *Handler) CancelBatch(c *gin.Context) {
	h.orch.Cancel()
	c.JSON(http.StatusAccepted, h.orch.Progress())
}

// GetCacheStats handles GET /api/v1/cache/stats.
func (h *Handler) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

// ListFlagged handles GET /api/v1/reviews/:run_id.
func (h *Handler) ListFlagged(c *gin.Context) {
	runID := c.Param("run_id")
	reviews, err := h.reviews.ListFlagged(c.Request.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to list flagged reviews", logging.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "reviews": reviews})
}

// GetSchedulerStats handles GET /api/v1/scheduler/stats.
func (h *Handler) GetSchedulerStats(c *gin.Context) {
	stats := make(map[string]gin.H)
	for _, name := range h.sched.Backends() {
		stats[name] = gin.H{
			"queue_depth": h.sched.QueueDepth(name),
			"tokens":      h.sched.Tokens(name),
		}
	}
	c.JSON(http.StatusOK, stats)
}
