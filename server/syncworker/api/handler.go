package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	commonauth "media_shuttle/server/common/auth"
	"media_shuttle/server/common/middleware"
	"media_shuttle/server/syncworker/service"
)

type Handler struct {
	processor *service.Processor
	cleaner   *service.CleanupRetrier
	feed      *service.OpsFeed
	auth      *commonauth.Service
}

func NewHandler(processor *service.Processor, cleaner *service.CleanupRetrier, feed *service.OpsFeed, auth *commonauth.Service) *Handler {
	return &Handler{processor: processor, cleaner: cleaner, feed: feed, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ops := r.Group("/")
	ops.Use(middleware.AuthRequired(h.auth), middleware.RequireRoles("operator", "admin"))
	{
		ops.GET("/stats", h.stats)
		ops.GET("/ws/events", h.feed.HandleWS)
	}
}

func (h *Handler) stats(c *gin.Context) {
	stats := h.processor.Stats.Snapshot()
	stats["cleanup_pending"] = int64(h.cleaner.PendingCount())
	stats["feed_subscribers"] = int64(h.feed.SubscriberCount())
	c.JSON(http.StatusOK, stats)
}
