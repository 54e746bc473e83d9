package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"media_shuttle/server/relay/service"
)

type Handler struct {
	relay      *service.RelayService
	reconciler *service.Reconciler
}

func NewHandler(relay *service.RelayService, reconciler *service.Reconciler) *Handler {
	return &Handler{relay: relay, reconciler: reconciler}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		stats := h.relay.Stats.Snapshot()
		stats["republished"] = h.reconciler.Republished.Load()
		c.JSON(http.StatusOK, stats)
	})
}
