package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonauth "media_shuttle/server/common/auth"
	"media_shuttle/server/common/middleware"
	"media_shuttle/server/common/transport/httpresp"
	"media_shuttle/server/authd/service"
	"media_shuttle/server/transfer/domain"
)

type Handler struct {
	transfers *service.AuthorizeService
	auth      *commonauth.Service
}

func NewHandler(transfers *service.AuthorizeService, auth *commonauth.Service) *Handler {
	return &Handler{transfers: transfers, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/transfers", h.authorizeTransfer)
		api.GET("/transfers", h.listTransfers)
		api.GET("/transfers/:transferId", h.getTransfer)
	}
}

func (h *Handler) authorizeTransfer(c *gin.Context) {
	ownerID, ok := middleware.OwnerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		DisplayName string `json:"display_name" binding:"required"`
		ContentType string `json:"content_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	grant, err := h.transfers.Authorize(c.Request.Context(), ownerID, req.DisplayName, req.ContentType)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		case errors.Is(err, domain.ErrAuthorizationFailed):
			c.JSON(http.StatusBadGateway, httpresp.NewErrorResponse(httpresp.ErrAuthorizationFailed))
		default:
			c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
		}
		return
	}
	c.JSON(http.StatusCreated, grant)
}

func (h *Handler) getTransfer(c *gin.Context) {
	ownerID, ok := middleware.OwnerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	item, err := h.transfers.GetTransfer(c.Request.Context(), ownerID, c.Param("transferId"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrTransferNotFound))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) listTransfers(c *gin.Context) {
	ownerID, ok := middleware.OwnerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.transfers.ListTransfers(c.Request.Context(), ownerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(httpresp.ErrInternal))
		return
	}
	c.JSON(http.StatusOK, items)
}
