package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/models"
	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/response"
)

// PreferenceHandler exposes HTTP endpoints for notification delivery settings.
type PreferenceHandler struct {
	service *services.PreferenceService
}

// NewPreferenceHandler constructs a preference handler.
func NewPreferenceHandler(db *gorm.DB) (*PreferenceHandler, error) {
	service, err := services.NewPreferenceService(db)
	if err != nil {
		return nil, err
	}
	return &PreferenceHandler{service: service}, nil
}

// List returns the current user's preferences, one entry per notification type.
func (h *PreferenceHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	items, err := h.service.List(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// Update upserts the preference for one notification type.
func (h *PreferenceHandler) Update(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	notificationType := models.NotificationType(strings.TrimSpace(c.Param("type")))

	var payload services.PreferenceUpdateInput
	if !bindAndValidate(c, &payload) {
		return
	}

	dto, err := h.service.Update(requestContext(c), userID, notificationType, payload)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// Reset drops every stored preference so defaults apply again.
func (h *PreferenceHandler) Reset(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.service.ResetDefaults(requestContext(c), userID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"reset": true})
}
