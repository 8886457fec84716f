package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/response"
)

// MatchHandler exposes HTTP endpoints for the like/pass state machine.
type MatchHandler struct {
	service *services.MatchService
}

// NewMatchHandler constructs a match handler.
func NewMatchHandler(db *gorm.DB, dispatcher *services.NotificationService) (*MatchHandler, error) {
	service, err := services.NewMatchService(db, dispatcher)
	if err != nil {
		return nil, err
	}
	return &MatchHandler{service: service}, nil
}

// Act records a like or pass toward another user.
func (h *MatchHandler) Act(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var payload struct {
		TargetUserID string `json:"target_user_id" validate:"required"`
		Action       string `json:"action" validate:"required,oneof=like pass"`
		SuperLike    bool   `json:"super_like"`
	}
	if !bindAndValidate(c, &payload) {
		return
	}

	result, err := h.service.Act(requestContext(c), userID, payload.TargetUserID,
		services.MatchAction(payload.Action), payload.SuperLike)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

// Potentials lists candidate profiles ranked by compatibility.
func (h *MatchHandler) Potentials(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 20)

	items, err := h.service.Potentials(requestContext(c), userID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// List returns the current user's mutual matches.
func (h *MatchHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 20)

	items, err := h.service.ListMutual(requestContext(c), userID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// Likes returns pending likes aimed at the current user.
func (h *MatchHandler) Likes(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 20)

	items, err := h.service.ListReceivedLikes(requestContext(c), userID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, items)
}

// MarkRead flags one match row as seen by the current user.
func (h *MatchHandler) MarkRead(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	matchID := strings.TrimSpace(c.Param("id"))
	if err := h.service.MarkRead(requestContext(c), userID, matchID); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"read": true})
}
