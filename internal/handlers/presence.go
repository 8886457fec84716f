package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/presence"
	"github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/response"
)

// PresenceHandler exposes online status and last-seen timestamps.
type PresenceHandler struct {
	registry *presence.Registry
	lastSeen presence.LastSeenStore
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(registry *presence.Registry, lastSeen presence.LastSeenStore) *PresenceHandler {
	return &PresenceHandler{registry: registry, lastSeen: lastSeen}
}

// Get reports whether a user is currently online and when they were last seen.
func (h *PresenceHandler) Get(c *gin.Context) {
	if c.GetString(middleware.CtxUserIDKey) == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	userID := strings.TrimSpace(c.Param("id"))
	if userID == "" {
		response.Error(c, errors.ErrNotFound)
		return
	}

	payload := gin.H{
		"user_id": userID,
		"online":  h.registry != nil && h.registry.Online(userID),
	}

	if h.lastSeen != nil {
		at, err := h.lastSeen.Get(requestContext(c), userID)
		if err != nil {
			response.Error(c, err)
			return
		}
		if at != nil {
			payload["last_seen_at"] = at
		}
	}

	response.Success(c, http.StatusOK, payload)
}
