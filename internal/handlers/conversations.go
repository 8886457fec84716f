package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/models"
	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/response"
)

// ConversationHandler exposes HTTP endpoints for conversations and messages.
type ConversationHandler struct {
	service *services.ChatService
}

// NewConversationHandler constructs a conversation handler around an existing
// chat service so REST and the live gateway share one pipeline.
func NewConversationHandler(service *services.ChatService) (*ConversationHandler, error) {
	if service == nil {
		return nil, errors.ErrInternalServer.WithMessage("chat service must be provided")
	}
	return &ConversationHandler{service: service}, nil
}

// Create finds or creates the conversation with a recipient.
func (h *ConversationHandler) Create(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var payload struct {
		RecipientID    string `json:"recipient_id" validate:"required"`
		MatchID        string `json:"match_id"`
		InitialMessage string `json:"initial_message" validate:"max=4000"`
		MessageType    string `json:"message_type"`
	}
	if !bindAndValidate(c, &payload) {
		return
	}

	dto, err := h.service.CreateConversation(requestContext(c), userID, services.CreateConversationInput{
		RecipientID:    payload.RecipientID,
		MatchID:        payload.MatchID,
		InitialMessage: payload.InitialMessage,
		MessageType:    models.MessageType(payload.MessageType),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dto)
}

// List returns the current user's conversations.
func (h *ConversationHandler) List(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 20)

	items, total, err := h.service.ListConversations(requestContext(c), userID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, response.PageMeta(page, limit, total))
}

// Get returns a single conversation.
func (h *ConversationHandler) Get(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	dto, err := h.service.GetConversation(requestContext(c), userID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// Messages returns one page of messages in chronological order.
func (h *ConversationHandler) Messages(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	page := parseIntQuery(c, "page", 1)
	limit := parseIntQuery(c, "limit", 50)

	items, total, err := h.service.ListMessages(requestContext(c), userID, strings.TrimSpace(c.Param("id")), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, response.PageMeta(page, limit, total))
}

// Send persists a message to the conversation.
func (h *ConversationHandler) Send(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var payload struct {
		Content       string `json:"content" validate:"required,max=4000"`
		Type          string `json:"type"`
		AttachmentURL string `json:"attachment_url"`
	}
	if !bindAndValidate(c, &payload) {
		return
	}

	dto, err := h.service.SendMessage(requestContext(c), userID, strings.TrimSpace(c.Param("id")), services.SendMessageInput{
		Content:       payload.Content,
		Type:          models.MessageType(payload.Type),
		AttachmentURL: payload.AttachmentURL,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dto)
}

// MarkRead flips unread peer messages to read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	count, err := h.service.MarkConversationRead(requestContext(c), userID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"read_count": count})
}

// Delete soft-deletes the conversation for both participants.
func (h *ConversationHandler) Delete(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.service.DeleteConversation(requestContext(c), userID, strings.TrimSpace(c.Param("id"))); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}
