package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/models"
	"github.com/dcastella/matcha/internal/realtime"
	apperrors "github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/logger"
	"github.com/dcastella/matcha/pkg/metrics"
)

const maxChatMessageLength = 4000

// RoomBroadcaster is the slice of the realtime hub the pipeline needs.
// Broadcasts are best-effort; persistence success is the source of truth.
type RoomBroadcaster interface {
	BroadcastRoom(room string, message realtime.Message)
	BroadcastAll(message realtime.Message)
}

// ConversationDTO is the API-facing conversation shape.
type ConversationDTO struct {
	ID            string      `json:"id"`
	Peer          *UserDTO    `json:"peer,omitempty"`
	MatchID       *string     `json:"match_id,omitempty"`
	LastMessageAt *time.Time  `json:"last_message_at,omitempty"`
	UnreadCount   int64       `json:"unread_count"`
	LastMessage   *MessageDTO `json:"last_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// MessageDTO is the API-facing message shape, with sender identity attached.
type MessageDTO struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	Sender         *UserDTO           `json:"sender,omitempty"`
	Content        string             `json:"content"`
	Type           models.MessageType `json:"type"`
	AttachmentURL  string             `json:"attachment_url,omitempty"`
	IsRead         bool               `json:"is_read"`
	ReadAt         *time.Time         `json:"read_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// CreateConversationInput carries the payload for conversation creation.
type CreateConversationInput struct {
	RecipientID    string
	MatchID        string
	InitialMessage string
	MessageType    models.MessageType
}

// SendMessageInput carries the payload for sending a chat message.
type SendMessageInput struct {
	Content       string
	Type          models.MessageType
	AttachmentURL string
}

// ChatService persists conversations and messages and triggers room broadcasts.
type ChatService struct {
	db         *gorm.DB
	rooms      RoomBroadcaster
	dispatcher *NotificationService
	pairMu     *keyedMutex
	timeNow    func() time.Time
	log        *zap.Logger
}

// NewChatService constructs the conversation/message pipeline.
// The broadcaster and dispatcher are optional so REST-only deployments and
// tests can run without live transports.
func NewChatService(db *gorm.DB, rooms RoomBroadcaster, dispatcher *NotificationService) (*ChatService, error) {
	if db == nil {
		return nil, errors.New("chat service: db is required")
	}
	return &ChatService{
		db:         db,
		rooms:      rooms,
		dispatcher: dispatcher,
		pairMu:     newKeyedMutex(),
		timeNow:    time.Now,
		log:        logger.WithModule("chat"),
	}, nil
}

// AttachBroadcaster late-binds the room broadcaster. The live gateway needs
// the chat service to exist first, so the hub is attached after construction.
func (s *ChatService) AttachBroadcaster(rooms RoomBroadcaster) {
	s.rooms = rooms
}

// CreateConversation finds or creates the conversation for the unordered
// (user, recipient) pair. The lookup-then-insert runs under a per-pair
// critical section so two concurrent calls cannot create duplicates.
func (s *ChatService) CreateConversation(ctx context.Context, userID string, input CreateConversationInput) (*ConversationDTO, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	recipientID := strings.TrimSpace(input.RecipientID)
	if userID == "" || recipientID == "" {
		return nil, apperrors.NewValidation("recipient is required")
	}
	if userID == recipientID {
		return nil, apperrors.NewValidation("cannot start a conversation with yourself")
	}

	var recipient models.User
	if err := s.db.WithContext(ctx).Take(&recipient, "id = ?", recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("recipient not found")
		}
		return nil, fmt.Errorf("chat service: load recipient: %w", err)
	}

	var matchID *string
	if trimmed := strings.TrimSpace(input.MatchID); trimmed != "" {
		var match models.Match
		if err := s.db.WithContext(ctx).Take(&match, "id = ?", trimmed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperrors.ErrNotFound.WithMessage("match not found")
			}
			return nil, fmt.Errorf("chat service: load match: %w", err)
		}
		if !match.Involves(userID, recipientID) {
			return nil, apperrors.NewValidation("match does not involve both participants")
		}
		matchID = &match.ID
	}

	unlock := s.pairMu.Lock(pairKey(userID, recipientID))
	defer unlock()

	a, b := models.OrderedPair(userID, recipientID)

	var conversation models.Conversation
	err := s.db.WithContext(ctx).
		Take(&conversation, "user_a_id = ? AND user_b_id = ?", a, b).Error
	switch {
	case err == nil:
		// Idempotent: reuse the existing conversation for the pair.
	case errors.Is(err, gorm.ErrRecordNotFound):
		conversation = models.Conversation{
			UserAID:  a,
			UserBID:  b,
			MatchID:  matchID,
			IsActive: true,
		}
		if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
			if isUniqueConstraintError(err) {
				if lookupErr := s.db.WithContext(ctx).
					Take(&conversation, "user_a_id = ? AND user_b_id = ?", a, b).Error; lookupErr != nil {
					return nil, fmt.Errorf("chat service: reload conversation: %w", lookupErr)
				}
			} else {
				return nil, fmt.Errorf("chat service: create conversation: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("chat service: lookup conversation: %w", err)
	}

	if content := strings.TrimSpace(input.InitialMessage); content != "" {
		if _, err := s.SendMessage(ctx, userID, conversation.ID, SendMessageInput{
			Content: content,
			Type:    input.MessageType,
		}); err != nil {
			return nil, err
		}
	}

	return s.GetConversation(ctx, userID, conversation.ID)
}

// SendMessage persists a message and, only after successful persistence,
// broadcasts it to the conversation room and notifies the peer.
func (s *ChatService) SendMessage(ctx context.Context, userID, conversationID string, input SendMessageInput) (*MessageDTO, error) {
	ctx = ensureContext(ctx)

	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(userID) {
		return nil, apperrors.ErrForbidden.WithMessage("you are not a participant of this conversation")
	}

	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, apperrors.NewValidation("message content is required")
	}
	if utf8.RuneCountInString(content) > maxChatMessageLength {
		return nil, apperrors.NewValidation("message content exceeds maximum length")
	}

	msgType := input.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	message := models.Message{
		ConversationID: conversation.ID,
		SenderID:       userID,
		Content:        content,
		Type:           msgType,
		AttachmentURL:  strings.TrimSpace(input.AttachmentURL),
	}

	now := s.timeNow().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversation.ID).
			Update("last_message_at", now).Error
	})
	if err != nil {
		return nil, fmt.Errorf("chat service: persist message: %w", err)
	}

	metrics.MessagesSent.WithLabelValues(string(msgType)).Inc()

	var sender models.User
	dto := mapMessage(message)
	if err := s.db.WithContext(ctx).Take(&sender, "id = ?", userID).Error; err == nil {
		senderDTO := mapUser(sender)
		dto.Sender = &senderDTO
	}

	s.broadcast(realtime.ConversationRoom(conversation.ID), "new_message", dto)

	if s.dispatcher != nil {
		peerID := conversation.PeerOf(userID)
		if _, err := s.dispatcher.Dispatch(ctx, DispatchInput{
			UserID:   peerID,
			SenderID: userID,
			Type:     models.NotificationTypeNewMessage,
			Title:    "New message",
			Body:     content,
			Payload: map[string]any{
				"conversation_id": conversation.ID,
				"message_id":      message.ID,
			},
			ActionURL: "/conversations/" + conversation.ID,
		}); err != nil {
			s.log.Warn("message notification failed",
				zap.String("conversation_id", conversation.ID), zap.Error(err))
		}
	}

	return &dto, nil
}

// MarkConversationRead flips every unread message not sent by this user to
// read and reports how many were affected. Calling it again immediately
// affects zero messages.
func (s *ChatService) MarkConversationRead(ctx context.Context, userID, conversationID string) (int64, error) {
	ctx = ensureContext(ctx)

	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conversation.HasParticipant(userID) {
		return 0, apperrors.ErrForbidden.WithMessage("you are not a participant of this conversation")
	}

	now := s.timeNow().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversation.ID, userID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("chat service: mark read: %w", result.Error)
	}

	s.broadcast(realtime.ConversationRoom(conversation.ID), "messages_read", map[string]any{
		"conversation_id": conversation.ID,
		"reader_id":       userID,
		"count":           result.RowsAffected,
	})

	return result.RowsAffected, nil
}

// ListConversations returns the user's active conversations ordered by recency.
func (s *ChatService) ListConversations(ctx context.Context, userID string, page, limit int) ([]ConversationDTO, int64, error) {
	ctx = ensureContext(ctx)
	page, limit = clampPage(page, limit, 20, 100)

	query := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("(user_a_id = ? OR user_b_id = ?) AND is_active = ?", userID, userID, true)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("chat service: count conversations: %w", err)
	}

	var rows []models.Conversation
	if err := query.
		Order("last_message_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("chat service: list conversations: %w", err)
	}

	items := make([]ConversationDTO, 0, len(rows))
	for _, row := range rows {
		dto, err := s.buildConversationDTO(ctx, userID, row)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, dto)
	}

	return items, total, nil
}

// GetConversation returns a single conversation with derived unread state.
func (s *ChatService) GetConversation(ctx context.Context, userID, conversationID string) (*ConversationDTO, error) {
	ctx = ensureContext(ctx)

	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(userID) {
		return nil, apperrors.ErrForbidden.WithMessage("you are not a participant of this conversation")
	}

	dto, err := s.buildConversationDTO(ctx, userID, *conversation)
	if err != nil {
		return nil, err
	}
	return &dto, nil
}

// ListMessages returns one page of messages in ascending creation order.
// The underlying query fetches newest-first and the page is reversed before
// returning; clients must treat this order as the ground truth, not the
// arrival order of live events.
func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID string, page, limit int) ([]MessageDTO, int64, error) {
	ctx = ensureContext(ctx)
	page, limit = clampPage(page, limit, 50, 200)

	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if !conversation.HasParticipant(userID) {
		return nil, 0, apperrors.ErrForbidden.WithMessage("you are not a participant of this conversation")
	}

	query := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", conversation.ID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("chat service: count messages: %w", err)
	}

	var rows []models.Message
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("chat service: list messages: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	items := make([]MessageDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapMessage(row))
	}
	return items, total, nil
}

// DeleteConversation soft-deletes; messages remain.
func (s *ChatService) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	ctx = ensureContext(ctx)

	conversation, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasParticipant(userID) {
		return apperrors.ErrForbidden.WithMessage("you are not a participant of this conversation")
	}

	return s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversation.ID).
		Update("is_active", false).Error
}

// ConversationIDsForUser returns ids of the user's active conversations,
// bounded by a single page. Users beyond the limit must join rooms
// explicitly; known scale limit of the room seeding on connect.
func (s *ChatService) ConversationIDsForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 200
	}

	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("(user_a_id = ? OR user_b_id = ?) AND is_active = ?", userID, userID, true).
		Order("last_message_at DESC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("chat service: conversation ids: %w", err)
	}
	return ids, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *ChatService) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	conversation, err := s.loadConversation(ensureContext(ctx), conversationID)
	if err != nil {
		return false, err
	}
	return conversation.HasParticipant(userID), nil
}

func (s *ChatService) loadConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperrors.ErrNotFound.WithMessage("conversation not found")
	}

	var conversation models.Conversation
	if err := s.db.WithContext(ctx).Take(&conversation, "id = ? AND is_active = ?", conversationID, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("conversation not found")
		}
		return nil, fmt.Errorf("chat service: load conversation: %w", err)
	}
	return &conversation, nil
}

func (s *ChatService) buildConversationDTO(ctx context.Context, userID string, row models.Conversation) (ConversationDTO, error) {
	dto := ConversationDTO{
		ID:            row.ID,
		MatchID:       row.MatchID,
		LastMessageAt: row.LastMessageAt,
		CreatedAt:     row.CreatedAt,
	}

	var peer models.User
	if err := s.db.WithContext(ctx).Take(&peer, "id = ?", row.PeerOf(userID)).Error; err == nil {
		peerDTO := mapUser(peer)
		dto.Peer = &peerDTO
	}

	// Unread counts are always recomputed by query, never stored.
	if err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", row.ID, userID, false).
		Count(&dto.UnreadCount).Error; err != nil {
		return dto, fmt.Errorf("chat service: unread count: %w", err)
	}

	var last models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", row.ID).
		Order("created_at DESC").
		Take(&last).Error; err == nil {
		lastDTO := mapMessage(last)
		dto.LastMessage = &lastDTO
	}

	return dto, nil
}

func (s *ChatService) broadcast(room, event string, data any) {
	if s.rooms == nil {
		return
	}
	metrics.RoomBroadcasts.WithLabelValues(event).Inc()
	s.rooms.BroadcastRoom(room, realtime.Message{Event: event, Data: data})
}

func mapMessage(row models.Message) MessageDTO {
	return MessageDTO{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		Content:        row.Content,
		Type:           row.Type,
		AttachmentURL:  row.AttachmentURL,
		IsRead:         row.IsRead,
		ReadAt:         row.ReadAt,
		CreatedAt:      row.CreatedAt,
	}
}
