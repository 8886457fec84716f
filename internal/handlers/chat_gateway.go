package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	iauth "github.com/dcastella/matcha/internal/auth"
	"github.com/dcastella/matcha/internal/models"
	"github.com/dcastella/matcha/internal/presence"
	"github.com/dcastella/matcha/internal/realtime"
	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/logger"
	"github.com/dcastella/matcha/pkg/metrics"
	"github.com/dcastella/matcha/pkg/response"
)

// ChatGateway bridges the room hub and the chat pipeline. It owns the hub
// callbacks: connection bookkeeping, room membership and the event protocol.
type ChatGateway struct {
	hub       *realtime.Hub
	jwt       *iauth.JWTService
	chat      *services.ChatService
	registry  *presence.Registry
	lastSeen  presence.LastSeenStore
	seedLimit int
	log       *zap.Logger
}

// NewChatGateway wires the gateway and constructs its hub. The returned
// gateway's Hub() doubles as the chat service's room broadcaster. seedLimit
// bounds how many conversation rooms a connection is subscribed to on
// connect; zero picks the service default.
func NewChatGateway(jwt *iauth.JWTService, chat *services.ChatService, registry *presence.Registry, lastSeen presence.LastSeenStore, bufferSize, seedLimit int) *ChatGateway {
	g := &ChatGateway{
		jwt:       jwt,
		chat:      chat,
		registry:  registry,
		lastSeen:  lastSeen,
		seedLimit: seedLimit,
		log:       logger.WithModule("chat.gateway"),
	}
	g.hub = realtime.NewHub(realtime.Callbacks{
		OnConnect:    g.onConnect,
		OnDisconnect: g.onDisconnect,
		OnEvent:      g.onEvent,
	}, bufferSize)
	return g
}

// Hub exposes the room hub for broadcaster wiring.
func (g *ChatGateway) Hub() *realtime.Hub { return g.hub }

// Online reports whether the user has at least one live chat connection.
func (g *ChatGateway) Online(userID string) bool {
	return g.registry.Online(userID)
}

// Stream validates the caller and upgrades the request to the chat socket.
func (g *ChatGateway) Stream(c *gin.Context) {
	if g.jwt == nil || g.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = iauth.BearerFromHeader(c.GetHeader("Authorization"))
	}
	if token == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	identity, err := g.jwt.ValidateAccessToken(token)
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	g.hub.Serve(identity.UserID, identity.Role, c.Writer, c.Request)
}

// onConnect registers the connection, seeds the client's rooms and announces
// presence. A status event goes out on every registry add; the user counts as
// online while at least one registry entry exists.
func (g *ChatGateway) onConnect(c *realtime.Client) {
	metrics.LiveConnections.WithLabelValues("chat").Inc()
	g.registry.Add(c.ID(), c.UserID())

	g.hub.Join(c, realtime.UserRoom(c.UserID()))

	ctx := context.Background()
	ids, err := g.chat.ConversationIDsForUser(ctx, c.UserID(), g.seedLimit)
	if err != nil {
		g.log.Warn("room seeding failed", zap.String("user_id", c.UserID()), zap.Error(err))
	}
	for _, id := range ids {
		g.hub.Join(c, realtime.ConversationRoom(id))
	}

	g.touchLastSeen(ctx, c.UserID())

	g.hub.BroadcastAll(realtime.Message{
		Event: "user_status",
		Data:  gin.H{"user_id": c.UserID(), "status": "online"},
	})
}

// onDisconnect drops the registry entry and announces presence. The status
// stays online until the user's last connection is removed.
func (g *ChatGateway) onDisconnect(c *realtime.Client) {
	metrics.LiveConnections.WithLabelValues("chat").Dec()
	userID, last := g.registry.Remove(c.ID())
	if userID == "" {
		return
	}

	g.touchLastSeen(context.Background(), userID)

	data := gin.H{"user_id": userID, "status": "online"}
	if last {
		data = gin.H{"user_id": userID, "status": "offline", "last_seen_at": time.Now().UTC()}
	}
	g.hub.BroadcastAll(realtime.Message{Event: "user_status", Data: data})
}

type joinPayload struct {
	ConversationID string `json:"conversation_id"`
}

type sendPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	AttachmentURL  string `json:"attachment_url"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

// onEvent services the socket protocol. Errors become error acks; the
// connection stays up regardless of the outcome.
func (g *ChatGateway) onEvent(ctx context.Context, c *realtime.Client, event realtime.ClientEvent) (any, error) {
	switch event.Event {
	case "join_conversation":
		var payload joinPayload
		if err := decodeEvent(event.Data, &payload); err != nil {
			return nil, err
		}
		ok, err := g.chat.IsParticipant(ctx, c.UserID(), payload.ConversationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.ErrForbidden.WithMessage("you are not a participant of this conversation")
		}
		g.hub.Join(c, realtime.ConversationRoom(payload.ConversationID))
		return gin.H{"room": realtime.ConversationRoom(payload.ConversationID)}, nil

	case "leave_conversation":
		var payload joinPayload
		if err := decodeEvent(event.Data, &payload); err != nil {
			return nil, err
		}
		g.hub.Leave(c, realtime.ConversationRoom(payload.ConversationID))
		return gin.H{"room": realtime.ConversationRoom(payload.ConversationID)}, nil

	case "send_message":
		var payload sendPayload
		if err := decodeEvent(event.Data, &payload); err != nil {
			return nil, err
		}
		dto, err := g.chat.SendMessage(ctx, c.UserID(), payload.ConversationID, services.SendMessageInput{
			Content:       payload.Content,
			Type:          models.MessageType(payload.Type),
			AttachmentURL: payload.AttachmentURL,
		})
		if err != nil {
			return nil, err
		}
		return dto, nil

	case "typing":
		var payload typingPayload
		if err := decodeEvent(event.Data, &payload); err != nil {
			return nil, err
		}
		ok, err := g.chat.IsParticipant(ctx, c.UserID(), payload.ConversationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.ErrForbidden.WithMessage("you are not a participant of this conversation")
		}
		// Ephemeral relay, nothing is persisted.
		g.hub.BroadcastRoomExcept(realtime.ConversationRoom(payload.ConversationID), c, realtime.Message{
			Event: "typing_status",
			Data:  gin.H{"conversation_id": payload.ConversationID, "user_id": c.UserID(), "typing": payload.Typing},
		})
		return gin.H{"typing": payload.Typing}, nil

	case "mark_read":
		var payload joinPayload
		if err := decodeEvent(event.Data, &payload); err != nil {
			return nil, err
		}
		count, err := g.chat.MarkConversationRead(ctx, c.UserID(), payload.ConversationID)
		if err != nil {
			return nil, err
		}
		return gin.H{"read_count": count}, nil

	default:
		return nil, errors.ErrBadRequest.WithMessage("unknown event " + event.Event)
	}
}

func (g *ChatGateway) touchLastSeen(ctx context.Context, userID string) {
	if g.lastSeen == nil {
		return
	}
	if err := g.lastSeen.Touch(ctx, userID, time.Now()); err != nil {
		g.log.Warn("last seen update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func decodeEvent(data json.RawMessage, dest any) error {
	if len(data) == 0 {
		return errors.ErrBadRequest.WithMessage("event payload is required")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.ErrBadRequest.WithMessage("invalid event payload")
	}
	return nil
}
