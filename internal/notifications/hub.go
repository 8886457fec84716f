package notifications

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/dcastella/matcha/pkg/logger"
	"github.com/dcastella/matcha/pkg/metrics"
)

const sessionDeadline = 5 * time.Minute

// Event represents a payload delivered to notification subscribers.
type Event struct {
	Event          string `json:"event"`
	Notification   any    `json:"notification,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
	UnreadCount    *int64 `json:"unread_count,omitempty"`
	Error          string `json:"error,omitempty"`
}

// rpc is the inbound command shape on the notification socket.
type rpc struct {
	Action         string `json:"action"`
	NotificationID string `json:"notification_id,omitempty"`
}

// Actions is the slice of the dispatcher the socket RPCs need.
type Actions interface {
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Archive(ctx context.Context, userID, notificationID string) error
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans out notification events to connected subscribers and services
// lightweight status commands sent back over the socket.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	actions  Actions
	deadline time.Duration
	log      *zap.Logger
}

// NewHub constructs a notification hub. Actions may be nil; commands are then
// rejected while fan-out keeps working.
func NewHub(actions Actions) *Hub {
	return &Hub{
		clients:  make(map[string]map[*client]struct{}),
		actions:  actions,
		deadline: sessionDeadline,
		log:      logger.WithModule("notifications.hub"),
	}
}

// Serve upgrades the HTTP connection to a WebSocket and registers the user subscriber.
func (h *Hub) Serve(userID string, w http.ResponseWriter, r *http.Request) {
	server := websocket.Server{
		Handshake: func(config *websocket.Config, req *http.Request) error {
			config.Protocol = append(config.Protocol, "json")
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			_ = conn.SetDeadline(time.Now().Add(h.deadline))
			cl := &client{
				conn: conn,
				send: make(chan Event, 16),
			}

			h.addClient(userID, cl)
			defer h.removeClient(userID, cl)

			go h.writeLoop(cl)
			h.pushInitialCount(userID, cl)
			h.readLoop(userID, cl)
		},
	}

	server.ServeHTTP(w, r)
}

// IsOnline reports whether the user holds at least one live subscription.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[userID]) > 0
}

// Broadcast delivers an event to all subscribers for the provided user ID.
func (h *Hub) Broadcast(userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		select {
		case client.send <- event:
		default:
			// Drop if buffer full to avoid blocking all clients.
		}
	}
}

// BroadcastMany delivers an event to each supplied user ID.
func (h *Hub) BroadcastMany(userIDs []string, event Event) {
	for _, userID := range userIDs {
		h.Broadcast(userID, event)
	}
}

func (h *Hub) addClient(userID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][cl] = struct{}{}
	metrics.LiveConnections.WithLabelValues("notifications").Inc()
}

func (h *Hub) removeClient(userID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients := h.clients[userID]; clients != nil {
		if _, ok := clients[cl]; ok {
			metrics.LiveConnections.WithLabelValues("notifications").Dec()
		}
		delete(clients, cl)
		if len(clients) == 0 {
			delete(h.clients, userID)
		}
	}
	close(cl.send)
	_ = cl.conn.Close()
}

// pushInitialCount sends the current unread total right after the handshake so
// subscribers start from a known state.
func (h *Hub) pushInitialCount(userID string, cl *client) {
	if h.actions == nil {
		return
	}
	count, err := h.actions.UnreadCount(context.Background(), userID)
	if err != nil {
		h.log.Debug("initial unread count failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	h.reply(cl, Event{Event: "unread_count", UnreadCount: &count})
}

// writeLoop drains the send queue. Each successful push also extends the
// session deadline so a listen-only subscriber is not dropped as idle while
// events are flowing.
func (h *Hub) writeLoop(cl *client) {
	for event := range cl.send {
		if err := websocket.JSON.Send(cl.conn, event); err != nil {
			break
		}
		_ = cl.conn.SetDeadline(time.Now().Add(h.deadline))
	}
}

// readLoop services inbound commands. A malformed or failing command answers
// with an error event; only transport errors end the session.
func (h *Hub) readLoop(userID string, cl *client) {
	defer cl.conn.Close()

	for {
		_ = cl.conn.SetDeadline(time.Now().Add(h.deadline))

		var command rpc
		if err := websocket.JSON.Receive(cl.conn, &command); err != nil {
			break
		}
		h.handleCommand(userID, cl, command)
	}
}

func (h *Hub) handleCommand(userID string, cl *client, command rpc) {
	action := strings.TrimSpace(command.Action)
	if action == "" {
		return
	}
	if h.actions == nil {
		h.reply(cl, Event{Event: action, Error: "not supported"})
		return
	}

	ctx := context.Background()
	var err error
	switch action {
	case "mark_as_read":
		err = h.actions.MarkRead(ctx, userID, command.NotificationID)
	case "mark_all_as_read":
		_, err = h.actions.MarkAllRead(ctx, userID)
	case "archive_notification":
		err = h.actions.Archive(ctx, userID, command.NotificationID)
	default:
		h.reply(cl, Event{Event: action, Error: "unknown action"})
		return
	}

	if err != nil {
		h.log.Debug("socket command failed",
			zap.String("action", action), zap.String("user_id", userID), zap.Error(err))
		h.reply(cl, Event{Event: action, NotificationID: command.NotificationID, Error: err.Error()})
		return
	}
	h.reply(cl, Event{Event: action + "_ok", NotificationID: command.NotificationID})
}

func (h *Hub) reply(cl *client, event Event) {
	select {
	case cl.send <- event:
	default:
	}
}
