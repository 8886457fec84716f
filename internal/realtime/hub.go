package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dcastella/matcha/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
)

// Message represents a JSON payload delivered to room subscribers.
type Message struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ClientEvent is an inbound event from a connected client.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the structured acknowledgment returned for every client event.
type Ack struct {
	Status  string `json:"status"`
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Callbacks let the owning gateway react to connection lifecycle and events.
// OnEvent's return value is embedded in the ok-ack; a returned error produces
// an error-ack instead. Neither closes the socket.
type Callbacks struct {
	OnConnect    func(c *Client)
	OnDisconnect func(c *Client)
	OnEvent      func(ctx context.Context, c *Client, event ClientEvent) (any, error)
}

// Hub coordinates room-scoped broadcast channels for live connections.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	upgrader websocket.Upgrader
	cb       Callbacks
	buffer   int
}

// NewHub constructs a room hub.
func NewHub(cb Callbacks, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		cb:     cb,
		buffer: bufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// ConversationRoom names the broadcast channel for a conversation.
func ConversationRoom(conversationID string) string {
	return "conversation_" + conversationID
}

// UserRoom names the personal broadcast channel for a user.
func UserRoom(userID string) string {
	return "user_" + userID
}

// Serve upgrades the HTTP connection and runs the read/write loops until the
// client disconnects. The identity must already be verified by the caller.
func (h *Hub) Serve(userID, role string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithModule("realtime").Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		socket: conn,
		id:     uuid.NewString(),
		userID: userID,
		role:   role,
		rooms:  make(map[string]struct{}),
		send:   make(chan any, h.buffer),
		done:   make(chan struct{}),
	}

	if h.cb.OnConnect != nil {
		h.cb.OnConnect(client)
	}

	go client.writeLoop()
	client.readLoop()
}

// Join subscribes a client to a room.
func (h *Hub) Join(c *Client, room string) {
	room = normalizeRoom(room)
	if room == "" || c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A closed client must not re-enter the room maps; disconnect has
	// already swept (or is about to sweep) its subscriptions.
	select {
	case <-c.done:
		return
	default:
	}

	if _, ok := c.rooms[room]; ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Leave removes a client's room subscription.
func (h *Hub) Leave(c *Client, room string) {
	room = normalizeRoom(room)
	if room == "" || c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(c, room)
}

// BroadcastRoom delivers a message to every client subscribed to the room.
// Delivery is fire-and-forget: slow clients are dropped, nothing is retried.
func (h *Hub) BroadcastRoom(room string, message Message) {
	room = normalizeRoom(room)
	if room == "" {
		return
	}
	message.Room = room

	h.mu.RLock()
	var dropped []*Client
	for client := range h.rooms[room] {
		if !client.trySend(message) {
			dropped = append(dropped, client)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(dropped)
}

// BroadcastRoomExcept behaves like BroadcastRoom but skips one client,
// typically the originator of the event.
func (h *Hub) BroadcastRoomExcept(room string, except *Client, message Message) {
	room = normalizeRoom(room)
	if room == "" {
		return
	}
	message.Room = room

	h.mu.RLock()
	var dropped []*Client
	for client := range h.rooms[room] {
		if client == except {
			continue
		}
		if !client.trySend(message) {
			dropped = append(dropped, client)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(dropped)
}

// BroadcastAll delivers a message to every connected client regardless of
// room membership. Used for platform-wide presence events.
func (h *Hub) BroadcastAll(message Message) {
	h.mu.RLock()
	seen := make(map[*Client]struct{})
	var dropped []*Client
	for _, clients := range h.rooms {
		for client := range clients {
			if _, ok := seen[client]; ok {
				continue
			}
			seen[client] = struct{}{}
			if !client.trySend(message) {
				dropped = append(dropped, client)
			}
		}
	}
	h.mu.RUnlock()

	h.dropSlow(dropped)
}

// dropSlow closes clients whose send buffer was full during a broadcast.
// It must run with no hub lock held: close unsubscribes through disconnect,
// which takes the write lock.
func (h *Hub) dropSlow(clients []*Client) {
	for _, client := range clients {
		logger.WithModule("realtime").Warn("dropping backpressured client",
			zap.String("user_id", client.userID))
		client.close()
	}
}

// RoomSize reports the current number of subscribers in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[normalizeRoom(room)])
}

func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	h.mu.Unlock()

	if h.cb.OnDisconnect != nil {
		h.cb.OnDisconnect(c)
	}
}

func (h *Hub) removeLocked(c *Client, room string) {
	if clients := h.rooms[room]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Client is one live connection on the messaging transport.
type Client struct {
	hub    *Hub
	socket *websocket.Conn
	id     string
	userID string
	role   string
	rooms  map[string]struct{}
	send   chan any
	done   chan struct{}
	once   sync.Once
}

// ID returns the ephemeral connection handle.
func (c *Client) ID() string { return c.id }

// UserID returns the verified identity behind the connection.
func (c *Client) UserID() string { return c.userID }

// Role returns the role derived at verification time.
func (c *Client) Role() string { return c.role }

// Send queues a payload for direct delivery to this client only. A full
// buffer drops the connection, mirroring the broadcast path.
func (c *Client) Send(payload any) {
	if !c.trySend(payload) {
		c.close()
	}
}

// trySend enqueues without blocking and reports whether the payload was
// accepted. c.send is never closed, so the enqueue cannot panic against a
// concurrent close; closed clients simply refuse the payload.
func (c *Client) trySend(payload any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithModule("realtime").Debug("unexpected close",
					zap.String("user_id", c.userID), zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		var event ClientEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.Send(Ack{Status: "error", Message: "invalid payload"})
			continue
		}

		c.dispatch(event)
	}
}

// dispatch runs the gateway handler and always answers with an ack; a handler
// failure never closes the socket.
func (c *Client) dispatch(event ClientEvent) {
	if c.hub.cb.OnEvent == nil {
		c.Send(Ack{Status: "error", Event: event.Event, Message: "unsupported event"})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.WithModule("realtime").Error("event handler panic",
				zap.String("event", event.Event), zap.Any("panic", r))
			c.Send(Ack{Status: "error", Event: event.Event, Message: "internal error"})
		}
	}()

	data, err := c.hub.cb.OnEvent(context.Background(), c, event)
	if err != nil {
		c.Send(Ack{Status: "error", Event: event.Event, Message: err.Error()})
		return
	}
	c.Send(Ack{Status: "ok", Event: event.Event, Data: data})
}

func (c *Client) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the connection down once: done is closed first so concurrent
// sends and joins see the client as gone before it leaves the room maps.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.disconnect(c)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func normalizeRoom(room string) string {
	return strings.ToLower(strings.TrimSpace(room))
}
