package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	iauth "github.com/dcastella/matcha/internal/auth"
	"github.com/dcastella/matcha/internal/database/testutil"
	"github.com/dcastella/matcha/internal/presence"
	"github.com/dcastella/matcha/internal/services"
)

func TestChatGatewayUnauthorizedWithoutToken(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	chatSvc, err := services.NewChatService(db, nil, nil)
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	gateway := NewChatGateway(jwtSvc, chatSvc, presence.NewRegistry(), nil, 16, 0)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)

	gateway.Stream(c)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatGatewayEndToEnd(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	chatSvc, err := services.NewChatService(db, nil, nil)
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")

	conversation, err := chatSvc.CreateConversation(context.Background(), alice.ID, services.CreateConversationInput{
		RecipientID: bob.ID,
	})
	require.NoError(t, err)

	registry := presence.NewRegistry()
	gateway := NewChatGateway(jwtSvc, chatSvc, registry, nil, 16, 0)
	chatSvc.AttachBroadcaster(gateway.Hub())

	router := gin.New()
	router.GET("/ws/chat", gateway.Stream)
	server := httptest.NewServer(router)
	defer server.Close()

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: alice.ID})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var payload map[string]any
		require.NoError(t, conn.ReadJSON(&payload))
		return payload
	}

	// First frame is the online presence broadcast.
	event := readEvent()
	require.Equal(t, "user_status", event["event"])

	require.Eventually(t, func() bool {
		return registry.Online(alice.ID)
	}, time.Second, 10*time.Millisecond)

	// Send a message through the socket; expect the room broadcast and an
	// ok-ack, order unspecified.
	payload, err := json.Marshal(map[string]any{
		"event": "send_message",
		"data": map[string]any{
			"conversation_id": conversation.ID,
			"content":         "hello from the socket",
		},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	var sawBroadcast, sawAck bool
	for i := 0; i < 2; i++ {
		frame := readEvent()
		switch {
		case frame["event"] == "new_message":
			sawBroadcast = true
		case frame["status"] == "ok":
			sawAck = true
		}
	}
	require.True(t, sawBroadcast)
	require.True(t, sawAck)

	// An unknown event answers with an error ack and keeps the socket open.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"warp"}`)))
	frame := readEvent()
	require.Equal(t, "error", frame["status"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !registry.Online(alice.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestChatGatewayPresenceEventPerRegistryChange(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	chatSvc, err := services.NewChatService(db, nil, nil)
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)

	alice := seedUser(t, db, "alice")

	registry := presence.NewRegistry()
	gateway := NewChatGateway(jwtSvc, chatSvc, registry, nil, 16, 0)

	router := gin.New()
	router.GET("/ws/chat", gateway.Stream)
	server := httptest.NewServer(router)
	defer server.Close()

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: alice.ID})
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/chat?token=" + token

	readStatus := func(conn *websocket.Conn) string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var payload map[string]any
		require.NoError(t, conn.ReadJSON(&payload))
		require.Equal(t, "user_status", payload["event"])
		data, ok := payload["data"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, alice.ID, data["user_id"])
		status, _ := data["status"].(string)
		return status
	}

	first, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer first.Close()

	require.Equal(t, "online", readStatus(first))

	// A second connection from the same user announces again.
	second, resp2, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp2 != nil {
		resp2.Body.Close()
	}
	require.Equal(t, "online", readStatus(first))

	// Dropping one of two connections announces the still-online state.
	require.NoError(t, second.Close())
	require.Equal(t, "online", readStatus(first))
	require.True(t, registry.Online(alice.ID))
}
