package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/database/testutil"
	"github.com/dcastella/matcha/internal/middleware"
	"github.com/dcastella/matcha/internal/models"
	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seedUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()

	user := models.User{
		DisplayName: name,
		Email:       name + "@example.com",
		IsActive:    true,
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func jsonRequest(t *testing.T, method string, body any) *http.Request {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, "/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeData[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()

	var payload response.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	require.True(t, payload.Success, recorder.Body.String())

	dataBytes, err := json.Marshal(payload.Data)
	require.NoError(t, err)

	var out T
	require.NoError(t, json.Unmarshal(dataBytes, &out))
	return out
}

func TestMatchHandlerActAndList(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	handler, err := NewMatchHandler(db, nil)
	require.NoError(t, err)

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")

	act := func(userID, targetID, action string) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(recorder)
		c.Request = jsonRequest(t, http.MethodPost, gin.H{
			"target_user_id": targetID,
			"action":         action,
		})
		c.Set(middleware.CtxUserIDKey, userID)
		handler.Act(c)
		return recorder
	}

	recorder := act(alice.ID, bob.ID, "like")
	require.Equal(t, http.StatusCreated, recorder.Code)
	result := decodeData[services.MatchActionResult](t, recorder)
	require.False(t, result.Mutual)

	recorder = act(bob.ID, alice.ID, "like")
	require.Equal(t, http.StatusCreated, recorder.Code)
	result = decodeData[services.MatchActionResult](t, recorder)
	require.True(t, result.Mutual)

	// Invalid action fails validation before hitting the service.
	recorder = act(alice.ID, bob.ID, "wink")
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	listRecorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(listRecorder)
	c.Set(middleware.CtxUserIDKey, alice.ID)
	handler.List(c)
	require.Equal(t, http.StatusOK, listRecorder.Code)
	matches := decodeData[[]services.MatchDTO](t, listRecorder)
	require.Len(t, matches, 1)
	require.Equal(t, models.MatchStatusMatched, matches[0].Status)
}

func TestMatchHandlerRequiresIdentity(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	handler, err := NewMatchHandler(db, nil)
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	handler.List(c)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestConversationHandlerLifecycle(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	chatSvc, err := services.NewChatService(db, nil, nil)
	require.NoError(t, err)
	handler, err := NewConversationHandler(chatSvc)
	require.NoError(t, err)

	alice := seedUser(t, db, "alice")
	bob := seedUser(t, db, "bob")

	createRecorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(createRecorder)
	c.Request = jsonRequest(t, http.MethodPost, gin.H{
		"recipient_id":    bob.ID,
		"initial_message": "hi bob",
	})
	c.Set(middleware.CtxUserIDKey, alice.ID)
	handler.Create(c)
	require.Equal(t, http.StatusCreated, createRecorder.Code)
	conversation := decodeData[services.ConversationDTO](t, createRecorder)
	require.NotNil(t, conversation.LastMessage)

	sendRecorder := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(sendRecorder)
	c2.Request = jsonRequest(t, http.MethodPost, gin.H{"content": "how are you"})
	c2.Params = gin.Params{gin.Param{Key: "id", Value: conversation.ID}}
	c2.Set(middleware.CtxUserIDKey, bob.ID)
	handler.Send(c2)
	require.Equal(t, http.StatusCreated, sendRecorder.Code)

	messagesRecorder := httptest.NewRecorder()
	c3, _ := gin.CreateTestContext(messagesRecorder)
	c3.Params = gin.Params{gin.Param{Key: "id", Value: conversation.ID}}
	c3.Set(middleware.CtxUserIDKey, alice.ID)
	handler.Messages(c3)
	require.Equal(t, http.StatusOK, messagesRecorder.Code)
	messages := decodeData[[]services.MessageDTO](t, messagesRecorder)
	require.Len(t, messages, 2)
	require.Equal(t, "hi bob", messages[0].Content)
	require.Equal(t, "how are you", messages[1].Content)

	readRecorder := httptest.NewRecorder()
	c4, _ := gin.CreateTestContext(readRecorder)
	c4.Params = gin.Params{gin.Param{Key: "id", Value: conversation.ID}}
	c4.Set(middleware.CtxUserIDKey, alice.ID)
	handler.MarkRead(c4)
	require.Equal(t, http.StatusOK, readRecorder.Code)
}

func TestNotificationHandlerListAndMarkRead(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := services.NewNotificationService(db)
	require.NoError(t, err)
	handler, err := NewNotificationHandler(svc, nil)
	require.NoError(t, err)

	user := seedUser(t, db, "dana")

	_, err = svc.Dispatch(requestContext(nil), services.DispatchInput{
		UserID: user.ID,
		Type:   models.NotificationTypeSystem,
		Title:  "Welcome",
	})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Set(middleware.CtxUserIDKey, user.ID)
	handler.List(c)
	require.Equal(t, http.StatusOK, recorder.Code)
	items := decodeData[[]services.NotificationDTO](t, recorder)
	require.Len(t, items, 1)

	readRecorder := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(readRecorder)
	c2.Params = gin.Params{gin.Param{Key: "id", Value: items[0].ID}}
	c2.Set(middleware.CtxUserIDKey, user.ID)
	handler.MarkRead(c2)
	require.Equal(t, http.StatusOK, readRecorder.Code)

	countRecorder := httptest.NewRecorder()
	c3, _ := gin.CreateTestContext(countRecorder)
	c3.Set(middleware.CtxUserIDKey, user.ID)
	handler.UnreadCount(c3)
	require.Equal(t, http.StatusOK, countRecorder.Code)
	counts := decodeData[map[string]int64](t, countRecorder)
	require.Zero(t, counts["unread_count"])
}

func TestPreferenceHandlerUpdate(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	handler, err := NewPreferenceHandler(db)
	require.NoError(t, err)

	user := seedUser(t, db, "erin")

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = jsonRequest(t, http.MethodPatch, gin.H{"enabled": false})
	c.Params = gin.Params{gin.Param{Key: "type", Value: string(models.NotificationTypeNewLike)}}
	c.Set(middleware.CtxUserIDKey, user.ID)
	handler.Update(c)
	require.Equal(t, http.StatusOK, recorder.Code)
	dto := decodeData[services.PreferenceDTO](t, recorder)
	require.False(t, dto.Enabled)

	listRecorder := httptest.NewRecorder()
	c2, _ := gin.CreateTestContext(listRecorder)
	c2.Set(middleware.CtxUserIDKey, user.ID)
	handler.List(c2)
	require.Equal(t, http.StatusOK, listRecorder.Code)
	items := decodeData[[]services.PreferenceDTO](t, listRecorder)
	require.Len(t, items, len(models.NotificationTypes()))
}

func TestHealthHandler(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	Health(db)(c)

	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeData[map[string]string](t, recorder)
	require.Equal(t, "ok", payload["status"])
}
