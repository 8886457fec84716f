package notifications

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type stubActions struct {
	markRead    []string
	archived    []string
	markAllRead int
	fail        bool
}

func (s *stubActions) MarkRead(_ context.Context, _, notificationID string) error {
	if s.fail {
		return errors.New("boom")
	}
	s.markRead = append(s.markRead, notificationID)
	return nil
}

func (s *stubActions) MarkAllRead(_ context.Context, _ string) (int64, error) {
	if s.fail {
		return 0, errors.New("boom")
	}
	s.markAllRead++
	return 1, nil
}

func (s *stubActions) Archive(_ context.Context, _, notificationID string) error {
	if s.fail {
		return errors.New("boom")
	}
	s.archived = append(s.archived, notificationID)
	return nil
}

func (s *stubActions) UnreadCount(_ context.Context, _ string) (int64, error) {
	if s.fail {
		return 0, errors.New("boom")
	}
	return 3, nil
}

func drainOne(t *testing.T, cl *client) Event {
	t.Helper()
	select {
	case event := <-cl.send:
		return event
	default:
		t.Fatal("expected a reply event")
		return Event{}
	}
}

func TestHandleCommandDispatchesActions(t *testing.T) {
	actions := &stubActions{}
	hub := NewHub(actions)
	cl := &client{send: make(chan Event, 4)}

	hub.handleCommand("user-1", cl, rpc{Action: "mark_as_read", NotificationID: "n1"})
	require.Equal(t, []string{"n1"}, actions.markRead)
	require.Equal(t, "mark_as_read_ok", drainOne(t, cl).Event)

	hub.handleCommand("user-1", cl, rpc{Action: "mark_all_as_read"})
	require.Equal(t, 1, actions.markAllRead)
	require.Equal(t, "mark_all_as_read_ok", drainOne(t, cl).Event)

	hub.handleCommand("user-1", cl, rpc{Action: "archive_notification", NotificationID: "n2"})
	require.Equal(t, []string{"n2"}, actions.archived)
	require.Equal(t, "archive_notification_ok", drainOne(t, cl).Event)
}

func TestHandleCommandErrors(t *testing.T) {
	hub := NewHub(&stubActions{fail: true})
	cl := &client{send: make(chan Event, 4)}

	hub.handleCommand("user-1", cl, rpc{Action: "mark_as_read", NotificationID: "n1"})
	reply := drainOne(t, cl)
	require.Equal(t, "mark_as_read", reply.Event)
	require.NotEmpty(t, reply.Error)

	hub.handleCommand("user-1", cl, rpc{Action: "self_destruct"})
	reply = drainOne(t, cl)
	require.Equal(t, "unknown action", reply.Error)

	// Blank actions are ignored outright.
	hub.handleCommand("user-1", cl, rpc{})
	select {
	case <-cl.send:
		t.Fatal("blank action must not produce a reply")
	default:
	}
}

func TestHandleCommandWithoutActions(t *testing.T) {
	hub := NewHub(nil)
	cl := &client{send: make(chan Event, 1)}

	hub.handleCommand("user-1", cl, rpc{Action: "mark_as_read"})
	require.Equal(t, "not supported", drainOne(t, cl).Error)
}

func TestPushInitialCount(t *testing.T) {
	hub := NewHub(&stubActions{})
	cl := &client{send: make(chan Event, 1)}

	hub.pushInitialCount("user-1", cl)
	event := drainOne(t, cl)
	require.Equal(t, "unread_count", event.Event)
	require.NotNil(t, event.UnreadCount)
	require.EqualValues(t, 3, *event.UnreadCount)

	// Count lookup failures are swallowed; the session proceeds without a seed.
	failing := NewHub(&stubActions{fail: true})
	failing.pushInitialCount("user-1", cl)
	select {
	case <-cl.send:
		t.Fatal("failed count lookup must not produce an event")
	default:
	}
}

func TestBroadcastSkipsBackpressuredClients(t *testing.T) {
	hub := NewHub(nil)

	full := &client{send: make(chan Event)}
	open := &client{send: make(chan Event, 1)}
	hub.clients["user-1"] = map[*client]struct{}{full: {}, open: {}}

	hub.Broadcast("user-1", Event{Event: "new_notification"})
	require.Equal(t, "new_notification", drainOne(t, open).Event)

	require.True(t, hub.IsOnline("user-1"))
	require.False(t, hub.IsOnline("user-2"))
}

func TestPushesKeepIdleSessionAlive(t *testing.T) {
	hub := NewHub(nil)
	hub.deadline = 200 * time.Millisecond

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve("user-1", w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := websocket.Dial(url, "json", "http://localhost/")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.IsOnline("user-1")
	}, time.Second, 10*time.Millisecond)

	// The client never writes; pushes alone must carry the session well past
	// the idle deadline.
	go func() {
		for i := 0; i < 12; i++ {
			hub.Broadcast("user-1", Event{Event: "unread_count"})
			time.Sleep(50 * time.Millisecond)
		}
	}()

	for i := 0; i < 8; i++ {
		var event Event
		require.NoError(t, websocket.JSON.Receive(conn, &event))
		require.Equal(t, "unread_count", event.Event)
	}
}
