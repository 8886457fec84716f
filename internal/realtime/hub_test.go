package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(h *Hub, buffer int) *Client {
	return &Client{
		hub:   h,
		rooms: make(map[string]struct{}),
		send:  make(chan any, buffer),
		done:  make(chan struct{}),
	}
}

func TestBroadcastRoomDropsBackpressuredClient(t *testing.T) {
	h := NewHub(Callbacks{}, 1)

	stalled := newTestClient(h, 0)
	healthy := newTestClient(h, 1)
	h.Join(stalled, "room")
	h.Join(healthy, "room")

	finished := make(chan struct{})
	go func() {
		h.BroadcastRoom("room", Message{Event: "ping"})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a backpressured subscriber")
	}

	// The stalled client is closed and unsubscribed; the healthy one still
	// receives the message.
	select {
	case <-stalled.done:
	default:
		t.Fatal("stalled client was not closed")
	}
	require.Equal(t, 1, h.RoomSize("room"))

	payload := <-healthy.send
	require.Equal(t, "ping", payload.(Message).Event)
}

func TestBroadcastAllDeliversOncePerClient(t *testing.T) {
	h := NewHub(Callbacks{}, 4)

	c := newTestClient(h, 4)
	h.Join(c, "a")
	h.Join(c, "b")

	h.BroadcastAll(Message{Event: "user_status"})
	require.Equal(t, 1, len(c.send))
}

func TestSendAfterCloseIsNoOp(t *testing.T) {
	h := NewHub(Callbacks{}, 1)

	c := newTestClient(h, 1)
	h.Join(c, "room")

	c.close()
	c.close()

	c.Send(Ack{Status: "ok"})
	require.Zero(t, len(c.send))
	require.Equal(t, 0, h.RoomSize("room"))
}

func TestJoinRefusedAfterClose(t *testing.T) {
	h := NewHub(Callbacks{}, 1)

	c := newTestClient(h, 1)
	c.close()

	h.Join(c, "room")
	require.Equal(t, 0, h.RoomSize("room"))
}
