package notifications

import (
	"github.com/dcastella/matcha/internal/services"
)

// Pusher adapts the hub to the dispatcher's live delivery contract.
type Pusher struct {
	hub *Hub
}

// NewPusher wraps a hub for attachment to the notification dispatcher.
func NewPusher(hub *Hub) *Pusher {
	return &Pusher{hub: hub}
}

// Connected reports whether the user has a live subscription.
func (p *Pusher) Connected(userID string) bool {
	return p.hub.IsOnline(userID)
}

// PushNotification delivers a freshly dispatched notification together with
// the recomputed unread count.
func (p *Pusher) PushNotification(userID string, notification services.NotificationDTO, unread int64) {
	p.hub.Broadcast(userID, Event{
		Event:        "new_notification",
		Notification: notification,
		UnreadCount:  &unread,
	})
}

// PushUnreadCount refreshes the badge after a status change.
func (p *Pusher) PushUnreadCount(userID string, unread int64) {
	p.hub.Broadcast(userID, Event{
		Event:       "unread_count",
		UnreadCount: &unread,
	})
}
