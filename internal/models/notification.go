package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationType is the closed set of events the dispatcher can emit.
type NotificationType string

const (
	NotificationTypeNewMatch      NotificationType = "NEW_MATCH"
	NotificationTypeNewMessage    NotificationType = "NEW_MESSAGE"
	NotificationTypeNewLike       NotificationType = "NEW_LIKE"
	NotificationTypeSuperLike     NotificationType = "SUPER_LIKE"
	NotificationTypeEventInvite   NotificationType = "EVENT_INVITE"
	NotificationTypeCommunityPost NotificationType = "COMMUNITY_POST"
	NotificationTypeSystem        NotificationType = "SYSTEM"
	NotificationTypeDigest        NotificationType = "DIGEST"
)

// NotificationTypes lists every known notification type.
func NotificationTypes() []NotificationType {
	return []NotificationType{
		NotificationTypeNewMatch,
		NotificationTypeNewMessage,
		NotificationTypeNewLike,
		NotificationTypeSuperLike,
		NotificationTypeEventInvite,
		NotificationTypeCommunityPost,
		NotificationTypeSystem,
		NotificationTypeDigest,
	}
}

// NotificationStatus tracks the lifecycle of a persisted notification.
type NotificationStatus string

const (
	NotificationStatusUnread   NotificationStatus = "unread"
	NotificationStatusRead     NotificationStatus = "read"
	NotificationStatusArchived NotificationStatus = "archived"
)

// NotificationChannel names a delivery channel.
type NotificationChannel string

const (
	ChannelInApp NotificationChannel = "IN_APP"
	ChannelPush  NotificationChannel = "PUSH"
	ChannelEmail NotificationChannel = "EMAIL"
)

// AllChannels lists every supported delivery channel.
func AllChannels() []NotificationChannel {
	return []NotificationChannel{ChannelInApp, ChannelPush, ChannelEmail}
}

// Notification is created by the dispatcher; status is the only mutable field.
type Notification struct {
	BaseModel

	UserID    string             `gorm:"type:uuid;not null;index" json:"user_id"`
	SenderID  *string            `gorm:"type:uuid" json:"sender_id,omitempty"`
	Type      NotificationType   `gorm:"type:varchar(64);not null;index" json:"type"`
	Title     string             `gorm:"type:varchar(255);not null" json:"title"`
	Body      string             `gorm:"type:text" json:"body"`
	Status    NotificationStatus `gorm:"type:varchar(16);default:'unread';index" json:"status"`
	Channels  datatypes.JSON     `json:"channels"`
	Payload   datatypes.JSON     `json:"payload,omitempty"`
	ActionURL string             `gorm:"type:text" json:"action_url,omitempty"`
	ReadAt    *time.Time         `json:"read_at,omitempty"`
}
