package models

import "time"

// MessageType tags the payload kind of a chat message.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeLocation MessageType = "location"
)

// Message is immutable once created except for the read-state transition.
type Message struct {
	BaseModel

	ConversationID string      `gorm:"type:uuid;not null;index" json:"conversation_id"`
	SenderID       string      `gorm:"type:uuid;not null;index" json:"sender_id"`
	Content        string      `gorm:"type:text;not null" json:"content"`
	Type           MessageType `gorm:"type:varchar(32);default:'text'" json:"type"`
	AttachmentURL  string      `gorm:"type:text" json:"attachment_url,omitempty"`
	IsRead         bool        `gorm:"default:false;index" json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
}
