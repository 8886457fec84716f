package models

import (
	"strings"
	"time"
)

// Conversation links exactly two participants. The pair is stored in
// lexicographic order so the unordered-pair uniqueness becomes a plain
// composite unique index.
type Conversation struct {
	BaseModel

	UserAID       string     `gorm:"type:uuid;not null;uniqueIndex:idx_conversations_pair,priority:1;index" json:"user_a_id"`
	UserBID       string     `gorm:"type:uuid;not null;uniqueIndex:idx_conversations_pair,priority:2;index" json:"user_b_id"`
	MatchID       *string    `gorm:"type:uuid" json:"match_id,omitempty"`
	LastMessageAt *time.Time `gorm:"index" json:"last_message_at,omitempty"`
	IsActive      bool       `gorm:"default:true;index" json:"is_active"`
}

// HasParticipant reports whether the supplied user belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.UserAID == userID || c.UserBID == userID
}

// PeerOf returns the other participant's id, or empty when userID is not a member.
func (c *Conversation) PeerOf(userID string) string {
	switch userID {
	case c.UserAID:
		return c.UserBID
	case c.UserBID:
		return c.UserAID
	default:
		return ""
	}
}

// OrderedPair normalises two user ids into the storage order used by Conversation.
func OrderedPair(a, b string) (string, string) {
	if strings.Compare(a, b) > 0 {
		return b, a
	}
	return a, b
}
