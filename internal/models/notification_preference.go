package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// NotificationPreference stores per-user, per-type delivery configuration.
// Rows are lazily created with defaults on first lookup.
type NotificationPreference struct {
	BaseModel

	UserID   string           `gorm:"type:uuid;not null;uniqueIndex:idx_notification_prefs_user_type,priority:1" json:"user_id"`
	Type     NotificationType `gorm:"type:varchar(64);not null;uniqueIndex:idx_notification_prefs_user_type,priority:2" json:"type"`
	Enabled  bool             `gorm:"default:true" json:"enabled"`
	Channels datatypes.JSON   `json:"channels"`
	RealTime bool             `gorm:"default:true" json:"real_time"`
	Digest   bool             `gorm:"default:false" json:"digest"`
}

// ChannelList decodes the stored channel set.
func (p *NotificationPreference) ChannelList() []NotificationChannel {
	if len(p.Channels) == 0 {
		return nil
	}
	var out []NotificationChannel
	if err := json.Unmarshal(p.Channels, &out); err != nil {
		return nil
	}
	return out
}

// SetChannels encodes the supplied channel set into the JSON column.
func (p *NotificationPreference) SetChannels(channels []NotificationChannel) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	p.Channels = datatypes.JSON(data)
	return nil
}

// DefaultPreference builds the default-enabled, all-channel preference row.
func DefaultPreference(userID string, notificationType NotificationType) NotificationPreference {
	pref := NotificationPreference{
		UserID:   userID,
		Type:     notificationType,
		Enabled:  true,
		RealTime: true,
		Digest:   false,
	}
	_ = pref.SetChannels(AllChannels())
	return pref
}
