package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Role identifies the coarse platform role derived for a verified identity.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// User is the platform profile consumed by the interaction core.
// Profile CRUD lives elsewhere; the core reads users to validate recipients
// and to rank match candidates.
type User struct {
	BaseModel

	DisplayName string         `gorm:"type:varchar(120);not null" json:"display_name"`
	Email       string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Role        Role           `gorm:"type:varchar(32);default:'user'" json:"role"`
	Location    string         `gorm:"type:varchar(120)" json:"location"`
	Bio         string         `gorm:"type:text" json:"bio"`
	Interests   datatypes.JSON `json:"interests"`
	IsActive    bool           `gorm:"default:true;index" json:"is_active"`
	LastSeenAt  *time.Time     `json:"last_seen_at,omitempty"`
}

// InterestList decodes the stored interests array, returning nil when unset.
func (u *User) InterestList() []string {
	if len(u.Interests) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(u.Interests, &out); err != nil {
		return nil
	}
	return out
}

// SetInterests encodes the supplied interest list into the JSON column.
func (u *User) SetInterests(interests []string) error {
	data, err := json.Marshal(interests)
	if err != nil {
		return err
	}
	u.Interests = datatypes.JSON(data)
	return nil
}
