package services

import (
	"time"

	"github.com/dcastella/matcha/internal/models"
)

// UserDTO is the public profile shape attached to matches, conversations and messages.
type UserDTO struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Location    string     `json:"location,omitempty"`
	Bio         string     `json:"bio,omitempty"`
	Interests   []string   `json:"interests,omitempty"`
	IsActive    bool       `json:"is_active"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

func mapUser(row models.User) UserDTO {
	return UserDTO{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		Location:    row.Location,
		Bio:         row.Bio,
		Interests:   row.InterestList(),
		IsActive:    row.IsActive,
		LastSeenAt:  row.LastSeenAt,
	}
}
