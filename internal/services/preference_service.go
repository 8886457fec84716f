package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/models"
	apperrors "github.com/dcastella/matcha/pkg/errors"
)

// PreferenceDTO is the API-facing delivery preference shape.
type PreferenceDTO struct {
	Type     models.NotificationType      `json:"type"`
	Enabled  bool                         `json:"enabled"`
	Channels []models.NotificationChannel `json:"channels"`
	RealTime bool                         `json:"real_time"`
	Digest   bool                         `json:"digest"`
}

// PreferenceUpdateInput carries a partial preference update. Nil fields keep
// the current value.
type PreferenceUpdateInput struct {
	Enabled  *bool                         `json:"enabled"`
	Channels *[]models.NotificationChannel `json:"channels"`
	RealTime *bool                         `json:"real_time"`
	Digest   *bool                         `json:"digest"`
}

// PreferenceService manages per-user notification delivery settings.
type PreferenceService struct {
	db *gorm.DB
}

func NewPreferenceService(db *gorm.DB) (*PreferenceService, error) {
	if db == nil {
		return nil, errors.New("preference service: db is required")
	}
	return &PreferenceService{db: db}, nil
}

// List returns one entry per known notification type, materialising defaults
// for types without a stored row.
func (s *PreferenceService) List(ctx context.Context, userID string) ([]PreferenceDTO, error) {
	ctx = ensureContext(ctx)

	var rows []models.NotificationPreference
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("preference service: list: %w", err)
	}

	stored := make(map[models.NotificationType]models.NotificationPreference, len(rows))
	for _, row := range rows {
		stored[row.Type] = row
	}

	items := make([]PreferenceDTO, 0, len(models.NotificationTypes()))
	for _, notificationType := range models.NotificationTypes() {
		pref, ok := stored[notificationType]
		if !ok {
			pref = models.DefaultPreference(userID, notificationType)
		}
		items = append(items, mapPreference(pref))
	}
	return items, nil
}

// Update upserts the preference row for one type.
func (s *PreferenceService) Update(ctx context.Context, userID string, notificationType models.NotificationType, input PreferenceUpdateInput) (*PreferenceDTO, error) {
	ctx = ensureContext(ctx)

	if !isKnownType(notificationType) {
		return nil, apperrors.NewValidation("unknown notification type")
	}
	if input.Channels != nil {
		for _, channel := range *input.Channels {
			if channel != models.ChannelInApp && channel != models.ChannelPush && channel != models.ChannelEmail {
				return nil, apperrors.NewValidation(fmt.Sprintf("unknown channel %q", channel))
			}
		}
	}

	var pref models.NotificationPreference
	err := s.db.WithContext(ctx).
		Take(&pref, "user_id = ? AND type = ?", userID, notificationType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pref = models.DefaultPreference(userID, notificationType)
	} else if err != nil {
		return nil, fmt.Errorf("preference service: load: %w", err)
	}

	if input.Enabled != nil {
		pref.Enabled = *input.Enabled
	}
	if input.RealTime != nil {
		pref.RealTime = *input.RealTime
	}
	if input.Digest != nil {
		pref.Digest = *input.Digest
	}
	if input.Channels != nil {
		if err := pref.SetChannels(*input.Channels); err != nil {
			return nil, fmt.Errorf("preference service: encode channels: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Save(&pref).Error; err != nil {
		return nil, fmt.Errorf("preference service: save: %w", err)
	}

	dto := mapPreference(pref)
	return &dto, nil
}

// ResetDefaults drops every stored row so the defaults apply again.
func (s *PreferenceService) ResetDefaults(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)

	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.NotificationPreference{}).Error
	if err != nil {
		return fmt.Errorf("preference service: reset: %w", err)
	}
	return nil
}

func isKnownType(notificationType models.NotificationType) bool {
	for _, known := range models.NotificationTypes() {
		if known == notificationType {
			return true
		}
	}
	return false
}

func mapPreference(pref models.NotificationPreference) PreferenceDTO {
	channels := pref.ChannelList()
	if channels == nil {
		channels = []models.NotificationChannel{}
	}
	return PreferenceDTO{
		Type:     pref.Type,
		Enabled:  pref.Enabled,
		Channels: channels,
		RealTime: pref.RealTime,
		Digest:   pref.Digest,
	}
}
