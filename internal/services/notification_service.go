package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/models"
	apperrors "github.com/dcastella/matcha/pkg/errors"
	"github.com/dcastella/matcha/pkg/logger"
	"github.com/dcastella/matcha/pkg/metrics"
)

// LivePusher delivers notifications over a live transport when the recipient
// is connected. The concrete pusher is attached after construction because the
// live gateway itself depends on this service.
type LivePusher interface {
	Connected(userID string) bool
	PushNotification(userID string, notification NotificationDTO, unread int64)
	PushUnreadCount(userID string, unread int64)
}

// ChannelSender delivers one persisted notification over a single channel.
type ChannelSender interface {
	Channel() models.NotificationChannel
	Send(ctx context.Context, notification *models.Notification, recipient *models.User) error
}

// DispatchInput describes one notification to fan out.
type DispatchInput struct {
	UserID    string
	SenderID  string
	Type      models.NotificationType
	Title     string
	Body      string
	Channels  []models.NotificationChannel
	Payload   map[string]any
	ActionURL string
}

// NotificationDTO is the API-facing notification shape.
type NotificationDTO struct {
	ID        string                       `json:"id"`
	UserID    string                       `json:"user_id"`
	SenderID  string                       `json:"sender_id,omitempty"`
	Type      models.NotificationType      `json:"type"`
	Title     string                       `json:"title"`
	Body      string                       `json:"body,omitempty"`
	Status    models.NotificationStatus    `json:"status"`
	Channels  []models.NotificationChannel `json:"channels,omitempty"`
	Payload   map[string]any               `json:"payload,omitempty"`
	ActionURL string                       `json:"action_url,omitempty"`
	ReadAt    *time.Time                   `json:"read_at,omitempty"`
	CreatedAt time.Time                    `json:"created_at"`
	Sender    *UserDTO                     `json:"sender,omitempty"`
}

// NotificationService persists notifications and fans them out across
// channels according to per-user preferences.
type NotificationService struct {
	db      *gorm.DB
	log     *zap.Logger
	timeNow func() time.Time

	mu      sync.RWMutex
	senders map[models.NotificationChannel]ChannelSender
	pusher  LivePusher
}

// NewNotificationService constructs the dispatcher without channel senders;
// register them with RegisterSender.
func NewNotificationService(db *gorm.DB) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{
		db:      db,
		log:     logger.WithModule("notifications"),
		timeNow: time.Now,
		senders: make(map[models.NotificationChannel]ChannelSender),
	}, nil
}

// RegisterSender wires a delivery backend for one channel. Last registration
// for a channel wins.
func (s *NotificationService) RegisterSender(sender ChannelSender) {
	if sender == nil {
		return
	}
	s.mu.Lock()
	s.senders[sender.Channel()] = sender
	s.mu.Unlock()
}

// AttachLivePusher late-binds the live transport. Safe to call once the
// gateway exists; dispatches before attachment simply skip the live push.
func (s *NotificationService) AttachLivePusher(pusher LivePusher) {
	s.mu.Lock()
	s.pusher = pusher
	s.mu.Unlock()
}

// Dispatch persists and fans out one notification. A disabled preference is a
// silent no-op: no row, no delivery, nil error. Channel delivery failures are
// aggregated and logged but never roll back the persisted row.
func (s *NotificationService) Dispatch(ctx context.Context, input DispatchInput) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)

	input.UserID = strings.TrimSpace(input.UserID)
	input.SenderID = strings.TrimSpace(input.SenderID)
	if input.UserID == "" {
		return nil, apperrors.NewValidation("recipient is required")
	}
	if input.Type == "" {
		return nil, apperrors.NewValidation("notification type is required")
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, apperrors.NewValidation("title is required")
	}

	var recipient models.User
	if err := s.db.WithContext(ctx).Take(&recipient, "id = ?", input.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound.WithMessage("recipient not found")
		}
		return nil, fmt.Errorf("notification service: load recipient: %w", err)
	}

	var sender *models.User
	if input.SenderID != "" {
		var row models.User
		if err := s.db.WithContext(ctx).Take(&row, "id = ?", input.SenderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperrors.ErrNotFound.WithMessage("sender not found")
			}
			return nil, fmt.Errorf("notification service: load sender: %w", err)
		}
		sender = &row
	}

	pref, err := s.preferenceFor(ctx, input.UserID, input.Type)
	if err != nil {
		return nil, err
	}
	if !pref.Enabled {
		return nil, nil
	}

	channels := pref.ChannelList()
	if len(channels) == 0 {
		channels = input.Channels
	}
	if len(channels) == 0 {
		channels = []models.NotificationChannel{models.ChannelInApp}
	}

	notification := models.Notification{
		UserID:    input.UserID,
		Type:      input.Type,
		Title:     input.Title,
		Body:      input.Body,
		Status:    models.NotificationStatusUnread,
		ActionURL: input.ActionURL,
	}
	if input.SenderID != "" {
		notification.SenderID = &input.SenderID
	}
	if data, err := json.Marshal(channels); err == nil {
		notification.Channels = datatypes.JSON(data)
	}
	if len(input.Payload) > 0 {
		if data, err := json.Marshal(input.Payload); err == nil {
			notification.Payload = datatypes.JSON(data)
		}
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: persist: %w", err)
	}

	dto := s.mapNotification(notification, sender)

	s.deliver(ctx, &notification, &recipient, channels)

	if pref.RealTime {
		s.pushLive(input.UserID, dto)
	}

	return &dto, nil
}

// deliver fans out across channel backends. Each channel succeeds or fails
// independently; the combined error is only logged.
func (s *NotificationService) deliver(ctx context.Context, notification *models.Notification, recipient *models.User, channels []models.NotificationChannel) {
	s.mu.RLock()
	senders := make(map[models.NotificationChannel]ChannelSender, len(s.senders))
	for channel, sender := range s.senders {
		senders[channel] = sender
	}
	s.mu.RUnlock()

	var combined error
	for _, channel := range channels {
		sender, ok := senders[channel]
		if !ok {
			metrics.NotificationsDispatched.WithLabelValues(string(channel), "skipped").Inc()
			continue
		}
		if err := sender.Send(ctx, notification, recipient); err != nil {
			metrics.NotificationsDispatched.WithLabelValues(string(channel), "error").Inc()
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", channel, err))
			continue
		}
		metrics.NotificationsDispatched.WithLabelValues(string(channel), "ok").Inc()
	}

	if combined != nil {
		s.log.Warn("channel delivery incomplete",
			zap.String("notification_id", notification.ID),
			zap.String("user_id", notification.UserID),
			zap.Error(combined))
	}
}

func (s *NotificationService) pushLive(userID string, dto NotificationDTO) {
	s.mu.RLock()
	pusher := s.pusher
	s.mu.RUnlock()

	if pusher == nil || !pusher.Connected(userID) {
		return
	}

	unread, err := s.UnreadCount(context.Background(), userID)
	if err != nil {
		s.log.Warn("unread recount failed", zap.String("user_id", userID), zap.Error(err))
		unread = 0
	}
	pusher.PushNotification(userID, dto, unread)
}

func (s *NotificationService) pushUnread(ctx context.Context, userID string) {
	s.mu.RLock()
	pusher := s.pusher
	s.mu.RUnlock()

	if pusher == nil || !pusher.Connected(userID) {
		return
	}
	unread, err := s.UnreadCount(ctx, userID)
	if err != nil {
		s.log.Warn("unread recount failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	pusher.PushUnreadCount(userID, unread)
}

// preferenceFor resolves the stored preference row or falls back to the
// defaults without persisting them.
func (s *NotificationService) preferenceFor(ctx context.Context, userID string, notificationType models.NotificationType) (*models.NotificationPreference, error) {
	var pref models.NotificationPreference
	err := s.db.WithContext(ctx).
		Take(&pref, "user_id = ? AND type = ?", userID, notificationType).Error
	if err == nil {
		return &pref, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("notification service: load preference: %w", err)
	}
	fallback := models.DefaultPreference(userID, notificationType)
	return &fallback, nil
}

// List returns the user's notifications, newest first. Archived rows are
// excluded unless includeArchived is set.
func (s *NotificationService) List(ctx context.Context, userID string, page, limit int, includeArchived bool) ([]NotificationDTO, int64, error) {
	ctx = ensureContext(ctx)
	page, limit = clampPage(page, limit, 20, 100)

	query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if !includeArchived {
		query = query.Where("status <> ?", models.NotificationStatusArchived)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notification service: count: %w", err)
	}

	var rows []models.Notification
	if err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("notification service: list: %w", err)
	}

	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		var sender *models.User
		if row.SenderID != nil {
			var senderRow models.User
			if err := s.db.WithContext(ctx).Take(&senderRow, "id = ?", *row.SenderID).Error; err == nil {
				sender = &senderRow
			}
		}
		items = append(items, s.mapNotification(row, sender))
	}
	return items, total, nil
}

// UnreadCount always recounts from storage.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND status = ?", userID, models.NotificationStatusUnread).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("notification service: unread count: %w", err)
	}
	return count, nil
}

// MarkRead flips one notification to read and re-pushes the unread count.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) error {
	return s.setStatus(ctx, userID, notificationID, models.NotificationStatusRead)
}

// Archive moves one notification out of the default listing.
func (s *NotificationService) Archive(ctx context.Context, userID, notificationID string) error {
	return s.setStatus(ctx, userID, notificationID, models.NotificationStatusArchived)
}

func (s *NotificationService) setStatus(ctx context.Context, userID, notificationID string, status models.NotificationStatus) error {
	ctx = ensureContext(ctx)

	updates := map[string]any{"status": status}
	if status == models.NotificationStatusRead {
		now := s.timeNow().UTC()
		updates["read_at"] = &now
	}

	result := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("notification service: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithMessage("notification not found")
	}

	s.pushUnread(ctx, userID)
	return nil
}

// MarkAllRead flips every unread notification for the user and re-pushes the
// (now zero) unread count.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	ctx = ensureContext(ctx)

	now := s.timeNow().UTC()
	result := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND status = ?", userID, models.NotificationStatusUnread).
		Updates(map[string]any{"status": models.NotificationStatusRead, "read_at": &now})
	if result.Error != nil {
		return 0, fmt.Errorf("notification service: mark all read: %w", result.Error)
	}

	s.pushUnread(ctx, userID)
	return result.RowsAffected, nil
}

// RunDigest emits one DIGEST notification per user who opted into digests and
// accumulated unread notifications since the cutoff. Returns the number of
// digests dispatched.
func (s *NotificationService) RunDigest(ctx context.Context, since time.Time) (int, error) {
	ctx = ensureContext(ctx)

	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.NotificationPreference{}).
		Where("digest = ? AND enabled = ?", true, true).
		Distinct("user_id").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, fmt.Errorf("notification service: digest subscribers: %w", err)
	}

	dispatched := 0
	for _, userID := range userIDs {
		var count int64
		err := s.db.WithContext(ctx).
			Model(&models.Notification{}).
			Where("user_id = ? AND status = ? AND type <> ? AND created_at >= ?",
				userID, models.NotificationStatusUnread, models.NotificationTypeDigest, since).
			Count(&count).Error
		if err != nil {
			s.log.Warn("digest count failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if count == 0 {
			continue
		}

		_, err = s.Dispatch(ctx, DispatchInput{
			UserID:    userID,
			Type:      models.NotificationTypeDigest,
			Title:     "While you were away",
			Body:      fmt.Sprintf("You have %d unread notifications", count),
			Payload:   map[string]any{"unread_count": count},
			ActionURL: "/notifications",
		})
		if err != nil {
			s.log.Warn("digest dispatch failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *NotificationService) mapNotification(row models.Notification, sender *models.User) NotificationDTO {
	dto := NotificationDTO{
		ID:        row.ID,
		UserID:    row.UserID,
		Type:      row.Type,
		Title:     row.Title,
		Body:      row.Body,
		Status:    row.Status,
		ActionURL: row.ActionURL,
		ReadAt:    row.ReadAt,
		CreatedAt: row.CreatedAt,
	}
	if row.SenderID != nil {
		dto.SenderID = *row.SenderID
	}
	if len(row.Channels) > 0 {
		_ = json.Unmarshal(row.Channels, &dto.Channels)
	}
	if len(row.Payload) > 0 {
		_ = json.Unmarshal(row.Payload, &dto.Payload)
	}
	if sender != nil {
		senderDTO := mapUser(*sender)
		dto.Sender = &senderDTO
	}
	return dto
}
