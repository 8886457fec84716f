package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/models"
)

const lastSeenTTL = 30 * 24 * time.Hour

// LastSeenStore records when a user was last connected.
type LastSeenStore interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	Get(ctx context.Context, userID string) (*time.Time, error)
}

// RedisLastSeenStore keeps last-seen timestamps in Redis.
type RedisLastSeenStore struct {
	client *redis.Client
}

// NewRedisLastSeenStore constructs a Redis-backed last-seen store.
func NewRedisLastSeenStore(client *redis.Client) (*RedisLastSeenStore, error) {
	if client == nil {
		return nil, errors.New("presence: redis client is required")
	}
	return &RedisLastSeenStore{client: client}, nil
}

func lastSeenKey(userID string) string {
	return fmt.Sprintf("matcha:presence:last_seen:%s", userID)
}

// Touch stores the timestamp for a user.
func (s *RedisLastSeenStore) Touch(ctx context.Context, userID string, at time.Time) error {
	return s.client.Set(ctx, lastSeenKey(userID), at.UTC().Format(time.RFC3339Nano), lastSeenTTL).Err()
}

// Get loads the timestamp for a user, returning nil when never recorded.
func (s *RedisLastSeenStore) Get(ctx context.Context, userID string) (*time.Time, error) {
	value, err := s.client.Get(ctx, lastSeenKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	at, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("presence: parse last seen: %w", err)
	}
	return &at, nil
}

// GormLastSeenStore persists last-seen timestamps on the user row. Used when
// Redis is not configured.
type GormLastSeenStore struct {
	db *gorm.DB
}

// NewGormLastSeenStore constructs a database-backed last-seen store.
func NewGormLastSeenStore(db *gorm.DB) (*GormLastSeenStore, error) {
	if db == nil {
		return nil, errors.New("presence: db is required")
	}
	return &GormLastSeenStore{db: db}, nil
}

// Touch stores the timestamp on the user row.
func (s *GormLastSeenStore) Touch(ctx context.Context, userID string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_seen_at", at).Error
}

// Get loads the timestamp from the user row.
func (s *GormLastSeenStore) Get(ctx context.Context, userID string) (*time.Time, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Select("last_seen_at").Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return user.LastSeenAt, nil
}
