package database

import (
	"gorm.io/gorm"

	"github.com/dcastella/matcha/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Match{},
		&models.Conversation{},
		&models.Message{},
		&models.Notification{},
		&models.NotificationPreference{},
	)
}

// SeedData inserts a handful of demo profiles so compatibility scoring and
// matching are exercisable on a fresh database. Existing rows are left alone.
func SeedData(db *gorm.DB) error {
	seeds := []struct {
		id        string
		name      string
		email     string
		location  string
		interests []string
	}{
		{"seed-ana", "Ana", "ana@matcha.local", "Lisbon", []string{"hiking", "jazz", "cooking"}},
		{"seed-bruno", "Bruno", "bruno@matcha.local", "Lisbon", []string{"hiking", "cinema"}},
		{"seed-carla", "Carla", "carla@matcha.local", "Porto", []string{"jazz", "books", "cooking"}},
	}

	for _, seed := range seeds {
		user := models.User{
			BaseModel:   models.BaseModel{ID: seed.id},
			DisplayName: seed.name,
			Email:       seed.email,
			Location:    seed.location,
			IsActive:    true,
		}
		if err := user.SetInterests(seed.interests); err != nil {
			return err
		}

		if err := db.Where("id = ?", seed.id).
			FirstOrCreate(&models.User{}, user).Error; err != nil {
			return err
		}
	}

	return nil
}
