package db

import (
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all Courier GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Message{},
		&models.DeliveryReceipt{},
		&models.ReadReceipt{},
		&models.QueueItem{},
		&models.WebhookConfig{},
		&models.NotificationPreferences{},
	}
}

// AutoMigrate creates or updates all Courier tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
