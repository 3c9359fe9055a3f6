package messaging

import (
	"fmt"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// MessageStats aggregates the message table for dashboards and the stats
// endpoint.
type MessageStats struct {
	Total      int64
	ByStatus   map[string]int64
	ByPriority map[string]int64
}

type groupCount struct {
	Bucket string
	N      int64
}

// GetStats counts messages by status and priority.
func GetStats(db *gorm.DB) (*MessageStats, error) {
	stats := &MessageStats{
		ByStatus:   map[string]int64{},
		ByPriority: map[string]int64{},
	}

	if err := db.Model(&models.Message{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("messaging: stats total: %w", err)
	}

	var byStatus []groupCount
	err := db.Model(&models.Message{}).
		Select("status AS bucket, COUNT(*) AS n").
		Group("status").Scan(&byStatus).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: stats by status: %w", err)
	}
	for _, c := range byStatus {
		stats.ByStatus[c.Bucket] = c.N
	}

	var byPriority []groupCount
	err = db.Model(&models.Message{}).
		Select("priority AS bucket, COUNT(*) AS n").
		Group("priority").Scan(&byPriority).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: stats by priority: %w", err)
	}
	for _, c := range byPriority {
		stats.ByPriority[c.Bucket] = c.N
	}

	return stats, nil
}
