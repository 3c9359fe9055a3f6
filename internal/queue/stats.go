package queue

import (
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// Stats holds per-priority delivery pipeline counts.
type Stats struct {
	Pending    map[string]int64
	Delivering map[string]int64
	DeadLetter map[string]int64
}

// Total returns the sum of all counts in one bucket.
func Total(bucket map[string]int64) int64 {
	var n int64
	for _, v := range bucket {
		n += v
	}
	return n
}

type scoreCount struct {
	PriorityScore int
	N             int64
}

type priorityCount struct {
	Priority string
	N        int64
}

// GetStats computes queue depth per priority tier. Pending covers items no
// worker currently holds (including expired leases and backoff waits),
// delivering covers live leases, dead_letter covers receipts that exhausted
// their retry budget.
func GetStats(db *gorm.DB, now time.Time) (*Stats, error) {
	stats := &Stats{
		Pending:    map[string]int64{},
		Delivering: map[string]int64{},
		DeadLetter: map[string]int64{},
	}

	var pending []scoreCount
	err := db.Model(&models.QueueItem{}).
		Select("priority_score, COUNT(*) as n").
		Where("lease_owner = '' OR visible_at <= ?", now).
		Group("priority_score").
		Scan(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("queue: stats pending: %w", err)
	}
	for _, c := range pending {
		stats.Pending[PriorityForScore(c.PriorityScore)] += c.N
	}

	var delivering []scoreCount
	err = db.Model(&models.QueueItem{}).
		Select("priority_score, COUNT(*) as n").
		Where("lease_owner <> '' AND visible_at > ?", now).
		Group("priority_score").
		Scan(&delivering).Error
	if err != nil {
		return nil, fmt.Errorf("queue: stats delivering: %w", err)
	}
	for _, c := range delivering {
		stats.Delivering[PriorityForScore(c.PriorityScore)] += c.N
	}

	var dead []priorityCount
	err = db.Model(&models.DeliveryReceipt{}).
		Select("messages.priority AS priority, COUNT(*) as n").
		Joins("JOIN messages ON messages.id = delivery_receipts.message_id").
		Where("delivery_receipts.dead_lettered = ?", true).
		Group("messages.priority").
		Scan(&dead).Error
	if err != nil {
		return nil, fmt.Errorf("queue: stats dead_letter: %w", err)
	}
	for _, c := range dead {
		stats.DeadLetter[c.Priority] += c.N
	}

	return stats, nil
}
