package models

import "time"

// QueueItem is the lease-able unit of pending delivery work: one row per
// (message, recipient) awaiting delivery. Workers coordinate exclusively
// through the lease fields; the row is deleted on any terminal outcome.
type QueueItem struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	MessageID     string `gorm:"size:64;not null;uniqueIndex:uniq_queue_pair,priority:1"`
	RecipientID   string `gorm:"size:64;not null;uniqueIndex:uniq_queue_pair,priority:2;index:idx_lease_select,priority:1"`
	PriorityScore int    `gorm:"not null;index:idx_lease_select,priority:2"`
	VisibleAt     time.Time `gorm:"index:idx_lease_select,priority:3"`
	LeaseOwner    string    `gorm:"size:64"`
	LeaseToken    string    `gorm:"size:36"`
	Attempts      int       `gorm:"default:0"`
	CreatedAt     time.Time `gorm:"index"`
}
