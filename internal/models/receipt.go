package models

import "time"

// Delivery channels.
const (
	ChannelWebhook = "webhook"
	ChannelPoll    = "poll"
)

// DeliveryReceipt tracks one recipient's delivery progress for one message.
// Created exactly once per (message, recipient) pair; AttemptCount is
// monotonically non-decreasing.
type DeliveryReceipt struct {
	MessageID     string `gorm:"primaryKey;size:64"`
	RecipientID   string `gorm:"primaryKey;size:64;index"`
	AttemptCount  int    `gorm:"default:0"`
	LastAttemptAt *time.Time
	DeliveredAt   *time.Time
	Channel       string `gorm:"size:8"`
	LastError     string `gorm:"type:text"`
	DeadLettered  bool   `gorm:"default:false;index"`
	CreatedAt     time.Time
}

// ReadReceipt records that a recipient read a message. At most one per
// (message, recipient) pair; presence implies a delivered DeliveryReceipt.
type ReadReceipt struct {
	MessageID   string `gorm:"primaryKey;size:64"`
	RecipientID string `gorm:"primaryKey;size:64"`
	ReadAt      time.Time
}
