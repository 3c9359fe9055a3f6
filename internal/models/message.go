package models

import "time"

// Message types.
const (
	TypeDirect    = "direct"
	TypeBroadcast = "broadcast"
	TypeSystem    = "system"
)

// Message priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Message statuses. Status only moves forward through the delivery state
// machine, except for the failed → queued retry edge.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusRead       = "read"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
	StatusExpired    = "expired"
)

// Message is the durable record of one inter-agent message. Content is
// immutable after creation; only Status and RetractedAt change. The
// message-level Status reflects the least-advanced recipient; per-recipient
// progress lives in DeliveryReceipt rows.
type Message struct {
	ID          string `gorm:"primaryKey;size:64"`
	ThreadID    string `gorm:"size:64;index"`
	Type        string `gorm:"size:16;default:direct"`
	Priority    string `gorm:"size:8;default:normal"`
	Status      string `gorm:"size:16;default:pending;index"`
	SenderID    string `gorm:"size:64;not null;index"`
	Recipients  string `gorm:"type:json;not null"`
	Content     string `gorm:"type:text"`
	Attachments string `gorm:"type:json"`
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RetractedAt *time.Time
}

// TerminalStatus reports whether s is a terminal message status.
func TerminalStatus(s string) bool {
	return s == StatusRead || s == StatusDeadLetter || s == StatusExpired
}

// ValidPriority reports whether p names a known priority tier.
func ValidPriority(p string) bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ValidType reports whether t names a known message type.
func ValidType(t string) bool {
	switch t {
	case TypeDirect, TypeBroadcast, TypeSystem:
		return true
	}
	return false
}
