package notify

import (
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/messaging"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/queue"
	"gorm.io/gorm"
)

// PendingNotification is one pollable item: the message joined to the
// recipient's queue entry, in the same priority-then-age order the workers
// serve.
type PendingNotification struct {
	MessageID    string    `json:"message_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Sender       string    `json:"sender"`
	Type         string    `json:"type"`
	Priority     string    `json:"priority"`
	Content      string    `json:"content"`
	Attachments  string    `json:"attachments,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AttemptCount int       `json:"attempt_count"`
}

// DefaultPollLimit bounds a poll that doesn't specify max items.
const DefaultPollLimit = 50

// Poll returns up to max outstanding notifications for an agent without
// advancing any delivery state: an agent that polls but never acks sees the
// same items again. Retracted and expired messages are excluded.
func Poll(db *gorm.DB, agentID string, max int, now time.Time) ([]PendingNotification, error) {
	if agentID == "" {
		return nil, fmt.Errorf("notify: agentID is required")
	}
	if max <= 0 || max > 500 {
		max = DefaultPollLimit
	}

	var out []PendingNotification
	err := db.Model(&models.QueueItem{}).
		Select(`messages.id AS message_id, messages.thread_id, messages.sender_id AS sender,
			messages.type, messages.priority, messages.content, messages.attachments,
			messages.created_at, queue_items.attempts AS attempt_count`).
		Joins("JOIN messages ON messages.id = queue_items.message_id").
		Where("queue_items.recipient_id = ?", agentID).
		Where("messages.retracted_at IS NULL").
		Where("messages.expires_at IS NULL OR messages.expires_at > ?", now).
		Order("queue_items.priority_score ASC, queue_items.created_at ASC, queue_items.id ASC").
		Limit(max).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("notify: poll for %s: %w", agentID, err)
	}
	return out, nil
}

// Ack acknowledges polled messages: the delivery receipts advance to
// delivered over the poll channel and the queue items are removed. Returns
// the number of queue items retired. Acking an ID with no outstanding item
// is a no-op, so retried acks are safe.
func Ack(db *gorm.DB, agentID string, messageIDs []string, now time.Time) (int64, error) {
	if agentID == "" {
		return 0, fmt.Errorf("notify: agentID is required")
	}
	if len(messageIDs) == 0 {
		return 0, nil
	}

	// Only ack messages this agent actually has outstanding.
	var owned []string
	err := db.Model(&models.QueueItem{}).
		Where("recipient_id = ? AND message_id IN ?", agentID, messageIDs).
		Pluck("message_id", &owned).Error
	if err != nil {
		return 0, fmt.Errorf("notify: ack lookup for %s: %w", agentID, err)
	}
	if len(owned) == 0 {
		return 0, nil
	}

	for _, id := range owned {
		if err := messaging.MarkDelivered(db, id, agentID, models.ChannelPoll, now); err != nil {
			return 0, err
		}
	}

	removed, err := queue.RemoveForAck(db, agentID, owned)
	if err != nil {
		return 0, err
	}

	// Roll up again now the queue items are gone, so a fully-acked message
	// reads delivered rather than queued.
	for _, id := range owned {
		if err := messaging.SyncStatus(db, id, now); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
