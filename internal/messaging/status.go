package messaging

import (
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// MarkDelivered records a successful delivery on the recipient's receipt and
// rolls up the message status. delivered_at is written at most once; a replay
// (same message redelivered after a lost ack) leaves the first timestamp.
func MarkDelivered(db *gorm.DB, messageID, recipientID, channel string, now time.Time) error {
	result := db.Model(&models.DeliveryReceipt{}).
		Where("message_id = ? AND recipient_id = ? AND delivered_at IS NULL", messageID, recipientID).
		Updates(map[string]interface{}{
			"delivered_at":    now,
			"last_attempt_at": now,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"channel":         channel,
			"last_error":      "",
		})
	if result.Error != nil {
		return fmt.Errorf("messaging: mark delivered %s/%s: %w", messageID, recipientID, result.Error)
	}
	return SyncStatus(db, messageID, now)
}

// RecordFailure records a failed delivery attempt on the recipient's receipt.
func RecordFailure(db *gorm.DB, messageID, recipientID, attemptErr string, now time.Time) error {
	result := db.Model(&models.DeliveryReceipt{}).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		Updates(map[string]interface{}{
			"last_attempt_at": now,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_error":      attemptErr,
		})
	if result.Error != nil {
		return fmt.Errorf("messaging: record failure %s/%s: %w", messageID, recipientID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("messaging: record failure %s/%s: receipt not found", messageID, recipientID)
	}
	return SyncStatus(db, messageID, now)
}

// MarkDeadLetter retires a recipient's delivery after the retry budget is
// exhausted. The message itself stays retrievable via polling and history.
func MarkDeadLetter(db *gorm.DB, messageID, recipientID string, now time.Time) error {
	result := db.Model(&models.DeliveryReceipt{}).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		Update("dead_lettered", true)
	if result.Error != nil {
		return fmt.Errorf("messaging: dead-letter %s/%s: %w", messageID, recipientID, result.Error)
	}
	return SyncStatus(db, messageID, now)
}

// Per-recipient advancement ranks for the roll-up. A failed recipient
// (waiting out backoff) ranks below an in-flight one; resolved outcomes
// (delivered or dead-lettered) rank together so a mixed message reads as the
// least-advanced live recipient until everyone is resolved.
const (
	rankQueued     = 1
	rankFailed     = 2
	rankDelivering = 3
	rankResolved   = 4
	rankRead       = 5
)

// SyncStatus recomputes the message-level status from per-recipient state:
// the message reflects its least-advanced recipient. Terminal statuses are
// never overwritten.
func SyncStatus(db *gorm.DB, messageID string, now time.Time) error {
	var msg models.Message
	if err := db.First(&msg, "id = ?", messageID).Error; err != nil {
		return fmt.Errorf("messaging: sync status %s: %w", messageID, err)
	}
	if models.TerminalStatus(msg.Status) {
		return nil
	}

	receipts, err := Receipts(db, messageID)
	if err != nil {
		return err
	}
	if len(receipts) == 0 {
		return nil
	}

	var readPairs []models.ReadReceipt
	if err := db.Where("message_id = ?", messageID).Find(&readPairs).Error; err != nil {
		return fmt.Errorf("messaging: read receipts %s: %w", messageID, err)
	}
	read := make(map[string]bool, len(readPairs))
	for _, rr := range readPairs {
		read[rr.RecipientID] = true
	}

	var items []models.QueueItem
	if err := db.Where("message_id = ?", messageID).Find(&items).Error; err != nil {
		return fmt.Errorf("messaging: queue items %s: %w", messageID, err)
	}
	leased := make(map[string]bool, len(items))
	for _, it := range items {
		if it.LeaseOwner != "" && it.VisibleAt.After(now) {
			leased[it.RecipientID] = true
		}
	}

	minRank := rankRead + 1
	anyDead := false
	for _, r := range receipts {
		rank := rankForRecipient(&r, read[r.RecipientID], leased[r.RecipientID])
		if r.DeadLettered {
			anyDead = true
		}
		if rank < minRank {
			minRank = rank
		}
	}

	next := msg.Status
	switch minRank {
	case rankQueued:
		next = models.StatusQueued
	case rankFailed:
		next = models.StatusFailed
	case rankDelivering:
		next = models.StatusDelivering
	case rankResolved:
		if anyDead {
			next = models.StatusDeadLetter
		} else {
			next = models.StatusDelivered
		}
	case rankRead:
		next = models.StatusRead
	}

	if next == msg.Status {
		return nil
	}
	err = db.Model(&models.Message{}).Where("id = ?", messageID).
		Update("status", next).Error
	if err != nil {
		return fmt.Errorf("messaging: update status %s: %w", messageID, err)
	}
	return nil
}

func rankForRecipient(r *models.DeliveryReceipt, wasRead, leased bool) int {
	switch {
	case wasRead:
		return rankRead
	case r.DeliveredAt != nil, r.DeadLettered:
		return rankResolved
	case leased:
		return rankDelivering
	case r.AttemptCount > 0:
		return rankFailed
	default:
		return rankQueued
	}
}
