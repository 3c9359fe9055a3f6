// Package messaging is the durable message store: creation with validation
// and broadcast fan-out, retrieval, read receipts, retraction, and the
// message-level status roll-up across per-recipient delivery receipts.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/agents"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/queue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Limits bounds message creation.
type Limits struct {
	MaxContentBytes int
	MaxPending      int
}

// CreateInput holds the producer-supplied fields for a new message.
type CreateInput struct {
	Sender      string
	Recipients  []string // ignored for broadcast; resolved from the directory
	Type        string
	Priority    string
	Content     string
	Attachments []string // references, never inline payloads
	ThreadID    string
	TTL         time.Duration
}

// Create validates input, resolves recipients (broadcast snapshots the
// active-agent set once, at creation), and atomically stores the message,
// one delivery receipt per recipient, and one queue item per recipient.
func Create(db *gorm.DB, dir agents.Directory, in CreateInput, limits Limits) (*models.Message, error) {
	if in.Sender == "" {
		return nil, &ValidationError{Reason: "sender is required"}
	}
	if in.Type == "" {
		in.Type = models.TypeDirect
	}
	if !models.ValidType(in.Type) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown type %q", in.Type)}
	}
	if in.Priority == "" {
		in.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(in.Priority) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown priority %q", in.Priority)}
	}
	if in.Content == "" {
		return nil, &ValidationError{Reason: "content is required"}
	}
	if limits.MaxContentBytes > 0 && len(in.Content) > limits.MaxContentBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf("content exceeds %d bytes", limits.MaxContentBytes)}
	}
	if in.TTL < 0 {
		return nil, &ValidationError{Reason: "ttl must not be negative"}
	}

	recipients, err := resolveRecipients(dir, in)
	if err != nil {
		return nil, err
	}

	if limits.MaxPending > 0 {
		depth, err := queue.Depth(db)
		if err != nil {
			return nil, err
		}
		if depth+int64(len(recipients)) > int64(limits.MaxPending) {
			return nil, &CapacityError{Reason: fmt.Sprintf("queue depth %d at limit %d", depth, limits.MaxPending)}
		}
	}

	now := time.Now().UTC()
	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal recipients: %w", err)
	}
	attachmentsJSON := "[]"
	if len(in.Attachments) > 0 {
		data, err := json.Marshal(in.Attachments)
		if err != nil {
			return nil, fmt.Errorf("messaging: marshal attachments: %w", err)
		}
		attachmentsJSON = string(data)
	}

	msg := models.Message{
		ID:          NewMessageID(now),
		ThreadID:    in.ThreadID,
		Type:        in.Type,
		Priority:    in.Priority,
		Status:      models.StatusPending,
		SenderID:    in.Sender,
		Recipients:  string(recipientsJSON),
		Content:     in.Content,
		Attachments: attachmentsJSON,
		CreatedAt:   now,
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		msg.ExpiresAt = &exp
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("messaging: create %s: %w", msg.ID, err)
		}

		receipts := make([]models.DeliveryReceipt, 0, len(recipients))
		for _, r := range recipients {
			receipts = append(receipts, models.DeliveryReceipt{
				MessageID:   msg.ID,
				RecipientID: r,
				CreatedAt:   now,
			})
		}
		// Idempotent on replay: the (message, recipient) pair is created once.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts).Error; err != nil {
			return fmt.Errorf("messaging: create receipts for %s: %w", msg.ID, err)
		}

		if err := queue.Enqueue(tx, &msg, recipients, now); err != nil {
			return err
		}

		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).
			Update("status", models.StatusQueued).Error; err != nil {
			return fmt.Errorf("messaging: mark queued %s: %w", msg.ID, err)
		}
		msg.Status = models.StatusQueued
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &msg, nil
}

// resolveRecipients returns the deduplicated recipient snapshot for a new
// message, validated against the agent directory.
func resolveRecipients(dir agents.Directory, in CreateInput) ([]string, error) {
	if in.Type == models.TypeBroadcast {
		all, err := dir.ActiveAgents()
		if err != nil {
			return nil, fmt.Errorf("messaging: resolve broadcast recipients: %w", err)
		}
		recipients := make([]string, 0, len(all))
		for _, id := range all {
			if id != in.Sender {
				recipients = append(recipients, id)
			}
		}
		if len(recipients) == 0 {
			return nil, &ValidationError{Reason: "broadcast resolves to zero recipients"}
		}
		return recipients, nil
	}

	seen := make(map[string]bool, len(in.Recipients))
	recipients := make([]string, 0, len(in.Recipients))
	for _, id := range in.Recipients {
		if id == "" || seen[id] {
			continue
		}
		if !dir.IsActive(id) {
			return nil, &ValidationError{Reason: fmt.Sprintf("recipient %q is not an active agent", id)}
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	if len(recipients) == 0 {
		return nil, &ValidationError{Reason: "at least one recipient is required"}
	}
	return recipients, nil
}

// Get returns a message by ID.
func Get(db *gorm.DB, id string) (*models.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("messaging: id is required")
	}
	var msg models.Message
	if err := db.First(&msg, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("messaging: get %s: %w", id, err)
	}
	return &msg, nil
}

// Recipients decodes a message's recipient snapshot.
func Recipients(msg *models.Message) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(msg.Recipients), &out); err != nil {
		return nil, fmt.Errorf("messaging: decode recipients of %s: %w", msg.ID, err)
	}
	return out, nil
}

// Receipts returns all delivery receipts for a message.
func Receipts(db *gorm.DB, messageID string) ([]models.DeliveryReceipt, error) {
	var receipts []models.DeliveryReceipt
	err := db.Where("message_id = ?", messageID).
		Order("recipient_id ASC").Find(&receipts).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: receipts for %s: %w", messageID, err)
	}
	return receipts, nil
}

// Filter narrows List results. Zero fields are ignored.
type Filter struct {
	Recipient string
	Sender    string
	ThreadID  string
	Status    string
	Priority  string
	Type      string
	Limit     int
	Offset    int
}

// List returns messages matching the filter, newest first. Recipient
// filtering goes through delivery receipts so it works on the indexed
// composite key rather than the JSON snapshot column.
func List(db *gorm.DB, f Filter) ([]models.Message, error) {
	q := db.Model(&models.Message{})
	if f.Recipient != "" {
		q = q.Where("id IN (?)", db.Model(&models.DeliveryReceipt{}).
			Select("message_id").Where("recipient_id = ?", f.Recipient))
	}
	if f.Sender != "" {
		q = q.Where("sender_id = ?", f.Sender)
	}
	if f.ThreadID != "" {
		q = q.Where("thread_id = ?", f.ThreadID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var msgs []models.Message
	err := q.Order("created_at DESC, id DESC").
		Limit(limit).Offset(f.Offset).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: list: %w", err)
	}
	return msgs, nil
}

// Thread returns all messages in a thread, oldest first.
func Thread(db *gorm.DB, threadID string) ([]models.Message, error) {
	if threadID == "" {
		return nil, fmt.Errorf("messaging: threadID is required")
	}
	var msgs []models.Message
	err := db.Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: thread %s: %w", threadID, err)
	}
	return msgs, nil
}

// MarkRead records that a recipient read a message. Requires a delivered
// delivery receipt; creating the read receipt is idempotent.
func MarkRead(db *gorm.DB, messageID, agentID string, now time.Time) error {
	if messageID == "" || agentID == "" {
		return fmt.Errorf("messaging: messageID and agentID are required")
	}

	var receipt models.DeliveryReceipt
	err := db.First(&receipt, "message_id = ? AND recipient_id = ?", messageID, agentID).Error
	if err != nil {
		return fmt.Errorf("messaging: mark read %s for %s: no delivery receipt: %w", messageID, agentID, err)
	}
	if receipt.DeliveredAt == nil {
		return fmt.Errorf("messaging: mark read %s for %s: %w", messageID, agentID, ErrNotDelivered)
	}

	rr := models.ReadReceipt{MessageID: messageID, RecipientID: agentID, ReadAt: now}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rr).Error; err != nil {
		return fmt.Errorf("messaging: create read receipt %s/%s: %w", messageID, agentID, err)
	}

	return SyncStatus(db, messageID, now)
}

// Retract cancels a message before delivery: pending queue items are deleted
// immediately, in-flight leased attempts keep running but their outcome is
// discarded because the retraction timestamp predates their completion.
func Retract(db *gorm.DB, messageID string, now time.Time) error {
	msg, err := Get(db, messageID)
	if err != nil {
		return err
	}
	if msg.RetractedAt != nil {
		return nil
	}
	if models.TerminalStatus(msg.Status) {
		return fmt.Errorf("messaging: retract %s: message is %s", messageID, msg.Status)
	}

	err = db.Model(&models.Message{}).Where("id = ? AND retracted_at IS NULL", messageID).
		Update("retracted_at", now).Error
	if err != nil {
		return fmt.Errorf("messaging: retract %s: %w", messageID, err)
	}

	if _, err := queue.RemovePending(db, messageID, now); err != nil {
		return err
	}
	return nil
}

// ExpireOverdue retires every non-terminal message whose TTL has passed and
// deletes its queue items. Returns the number of messages expired. Run from
// the maintenance sweep; the processor additionally checks expiry on every
// lease so an expired item never gets a delivery attempt.
func ExpireOverdue(db *gorm.DB, now time.Time) (int64, error) {
	var ids []string
	err := db.Model(&models.Message{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Where("status NOT IN ?", []string{models.StatusRead, models.StatusDeadLetter, models.StatusExpired}).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("messaging: find overdue: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).Where("id IN ?", ids).
			Update("status", models.StatusExpired).Error; err != nil {
			return fmt.Errorf("messaging: expire messages: %w", err)
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&models.QueueItem{}).Error; err != nil {
			return fmt.Errorf("messaging: drop expired queue items: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}
