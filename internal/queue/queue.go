// Package queue implements the store-backed priority queue for pending
// deliveries. Every coordination primitive is a field on the QueueItem row:
// workers claim items with an optimistic conditional update keyed on the
// previous lease token, so the store is the only synchronization point and a
// crashed worker's items become eligible again when the lease window passes.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// ErrEmpty is returned by Lease when no item is currently eligible.
var ErrEmpty = errors.New("queue: no eligible items")

// leaseCandidates bounds how many CAS races Lease will lose before giving up
// this round.
const leaseCandidates = 5

// Enqueue creates one queue item per recipient for a message. Items become
// visible immediately; the caller supplies the transaction so enqueue is
// atomic with message creation.
func Enqueue(tx *gorm.DB, msg *models.Message, recipients []string, now time.Time) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("queue: message is required")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("queue: at least one recipient is required")
	}

	score := Score(msg.Priority)
	items := make([]models.QueueItem, 0, len(recipients))
	for _, r := range recipients {
		items = append(items, models.QueueItem{
			MessageID:     msg.ID,
			RecipientID:   r,
			PriorityScore: score,
			VisibleAt:     now,
			CreatedAt:     msg.CreatedAt,
		})
	}
	if err := tx.Create(&items).Error; err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.ID, err)
	}
	return nil
}

// Lease claims the most eligible queue item for owner and returns it with
// fresh lease fields. An item is eligible when visible_at has passed: for an
// unleased item that is its next-attempt time, for a leased item it means the
// previous worker's lease expired. The claim is a conditional update keyed on
// the lease token observed during selection, so two workers can never both
// win the same item. Returns ErrEmpty when nothing is eligible.
func Lease(db *gorm.DB, owner string, leaseDuration time.Duration, now time.Time) (*models.QueueItem, error) {
	if owner == "" {
		return nil, fmt.Errorf("queue: owner is required")
	}
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("queue: lease duration must be positive")
	}

	var candidates []models.QueueItem
	err := db.Where("visible_at <= ?", now).
		Order("priority_score ASC, created_at ASC, id ASC").
		Limit(leaseCandidates).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("queue: select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrEmpty
	}

	for i := range candidates {
		item := candidates[i]
		token := uuid.NewString()
		until := now.Add(leaseDuration)

		result := db.Model(&models.QueueItem{}).
			Where("id = ? AND lease_token = ?", item.ID, item.LeaseToken).
			Updates(map[string]interface{}{
				"lease_owner": owner,
				"lease_token": token,
				"visible_at":  until,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("queue: lease item %d: %w", item.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Lost the race to another worker; try the next candidate.
			continue
		}

		item.LeaseOwner = owner
		item.LeaseToken = token
		item.VisibleAt = until
		return &item, nil
	}

	return nil, ErrEmpty
}

// LeaseForRecipient is Lease restricted to one recipient's queue, preserving
// the same ordering. Used by tests and targeted redelivery.
func LeaseForRecipient(db *gorm.DB, owner, recipientID string, leaseDuration time.Duration, now time.Time) (*models.QueueItem, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("queue: recipientID is required")
	}

	var candidates []models.QueueItem
	err := db.Where("recipient_id = ? AND visible_at <= ?", recipientID, now).
		Order("priority_score ASC, created_at ASC, id ASC").
		Limit(leaseCandidates).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("queue: select candidates for %s: %w", recipientID, err)
	}

	for i := range candidates {
		item := candidates[i]
		token := uuid.NewString()
		until := now.Add(leaseDuration)

		result := db.Model(&models.QueueItem{}).
			Where("id = ? AND lease_token = ?", item.ID, item.LeaseToken).
			Updates(map[string]interface{}{
				"lease_owner": owner,
				"lease_token": token,
				"visible_at":  until,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("queue: lease item %d: %w", item.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}

		item.LeaseOwner = owner
		item.LeaseToken = token
		item.VisibleAt = until
		return &item, nil
	}

	return nil, ErrEmpty
}

// Requeue schedules a leased item for another attempt after delay, clearing
// the lease and bumping the attempt counter. The update is keyed on the held
// lease token: if the lease already expired and another worker claimed the
// item, the requeue is a no-op and reports false.
func Requeue(db *gorm.DB, item *models.QueueItem, delay time.Duration, now time.Time) (bool, error) {
	if item == nil || item.LeaseToken == "" {
		return false, fmt.Errorf("queue: a held lease is required")
	}

	result := db.Model(&models.QueueItem{}).
		Where("id = ? AND lease_token = ?", item.ID, item.LeaseToken).
		Updates(map[string]interface{}{
			"lease_owner": "",
			"lease_token": "",
			"visible_at":  now.Add(delay),
			"attempts":    gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("queue: requeue item %d: %w", item.ID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Park reschedules a leased item without consuming attempt budget, used when
// routing decides the item waits for poll pickup. The route is re-consulted
// when the item becomes visible again.
func Park(db *gorm.DB, item *models.QueueItem, delay time.Duration, now time.Time) (bool, error) {
	if item == nil || item.LeaseToken == "" {
		return false, fmt.Errorf("queue: a held lease is required")
	}

	result := db.Model(&models.QueueItem{}).
		Where("id = ? AND lease_token = ?", item.ID, item.LeaseToken).
		Updates(map[string]interface{}{
			"lease_owner": "",
			"lease_token": "",
			"visible_at":  now.Add(delay),
		})
	if result.Error != nil {
		return false, fmt.Errorf("queue: park item %d: %w", item.ID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Remove deletes a leased item on a terminal outcome (delivered, dead_letter,
// expired, retracted). Keyed on the held lease token; reports false when the
// lease was already lost, in which case the caller's outcome is discarded.
func Remove(db *gorm.DB, item *models.QueueItem) (bool, error) {
	if item == nil || item.LeaseToken == "" {
		return false, fmt.Errorf("queue: a held lease is required")
	}

	result := db.Where("id = ? AND lease_token = ?", item.ID, item.LeaseToken).
		Delete(&models.QueueItem{})
	if result.Error != nil {
		return false, fmt.Errorf("queue: remove item %d: %w", item.ID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RemovePending deletes all still-pending (unleased or lease-expired) items
// for a message, used by retraction. In-flight leased items are left to their
// workers, which discard the outcome on completion.
func RemovePending(db *gorm.DB, messageID string, now time.Time) (int64, error) {
	if messageID == "" {
		return 0, fmt.Errorf("queue: messageID is required")
	}

	result := db.Where("message_id = ? AND visible_at <= ?", messageID, now).
		Delete(&models.QueueItem{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: remove pending for %s: %w", messageID, result.Error)
	}
	return result.RowsAffected, nil
}

// RemoveForAck deletes a recipient's queue items for the given messages,
// used by poll acknowledgment. Ack does not hold a lease: a concurrently
// leased item is removed too, and the worker's in-flight outcome is
// discarded by its token check.
func RemoveForAck(db *gorm.DB, recipientID string, messageIDs []string) (int64, error) {
	if recipientID == "" {
		return 0, fmt.Errorf("queue: recipientID is required")
	}
	if len(messageIDs) == 0 {
		return 0, nil
	}

	result := db.Where("recipient_id = ? AND message_id IN ?", recipientID, messageIDs).
		Delete(&models.QueueItem{})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: remove acked for %s: %w", recipientID, result.Error)
	}
	return result.RowsAffected, nil
}

// Depth returns the total number of queue items, used for capacity checks.
func Depth(db *gorm.DB) (int64, error) {
	var n int64
	if err := db.Model(&models.QueueItem{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}
