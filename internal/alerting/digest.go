package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// digestEntryLimit caps how many individual deliveries the digest body lists;
// the totals always cover everything.
const digestEntryLimit = 20

const colorDeadLetter = "#e01e5a"

// DeadLetterEntry is one exhausted delivery in the digest period.
type DeadLetterEntry struct {
	MessageID     string
	SenderID      string
	RecipientID   string
	Priority      string
	AttemptCount  int
	LastError     string
	LastAttemptAt *time.Time
}

// DeadLetterReport holds the dead-lettered deliveries for a period.
type DeadLetterReport struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Entries     []DeadLetterEntry
	ByPriority  map[string]int
}

// BuildDeadLetterReport queries deliveries dead-lettered within the period.
func BuildDeadLetterReport(db *gorm.DB, since, until time.Time) (*DeadLetterReport, error) {
	var entries []DeadLetterEntry
	err := db.Model(&models.DeliveryReceipt{}).
		Select(`delivery_receipts.message_id, messages.sender_id,
			delivery_receipts.recipient_id, messages.priority,
			delivery_receipts.attempt_count, delivery_receipts.last_error,
			delivery_receipts.last_attempt_at`).
		Joins("JOIN messages ON messages.id = delivery_receipts.message_id").
		Where("delivery_receipts.dead_lettered = ?", true).
		Where("delivery_receipts.last_attempt_at >= ? AND delivery_receipts.last_attempt_at < ?", since, until).
		Order("delivery_receipts.last_attempt_at ASC").
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("alerting: dead-letter report: %w", err)
	}

	report := &DeadLetterReport{
		PeriodStart: since,
		PeriodEnd:   until,
		Entries:     entries,
		ByPriority:  make(map[string]int),
	}
	for _, e := range entries {
		report.ByPriority[e.Priority]++
	}
	return report, nil
}

// BuildDeadLetterDigest builds the digest alert for a period. Returns nil
// when nothing was dead-lettered, so quiet periods send nothing.
func BuildDeadLetterDigest(db *gorm.DB, since, until time.Time) (*Alert, error) {
	report, err := BuildDeadLetterReport(db, since, until)
	if err != nil {
		return nil, err
	}
	if len(report.Entries) == 0 {
		return nil, nil
	}
	alert := FormatDeadLetterDigest(report)
	return &alert, nil
}

// FormatDeadLetterDigest renders a report as a platform-neutral alert.
func FormatDeadLetterDigest(report *DeadLetterReport) Alert {
	var b strings.Builder
	for i, e := range report.Entries {
		if i == digestEntryLimit {
			fmt.Fprintf(&b, "… and %d more\n", len(report.Entries)-digestEntryLimit)
			break
		}
		fmt.Fprintf(&b, "%s → %s (%s, %d attempts): %s\n",
			e.MessageID, e.RecipientID, e.Priority, e.AttemptCount, e.LastError)
	}

	alert := Alert{
		Title: fmt.Sprintf("%d dead-lettered deliveries (%s - %s)",
			len(report.Entries),
			report.PeriodStart.Format("Jan 2 15:04"),
			report.PeriodEnd.Format("Jan 2 15:04")),
		Body:  strings.TrimRight(b.String(), "\n"),
		Color: colorDeadLetter,
	}

	for _, priority := range []string{
		models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow,
	} {
		if n := report.ByPriority[priority]; n > 0 {
			alert.Fields = append(alert.Fields, Field{
				Name:  priority,
				Value: fmt.Sprintf("%d", n),
				Short: true,
			})
		}
	}
	return alert
}
