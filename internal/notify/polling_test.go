package notify

import (
	"testing"
	"time"

	"github.com/zulandar/courier/internal/agents"
	"github.com/zulandar/courier/internal/messaging"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

func pollTestDir() agents.Directory {
	return agents.NewStaticDirectory("backend", "frontend", "ops")
}

func createFor(t *testing.T, db *gorm.DB, recipient, priority, content string, ttl time.Duration) *models.Message {
	t.Helper()
	msg, err := messaging.Create(db, pollTestDir(), messaging.CreateInput{
		Sender:     "backend",
		Recipients: []string{recipient},
		Type:       models.TypeDirect,
		Priority:   priority,
		Content:    content,
		TTL:        ttl,
	}, messaging.Limits{})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func TestPoll_PriorityOrder(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()

	low := createFor(t, db, "frontend", models.PriorityLow, "low", 0)
	urgent := createFor(t, db, "frontend", models.PriorityUrgent, "urgent", 0)
	normal := createFor(t, db, "frontend", models.PriorityNormal, "normal", 0)

	items, err := Poll(db, "frontend", 10, now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len = %d, want 3", len(items))
	}
	want := []string{urgent.ID, normal.ID, low.ID}
	for i, id := range want {
		if items[i].MessageID != id {
			t.Errorf("items[%d] = %s, want %s", i, items[i].MessageID, id)
		}
	}
}

func TestPoll_MaxItems(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		createFor(t, db, "frontend", models.PriorityNormal, "n", 0)
	}

	items, err := Poll(db, "frontend", 2, now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want 2", len(items))
	}
}

func TestPoll_WithoutAckRepeats(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()
	msg := createFor(t, db, "frontend", models.PriorityNormal, "ping", 0)

	first, err := Poll(db, "frontend", 10, now)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	second, err := Poll(db, "frontend", 10, now)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || second[0].MessageID != msg.ID {
		t.Error("unacked items must reappear on the next poll")
	}

	receipts, _ := messaging.Receipts(db, msg.ID)
	if receipts[0].DeliveredAt != nil {
		t.Error("poll without ack must not mark delivered")
	}
}

func TestAck_AdvancesReceiptAndRemovesItem(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()
	msg := createFor(t, db, "frontend", models.PriorityNormal, "ping", 0)

	n, err := Ack(db, "frontend", []string{msg.ID}, now)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n != 1 {
		t.Errorf("acked %d, want 1", n)
	}

	receipts, _ := messaging.Receipts(db, msg.ID)
	r := receipts[0]
	if r.DeliveredAt == nil {
		t.Fatal("ack should set delivered_at")
	}
	if r.Channel != models.ChannelPoll {
		t.Errorf("Channel = %q, want poll", r.Channel)
	}

	items, _ := Poll(db, "frontend", 10, now)
	if len(items) != 0 {
		t.Errorf("poll after ack returned %d items, want 0", len(items))
	}

	got, _ := messaging.Get(db, msg.ID)
	if got.Status != models.StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}
}

func TestAck_IgnoresForeignMessages(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()
	msg := createFor(t, db, "frontend", models.PriorityNormal, "ping", 0)

	// ops has no queue item for this message.
	n, err := Ack(db, "ops", []string{msg.ID}, now)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n != 0 {
		t.Errorf("acked %d, want 0", n)
	}

	items, _ := Poll(db, "frontend", 10, now)
	if len(items) != 1 {
		t.Error("frontend's item must survive a foreign ack")
	}
}

func TestAck_Replay(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()
	msg := createFor(t, db, "frontend", models.PriorityNormal, "ping", 0)

	if _, err := Ack(db, "frontend", []string{msg.ID}, now); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	n, err := Ack(db, "frontend", []string{msg.ID}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("replayed ack: %v", err)
	}
	if n != 0 {
		t.Errorf("replayed ack retired %d items, want 0", n)
	}
}

func TestPoll_ExcludesRetractedAndExpired(t *testing.T) {
	db := openNotifyTestDB(t)
	now := time.Now()

	retracted := createFor(t, db, "frontend", models.PriorityNormal, "oops", 0)
	if err := messaging.Retract(db, retracted.ID, now); err != nil {
		t.Fatalf("retract: %v", err)
	}
	createFor(t, db, "frontend", models.PriorityNormal, "short-lived", time.Millisecond)
	keep := createFor(t, db, "frontend", models.PriorityNormal, "keep", 0)

	items, err := Poll(db, "frontend", 10, now.Add(time.Second))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 1 || items[0].MessageID != keep.ID {
		t.Errorf("poll = %v, want only %s", items, keep.ID)
	}
}
