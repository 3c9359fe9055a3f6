package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Message{}, &models.QueueItem{}, &models.DeliveryReceipt{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testMessage(id, priority string, createdAt time.Time) *models.Message {
	return &models.Message{
		ID:         id,
		Type:       models.TypeDirect,
		Priority:   priority,
		Status:     models.StatusQueued,
		SenderID:   "sender",
		Recipients: `["worker-a"]`,
		Content:    "body",
		CreatedAt:  createdAt,
	}
}

func mustEnqueue(t *testing.T, db *gorm.DB, msg *models.Message, recipients []string, now time.Time) {
	t.Helper()
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("create message %s: %v", msg.ID, err)
	}
	if err := Enqueue(db, msg, recipients, now); err != nil {
		t.Fatalf("enqueue %s: %v", msg.ID, err)
	}
}

func TestScore_Tiers(t *testing.T) {
	tests := []struct {
		priority string
		want     int
	}{
		{models.PriorityUrgent, ScoreUrgent},
		{models.PriorityHigh, ScoreHigh},
		{models.PriorityNormal, ScoreNormal},
		{models.PriorityLow, ScoreLow},
		{"bogus", ScoreNormal},
	}
	for _, tt := range tests {
		if got := Score(tt.priority); got != tt.want {
			t.Errorf("Score(%q) = %d, want %d", tt.priority, got, tt.want)
		}
	}
}

func TestPriorityForScore_RoundTrip(t *testing.T) {
	for _, p := range []string{
		models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow,
	} {
		if got := PriorityForScore(Score(p)); got != p {
			t.Errorf("PriorityForScore(Score(%q)) = %q", p, got)
		}
	}
}

func TestEnqueue_OneItemPerRecipient(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()

	msg := testMessage("msg_1", models.PriorityHigh, now)
	mustEnqueue(t, db, msg, []string{"a", "b", "c"}, now)

	var items []models.QueueItem
	if err := db.Order("recipient_id").Find(&items).Error; err != nil {
		t.Fatalf("find items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	for _, it := range items {
		if it.PriorityScore != ScoreHigh {
			t.Errorf("item %s score = %d, want %d", it.RecipientID, it.PriorityScore, ScoreHigh)
		}
		if it.LeaseOwner != "" || it.LeaseToken != "" {
			t.Errorf("item %s should start unleased", it.RecipientID)
		}
	}
}

func TestEnqueue_Validation(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()

	if err := Enqueue(db, nil, []string{"a"}, now); err == nil {
		t.Error("expected error for nil message")
	}
	msg := testMessage("msg_1", models.PriorityLow, now)
	if err := Enqueue(db, msg, nil, now); err == nil {
		t.Error("expected error for no recipients")
	}
}

func TestLease_PriorityBeforeAge(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()

	// Older low-priority message, newer urgent message.
	mustEnqueue(t, db, testMessage("msg_old_low", models.PriorityLow, now.Add(-time.Hour)), []string{"a"}, now)
	mustEnqueue(t, db, testMessage("msg_new_urgent", models.PriorityUrgent, now), []string{"a"}, now)

	item, err := Lease(db, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if item.MessageID != "msg_new_urgent" {
		t.Errorf("leased %s first, want msg_new_urgent", item.MessageID)
	}
}

func TestLease_AgeBreaksTies(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()

	mustEnqueue(t, db, testMessage("msg_late", models.PriorityNormal, now), []string{"a"}, now)
	mustEnqueue(t, db, testMessage("msg_early", models.PriorityNormal, now.Add(-time.Minute)), []string{"a"}, now)

	item, err := Lease(db, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if item.MessageID != "msg_early" {
		t.Errorf("leased %s first, want msg_early", item.MessageID)
	}
}

func TestLease_SetsLeaseFields(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	item, err := Lease(db, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if item.LeaseOwner != "w1" {
		t.Errorf("LeaseOwner = %q, want w1", item.LeaseOwner)
	}
	if item.LeaseToken == "" {
		t.Error("LeaseToken should be set")
	}
	if !item.VisibleAt.After(now) {
		t.Error("VisibleAt should move past now")
	}

	var stored models.QueueItem
	if err := db.First(&stored, item.ID).Error; err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if stored.LeaseToken != item.LeaseToken {
		t.Errorf("stored token %q != returned token %q", stored.LeaseToken, item.LeaseToken)
	}
}

func TestLease_Exclusivity(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	if _, err := Lease(db, "w1", time.Minute, now); err != nil {
		t.Fatalf("first lease: %v", err)
	}

	_, err := Lease(db, "w2", time.Minute, now)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("second lease err = %v, want ErrEmpty", err)
	}
}

func TestLease_ExpiredLeaseReclaimable(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	first, err := Lease(db, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}

	// Past the lease window the item is eligible again, with a new token.
	later := now.Add(2 * time.Minute)
	second, err := Lease(db, "w2", time.Minute, later)
	if err != nil {
		t.Fatalf("reclaim lease: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("reclaimed item %d, want %d", second.ID, first.ID)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Error("reclaim must rotate the lease token")
	}

	// The original worker's terminal outcome is now discarded.
	removed, err := Remove(db, first)
	if err != nil {
		t.Fatalf("remove with stale lease: %v", err)
	}
	if removed {
		t.Error("stale lease should not remove the item")
	}
}

func TestLease_BackoffDelayRespected(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	item, err := Lease(db, "w1", time.Minute, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	ok, err := Requeue(db, item, 5*time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}

	if _, err := Lease(db, "w2", time.Minute, now.Add(time.Minute)); !errors.Is(err, ErrEmpty) {
		t.Errorf("item leased during backoff window, err = %v", err)
	}
	if _, err := Lease(db, "w2", time.Minute, now.Add(6*time.Minute)); err != nil {
		t.Errorf("item not leasable after backoff: %v", err)
	}
}

func TestRequeue_IncrementsAttempts(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	item, _ := Lease(db, "w1", time.Minute, now)
	if ok, err := Requeue(db, item, time.Second, now); err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}

	var stored models.QueueItem
	if err := db.First(&stored, item.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", stored.Attempts)
	}
	if stored.LeaseOwner != "" || stored.LeaseToken != "" {
		t.Error("requeue should clear the lease")
	}
}

func TestPark_KeepsAttemptBudget(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	item, _ := Lease(db, "w1", time.Minute, now)
	if ok, err := Park(db, item, time.Minute, now); err != nil || !ok {
		t.Fatalf("park: ok=%v err=%v", ok, err)
	}

	var stored models.QueueItem
	if err := db.First(&stored, item.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after park", stored.Attempts)
	}
	if stored.LeaseOwner != "" {
		t.Error("park should clear the lease")
	}
}

func TestRemove_HeldLease(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a"}, now)

	item, _ := Lease(db, "w1", time.Minute, now)
	removed, err := Remove(db, item)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("remove with held lease should succeed")
	}

	var n int64
	db.Model(&models.QueueItem{}).Count(&n)
	if n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestRemovePending_SparesLeased(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a", "b"}, now)

	// Lease one of the two items.
	leased, err := LeaseForRecipient(db, "w1", "a", time.Minute, now)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	n, err := RemovePending(db, "msg_1", now)
	if err != nil {
		t.Fatalf("remove pending: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d items, want 1", n)
	}

	var remaining models.QueueItem
	if err := db.First(&remaining).Error; err != nil {
		t.Fatalf("find remaining: %v", err)
	}
	if remaining.ID != leased.ID {
		t.Errorf("remaining item %d, want leased item %d", remaining.ID, leased.ID)
	}
}

func TestRemoveForAck(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()
	mustEnqueue(t, db, testMessage("msg_1", models.PriorityNormal, now), []string{"a", "b"}, now)
	mustEnqueue(t, db, testMessage("msg_2", models.PriorityNormal, now), []string{"a"}, now)

	n, err := RemoveForAck(db, "a", []string{"msg_1", "msg_2"})
	if err != nil {
		t.Fatalf("remove for ack: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}

	// b's copy of msg_1 is untouched.
	var remaining models.QueueItem
	if err := db.First(&remaining).Error; err != nil {
		t.Fatalf("find remaining: %v", err)
	}
	if remaining.RecipientID != "b" {
		t.Errorf("remaining recipient = %q, want b", remaining.RecipientID)
	}
}

func TestGetStats(t *testing.T) {
	db := openQueueTestDB(t)
	now := time.Now()

	mustEnqueue(t, db, testMessage("msg_u", models.PriorityUrgent, now), []string{"a"}, now)
	mustEnqueue(t, db, testMessage("msg_n1", models.PriorityNormal, now), []string{"a"}, now)
	mustEnqueue(t, db, testMessage("msg_n2", models.PriorityNormal, now), []string{"b"}, now)

	// Lease the urgent item so it shows as delivering.
	if _, err := Lease(db, "w1", time.Minute, now); err != nil {
		t.Fatalf("lease: %v", err)
	}

	// One dead-lettered receipt on a high-priority message.
	deadMsg := testMessage("msg_dead", models.PriorityHigh, now)
	if err := db.Create(deadMsg).Error; err != nil {
		t.Fatalf("create dead msg: %v", err)
	}
	if err := db.Create(&models.DeliveryReceipt{
		MessageID: "msg_dead", RecipientID: "a", AttemptCount: 5, DeadLettered: true,
	}).Error; err != nil {
		t.Fatalf("create receipt: %v", err)
	}

	stats, err := GetStats(db, now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if got := stats.Pending[models.PriorityNormal]; got != 2 {
		t.Errorf("pending normal = %d, want 2", got)
	}
	if got := stats.Delivering[models.PriorityUrgent]; got != 1 {
		t.Errorf("delivering urgent = %d, want 1", got)
	}
	if got := stats.DeadLetter[models.PriorityHigh]; got != 1 {
		t.Errorf("dead_letter high = %d, want 1", got)
	}
	if Total(stats.Pending) != 2 || Total(stats.Delivering) != 1 {
		t.Errorf("totals = %d/%d, want 2/1", Total(stats.Pending), Total(stats.Delivering))
	}
}
