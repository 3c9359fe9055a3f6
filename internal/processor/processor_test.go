package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/agents"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/messaging"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openProcessorTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Message{}, &models.DeliveryReceipt{}, &models.ReadReceipt{},
		&models.QueueItem{}, &models.WebhookConfig{}, &models.NotificationPreferences{},
	)
	if err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			Workers:       1,
			LeaseDuration: config.Duration(time.Minute),
			MaxAttempts:   3,
			BackoffBase:   config.Duration(time.Second),
			BackoffCap:    config.Duration(2 * time.Second),
			PollInterval:  config.Duration(10 * time.Millisecond),
		},
		Webhook: config.WebhookConfig{
			RequestTimeout:   config.Duration(2 * time.Second),
			CircuitThreshold: 5,
			CircuitCooldown:  config.Duration(time.Minute),
			PreviewBytes:     64,
		},
	}
}

func newTestProcessor(t *testing.T, db *gorm.DB, cfg *config.Config) *Processor {
	t.Helper()
	hooks := notify.NewWebhookManager(notify.WebhookOpts{
		RequestTimeout:   cfg.Webhook.RequestTimeout.Std(),
		CircuitThreshold: cfg.Webhook.CircuitThreshold,
		CircuitCooldown:  cfg.Webhook.CircuitCooldown.Std(),
		PreviewBytes:     cfg.Webhook.PreviewBytes,
	})
	return New(db, cfg, hooks, zerolog.Nop())
}

func sendTo(t *testing.T, db *gorm.DB, recipients []string, priority string, ttl time.Duration) *models.Message {
	t.Helper()
	dir := agents.NewStaticDirectory(append([]string{"backend"}, recipients...)...)
	msg, err := messaging.Create(db, dir, messaging.CreateInput{
		Sender:     "backend",
		Recipients: recipients,
		Type:       models.TypeDirect,
		Priority:   priority,
		Content:    "deploy finished",
	}, messaging.Limits{})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if ttl > 0 {
		expires := msg.CreatedAt.Add(ttl)
		if err := db.Model(msg).Update("expires_at", expires).Error; err != nil {
			t.Fatalf("set expiry: %v", err)
		}
	}
	return msg
}

func setHook(t *testing.T, db *gorm.DB, agentID, url string) {
	t.Helper()
	if err := notify.SetWebhookConfig(db, agentID, url, "s3cret", true); err != nil {
		t.Fatalf("set webhook config: %v", err)
	}
}

// drain processes items until the queue is empty, advancing the clock past
// the backoff window between passes.
func drain(t *testing.T, p *Processor, start time.Time, maxPasses int) time.Time {
	t.Helper()
	now := start
	for i := 0; i < maxPasses; i++ {
		worked, err := p.ProcessOne(context.Background(), "worker-test", now)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !worked {
			return now
		}
		now = now.Add(p.cfg.Queue.BackoffCap.Std() + p.cfg.Queue.LeaseDuration.Std())
	}
	return now
}

func receiptFor(t *testing.T, db *gorm.DB, messageID, recipientID string) *models.DeliveryReceipt {
	t.Helper()
	var r models.DeliveryReceipt
	err := db.First(&r, "message_id = ? AND recipient_id = ?", messageID, recipientID).Error
	if err != nil {
		t.Fatalf("load receipt %s/%s: %v", messageID, recipientID, err)
	}
	return &r
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	worked, err := p.ProcessOne(context.Background(), "worker-test", time.Now())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if worked {
		t.Error("empty queue should report no work")
	}
}

func TestProcessOne_WebhookDelivery(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	msg := sendTo(t, db, []string{"frontend"}, models.PriorityHigh, 0)

	worked, err := p.ProcessOne(context.Background(), "worker-test", time.Now())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !worked {
		t.Fatal("expected an eligible item")
	}
	if hits.Load() != 1 {
		t.Errorf("webhook hits = %d, want 1", hits.Load())
	}

	r := receiptFor(t, db, msg.ID, "frontend")
	if r.DeliveredAt == nil {
		t.Fatal("receipt not marked delivered")
	}
	if r.Channel != models.ChannelWebhook {
		t.Errorf("Channel = %q, want webhook", r.Channel)
	}
	if r.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", r.AttemptCount)
	}

	got, _ := messaging.Get(db, msg.ID)
	if got.Status != models.StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}

	var items int64
	db.Model(&models.QueueItem{}).Count(&items)
	if items != 0 {
		t.Errorf("queue items = %d, want 0", items)
	}
}

func TestProcessOne_BroadcastPartialFailure(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	setHook(t, db, "a1", ok.URL)
	setHook(t, db, "a2", bad.URL)
	setHook(t, db, "a3", ok.URL)
	msg := sendTo(t, db, []string{"a1", "a2", "a3"}, models.PriorityNormal, 0)

	drain(t, p, time.Now(), 20)

	for _, id := range []string{"a1", "a3"} {
		if r := receiptFor(t, db, msg.ID, id); r.DeliveredAt == nil {
			t.Errorf("%s: not delivered", id)
		}
	}

	r2 := receiptFor(t, db, msg.ID, "a2")
	if !r2.DeadLettered {
		t.Error("a2 should be dead-lettered after exhausting retries")
	}
	if r2.DeliveredAt != nil {
		t.Error("a2 should not be delivered")
	}
	if r2.AttemptCount != p.cfg.Queue.MaxAttempts {
		t.Errorf("a2 AttemptCount = %d, want %d", r2.AttemptCount, p.cfg.Queue.MaxAttempts)
	}

	got, _ := messaging.Get(db, msg.ID)
	if got.Status != models.StatusDeadLetter {
		t.Errorf("status = %q, want dead_letter", got.Status)
	}
}

func TestProcessOne_RetryThenRecover(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, 0)

	drain(t, p, time.Now(), 10)

	r := receiptFor(t, db, msg.ID, "frontend")
	if r.DeliveredAt == nil {
		t.Fatal("should deliver on the second attempt")
	}
	if r.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", r.AttemptCount)
	}
	if r.DeadLettered {
		t.Error("recovered delivery must not be dead-lettered")
	}
}

func TestProcessOne_FailedStatusDuringBackoff(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, 0)

	now := time.Now()
	worked, err := p.ProcessOne(context.Background(), "worker-test", now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !worked {
		t.Fatal("expected the item to be leased")
	}

	// The lease is released while the item waits out the backoff, and the
	// message reports the failed attempt instead of an in-flight delivery.
	var item models.QueueItem
	if err := db.First(&item, "message_id = ?", msg.ID).Error; err != nil {
		t.Fatalf("load queue item: %v", err)
	}
	if item.LeaseOwner != "" {
		t.Errorf("LeaseOwner = %q, want released", item.LeaseOwner)
	}

	var got models.Message
	if err := db.First(&got, "id = ?", msg.ID).Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status during backoff = %q, want failed", got.Status)
	}
}

func TestProcessOne_PreExpiredNeverAttempted(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, time.Millisecond)

	worked, err := p.ProcessOne(context.Background(), "worker-test", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !worked {
		t.Fatal("expected the expired item to be leased")
	}
	if hits.Load() != 0 {
		t.Errorf("webhook hits = %d, want 0 for an expired message", hits.Load())
	}

	got, _ := messaging.Get(db, msg.ID)
	if got.Status != models.StatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
	if r := receiptFor(t, db, msg.ID, "frontend"); r.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", r.AttemptCount)
	}

	var items int64
	db.Model(&models.QueueItem{}).Count(&items)
	if items != 0 {
		t.Errorf("queue items = %d, want 0", items)
	}
}

func TestProcessOne_RetractedDropped(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, 0)

	// Simulate a retraction that lands while the item is queued but keeps the
	// item around, as happens when the item is leased during Retract.
	now := time.Now()
	if err := db.Model(msg).Update("retracted_at", now).Error; err != nil {
		t.Fatalf("retract: %v", err)
	}

	worked, err := p.ProcessOne(context.Background(), "worker-test", now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !worked {
		t.Fatal("expected the item to be leased")
	}
	if hits.Load() != 0 {
		t.Errorf("webhook hits = %d, want 0 for a retracted message", hits.Load())
	}

	var items int64
	db.Model(&models.QueueItem{}).Count(&items)
	if items != 0 {
		t.Errorf("queue items = %d, want 0", items)
	}
}

func TestProcessOne_NoWebhookParksForPoll(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, 0)

	now := time.Now()
	worked, err := p.ProcessOne(context.Background(), "worker-test", now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !worked {
		t.Fatal("expected the item to be leased")
	}

	// The item survives, stays pollable, and kept its attempt budget.
	items, err := notify.Poll(db, "frontend", 10, now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 1 || items[0].MessageID != msg.ID {
		t.Fatalf("poll = %v, want the parked message", items)
	}
	if items[0].AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 after parking", items[0].AttemptCount)
	}

	// Not eligible for another worker pass until the park delay passes.
	worked, err = p.ProcessOne(context.Background(), "worker-test", now.Add(time.Second))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if worked {
		t.Error("parked item should not be immediately re-leased")
	}
}

func TestProcessOne_QuietHoursSuppressesPush(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	if err := notify.SetPreferences(db, &models.NotificationPreferences{
		AgentID:         "frontend",
		QuietHoursStart: "00:00",
		QuietHoursEnd:   "23:59",
	}); err != nil {
		t.Fatalf("set preferences: %v", err)
	}

	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, 0)

	now := time.Now()
	if _, err := p.ProcessOne(context.Background(), "worker-test", now); err != nil {
		t.Fatalf("process: %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("webhook hits = %d, want 0 during quiet hours", hits.Load())
	}

	items, err := notify.Poll(db, "frontend", 10, now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(items) != 1 || items[0].MessageID != msg.ID {
		t.Error("suppressed message must remain pollable")
	}
}

func TestProcessOne_PermanentFailureKeepsBudget(t *testing.T) {
	db := openProcessorTestDB(t)
	p := newTestProcessor(t, db, testConfig())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	msg := sendTo(t, db, []string{"frontend"}, models.PriorityNormal, 0)

	now := time.Now()
	if _, err := p.ProcessOne(context.Background(), "worker-test", now); err != nil {
		t.Fatalf("process: %v", err)
	}

	r := receiptFor(t, db, msg.ID, "frontend")
	if r.AttemptCount != 1 {
		t.Errorf("receipt AttemptCount = %d, want 1", r.AttemptCount)
	}
	if r.DeadLettered {
		t.Error("permanent failure must not dead-letter by itself")
	}

	var item models.QueueItem
	if err := db.First(&item, "message_id = ?", msg.ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if item.Attempts != 0 {
		t.Errorf("item Attempts = %d, want 0 after permanent failure", item.Attempts)
	}

	var hookCfg models.WebhookConfig
	if err := db.First(&hookCfg, "agent_id = ?", "frontend").Error; err != nil {
		t.Fatalf("load webhook config: %v", err)
	}
	if hookCfg.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", hookCfg.FailureCount)
	}
}

func TestRun_DrainsQueue(t *testing.T) {
	db := openProcessorTestDB(t)
	cfg := testConfig()
	cfg.Queue.Workers = 2
	p := newTestProcessor(t, db, cfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	setHook(t, db, "frontend", srv.URL)
	setHook(t, db, "ops", srv.URL)
	m1 := sendTo(t, db, []string{"frontend", "ops"}, models.PriorityUrgent, 0)
	m2 := sendTo(t, db, []string{"frontend"}, models.PriorityLow, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var items int64
		db.Model(&models.QueueItem{}).Count(&items)
		if items == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	for _, id := range []string{m1.ID, m2.ID} {
		got, _ := messaging.Get(db, id)
		if got.Status != models.StatusDelivered {
			t.Errorf("%s status = %q, want delivered", id, got.Status)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	for attempt := 1; attempt <= 8; attempt++ {
		d := Backoff(base, max, attempt)
		if d < 0 || d > max {
			t.Errorf("attempt %d: delay %v out of [0, %v]", attempt, d, max)
		}
	}

	// Attempt 1 stays near the base, attempt 4 near 8x the base.
	d1 := Backoff(base, max, 1)
	if d1 < 800*time.Millisecond || d1 > 1200*time.Millisecond {
		t.Errorf("attempt 1 delay %v outside jitter band around %v", d1, base)
	}
	d4 := Backoff(base, max, 4)
	if d4 < 6400*time.Millisecond || d4 > 9600*time.Millisecond {
		t.Errorf("attempt 4 delay %v outside jitter band around %v", d4, 8*time.Second)
	}
}
