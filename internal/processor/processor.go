// Package processor implements the delivery worker pool. Workers lease queue
// items, consult the recipient's routing decision, attempt webhook delivery,
// and record the outcome: success retires the item, retryable failures
// requeue it with exponential backoff, and an exhausted retry budget
// dead-letters the recipient. A maintenance sweep expires overdue messages in
// bulk so stale items never reach a worker.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/messaging"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/queue"
	"gorm.io/gorm"
)

// parkDelay is how long a poll-routed or suppressed item waits before the
// route is consulted again. Parking does not consume the attempt budget; the
// item stays visible to the recipient's poll the whole time.
const parkDelay = time.Minute

// sweepInterval is how often the maintenance sweep expires overdue messages.
const sweepInterval = time.Minute

// storeErrorPause is how long a worker backs off after a store error before
// trying to lease again.
const storeErrorPause = 5 * time.Second

// Processor drains the delivery queue with a pool of workers.
type Processor struct {
	db    *gorm.DB
	cfg   *config.Config
	hooks *notify.WebhookManager
	log   zerolog.Logger
}

// New builds a processor. The webhook manager carries the HTTP client and
// circuit-breaker policy; the queue section of cfg sets pool size, lease
// window, retry budget, and backoff bounds.
func New(db *gorm.DB, cfg *config.Config, hooks *notify.WebhookManager, log zerolog.Logger) *Processor {
	return &Processor{db: db, cfg: cfg, hooks: hooks, log: log}
}

// Run starts the worker pool and the maintenance sweep and blocks until ctx
// is cancelled. Workers drain their in-flight item before returning.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Queue.Workers; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, owner)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	p.log.Info().Int("workers", p.cfg.Queue.Workers).Msg("processor started")
	wg.Wait()
	p.log.Info().Msg("processor stopped")
	return ctx.Err()
}

func (p *Processor) workerLoop(ctx context.Context, owner string) {
	idle := p.cfg.Queue.PollInterval.Std()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		worked, err := p.ProcessOne(ctx, owner, time.Now())
		switch {
		case err != nil:
			p.log.Error().Err(err).Str("owner", owner).Msg("process item")
			if !sleepWithContext(ctx, storeErrorPause) {
				return
			}
		case !worked:
			if !sleepWithContext(ctx, idle) {
				return
			}
		}
	}
}

func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := messaging.ExpireOverdue(p.db, time.Now())
			if err != nil {
				p.log.Error().Err(err).Msg("expire sweep")
			} else if n > 0 {
				p.log.Info().Int64("expired", n).Msg("expire sweep")
			}
		}
	}
}

// ProcessOne leases at most one queue item and runs it through the delivery
// flow. Returns false when no item was eligible.
func (p *Processor) ProcessOne(ctx context.Context, owner string, now time.Time) (bool, error) {
	item, err := queue.Lease(p.db, owner, p.cfg.Queue.LeaseDuration.Std(), now)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, p.processItem(ctx, item, now)
}

func (p *Processor) processItem(ctx context.Context, item *models.QueueItem, now time.Time) error {
	log := p.log.With().
		Str("message_id", item.MessageID).
		Str("recipient", item.RecipientID).
		Logger()

	msg, err := messaging.Get(p.db, item.MessageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, rerr := queue.Remove(p.db, item)
		return rerr
	}
	if err != nil {
		return err
	}

	if msg.RetractedAt != nil {
		log.Info().Msg("dropping retracted message")
		_, err := queue.Remove(p.db, item)
		return err
	}

	if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
		log.Info().Time("expires_at", *msg.ExpiresAt).Msg("expiring overdue message")
		return p.expire(item, now)
	}

	prefs, err := notify.GetPreferences(p.db, item.RecipientID)
	if err != nil {
		return err
	}
	hook, err := notify.GetWebhookConfig(p.db, item.RecipientID)
	if err != nil {
		return err
	}

	route := notify.Decide(prefs, hook, msg.Priority, now)
	if route != notify.RouteWebhook {
		log.Debug().Stringer("route", route).Msg("parking item for poll pickup")
		_, err := queue.Park(p.db, item, parkDelay, now)
		return err
	}

	return p.attemptWebhook(ctx, item, msg, hook, log, now)
}

func (p *Processor) attemptWebhook(ctx context.Context, item *models.QueueItem, msg *models.Message, hook *models.WebhookConfig, log zerolog.Logger, now time.Time) error {
	outcome, attemptErr := p.hooks.Notify(ctx, hook, msg)

	switch outcome {
	case notify.OutcomeDelivered:
		if err := p.hooks.RecordResult(p.db, item.RecipientID, true, now); err != nil {
			return err
		}
		if err := messaging.MarkDelivered(p.db, msg.ID, item.RecipientID, models.ChannelWebhook, now); err != nil {
			return err
		}
		log.Info().Int("attempt", item.Attempts+1).Msg("webhook delivered")
		_, err := queue.Remove(p.db, item)
		return err

	case notify.OutcomePermanent:
		// The endpoint is gone. Leave the attempt budget intact and park the
		// item; repeated permanent failures open the circuit, after which the
		// route flips to poll.
		if err := p.hooks.RecordResult(p.db, item.RecipientID, false, now); err != nil {
			return err
		}
		if err := messaging.RecordFailure(p.db, msg.ID, item.RecipientID, errString(attemptErr), now); err != nil {
			return err
		}
		log.Warn().Err(attemptErr).Msg("webhook endpoint gone, falling back to poll")
		parked, err := queue.Park(p.db, item, parkDelay, now)
		if err != nil {
			return err
		}
		if parked {
			return messaging.SyncStatus(p.db, msg.ID, now)
		}
		return nil

	default:
		if err := p.hooks.RecordResult(p.db, item.RecipientID, false, now); err != nil {
			return err
		}
		if err := messaging.RecordFailure(p.db, msg.ID, item.RecipientID, errString(attemptErr), now); err != nil {
			return err
		}

		attempts := item.Attempts + 1
		if attempts >= p.cfg.Queue.MaxAttempts {
			log.Warn().Err(attemptErr).Int("attempts", attempts).Msg("retry budget exhausted, dead-lettering")
			if err := messaging.MarkDeadLetter(p.db, msg.ID, item.RecipientID, now); err != nil {
				return err
			}
			_, err := queue.Remove(p.db, item)
			return err
		}

		delay := Backoff(p.cfg.Queue.BackoffBase.Std(), p.cfg.Queue.BackoffCap.Std(), attempts)
		log.Info().Err(attemptErr).Int("attempt", attempts).Dur("retry_in", delay).Msg("webhook failed, requeueing")
		requeued, err := queue.Requeue(p.db, item, delay, now)
		if err != nil {
			return err
		}
		if requeued {
			// The lease is released now, so the roll-up sees the failed
			// attempt instead of an in-flight delivery.
			return messaging.SyncStatus(p.db, msg.ID, now)
		}
		return nil
	}
}

// expire retires a single overdue message and drops its queue item. The bulk
// sweep handles messages nobody leases; this path keeps an expired item from
// ever getting a delivery attempt.
func (p *Processor) expire(item *models.QueueItem, now time.Time) error {
	err := p.db.Model(&models.Message{}).
		Where("id = ?", item.MessageID).
		Where("status NOT IN ?", []string{models.StatusRead, models.StatusDeadLetter, models.StatusExpired}).
		Update("status", models.StatusExpired).Error
	if err != nil {
		return fmt.Errorf("processor: expire %s: %w", item.MessageID, err)
	}
	_, err = queue.Remove(p.db, item)
	return err
}

// Backoff computes the delay before retry number attempt (1-based):
// exponential doubling from base, capped, with ±20% jitter so simultaneous
// failures don't thunder back in lockstep.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := (rand.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + jitter))
	if d < 0 {
		d = 0
	}
	if d > max {
		d = max
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
