package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Digester periodically sends the dead-letter digest on a cron schedule.
type Digester struct {
	db       *gorm.DB
	alerter  Alerter
	schedule cron.Schedule
	log      zerolog.Logger
}

// NewDigester builds a digester. schedule is a 5-field cron expression, e.g.
// "0 9 * * *" for every day at 09:00.
func NewDigester(db *gorm.DB, alerter Alerter, schedule string, log zerolog.Logger) (*Digester, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("alerting: parse digest schedule %q: %w", schedule, err)
	}
	return &Digester{db: db, alerter: alerter, schedule: sched, log: log}, nil
}

// Run fires the digest at every scheduled time until ctx is cancelled. Each
// digest covers the window since the previous fire, so no dead-lettered
// delivery is reported twice or missed between fires.
func (d *Digester) Run(ctx context.Context) {
	last := time.Now()
	for {
		next := d.schedule.Next(last)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		d.fire(ctx, last, next)
		last = next
	}
}

func (d *Digester) fire(ctx context.Context, since, until time.Time) {
	alert, err := BuildDeadLetterDigest(d.db, since, until)
	if err != nil {
		d.log.Error().Err(err).Msg("build dead-letter digest")
		return
	}
	if alert == nil {
		// Nothing dead-lettered this period.
		return
	}
	if err := d.alerter.Send(ctx, *alert); err != nil {
		d.log.Error().Err(err).Msg("send dead-letter digest")
		return
	}
	d.log.Info().Time("since", since).Time("until", until).Msg("dead-letter digest sent")
}
