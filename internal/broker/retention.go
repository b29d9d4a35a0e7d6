package broker

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// runRetentionPurger hard-deletes archived threads whose last activity is
// older than the retention window, on the configured cron schedule.
func (b *Broker) runRetentionPurger(ctx context.Context) {
	sched, err := cronParser.Parse(b.cfg.Retention.Schedule)
	if err != nil {
		b.logger.Error("retention purge disabled, invalid schedule",
			"schedule", b.cfg.Retention.Schedule, "error", err)
		return
	}
	b.logger.Info("retention purge scheduled",
		"schedule", b.cfg.Retention.Schedule, "window", b.cfg.Retention.ArchivedAfter.Duration)

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			b.purgeOnce(ctx)
		}
	}
}

// purgeOnce runs one retention pass. Purged threads need no explicit cache
// invalidation: their history entries expired on TTL long before the
// retention window lapses.
func (b *Broker) purgeOnce(ctx context.Context) {
	cutoff := time.Now().Add(-b.cfg.Retention.ArchivedAfter.Duration)
	n, err := b.store.PurgeArchivedBefore(ctx, cutoff)
	if err != nil {
		b.logger.Warn("retention purge failed", "error", err)
		return
	}
	if n > 0 {
		b.logger.Info("retention purge deleted archived threads", "count", n, "cutoff", cutoff)
	}
}
