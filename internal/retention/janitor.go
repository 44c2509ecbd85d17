// Package retention keeps the hot store bounded. A background janitor
// periodically purges terminal discovery runs past their retention
// window and flips connections whose credentials have lapsed from
// active to expired.
//
// Automations are never purged here: the inventory is the product.
// Stale automations are deactivated by the discovery orchestrator's
// missed-run sweep, not by age.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/internal/config"
	"github.com/darrentmorgan/singura-sub016/internal/store"
)

// Janitor periodically sweeps aged-out runs and lapsed connections.
type Janitor struct {
	store    store.Store
	interval time.Duration
	maxAge   time.Duration
}

// NewJanitor creates a retention janitor from config. Sub-minute sweep
// intervals clamp to an hour so a misconfigured loop cannot hammer the
// store.
func NewJanitor(s store.Store, cfg config.RetentionConfig) *Janitor {
	interval := cfg.SweepInterval
	if interval < time.Minute {
		interval = time.Hour
	}
	maxAge := cfg.RunsMaxAge
	if maxAge <= 0 {
		maxAge = 720 * time.Hour
	}
	return &Janitor{store: s, interval: interval, maxAge: maxAge}
}

// Start runs the janitor until ctx is canceled. The first sweep happens
// immediately so a restarted server never waits a full interval to
// catch up.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("runs_max_age", j.maxAge).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep performs one retention pass. Failures are logged and retried on
// the next tick; a broken sweep must never take the server down.
func (j *Janitor) sweep(ctx context.Context) {
	start := time.Now()

	purged, err := j.store.DeleteRunsBefore(ctx, start.Add(-j.maxAge))
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep: purge runs failed")
	}

	expired, err := j.store.ExpireConnections(ctx, start.UTC())
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep: expire connections failed")
	}

	if purged > 0 || expired > 0 {
		log.Info().
			Int("purged_runs", purged).
			Int("expired_connections", expired).
			Dur("elapsed", time.Since(start)).
			Msg("🧹 Retention sweep complete")
	}
}
