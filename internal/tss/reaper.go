package tss

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reaper periodically sweeps TTL-expired records, backstopping the lazy
// expiry check in GetTask for records nobody ever reads again.
type Reaper struct {
	cron *cron.Cron
}

// StartReaper schedules store.SweepExpired on the given cron spec (e.g.
// "@every 1m") and returns a handle to stop it.
func StartReaper(store *Store, spec string, logger *slog.Logger) (*Reaper, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := store.SweepExpired()
		if err != nil {
			logger.Error("tss sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("tss sweep reaped expired records", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return &Reaper{cron: c}, nil
}

// Stop halts the reaper's cron scheduler.
func (r *Reaper) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}
