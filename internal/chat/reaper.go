package chat

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/shopchat/livechat/pkg/logger"
)

// Reaper periodically ends sessions that were abandoned without an explicit
// end_chat, so the in-memory session map cannot grow without bound.
type Reaper struct {
	broker   *Broker
	cron     *cron.Cron
	schedule string
	idleTTL  time.Duration
	log      *zap.Logger
}

// ReaperOption customises the Reaper.
type ReaperOption func(*Reaper)

// WithReaperCron injects a preconfigured cron instance, primarily for testing.
func WithReaperCron(c *cron.Cron) ReaperOption {
	return func(r *Reaper) {
		if c != nil {
			r.cron = c
		}
	}
}

// NewReaper constructs a reaper sweeping on the supplied cron schedule.
// A non-positive TTL disables the sweep entirely.
func NewReaper(broker *Broker, idleTTL time.Duration, schedule string, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		broker:   broker,
		schedule: schedule,
		idleTTL:  idleTTL,
		log:      logger.WithModule("reaper"),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.cron == nil {
		r.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return r
}

// Start registers the sweep with the scheduler and launches it.
func (r *Reaper) Start() error {
	if r.idleTTL <= 0 {
		return nil
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		if n := r.RunOnce(); n > 0 {
			r.log.Info("idle sweep completed", zap.Int("sessions_closed", n))
		}
	}); err != nil {
		return err
	}

	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to complete.
func (r *Reaper) Stop() context.Context {
	if r.cron == nil {
		return context.Background()
	}
	return r.cron.Stop()
}

// RunOnce executes a single sweep and returns the number of sessions closed.
func (r *Reaper) RunOnce() int {
	return r.broker.ReapIdle(r.idleTTL)
}
