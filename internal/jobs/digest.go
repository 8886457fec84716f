package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dcastella/matcha/internal/services"
	"github.com/dcastella/matcha/pkg/logger"
)

const defaultDigestSpec = "@daily"

// Digester runs the periodic notification digest for users who opted in.
type Digester struct {
	notifications *services.NotificationService
	cron          *cron.Cron
	now           func() time.Time
	log           *zap.Logger
	schedule      string
	lookback      time.Duration
}

// Option customises the Digester.
type Option func(*Digester)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(d *Digester) {
		if c != nil {
			d.cron = c
		}
	}
}

// WithNow overrides the clock used for the digest cutoff.
func WithNow(now func() time.Time) Option {
	return func(d *Digester) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSchedule overrides the cron specification for digest delivery.
func WithSchedule(spec string) Option {
	return func(d *Digester) {
		if spec != "" {
			d.schedule = spec
		}
	}
}

// WithLookback adjusts how far back each digest run considers activity.
func WithLookback(window time.Duration) Option {
	return func(d *Digester) {
		if window > 0 {
			d.lookback = window
		}
	}
}

// NewDigester constructs a Digester with sensible defaults.
func NewDigester(notifications *services.NotificationService, opts ...Option) *Digester {
	digester := &Digester{
		notifications: notifications,
		now:           time.Now,
		schedule:      defaultDigestSpec,
		lookback:      24 * time.Hour,
		log:           logger.WithModule("jobs.digest"),
	}

	for _, opt := range opts {
		opt(digester)
	}

	if digester.cron == nil {
		digester.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return digester
}

// Start registers the digest job and launches the scheduler.
func (d *Digester) Start() error {
	if d.notifications == nil {
		return nil
	}

	if _, err := d.cron.AddFunc(d.schedule, func() {
		if err := d.RunOnce(context.Background()); err != nil {
			d.log.Warn("digest run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	d.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running job to complete.
func (d *Digester) Stop() context.Context {
	if d.cron == nil {
		return context.Background()
	}
	return d.cron.Stop()
}

// RunOnce executes a single digest pass over the configured lookback window.
func (d *Digester) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	since := d.now().UTC().Add(-d.lookback)
	dispatched, err := d.notifications.RunDigest(ctx, since)
	if err != nil {
		return err
	}
	if dispatched > 0 {
		d.log.Info("digest dispatched", zap.Int("count", dispatched))
	}
	return nil
}
