package trigger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler runs the action of a delivered trigger.
//
// A nil error means the handler took care of the trigger (disarmed or
// re-armed it). A non-nil error makes the dispatcher re-arm the trigger after
// the redelivery delay.
type Handler interface {
	OnTrigger(ctx context.Context, h Handle) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, h Handle) error

// OnTrigger calls f.
func (f HandlerFunc) OnTrigger(ctx context.Context, h Handle) error {
	return f(ctx, h)
}

// DispatcherConfig tunes trigger delivery.
type DispatcherConfig struct {
	// PollInterval is how often due triggers are leased.
	PollInterval time.Duration

	// Workers is the number of concurrent handler calls.
	Workers int

	// BatchSize caps how many triggers are leased per poll. Default: 2×Workers.
	BatchSize int

	// RedeliveryDelay is how long a trigger waits after a handler error.
	RedeliveryDelay time.Duration
}

// DefaultDispatcherConfig returns the defaults used when fields are zero.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:    5 * time.Second,
		Workers:         4,
		BatchSize:       8,
		RedeliveryDelay: time.Minute,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	def := DefaultDispatcherConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 2 * c.Workers
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = def.RedeliveryDelay
	}
	return c
}

// Stats counts the outcome of handler calls.
type Stats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Dispatcher delivers due triggers to a Handler.
//
// Thread-safety model:
//   - Run: one poller goroutine plus Workers handler goroutines
//   - RunOnce: synchronous, for cron-style invocations
//   - invocations for different events share no state
type Dispatcher struct {
	manager *Manager
	handler Handler
	cfg     DispatcherConfig
	log     zerolog.Logger
}

// NewDispatcher creates a Dispatcher delivering m's due triggers to h.
func NewDispatcher(m *Manager, h Handler, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		manager: m,
		handler: h,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run polls and delivers until ctx is cancelled. Cancellation is a clean
// shutdown and returns nil; in-flight handler calls finish first. Triggers
// still queued keep their lease and are redelivered after it expires.
func (d *Dispatcher) Run(ctx context.Context) error {
	q := newWorkQueue()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer q.Close()
		d.poll(gctx, q)
		return nil
	})
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(gctx, q)
			return nil
		})
	}

	d.log.Info().
		Int("workers", d.cfg.Workers).
		Dur("poll_interval", d.cfg.PollInterval).
		Msg("dispatcher started")
	err := g.Wait()
	d.log.Info().Msg("dispatcher stopped")
	return err
}

func (d *Dispatcher) poll(ctx context.Context, q *workQueue) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if free := d.cfg.BatchSize - q.Len(); free > 0 {
			handles, err := d.manager.Lease(ctx, free)
			if err != nil && ctx.Err() == nil {
				d.log.Error().Err(err).Msg("lease due triggers")
			}
			for _, h := range handles {
				q.Enqueue(h)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, q *workQueue) {
	for {
		if h, ok := q.TryDequeue(); ok {
			d.deliver(ctx, h)
			continue
		}
		if q.Drained() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-q.Wait():
		}
	}
}

// RunOnce leases and handles every trigger due now, one at a time, and
// returns when none are left.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		handles, err := d.manager.Lease(ctx, d.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(handles) == 0 {
			return stats, nil
		}
		for _, h := range handles {
			if d.deliver(ctx, h) {
				stats.Delivered++
			} else {
				stats.Failed++
			}
		}
	}
}

// Deliver runs the handler for one already-leased trigger, re-arming it on
// error. Reports whether the handler succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, h Handle) bool {
	return d.deliver(ctx, h)
}

func (d *Dispatcher) deliver(ctx context.Context, h Handle) bool {
	log := d.log.With().
		Str("trigger_id", h.ID).
		Str("event_id", h.EventID).
		Int("attempt", h.Attempt).
		Logger()

	// Shutdown must not cut a settlement in half; the handler bounds its own
	// outbound calls.
	err := d.handler.OnTrigger(context.WithoutCancel(ctx), h)
	if err == nil {
		log.Debug().Msg("delivered")
		return true
	}

	retryAt := d.manager.Now().Add(d.cfg.RedeliveryDelay)
	log.Error().Err(err).Time("retry_at", retryAt).Msg("handler failed, re-arming")
	if rerr := d.manager.Retry(context.WithoutCancel(ctx), h, retryAt); rerr != nil {
		// The lease still expires, so the trigger is redelivered anyway.
		log.Error().Err(rerr).Msg("re-arm after handler failure")
	}
	return false
}
