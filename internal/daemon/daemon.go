// Package daemon is the long-running trigger loop. Every tick it asks each
// schedule and sensor whether a run is due and submits the resulting
// requests to the engine, which executes them in the background.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/schedule"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/sensor"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/store"
)

// DefaultInterval is how often triggers are evaluated.
const DefaultInterval = time.Second

// Daemon evaluates triggers and runs the engine.
type Daemon struct {
	engine   *engine.Engine
	tickers  []*schedule.Ticker
	sensors  []*sensor.FreshnessSensor
	clock    engine.Clock
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats counts trigger outcomes since start.
type Stats struct {
	Ticks          int64 `json:"ticks"`
	ScheduleFires  int64 `json:"schedule_fires"`
	SensorFires    int64 `json:"sensor_fires"`
	SensorSkips    int64 `json:"sensor_skips"`
	Deduplicated   int64 `json:"deduplicated"`
	TriggerErrors  int64 `json:"trigger_errors"`
	LastTickUnixMs int64 `json:"last_tick_unix_ms"`
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithClock sets the time source. Default: engine.SystemClock.
func WithClock(c engine.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithInterval sets the evaluation interval.
func WithInterval(iv time.Duration) Option {
	return func(d *Daemon) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// New builds a daemon for every schedule and sensor registered in the
// engine's definitions. Schedule ticks and sensor cursors persist in st.
func New(eng *engine.Engine, st *store.Store, opts ...Option) *Daemon {
	d := &Daemon{
		engine:   eng,
		clock:    engine.SystemClock{},
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	startedAt := d.clock.Now()
	defs := eng.Definitions()
	for _, s := range defs.Schedules() {
		d.tickers = append(d.tickers, schedule.NewTicker(s, st, startedAt))
	}
	for _, def := range defs.Sensors() {
		d.sensors = append(d.sensors, sensor.NewFreshness(def, st, sensor.WithLogger(d.logger)))
	}
	return d
}

// Stats returns a snapshot of the counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run starts the engine and evaluates triggers every interval until ctx is
// cancelled. It returns after the engine has drained in-flight runs.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting", "interval", d.interval, "schedules", len(d.tickers), "sensors", len(d.sensors))

	engineDone := make(chan error, 1)
	go func() { engineDone <- d.engine.Run(ctx) }()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			err := <-engineDone
			d.logger.Info("daemon stopped")
			return ignoreCancel(err)
		case err := <-engineDone:
			// The engine returns early only after Stop or when recovery fails.
			return ignoreCancel(err)
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Tick evaluates every schedule and sensor once at the clock's current time.
// Failures are logged and counted; they never stop the loop.
func (d *Daemon) Tick(ctx context.Context) {
	now := d.clock.Now()
	d.bump(func(s *Stats) {
		s.Ticks++
		s.LastTickUnixMs = now.UnixMilli()
	})

	for _, t := range d.tickers {
		d.tickSchedule(ctx, t, now)
	}
	for _, s := range d.sensors {
		if !s.Due(now) {
			continue
		}
		d.tickSensor(ctx, s, now)
	}
}

func (d *Daemon) tickSchedule(ctx context.Context, t *schedule.Ticker, now time.Time) {
	s := t.Schedule()
	log := d.logger.With("schedule", s.Name(), "job", s.JobName())

	tick, req, err := t.Tick(ctx, now)
	if err != nil {
		log.Error("schedule evaluation failed", "error", err)
		d.bump(func(s *Stats) { s.TriggerErrors++ })
		return
	}
	if req == nil {
		return
	}

	id, deduped, err := d.engine.Submit(ctx, s.JobName(), *req)
	if err != nil {
		// The tick is not recorded so the next evaluation retries it.
		log.Error("schedule submit failed", "tick", tick, "error", err)
		d.bump(func(s *Stats) { s.TriggerErrors++ })
		return
	}
	if err := t.Fired(ctx, tick, id); err != nil {
		log.Error("record schedule tick failed", "tick", tick, "run_id", id, "error", err)
		d.bump(func(s *Stats) { s.TriggerErrors++ })
		return
	}
	log.Info("schedule fired", "tick", tick, "run_id", id, "deduplicated", deduped)
	d.bump(func(s *Stats) {
		s.ScheduleFires++
		if deduped {
			s.Deduplicated++
		}
	})
}

func (d *Daemon) tickSensor(ctx context.Context, s *sensor.FreshnessSensor, now time.Time) {
	log := d.logger.With("sensor", s.Name(), "job", s.JobName())

	res, err := s.Evaluate(ctx, now)
	if err != nil {
		if sensor.IsCursorStoreError(err) {
			log.Error("sensor cursor unavailable; no run requested", "error", err)
		} else {
			log.Error("sensor evaluation failed", "error", err)
		}
		d.bump(func(s *Stats) { s.TriggerErrors++ })
		return
	}
	if res.Skip != nil {
		log.Debug("sensor skipped", "reason", res.Skip.Message)
		d.bump(func(s *Stats) { s.SensorSkips++ })
		return
	}

	id, deduped, err := d.engine.Submit(ctx, s.JobName(), *res.Request)
	if err != nil {
		// The cursor is not advanced so the next evaluation fires again.
		log.Error("sensor submit failed", "run_key", res.Request.RunKey, "error", err)
		d.bump(func(s *Stats) { s.TriggerErrors++ })
		return
	}
	if err := s.Fired(ctx, now); err != nil {
		log.Error("sensor cursor update failed", "run_key", res.Request.RunKey, "run_id", id, "error", err)
		d.bump(func(s *Stats) { s.TriggerErrors++ })
		return
	}
	log.Info("sensor fired", "run_key", res.Request.RunKey, "run_id", id, "deduplicated", deduped)
	d.bump(func(s *Stats) {
		s.SensorFires++
		if deduped {
			s.Deduplicated++
		}
	})
}

func (d *Daemon) bump(f func(*Stats)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f(&d.stats)
}
