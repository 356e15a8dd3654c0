// Package cron provides the generic periodic-worker loop shared by the
// prewarm worker (C3), downsell scheduler (C6), and shot scheduler (C7).
// Each caller supplies its own TickFunc; this package owns only the
// cron entry registration and tick-error logging, driven by a
// robfig/cron/v3 Cron running a fixed-interval schedule (spec §9
// implementation note).
package cron

import (
	"context"
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"
)

// TickFunc performs one scheduler tick (a single batch poll-and-act cycle).
// It receives the tick's wall-clock time so callers needing a stable "now"
// across a batch don't have to call time.Now() themselves.
type TickFunc func(ctx context.Context, now time.Time) error

// Config holds the dependencies for a Scheduler.
type Config struct {
	Name     string // used only in log lines, e.g. "downsell", "shot", "prewarm"
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Tick     TickFunc
}

// Scheduler runs Tick on a fixed interval, via a dedicated robfig/cron/v3
// Cron instance, until Stop is called.
type Scheduler struct {
	name     string
	logger   *slog.Logger
	interval time.Duration
	tick     TickFunc

	cron   *robfigcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		name:     cfg.Name,
		logger:   logger,
		interval: interval,
		tick:     cfg.Tick,
	}
}

// everySchedule fires every d after the previous activation. robfig's own
// `@every` descriptor rounds intervals below one second up to a full
// second, which would stretch sub-second ticks such as C5's 100ms one.
type everySchedule time.Duration

func (d everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Start registers a fixed-interval entry (every s.interval, sub-second
// intervals included) and begins the cron's background goroutine. It runs
// one tick immediately, since a 10s/5s scheduler that only fires on the
// next boundary would otherwise leave a freshly-deployed worker idle for
// up to a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = robfigcron.New(robfigcron.WithParser(robfigcron.NewParser(
		robfigcron.Second | robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
	)))
	s.cron.Schedule(everySchedule(s.interval), robfigcron.FuncJob(func() { s.runTick(s.ctx) }))

	go s.runTick(s.ctx)
	s.cron.Start()
	s.logger.Info("scheduler started", "name", s.name, "interval", s.interval)
}

// Stop halts the cron and waits for any running job to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	s.logger.Info("scheduler stopped", "name", s.name)
}

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()
	if err := s.tick(ctx, now); err != nil {
		s.logger.Error("scheduler tick failed", "name", s.name, "error", err)
	}
}
