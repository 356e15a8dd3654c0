package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/tgway/internal/cron"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_TicksImmediatelyThenOnInterval(t *testing.T) {
	var ticks atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		Name:     "test",
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
		Tick: func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		},
	})

	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return ticks.Load() >= 3 })
}

func TestScheduler_StopHaltsTicking(t *testing.T) {
	var ticks atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Tick: func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		},
	})

	sched.Start(context.Background())
	waitFor(t, time.Second, func() bool { return ticks.Load() >= 1 })
	sched.Stop()

	after := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("expected ticking to stop, but count grew from %d to %d", after, ticks.Load())
	}
}

func TestScheduler_TickErrorDoesNotStopLoop(t *testing.T) {
	var ticks atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Tick: func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return errors.New("transient failure")
		},
	})

	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return ticks.Load() >= 3 })
}

func TestScheduler_ContextCancelStopsLoop(t *testing.T) {
	var ticks atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	sched := cron.NewScheduler(cron.Config{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Tick: func(ctx context.Context, now time.Time) error {
			ticks.Add(1)
			return nil
		},
	})

	sched.Start(ctx)
	waitFor(t, time.Second, func() bool { return ticks.Load() >= 1 })
	cancel()
	sched.Stop()
}
