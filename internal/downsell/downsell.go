// Package downsell implements C6: the downsell scheduler that claims due
// entries from the durable queue and hands each to the send service (spec
// §4.6). Scheduling itself (store.ScheduleDownsell) is triggered by the
// webhook ingress at trigger time; this package only owns the worker loop
// that drains what's already due.
package downsell

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/tgway/internal/cron"
	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/sendqueue"
	"github.com/basket/tgway/internal/sendsvc"
	"github.com/basket/tgway/internal/store"
)

const (
	// BatchSize is the per-tick claim size (spec §4.6 "batch K=200").
	BatchSize = 200
	// MaxAttempts caps retries before a queue entry is marked failed
	// (spec §4.6 "max 5 attempts").
	MaxAttempts = 5
	// TickInterval is how often the worker polls for due entries (spec
	// §4.6 "worker tick every 10s").
	TickInterval = 10 * time.Second
)

// Worker drains due downsells queue entries.
type Worker struct {
	store  *store.Store
	send   *sendsvc.Service
	logger *slog.Logger
	shards []string
}

func New(s *store.Store, send *sendsvc.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: s, send: send, logger: logger}
}

// WithShards restricts the worker to tenants in shards (spec §9
// TENANT_SHARD horizontal-scaling knob). An empty shards list claims
// across all tenants.
func (w *Worker) WithShards(shards []string) *Worker {
	w.shards = shards
	return w
}

// Scheduler wraps Tick in a cron.Scheduler at the spec's 10s cadence.
func (w *Worker) Scheduler() *cron.Scheduler {
	return cron.NewScheduler(cron.Config{
		Name:     "downsell",
		Logger:   w.logger,
		Interval: TickInterval,
		Tick:     w.Tick,
	})
}

// Tick claims one batch of due entries and sends each (spec §4.6 steps 1-3).
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	entries, err := w.store.ClaimDueDownsellsForShards(ctx, BatchSize, w.shards)
	if err != nil {
		return fmt.Errorf("claim due downsells: %w", err)
	}

	for _, entry := range entries {
		if err := w.process(ctx, entry); err != nil {
			w.logger.Warn("downsell send failed", "entry_id", entry.ID, "downsell_id", entry.DownsellID, "chat_id", entry.ChatID, "error", err)
		}
	}
	return nil
}

func (w *Worker) process(ctx context.Context, entry store.DownsellQueueEntry) error {
	downsell, err := w.store.GetDownsell(ctx, entry.DownsellID)
	if err != nil {
		return w.store.SetDownsellQueueStatus(ctx, entry.ID, "failed")
	}
	if !downsell.Active {
		return w.store.SetDownsellQueueStatus(ctx, entry.ID, "canceled")
	}

	var content struct {
		Text      string            `json:"text"`
		ParseMode string            `json:"parse_mode"`
		Media     []store.MediaRef `json:"media_refs"`
	}
	_ = json.Unmarshal(downsell.Content, &content)

	// spec §3 GatewayEvent dedupe key: `downsell:<queue_id>`.
	dedupeKey := fmt.Sprintf("downsell:%d", entry.ID)
	req := sendsvc.Request{
		RequestID: fmt.Sprintf("downsell-%d", entry.ID),
		BotSlug:   entry.BotSlug,
		ChatID:    entry.ChatID,
		Purpose:   "downsell",
		DedupeKey: dedupeKey,
		Priority:  sendqueue.PriorityDownsell,
		Text:      content.Text,
		ParseMode: content.ParseMode,
		MediaRefs: content.Media,
	}

	_, sendErr := w.send.Send(ctx, req)
	if sendErr == nil {
		return w.store.SetDownsellQueueStatus(ctx, entry.ID, "sent")
	}

	if gerr, ok := sendErr.(*gwerr.Error); ok && !gerr.Transient() {
		return w.store.SetDownsellQueueStatus(ctx, entry.ID, "failed")
	}
	return w.store.BackoffDownsell(ctx, entry.ID, MaxAttempts)
}
