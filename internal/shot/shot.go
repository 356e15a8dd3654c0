// Package shot implements C7: shot lifecycle orchestration (populate via
// the filter registry, start/pause/resume/cancel, and the worker that
// drains sending shots' queues) per spec §4.7.
package shot

import (
	"context"
	"encoding/json"
	"errors"
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
	// BatchSize is the per-tick, per-shot claim size (spec §4.7 "batch B=30").
	BatchSize = 30
	// TickInterval is the worker's poll cadence (spec §4.7 "worker tick every 5s").
	TickInterval = 5 * time.Second
	// MaxAttempts caps retries on a transient send failure before an entry
	// is finalized `failed` (spec §8 invariant 2: every queue entry reaches
	// a terminal state; mirrors downsell.MaxAttempts).
	MaxAttempts = 5
)

// ErrNoPaymentsCollaborator is returned by filters that depend on an
// external payments system this gateway has no integration with (spec §9
// design note: PIX-based filters are stubbed pending that collaborator).
var ErrNoPaymentsCollaborator = errors.New("filter requires a payments collaborator not wired into this deployment")

// Filter resolves a shot's target chat IDs (spec §4.7 `filters`, a list of
// named predicates combined with AND semantics).
type Filter func(ctx context.Context, s *store.Store, botSlug string) ([]int64, error)

// Registry is the set of filters a shot's `filters` field may name (spec
// §4.7 design note). Shot creation does not check the names; ResolveTargets,
// run at populate, rejects any name missing from this map.
var Registry = map[string]Filter{
	"all_started":      filterAllStarted,
	"has_unpaid_pix":   filterPaymentsStub,
	"exclude_paid":     filterPaymentsStub,
}

func filterAllStarted(ctx context.Context, s *store.Store, botSlug string) ([]int64, error) {
	return s.StartedChats(ctx, botSlug)
}

func filterPaymentsStub(ctx context.Context, s *store.Store, botSlug string) ([]int64, error) {
	return nil, ErrNoPaymentsCollaborator
}

// ResolveTargets intersects every named filter's result set (spec §4.7
// "AND semantics": a chat must satisfy every named filter to be included).
func ResolveTargets(ctx context.Context, s *store.Store, botSlug string, filterNames []string) ([]int64, error) {
	if len(filterNames) == 0 {
		return nil, fmt.Errorf("shot must name at least one filter")
	}

	var sets [][]int64
	for _, name := range filterNames {
		f, ok := Registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown shot filter %q", name)
		}
		chatIDs, err := f(ctx, s, botSlug)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", name, err)
		}
		sets = append(sets, chatIDs)
	}

	return intersect(sets), nil
}

func intersect(sets [][]int64) []int64 {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[int64]int)
	for _, set := range sets {
		seen := make(map[int64]bool, len(set))
		for _, id := range set {
			if !seen[id] {
				counts[id]++
				seen[id] = true
			}
		}
	}
	var out []int64
	for id, n := range counts {
		if n == len(sets) {
			out = append(out, id)
		}
	}
	return out
}

// Worker drains sending shots' queues.
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
// TENANT_SHARD horizontal-scaling knob). An empty shards list drains
// sending shots across all tenants.
func (w *Worker) WithShards(shards []string) *Worker {
	w.shards = shards
	return w
}

// Scheduler wraps Tick in a cron.Scheduler at the spec's 5s cadence.
func (w *Worker) Scheduler() *cron.Scheduler {
	return cron.NewScheduler(cron.Config{
		Name:     "shot",
		Logger:   w.logger,
		Interval: TickInterval,
		Tick:     w.Tick,
	})
}

// Tick claims one batch per currently-sending shot and sends each entry
// (spec §4.7 "per sending shot, per tick, claim up to B pending entries").
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	shotIDs, err := w.store.SendingShotIDsForShards(ctx, w.shards)
	if err != nil {
		return fmt.Errorf("list sending shots: %w", err)
	}

	for _, shotID := range shotIDs {
		entries, err := w.store.ClaimShotBatch(ctx, shotID, BatchSize)
		if err != nil {
			w.logger.Error("claim shot batch failed", "shot_id", shotID, "error", err)
			continue
		}
		for _, entry := range entries {
			if err := w.processEntry(ctx, shotID, entry); err != nil {
				w.logger.Warn("shot entry send failed", "shot_id", shotID, "entry_id", entry.ID, "error", err)
			}
		}
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, shotID int64, entry store.ShotQueueEntry) error {
	sh, err := w.store.GetShot(ctx, shotID)
	if err != nil {
		return w.store.FinalizeShotEntry(ctx, entry.ID, shotID, "failed")
	}

	var content struct {
		Text      string            `json:"text"`
		ParseMode string            `json:"parse_mode"`
		Media     []store.MediaRef `json:"media_refs"`
	}
	_ = json.Unmarshal(sh.Content, &content)

	dedupeKey := fmt.Sprintf("shot:%d:%d", shotID, entry.ChatID)
	req := sendsvc.Request{
		RequestID: fmt.Sprintf("shot-%d-entry-%d", shotID, entry.ID),
		BotSlug:   entry.BotSlug,
		ChatID:    entry.ChatID,
		Purpose:   "shot",
		DedupeKey: dedupeKey,
		Priority:  sendqueue.PriorityShot,
		Text:      content.Text,
		ParseMode: content.ParseMode,
		MediaRefs: content.Media,
	}

	_, sendErr := w.send.Send(ctx, req)
	if sendErr == nil {
		return w.store.FinalizeShotEntry(ctx, entry.ID, shotID, "sent")
	}

	if gerr, ok := sendErr.(*gwerr.Error); ok && gerr.Transient() {
		// Transient failures back off and retry on a later tick, up to
		// MaxAttempts, so a dedupe row finalized `err` by an earlier
		// attempt can't keep this entry `pending` forever.
		return w.store.BackoffShotEntry(ctx, entry.ID, shotID, MaxAttempts)
	}
	return w.store.FinalizeShotEntry(ctx, entry.ID, shotID, "failed")
}
