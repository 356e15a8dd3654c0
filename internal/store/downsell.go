package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Downsell is a delayed-follow-up config (spec §3 "Downsell").
type Downsell struct {
	ID           int64
	BotSlug      string
	Name         string
	Content      json.RawMessage
	DelaySeconds int
	Triggers     []string
	Active       bool
}

// DownsellQueueEntry is one scheduled send (spec §3 "DownsellQueueEntry").
type DownsellQueueEntry struct {
	ID         int64
	DownsellID int64
	BotSlug    string
	ChatID     int64
	ScheduleAt time.Time
	Status     string
	Attempts   int
}

// CreateDownsell inserts a new downsell config for the admin downsells CRUD
// surface (spec §6.1 "Downsells CRUD").
func (s *Store) CreateDownsell(ctx context.Context, botSlug, name string, content json.RawMessage, delaySeconds int, triggers []string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bot_downsells (bot_slug, name, content, delay_seconds, triggers, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id
	`, botSlug, name, content, delaySeconds, pq.Array(triggers))
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("create downsell: %w", err)
	}
	return id, nil
}

// ListDownsells returns every downsell configured for botSlug, most recent first.
func (s *Store) ListDownsells(ctx context.Context, botSlug string) ([]Downsell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_slug, name, content, delay_seconds, triggers, active
		FROM bot_downsells WHERE bot_slug = $1 ORDER BY id DESC
	`, botSlug)
	if err != nil {
		return nil, fmt.Errorf("list downsells: %w", err)
	}
	defer rows.Close()

	var out []Downsell
	for rows.Next() {
		var d Downsell
		if err := rows.Scan(&d.ID, &d.BotSlug, &d.Name, &d.Content, &d.DelaySeconds, pq.Array(&d.Triggers), &d.Active); err != nil {
			return nil, fmt.Errorf("scan downsell: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDownsell overwrites a downsell's editable fields.
func (s *Store) UpdateDownsell(ctx context.Context, id int64, name string, content json.RawMessage, delaySeconds int, triggers []string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bot_downsells
		SET name = $2, content = $3, delay_seconds = $4, triggers = $5, active = $6
		WHERE id = $1
	`, id, name, content, delaySeconds, pq.Array(triggers), active)
	if err != nil {
		return fmt.Errorf("update downsell %d: %w", id, err)
	}
	return nil
}

// DeleteDownsell deactivates a downsell rather than removing the row, so
// in-flight downsells_queue entries referencing it via a foreign key stay
// intact and GetDownsell's Active check still cancels them cleanly.
func (s *Store) DeleteDownsell(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bot_downsells SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete downsell %d: %w", id, err)
	}
	return nil
}

// ScheduleDownsell implements spec §4.6 `schedule(...)`: inserts a queue
// entry at trigger_occurred_at + delay_seconds. The (downsell_id, chat_id,
// trunc(schedule_at, minute)) unique index makes repeated calls for the
// same trigger a no-op, which this method reports via inserted=false.
func (s *Store) ScheduleDownsell(ctx context.Context, d Downsell, chatID int64, triggerOccurredAt time.Time) (inserted bool, err error) {
	scheduleAt := triggerOccurredAt.Add(time.Duration(d.DelaySeconds) * time.Second)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO downsells_queue (downsell_id, bot_slug, chat_id, schedule_at)
		VALUES ($1, $2, $3, $4)
	`, d.ID, d.BotSlug, chatID, scheduleAt)
	if err == nil {
		return true, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return false, nil
	}
	return false, fmt.Errorf("schedule downsell: %w", err)
}

// ListActiveDownsellsByTrigger returns the IDs of active downsells for
// botSlug whose triggers include trigger, used by the webhook ingress to
// find which downsells to enqueue after a given event (spec §4.8 step 6d,
// "downsells whose triggers include after_start").
func (s *Store) ListActiveDownsellsByTrigger(ctx context.Context, botSlug, trigger string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM bot_downsells
		WHERE bot_slug = $1 AND active = true AND $2 = ANY(triggers)
	`, botSlug, trigger)
	if err != nil {
		return nil, fmt.Errorf("list active downsells by trigger: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan downsell id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDownsell loads a downsell config by ID, used by the worker to check
// whether it was deactivated/deleted since scheduling (spec §4.6 step 2).
func (s *Store) GetDownsell(ctx context.Context, id int64) (*Downsell, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_slug, name, content, delay_seconds, triggers, active
		FROM bot_downsells WHERE id = $1
	`, id)
	var d Downsell
	if err := row.Scan(&d.ID, &d.BotSlug, &d.Name, &d.Content, &d.DelaySeconds, pq.Array(&d.Triggers), &d.Active); err != nil {
		return nil, fmt.Errorf("get downsell %d: %w", id, err)
	}
	return &d, nil
}

// ClaimDueDownsells selects up to K pending entries whose schedule_at has
// elapsed, row-locked with FOR UPDATE SKIP LOCKED so multiple worker
// replicas can coexist (spec §4.6 step 1).
func (s *Store) ClaimDueDownsells(ctx context.Context, limit int) ([]DownsellQueueEntry, error) {
	return s.ClaimDueDownsellsForShards(ctx, limit, nil)
}

// ClaimDueDownsellsForShards is ClaimDueDownsells restricted to bot_slugs
// in shards, the horizontal-scaling knob from spec §9 ("pins one tgwayd
// serve process per tenant-shard"). A nil/empty shards list claims across
// all tenants, preserving single-process behavior.
func (s *Store) ClaimDueDownsellsForShards(ctx context.Context, limit int, shards []string) ([]DownsellQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, downsell_id, bot_slug, chat_id, schedule_at, status, attempts
		FROM downsells_queue
		WHERE status = 'pending' AND schedule_at <= now()
		  AND (array_length($2::text[], 1) IS NULL OR bot_slug = ANY($2))
		ORDER BY schedule_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, pq.Array(shards))
	if err != nil {
		return nil, fmt.Errorf("claim due downsells: %w", err)
	}
	defer rows.Close()

	var out []DownsellQueueEntry
	for rows.Next() {
		var e DownsellQueueEntry
		if err := rows.Scan(&e.ID, &e.DownsellID, &e.BotSlug, &e.ChatID, &e.ScheduleAt, &e.Status, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan downsell queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetDownsellQueueStatus finalizes a queue entry as sent, canceled, or
// failed (spec §4.6 step 3).
func (s *Store) SetDownsellQueueStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE downsells_queue SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set downsell queue status: %w", err)
	}
	return nil
}

// BackoffDownsell increments attempts on a transient failure, marking the
// entry failed once attempts reaches maxAttempts (spec §4.6 step 3, cap 5).
func (s *Store) BackoffDownsell(ctx context.Context, id int64, maxAttempts int) error {
	row := s.db.QueryRowContext(ctx, `
		UPDATE downsells_queue SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, id)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return fmt.Errorf("backoff downsell %d: %w", id, err)
	}
	if attempts >= maxAttempts {
		return s.SetDownsellQueueStatus(ctx, id, "failed")
	}
	return nil
}
