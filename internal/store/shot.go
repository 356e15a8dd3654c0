package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Shot is a broadcast campaign (spec §3 "Shot").
type Shot struct {
	ID           int64
	BotSlug      string
	Title        string
	Content      json.RawMessage
	Filters      []string
	TriggerKind  string
	Status       string
	TotalTargets int
	SentCount    int
	FailedCount  int
	SkippedCount int
}

// CreateShot inserts a shot in `draft` (spec §4.7 `create`).
func (s *Store) CreateShot(ctx context.Context, botSlug, title string, content json.RawMessage, filters []string, triggerKind string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO shots (bot_slug, title, content, filters, trigger_kind, status)
		VALUES ($1, $2, $3, $4, $5, 'draft')
		RETURNING id
	`, botSlug, title, content, pq.Array(filters), triggerKind)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("create shot: %w", err)
	}
	return id, nil
}

// GetShot loads a shot by ID.
func (s *Store) GetShot(ctx context.Context, id int64) (*Shot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_slug, title, content, filters, trigger_kind, status, total_targets, sent_count, failed_count, skipped_count
		FROM shots WHERE id = $1
	`, id)
	var sh Shot
	if err := row.Scan(&sh.ID, &sh.BotSlug, &sh.Title, &sh.Content, pq.Array(&sh.Filters), &sh.TriggerKind,
		&sh.Status, &sh.TotalTargets, &sh.SentCount, &sh.FailedCount, &sh.SkippedCount); err != nil {
		return nil, fmt.Errorf("get shot %d: %w", id, err)
	}
	return &sh, nil
}

// ListShots returns every shot for botSlug, most recent first.
func (s *Store) ListShots(ctx context.Context, botSlug string) ([]Shot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_slug, title, content, filters, trigger_kind, status, total_targets, sent_count, failed_count, skipped_count
		FROM shots WHERE bot_slug = $1 ORDER BY id DESC
	`, botSlug)
	if err != nil {
		return nil, fmt.Errorf("list shots: %w", err)
	}
	defer rows.Close()

	var out []Shot
	for rows.Next() {
		var sh Shot
		if err := rows.Scan(&sh.ID, &sh.BotSlug, &sh.Title, &sh.Content, pq.Array(&sh.Filters), &sh.TriggerKind,
			&sh.Status, &sh.TotalTargets, &sh.SentCount, &sh.FailedCount, &sh.SkippedCount); err != nil {
			return nil, fmt.Errorf("scan shot: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// PopulateShot bulk-inserts ShotQueueEntry rows for the resolved recipient
// set and transitions draft -> queued (spec §4.7 `populate`). Rejects a
// shot that is not currently `draft`.
func (s *Store) PopulateShot(ctx context.Context, shotID int64, chatIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin populate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE shots SET status = 'queued', total_targets = $2 WHERE id = $1 AND status = 'draft'`,
		shotID, len(chatIDs))
	if err != nil {
		return fmt.Errorf("transition shot to queued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shot %d is not in draft status", shotID)
	}

	var botSlug string
	if err := tx.QueryRowContext(ctx, `SELECT bot_slug FROM shots WHERE id = $1`, shotID).Scan(&botSlug); err != nil {
		return fmt.Errorf("look up shot bot_slug: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO shots_queue (shot_id, bot_slug, chat_id, status) VALUES ($1, $2, $3, 'pending')`)
	if err != nil {
		return fmt.Errorf("prepare insert shots_queue: %w", err)
	}
	defer stmt.Close()

	for _, chatID := range chatIDs {
		if _, err := stmt.ExecContext(ctx, shotID, botSlug, chatID); err != nil {
			return fmt.Errorf("insert shot queue entry: %w", err)
		}
	}

	return tx.Commit()
}

// StartShot transitions queued -> sending (spec §4.7 `start`).
func (s *Store) StartShot(ctx context.Context, shotID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shots SET status = 'sending' WHERE id = $1 AND status = 'queued'`, shotID)
	if err != nil {
		return fmt.Errorf("start shot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("shot %d is not in queued status", shotID)
	}
	return nil
}

// PauseShot transitions sending -> paused (spec §4.7 `pause`).
func (s *Store) PauseShot(ctx context.Context, shotID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shots SET status = 'paused' WHERE id = $1 AND status = 'sending'`, shotID)
	if err != nil {
		return fmt.Errorf("pause shot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("shot %d is not in sending status", shotID)
	}
	return nil
}

// ResumeShot transitions paused -> sending (spec §4.7 "returning to sending").
func (s *Store) ResumeShot(ctx context.Context, shotID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shots SET status = 'sending' WHERE id = $1 AND status = 'paused'`, shotID)
	if err != nil {
		return fmt.Errorf("resume shot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("shot %d is not in paused status", shotID)
	}
	return nil
}

// CancelShot transitions any non-terminal state to canceled and marks
// remaining pending entries `skipped` (spec §4.7 `cancel`).
func (s *Store) CancelShot(ctx context.Context, shotID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE shots SET status = 'canceled'
		WHERE id = $1 AND status NOT IN ('completed', 'canceled')
	`, shotID)
	if err != nil {
		return fmt.Errorf("cancel shot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("shot %d is already terminal", shotID)
	}

	skipped, err := tx.ExecContext(ctx, `UPDATE shots_queue SET status = 'skipped' WHERE shot_id = $1 AND status = 'pending'`, shotID)
	if err != nil {
		return fmt.Errorf("skip pending shot queue entries: %w", err)
	}
	n, _ := skipped.RowsAffected()
	if _, err := tx.ExecContext(ctx, `UPDATE shots SET skipped_count = skipped_count + $2 WHERE id = $1`, shotID, n); err != nil {
		return fmt.Errorf("update skipped_count: %w", err)
	}

	return tx.Commit()
}

// ShotQueueEntry is one recipient row for a shot (spec §3 "ShotQueueEntry").
type ShotQueueEntry struct {
	ID       int64
	ShotID   int64
	BotSlug  string
	ChatID   int64
	Status   string
	Attempts int
}

// ClaimShotBatch pulls up to B pending entries for a sending shot,
// row-locked with FOR UPDATE SKIP LOCKED (spec §4.7 worker tick).
func (s *Store) ClaimShotBatch(ctx context.Context, shotID int64, batch int) ([]ShotQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shot_id, bot_slug, chat_id, status, attempts
		FROM shots_queue
		WHERE shot_id = $1 AND status = 'pending'
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, shotID, batch)
	if err != nil {
		return nil, fmt.Errorf("claim shot batch: %w", err)
	}
	defer rows.Close()

	var out []ShotQueueEntry
	for rows.Next() {
		var e ShotQueueEntry
		if err := rows.Scan(&e.ID, &e.ShotID, &e.BotSlug, &e.ChatID, &e.Status, &e.Attempts); err != nil {
			return nil, fmt.Errorf("scan shot queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FinalizeShotEntry records the outcome of one shot-queue send and
// increments the shot's counters atomically, auto-completing the shot
// once every target has a terminal outcome (spec §4.7 worker tick).
func (s *Store) FinalizeShotEntry(ctx context.Context, entryID, shotID int64, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE shots_queue SET status = $2 WHERE id = $1`, entryID, status); err != nil {
		return fmt.Errorf("finalize shot queue entry: %w", err)
	}

	counterCol := map[string]string{"sent": "sent_count", "failed": "failed_count", "skipped": "skipped_count"}[status]
	if counterCol == "" {
		return fmt.Errorf("unknown shot entry status %q", status)
	}
	query := fmt.Sprintf(`UPDATE shots SET %s = %s + 1 WHERE id = $1`, counterCol, counterCol)
	if _, err := tx.ExecContext(ctx, query, shotID); err != nil {
		return fmt.Errorf("bump shot counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE shots SET status = 'completed'
		WHERE id = $1 AND status = 'sending'
		AND sent_count + failed_count + skipped_count >= total_targets
	`, shotID); err != nil {
		return fmt.Errorf("complete shot: %w", err)
	}

	return tx.Commit()
}

// BackoffShotEntry bumps a shot queue entry's attempt count after a
// transient send failure, finalizing it `failed` once attempts reaches
// maxAttempts rather than leaving it `pending` forever (spec §8 invariant 2,
// mirroring BackoffDownsell).
func (s *Store) BackoffShotEntry(ctx context.Context, entryID, shotID int64, maxAttempts int) error {
	row := s.db.QueryRowContext(ctx, `
		UPDATE shots_queue SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, entryID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return fmt.Errorf("backoff shot entry %d: %w", entryID, err)
	}
	if attempts >= maxAttempts {
		return s.FinalizeShotEntry(ctx, entryID, shotID, "failed")
	}
	return nil
}

// SendingShotIDs lists shots currently in `sending`, the set the worker
// tick iterates (spec §4.7 "per sending shot").
func (s *Store) SendingShotIDs(ctx context.Context) ([]int64, error) {
	return s.SendingShotIDsForShards(ctx, nil)
}

// SendingShotIDsForShards is SendingShotIDs restricted to bot_slugs in
// shards (spec §9 tenant-shard horizontal-scaling knob). A nil/empty
// shards list matches all tenants.
func (s *Store) SendingShotIDsForShards(ctx context.Context, shards []string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM shots
		WHERE status = 'sending'
		  AND (array_length($1::text[], 1) IS NULL OR bot_slug = ANY($1))
	`, pq.Array(shards))
	if err != nil {
		return nil, fmt.Errorf("list sending shots: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sending shot id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
