package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MediaCacheStatus is the state machine in spec §3 "MediaCache row".
type MediaCacheStatus string

const (
	MediaCacheWarming MediaCacheStatus = "warming"
	MediaCacheReady   MediaCacheStatus = "ready"
	MediaCacheError   MediaCacheStatus = "error"
)

// MediaCacheRow mirrors the MediaCache table (spec §3).
type MediaCacheRow struct {
	BotSlug     string
	SHA256      string
	Kind        string
	Status      MediaCacheStatus
	FileID      sql.NullString
	ErrorReason sql.NullString
	Attempts    int
	CreatedAt   time.Time
	WarmupAt    sql.NullTime
	NextTryAt   time.Time
}

// InsertMediaStore writes the immutable blob record and, if no cache row
// exists yet for (bot_slug, sha256, kind), inserts one in `warming` status
// (spec §4.2 save_media).
func (s *Store) InsertMediaStore(ctx context.Context, botSlug, sha256, kind, r2Key string, bytes int64, mime string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save_media tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO media_store (bot_slug, sha256, kind, r2_key, bytes, mime)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_slug, sha256, kind) DO NOTHING
	`, botSlug, sha256, kind, r2Key, bytes, mime); err != nil {
		return fmt.Errorf("insert media_store: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO media_cache (bot_slug, sha256, kind, status)
		VALUES ($1, $2, $3, 'warming')
		ON CONFLICT (bot_slug, sha256, kind) DO NOTHING
	`, botSlug, sha256, kind); err != nil {
		return fmt.Errorf("insert media_cache: %w", err)
	}

	return tx.Commit()
}

// GetCachedFileID is the read path in spec §4.2: a single indexed lookup
// returning file_id iff status=ready.
func (s *Store) GetCachedFileID(ctx context.Context, botSlug, sha256, kind string) (*MediaCacheRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_slug, sha256, kind, status, file_id, error_reason, attempts, created_at, warmup_at, next_try_at
		FROM media_cache WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
	`, botSlug, sha256, kind)

	var r MediaCacheRow
	err := row.Scan(&r.BotSlug, &r.SHA256, &r.Kind, &r.Status, &r.FileID, &r.ErrorReason, &r.Attempts, &r.CreatedAt, &r.WarmupAt, &r.NextTryAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cached file_id: %w", err)
	}
	return &r, nil
}

// ClaimWarmingBatch returns up to limit warming rows whose next_try_at has
// elapsed, locked FOR UPDATE SKIP LOCKED so multiple prewarm workers can
// coexist (spec §4.3 reads from "an in-memory priority queue" in the
// distilled spec; durable backing is the ambient-stack addition so a
// restarted process doesn't lose warming work).
func (s *Store) ClaimWarmingBatch(ctx context.Context, limit int) ([]MediaCacheRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_slug, sha256, kind, status, file_id, error_reason, attempts, created_at, warmup_at, next_try_at
		FROM media_cache
		WHERE status = 'warming' AND next_try_at <= now()
		ORDER BY CASE kind WHEN 'audio' THEN 0 WHEN 'video' THEN 1 ELSE 2 END, created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim warming batch: %w", err)
	}
	defer rows.Close()

	var out []MediaCacheRow
	for rows.Next() {
		var r MediaCacheRow
		if err := rows.Scan(&r.BotSlug, &r.SHA256, &r.Kind, &r.Status, &r.FileID, &r.ErrorReason, &r.Attempts, &r.CreatedAt, &r.WarmupAt, &r.NextTryAt); err != nil {
			return nil, fmt.Errorf("scan warming row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkMediaReady transitions warming -> ready with the captured file_id
// (spec §4.3 step 3).
func (s *Store) MarkMediaReady(ctx context.Context, botSlug, sha256, kind, fileID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_cache SET status = 'ready', file_id = $4, warmup_at = now()
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
	`, botSlug, sha256, kind, fileID)
	if err != nil {
		return fmt.Errorf("mark media ready: %w", err)
	}
	return nil
}

// MarkMediaError transitions warming -> error on permanent failure (spec §4.3 step 4).
func (s *Store) MarkMediaError(ctx context.Context, botSlug, sha256, kind, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_cache SET status = 'error', error_reason = $4
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
	`, botSlug, sha256, kind, reason)
	if err != nil {
		return fmt.Errorf("mark media error: %w", err)
	}
	return nil
}

// SkipMediaNoWarmupChat reschedules a warming row without counting it as a
// failed attempt: the tenant has no warmup chat configured yet, so the row
// stays `warming` until one is (spec §4.3 step 2), rather than being
// finalized `error` by MarkMediaError.
func (s *Store) SkipMediaNoWarmupChat(ctx context.Context, botSlug, sha256, kind string, retryAfter time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_cache SET next_try_at = now() + $4::interval
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
	`, botSlug, sha256, kind, retryAfter.String())
	if err != nil {
		return fmt.Errorf("skip media no warmup chat: %w", err)
	}
	return nil
}

// RequeueMediaAttempt bumps the attempt count and schedules the next try
// with exponential backoff capped at 60s (spec §4.3 step 5), or marks the
// row `error` once attempts exceeds the cap (8).
func (s *Store) RequeueMediaAttempt(ctx context.Context, botSlug, sha256, kind string, backoff time.Duration, maxAttempts int) error {
	row := s.db.QueryRowContext(ctx, `
		UPDATE media_cache SET attempts = attempts + 1, next_try_at = now() + $4::interval
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
		RETURNING attempts
	`, botSlug, sha256, kind, backoff.String())
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return fmt.Errorf("requeue media attempt: %w", err)
	}
	if attempts > maxAttempts {
		return s.MarkMediaError(ctx, botSlug, sha256, kind, "prewarm attempt cap exceeded")
	}
	return nil
}

// InvalidateMediaCache flips a ready row back to warming for re-upload
// (spec §4.2 "external signal" invalidation; no TTL-based expiry).
func (s *Store) InvalidateMediaCache(ctx context.Context, botSlug, sha256, kind string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_cache SET status = 'warming', attempts = 0, next_try_at = now()
		WHERE bot_slug = $1 AND sha256 = $2 AND kind = $3
	`, botSlug, sha256, kind)
	if err != nil {
		return fmt.Errorf("invalidate media cache: %w", err)
	}
	return requireRowsAffected(res, botSlug)
}
