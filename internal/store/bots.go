package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Bot is one tenant row (spec §3 "Tenant (Bot)").
type Bot struct {
	Slug           string
	DisplayName    string
	TokenEncrypted string
	WarmupChatID   sql.NullInt64
	CreatedAt      time.Time
	DeletedAt      sql.NullTime
}

// Deleted reports whether the tenant is soft-deleted, invisible to all
// non-admin operations per spec §3's Tenant invariant.
func (b Bot) Deleted() bool {
	return b.DeletedAt.Valid
}

// GetBot loads a tenant by slug. Returns ErrNotFound for an unknown slug,
// and also for a soft-deleted one when includeDeleted is false — the
// ingress/scheduling path must treat deleted_at as nonexistent.
func (s *Store) GetBot(ctx context.Context, slug string, includeDeleted bool) (*Bot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slug, display_name, token_encrypted, warmup_chat_id, created_at, deleted_at
		FROM bots WHERE slug = $1
	`, slug)

	var b Bot
	if err := row.Scan(&b.Slug, &b.DisplayName, &b.TokenEncrypted, &b.WarmupChatID, &b.CreatedAt, &b.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bot %s: %w", slug, err)
	}
	if b.Deleted() && !includeDeleted {
		return nil, ErrNotFound
	}
	return &b, nil
}

// UpsertBot creates the tenant row if absent, a no-op admin-only create
// path (spec treats tenant CRUD as an external collaborator, but the row
// must exist before token/webhook/start-message operations can reference
// it by foreign key).
func (s *Store) UpsertBot(ctx context.Context, slug, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (slug, display_name) VALUES ($1, $2)
		ON CONFLICT (slug) DO NOTHING
	`, slug, displayName)
	if err != nil {
		return fmt.Errorf("upsert bot %s: %w", slug, err)
	}
	return nil
}

// SetBotToken stores the encrypted token (spec §6.1 PUT .../token).
func (s *Store) SetBotToken(ctx context.Context, slug, tokenEncrypted string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET token_encrypted = $2 WHERE slug = $1 AND deleted_at IS NULL`,
		slug, tokenEncrypted)
	if err != nil {
		return fmt.Errorf("set bot token %s: %w", slug, err)
	}
	return requireRowsAffected(res, slug)
}

// SetWarmupChat stores the tenant's warmup chat ID (spec §6.1 PUT .../warmup-chat).
func (s *Store) SetWarmupChat(ctx context.Context, slug string, chatID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET warmup_chat_id = $2 WHERE slug = $1 AND deleted_at IS NULL`,
		slug, chatID)
	if err != nil {
		return fmt.Errorf("set warmup chat %s: %w", slug, err)
	}
	return requireRowsAffected(res, slug)
}

func requireRowsAffected(res sql.Result, slug string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", slug, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
