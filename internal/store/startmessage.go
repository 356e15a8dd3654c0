package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MediaRef is spec §3's `{sha256, kind, r2_key, bytes?, name?}`.
type MediaRef struct {
	SHA256 string `json:"sha256"`
	Kind   string `json:"kind"` // photo | video | audio
	R2Key  string `json:"r2_key"`
	Bytes  int64  `json:"bytes,omitempty"`
	Name   string `json:"name,omitempty"`
}

// StartMessage is the per-tenant singleton welcome payload (spec §3).
type StartMessage struct {
	BotSlug               string
	Active                bool
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
	MediaRefs             []MediaRef
	UpdatedAt             time.Time
}

// GetStartMessage reads the tenant's singleton row, returning the zero
// value (Active=false) if none has been configured yet.
func (s *Store) GetStartMessage(ctx context.Context, slug string) (*StartMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_slug, active, text, parse_mode, disable_web_page_preview, media_refs, updated_at
		FROM start_messages WHERE bot_slug = $1
	`, slug)

	var sm StartMessage
	var refsRaw []byte
	err := row.Scan(&sm.BotSlug, &sm.Active, &sm.Text, &sm.ParseMode, &sm.DisableWebPagePreview, &refsRaw, &sm.UpdatedAt)
	if err == sql.ErrNoRows {
		return &StartMessage{BotSlug: slug, ParseMode: "MarkdownV2"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get start message %s: %w", slug, err)
	}
	if err := json.Unmarshal(refsRaw, &sm.MediaRefs); err != nil {
		return nil, fmt.Errorf("decode media refs for %s: %w", slug, err)
	}
	return &sm, nil
}

// PutStartMessage upserts the tenant's singleton row (spec §6.1 PUT .../start-message).
func (s *Store) PutStartMessage(ctx context.Context, sm StartMessage) error {
	refsRaw, err := json.Marshal(sm.MediaRefs)
	if err != nil {
		return fmt.Errorf("encode media refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO start_messages (bot_slug, active, text, parse_mode, disable_web_page_preview, media_refs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (bot_slug) DO UPDATE SET
			active = EXCLUDED.active,
			text = EXCLUDED.text,
			parse_mode = EXCLUDED.parse_mode,
			disable_web_page_preview = EXCLUDED.disable_web_page_preview,
			media_refs = EXCLUDED.media_refs,
			updated_at = now()
	`, sm.BotSlug, sm.Active, sm.Text, sm.ParseMode, sm.DisableWebPagePreview, refsRaw)
	if err != nil {
		return fmt.Errorf("put start message %s: %w", sm.BotSlug, err)
	}
	return nil
}
