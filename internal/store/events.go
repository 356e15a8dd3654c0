package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// GatewayEvent is the send dedupe log (spec §3 "GatewayEvent"). The send
// service is its exclusive writer.
type GatewayEvent struct {
	ID         int64
	RequestID  string
	BotSlug    string
	ChatID     int64
	Purpose    string
	DedupeKey  string
	MessageID  sql.NullInt64
	Status     string // pending | ok | err
	ErrorCode  sql.NullString
	LatencyMs  sql.NullInt64
	Metadata   json.RawMessage
	OccurredAt time.Time
}

// InsertPendingEvent implements spec §4.4 step 1: attempt to insert a
// provisional row with (dedupe_key, status=pending). On a unique-
// constraint conflict it returns the existing row instead of erroring, so
// the caller can decide between "return cached result" and
// "DUPLICATE_INFLIGHT" without a second round trip.
func (s *Store) InsertPendingEvent(ctx context.Context, requestID, botSlug string, chatID int64, purpose, dedupeKey string) (existing *GatewayEvent, inserted bool, err error) {
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gateway_events (request_id, bot_slug, chat_id, purpose, dedupe_key, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
	`, requestID, botSlug, chatID, purpose, dedupeKey)
	if err == nil {
		return nil, true, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		row, getErr := s.GetEventByDedupeKey(ctx, dedupeKey)
		if getErr != nil {
			return nil, false, fmt.Errorf("load existing event for %s: %w", dedupeKey, getErr)
		}
		return row, false, nil
	}
	return nil, false, fmt.Errorf("insert pending event: %w", err)
}

// GetEventByDedupeKey loads a GatewayEvent by its unique dedupe key.
func (s *Store) GetEventByDedupeKey(ctx context.Context, dedupeKey string) (*GatewayEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, bot_slug, chat_id, purpose, dedupe_key, message_id, status, error_code, latency_ms, metadata, occurred_at
		FROM gateway_events WHERE dedupe_key = $1
	`, dedupeKey)
	return scanGatewayEvent(row)
}

// FinalizeEventOK records a successful send (spec §4.4 step 8).
func (s *Store) FinalizeEventOK(ctx context.Context, dedupeKey string, messageID int64, latencyMs int64, metadata json.RawMessage) error {
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE gateway_events
		SET status = 'ok', message_id = $2, latency_ms = $3, metadata = $4, occurred_at = now()
		WHERE dedupe_key = $1
	`, dedupeKey, messageID, latencyMs, metadata)
	if err != nil {
		return fmt.Errorf("finalize event ok %s: %w", dedupeKey, err)
	}
	return nil
}

// FinalizeEventErr records a failed send (spec §4.4 step 8).
func (s *Store) FinalizeEventErr(ctx context.Context, dedupeKey, errorCode string, latencyMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gateway_events
		SET status = 'err', error_code = $2, latency_ms = $3, occurred_at = now()
		WHERE dedupe_key = $1
	`, dedupeKey, errorCode, latencyMs)
	if err != nil {
		return fmt.Errorf("finalize event err %s: %w", dedupeKey, err)
	}
	return nil
}

// StartedChats returns every distinct chat_id that has ever produced an
// `ok` start event for the tenant — the data backing the `all_started`
// shot filter (spec §9 Open Question).
func (s *Store) StartedChats(ctx context.Context, botSlug string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT chat_id FROM gateway_events
		WHERE bot_slug = $1 AND purpose = 'start' AND status = 'ok'
	`, botSlug)
	if err != nil {
		return nil, fmt.Errorf("started chats: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan started chat: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LatencyStats is the per-(bot_slug, purpose) counter/latency summary
// backing `GET /api/admin/metrics/{all,send}` (spec §6.1).
type LatencyStats struct {
	BotSlug string
	Purpose string
	OKCount   int64
	ErrCount  int64
	P50Ms     int64
	P95Ms     int64
	P99Ms     int64
}

// MetricsSummary computes LatencyStats grouped by (bot_slug, purpose) over
// the trailing window. An empty botSlug aggregates across every tenant
// (the `/metrics/all` variant); a non-empty one scopes to a single tenant
// (`/metrics/send`'s `?slug=` filter).
func (s *Store) MetricsSummary(ctx context.Context, botSlug string, window time.Duration) ([]LatencyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_slug, purpose,
			count(*) FILTER (WHERE status = 'ok')  AS ok_count,
			count(*) FILTER (WHERE status = 'err') AS err_count,
			coalesce(percentile_cont(0.5)  WITHIN GROUP (ORDER BY latency_ms) FILTER (WHERE status = 'ok'), 0)::bigint AS p50,
			coalesce(percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms) FILTER (WHERE status = 'ok'), 0)::bigint AS p95,
			coalesce(percentile_cont(0.99) WITHIN GROUP (ORDER BY latency_ms) FILTER (WHERE status = 'ok'), 0)::bigint AS p99
		FROM gateway_events
		WHERE occurred_at >= now() - $1::interval
		  AND ($2 = '' OR bot_slug = $2)
		GROUP BY bot_slug, purpose
		ORDER BY bot_slug, purpose
	`, window.String(), botSlug)
	if err != nil {
		return nil, fmt.Errorf("metrics summary: %w", err)
	}
	defer rows.Close()

	var out []LatencyStats
	for rows.Next() {
		var m LatencyStats
		if err := rows.Scan(&m.BotSlug, &m.Purpose, &m.OKCount, &m.ErrCount, &m.P50Ms, &m.P95Ms, &m.P99Ms); err != nil {
			return nil, fmt.Errorf("scan metrics summary: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanGatewayEvent(row *sql.Row) (*GatewayEvent, error) {
	var e GatewayEvent
	err := row.Scan(&e.ID, &e.RequestID, &e.BotSlug, &e.ChatID, &e.Purpose, &e.DedupeKey,
		&e.MessageID, &e.Status, &e.ErrorCode, &e.LatencyMs, &e.Metadata, &e.OccurredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan gateway event: %w", err)
	}
	return &e, nil
}

// InsertFunnelEvent writes the write-only funnel record spec §4.8 step 6e
// calls for (read by no core component; the analytics collaborator is out
// of scope, spec §1).
func (s *Store) InsertFunnelEvent(ctx context.Context, botSlug string, chatID int64, eventType string, metadata json.RawMessage) error {
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funnel_events (bot_slug, chat_id, event_type, metadata)
		VALUES ($1, $2, $3, $4)
	`, botSlug, chatID, eventType, metadata)
	if err != nil {
		return fmt.Errorf("insert funnel event: %w", err)
	}
	return nil
}
