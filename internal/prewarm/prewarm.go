// Package prewarm implements C3: a bounded-concurrency worker that drains
// the `warming` MediaCache rows, uploads each blob to Telegram once, and
// records the returned file_id so C4 can send media by file_id instead of
// uploading it inline on the hot path (spec §4.3).
package prewarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/tgway/internal/cron"
	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/media"
	"github.com/basket/tgway/internal/store"
	"github.com/basket/tgway/internal/telegram"
)

const (
	// Concurrency is the bounded fan-out across a single tick's batch
	// (spec §4.3 "bounded worker pool, default concurrency 5").
	Concurrency = 5
	// BatchSize is how many warming rows one tick claims.
	BatchSize = 20
	// MaxAttempts caps retries before a row is marked permanently errored
	// (spec §4.3 step 5, "8-attempt cap").
	MaxAttempts = 8
	// backoffCap is the ceiling on the exponential backoff between
	// upload attempts (spec §4.3 step 5, "exponential backoff, capped at 60s").
	backoffCap = 60 * time.Second
	// noWarmupChatRetryDelay is how long a row without a configured warmup
	// chat waits before the next claim attempt (spec §4.3 step 2).
	noWarmupChatRetryDelay = 30 * time.Second
)

// TokenResolver returns the decrypted bot token and warmup chat ID for a
// bot slug, so the worker can upload media without knowing about bot
// configuration storage directly.
type TokenResolver interface {
	ResolveWarmupTarget(ctx context.Context, botSlug string) (token string, warmupChatID int64, err error)
}

// Worker drains warming MediaCache rows on a fixed tick.
type Worker struct {
	store    *store.Store
	media    *media.Service
	tg       *telegram.Client
	resolver TokenResolver
	logger   *slog.Logger
}

func New(s *store.Store, m *media.Service, tg *telegram.Client, resolver TokenResolver, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: s, media: m, tg: tg, resolver: resolver, logger: logger}
}

// Scheduler wraps Tick in a cron.Scheduler ticking every interval (spec
// §4.3 design note: "polling cadence" is an implementation detail the
// distilled spec left to the worker).
func (w *Worker) Scheduler(interval time.Duration) *cron.Scheduler {
	return cron.NewScheduler(cron.Config{
		Name:     "prewarm",
		Logger:   w.logger,
		Interval: interval,
		Tick:     w.Tick,
	})
}

// Tick claims one batch, ordered audio > video > photo (spec §4.3 step 1,
// reflected in store.ClaimWarmingBatch's ORDER BY), and fans each row out
// to at most Concurrency concurrent uploads.
func (w *Worker) Tick(ctx context.Context, now time.Time) error {
	batch, err := w.store.ClaimWarmingBatch(ctx, BatchSize)
	if err != nil {
		return fmt.Errorf("claim warming batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	sem := make(chan struct{}, Concurrency)
	done := make(chan struct{}, len(batch))
	for _, row := range batch {
		row := row
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			if err := w.process(ctx, row); err != nil {
				w.logger.Warn("prewarm upload failed", "bot_slug", row.BotSlug, "sha256", row.SHA256, "kind", row.Kind, "error", err)
			}
		}()
	}
	for range batch {
		<-done
	}
	return nil
}

func (w *Worker) process(ctx context.Context, row store.MediaCacheRow) error {
	token, warmupChatID, err := w.resolver.ResolveWarmupTarget(ctx, row.BotSlug)
	if err != nil {
		return w.requeueOrFail(ctx, row, err)
	}
	if warmupChatID == 0 {
		// No warmup chat configured for this tenant yet: leave the row
		// `warming` so it picks back up once one is set, instead of
		// finalizing it into the terminal `error` state (spec §4.3 step 2).
		return w.store.SkipMediaNoWarmupChat(ctx, row.BotSlug, row.SHA256, row.Kind, noWarmupChatRetryDelay)
	}

	blobKey := media.ObjectKey(row.BotSlug, media.Kind(row.Kind), row.SHA256)
	blob, err := w.media.FetchBlob(ctx, blobKey)
	if err != nil {
		return w.requeueOrFail(ctx, row, err)
	}
	defer blob.Close()

	fileName := row.SHA256 + "." + extensionFor(row.Kind)

	var result *telegram.Result
	switch row.Kind {
	case string(media.KindPhoto):
		result, err = w.tg.UploadPhoto(ctx, token, warmupChatID, fileName, blob)
	case string(media.KindVideo):
		result, err = w.tg.UploadVideo(ctx, token, warmupChatID, fileName, blob)
	case string(media.KindAudio):
		result, err = w.tg.UploadAudio(ctx, token, warmupChatID, fileName, blob)
	default:
		return w.store.MarkMediaError(ctx, row.BotSlug, row.SHA256, row.Kind, "unknown media kind")
	}
	if err != nil {
		return w.requeueOrFail(ctx, row, err)
	}

	fileID, ferr := extractFileID(result.Raw, row.Kind)
	if ferr != nil {
		return w.requeueOrFail(ctx, row, ferr)
	}

	return w.store.MarkMediaReady(ctx, row.BotSlug, row.SHA256, row.Kind, fileID)
}

// requeueOrFail classifies err: permanent Telegram errors mark the row
// error immediately, while transient errors (and anything else) get a
// backoff-and-retry (spec §4.3 step 4/5).
func (w *Worker) requeueOrFail(ctx context.Context, row store.MediaCacheRow, err error) error {
	if gerr, ok := err.(*gwerr.Error); ok && !gerr.Transient() {
		return w.store.MarkMediaError(ctx, row.BotSlug, row.SHA256, row.Kind, gerr.Error())
	}
	backoff := backoffForAttempt(row.Attempts)
	return w.store.RequeueMediaAttempt(ctx, row.BotSlug, row.SHA256, row.Kind, backoff, MaxAttempts)
}

// backoffForAttempt doubles starting at 1s, capped at backoffCap.
func backoffForAttempt(attempts int) time.Duration {
	d := time.Second
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// extractFileID pulls the file_id Telegram assigned the uploaded blob out
// of the raw sendPhoto/sendVideo/sendAudio result (spec §4.3 step 3,
// "capture the returned file_id"). Photos return an array of sizes; the
// largest (last) entry is the one worth caching.
func extractFileID(raw json.RawMessage, kind string) (string, error) {
	switch kind {
	case string(media.KindPhoto):
		var msg struct {
			Photo []struct {
				FileID string `json:"file_id"`
			} `json:"photo"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Photo) == 0 {
			return "", gwerr.Newf(gwerr.CodeMediaInvalid, "no photo sizes in response")
		}
		return msg.Photo[len(msg.Photo)-1].FileID, nil
	case string(media.KindVideo):
		var msg struct {
			Video struct {
				FileID string `json:"file_id"`
			} `json:"video"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Video.FileID == "" {
			return "", gwerr.Newf(gwerr.CodeMediaInvalid, "no video in response")
		}
		return msg.Video.FileID, nil
	case string(media.KindAudio):
		var msg struct {
			Audio struct {
				FileID string `json:"file_id"`
			} `json:"audio"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Audio.FileID == "" {
			return "", gwerr.Newf(gwerr.CodeMediaInvalid, "no audio in response")
		}
		return msg.Audio.FileID, nil
	default:
		return "", gwerr.Newf(gwerr.CodeMediaInvalid, "unknown media kind %s", kind)
	}
}

func extensionFor(kind string) string {
	switch kind {
	case string(media.KindPhoto):
		return "jpg"
	case string(media.KindVideo):
		return "mp4"
	case string(media.KindAudio):
		return "mp3"
	default:
		return "bin"
	}
}
