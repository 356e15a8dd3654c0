// Package sendsvc implements C4, the send service: the single path every
// outbound Telegram message goes through, whether triggered by a webhook
// /start, a downsell, or a shot (spec §4.4). It dedupes, decrypts the
// bot's token, escapes MarkdownV2, resolves media to a cached file_id (or
// falls back to an in-band upload), admits the send against C5's rate
// budget, calls Telegram with bounded retry, and finalizes the
// GatewayEvent row.
package sendsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/tgway/internal/crypto"
	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/media"
	"github.com/basket/tgway/internal/sendqueue"
	"github.com/basket/tgway/internal/store"
	"github.com/basket/tgway/internal/telegram"
)

// mediaWaitTimeout is how long the send service waits for an in-flight
// prewarm to finish before falling back to an in-band upload (spec §4.4
// step 4, "wait up to 300ms for a concurrently-warming cache row").
const mediaWaitTimeout = 300 * time.Millisecond

// retryBackoffs is the fixed retry schedule for transient Telegram errors
// (spec §4.4 step 7, "retry with backoff 1.5s, 3s, 6s, capped at 15s").
var retryBackoffs = []time.Duration{1500 * time.Millisecond, 3 * time.Second, 6 * time.Second}

// Request is one send request, regardless of which component originated
// it (spec §4.4 "dedupe_key scopes idempotency across all three callers").
type Request struct {
	RequestID   string
	BotSlug     string
	ChatID      int64
	Purpose     string // "start", "downsell", "shot", or "send-test"
	DedupeKey   string
	Priority    sendqueue.Priority
	Text        string
	ParseMode   string
	MediaRefs   []store.MediaRef
}

// Outcome is what callers get back after Send returns (spec §4.4 `{ok,
// message_id, error_code}`).
type Outcome struct {
	MessageID int64
	Deduped   bool
}

// Service wires together the collaborators C4 orchestrates.
type Service struct {
	store  *store.Store
	media  *media.Service
	tg     *telegram.Client
	queue  *sendqueue.Queue
	box    *crypto.Box
	logger *slog.Logger
}

func New(s *store.Store, m *media.Service, tg *telegram.Client, q *sendqueue.Queue, box *crypto.Box, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, media: m, tg: tg, queue: q, box: box, logger: logger}
}

// Send runs the full C4 pipeline (spec §4.4 steps 1-8).
func (s *Service) Send(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()

	// Step 1: dedupe insert. A prior successful send with this key short-
	// circuits the whole pipeline (spec §4.4 step 1).
	existing, inserted, err := s.store.InsertPendingEvent(ctx, req.RequestID, req.BotSlug, req.ChatID, req.Purpose, req.DedupeKey)
	if err != nil {
		return nil, fmt.Errorf("insert pending event: %w", err)
	}
	if !inserted {
		if existing.Status == "ok" && existing.MessageID.Valid {
			return &Outcome{MessageID: existing.MessageID.Int64, Deduped: true}, nil
		}
		if existing.Status == "pending" {
			return nil, gwerr.New(gwerr.CodeDuplicateInFlight, "a send for this dedupe key is already in flight")
		}
		// A prior attempt finalized as an error; fall through and retry
		// under the same dedupe key isn't possible once it's finalized
		// err — the unique index already absorbed it, so treat as
		// duplicate-in-flight to avoid a second Telegram call racing the
		// original caller's retry path.
		return nil, gwerr.New(gwerr.CodeDuplicateInFlight, "dedupe key already finalized with an error")
	}

	// Step 2: resolve and decrypt the bot's token.
	bot, err := s.store.GetBot(ctx, req.BotSlug, false)
	if err != nil {
		s.finalizeErr(ctx, req.DedupeKey, gwerr.CodeBotNotFound, start)
		return nil, gwerr.New(gwerr.CodeBotNotFound, req.BotSlug)
	}
	if bot.TokenEncrypted == "" {
		s.finalizeErr(ctx, req.DedupeKey, gwerr.CodeBotTokenNotSet, start)
		return nil, gwerr.New(gwerr.CodeBotTokenNotSet, req.BotSlug)
	}
	token, err := s.box.Decrypt(bot.TokenEncrypted)
	if err != nil {
		s.finalizeErr(ctx, req.DedupeKey, gwerr.CodeEncryptionKeyMissing, start)
		return nil, fmt.Errorf("decrypt bot token: %w", err)
	}

	// Step 3: MarkdownV2 escape, only when that's the declared parse mode
	// (spec §4.4 step 3).
	text := req.Text
	if req.ParseMode == "MarkdownV2" {
		text = EscapeMarkdownV2(text)
	}

	// Step 5: rate admission (spec §4.4 step 5 references C5). Reserve
	// blocks until C5 admits this send or ctx is canceled; only a buffer
	// already at capacity fails immediately with QUEUE_FULL.
	if err := s.queue.Reserve(ctx, req.ChatID, req.Priority); err != nil {
		s.finalizeErr(ctx, req.DedupeKey, codeOf(err), start)
		return nil, err
	}

	// Steps 4 and 6: resolve media (if any) then send, retrying transient
	// Telegram failures with the fixed backoff schedule.
	result, err := s.sendWithRetry(ctx, bot, token, req, text)
	if err != nil {
		s.queue.Cooldown429OnRateLimit(req.ChatID, err)
		s.finalizeErr(ctx, req.DedupeKey, codeOf(err), start)
		return nil, err
	}
	s.queue.ResetCooldown(req.ChatID)

	// Step 8: finalize ok.
	latency := time.Since(start).Milliseconds()
	if err := s.store.FinalizeEventOK(ctx, req.DedupeKey, result.MessageID, latency, nil); err != nil {
		return nil, fmt.Errorf("finalize event ok: %w", err)
	}

	return &Outcome{MessageID: result.MessageID}, nil
}

func (s *Service) finalizeErr(ctx context.Context, dedupeKey string, code gwerr.Code, start time.Time) {
	latency := time.Since(start).Milliseconds()
	_ = s.store.FinalizeEventErr(ctx, dedupeKey, string(code), latency)
}

func codeOf(err error) gwerr.Code {
	if gerr, ok := err.(*gwerr.Error); ok {
		return gerr.Code
	}
	return gwerr.CodeTelegramError
}

// sendWithRetry resolves media (spec §4.4 step 4) and calls Telegram,
// retrying only transient errors per the fixed backoff schedule (spec
// §4.4 step 7). Permanent errors return immediately.
func (s *Service) sendWithRetry(ctx context.Context, bot *store.Bot, token string, req Request, text string) (*telegram.Result, error) {
	var lastErr error
	attempts := append([]time.Duration{0}, retryBackoffs...)
	for _, wait := range attempts {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := s.attemptSend(ctx, bot, token, req, text)
		if err == nil {
			return result, nil
		}
		lastErr = err

		gerr, ok := err.(*gwerr.Error)
		if !ok || !gerr.Transient() {
			return nil, err
		}
	}
	return nil, lastErr
}

// mediaKindRank orders media kinds audio > video > photo (spec §4.4 step 4
// "sort refs by priority (audio, video, photo)"; the same ordering prewarm
// claims warming rows in).
func mediaKindRank(kind string) int {
	switch kind {
	case string(media.KindAudio):
		return 0
	case string(media.KindVideo):
		return 1
	case string(media.KindPhoto):
		return 2
	default:
		return 3
	}
}

// sortedMediaRefs returns req's media refs ordered audio > video > photo,
// stable within a kind so refs of the same kind keep their declared order.
func sortedMediaRefs(refs []store.MediaRef) []store.MediaRef {
	out := make([]store.MediaRef, len(refs))
	copy(out, refs)
	sort.SliceStable(out, func(i, j int) bool {
		return mediaKindRank(out[i].Kind) < mediaKindRank(out[j].Kind)
	})
	return out
}

// sendStep is one message attemptSend may emit: a media ref or the final
// text message.
type sendStep struct {
	label string
	send  func() (*telegram.Result, error)
}

// attemptSend resolves each media ref (if any) to a Telegram file_id —
// using the prewarmed cache when ready, waiting briefly for an in-flight
// warm, or uploading in-band as a last resort (spec §4.4 step 4) — then
// sends media before text, media ordered audio > video > photo (spec §4.4
// step 4/6). The operation succeeds iff the first message sent succeeds;
// its result (and message_id) is what's returned. Later steps' failures
// are logged per-step but do not unwind the already-successful first
// message (spec §4.4 step 6).
func (s *Service) attemptSend(ctx context.Context, bot *store.Bot, token string, req Request, text string) (*telegram.Result, error) {
	var steps []sendStep
	for _, ref := range sortedMediaRefs(req.MediaRefs) {
		ref := ref
		steps = append(steps, sendStep{
			label: fmt.Sprintf("media:%s:%s", ref.Kind, ref.SHA256),
			send: func() (*telegram.Result, error) {
				fileID, err := s.resolveFileID(ctx, bot, token, req.ChatID, ref, req.Purpose)
				if err != nil {
					return nil, err
				}
				return s.sendMediaByKind(ctx, token, req.ChatID, ref.Kind, fileID, req.ParseMode)
			},
		})
	}
	if text != "" {
		steps = append(steps, sendStep{
			label: "text",
			send: func() (*telegram.Result, error) {
				return s.tg.SendMessage(ctx, token, req.ChatID, text, req.ParseMode, false)
			},
		})
	}

	if len(steps) == 0 {
		return nil, gwerr.New(gwerr.CodeTextTooLong, "request had neither text nor media")
	}

	first, err := steps[0].send()
	if err != nil {
		return nil, err
	}

	for _, st := range steps[1:] {
		if _, err := st.send(); err != nil {
			s.logger.Warn("secondary message in multi-part send failed",
				"request_id", req.RequestID, "bot_slug", req.BotSlug, "chat_id", req.ChatID,
				"part", st.label, "error", err)
		}
	}

	return first, nil
}

func (s *Service) sendMediaByKind(ctx context.Context, token string, chatID int64, kind, fileID, parseMode string) (*telegram.Result, error) {
	switch kind {
	case string(media.KindPhoto):
		return s.tg.SendPhoto(ctx, token, chatID, fileID, "", parseMode)
	case string(media.KindVideo):
		return s.tg.SendVideo(ctx, token, chatID, fileID, "", parseMode)
	case string(media.KindAudio):
		return s.tg.SendAudio(ctx, token, chatID, fileID, "", parseMode)
	default:
		return nil, gwerr.Newf(gwerr.CodeInvalidMediaSHA256, "unknown media kind %s", kind)
	}
}

// resolveFileID implements spec §4.4 step 4: check the cache, wait briefly
// for a concurrent warm when there's time budget for it, and upload
// in-band as a last resort.
func (s *Service) resolveFileID(ctx context.Context, bot *store.Bot, token string, chatID int64, ref store.MediaRef, purpose string) (string, error) {
	row, err := s.media.GetCachedFileID(ctx, bot.Slug, ref.SHA256, media.Kind(ref.Kind))
	if err == nil && row.Status == store.MediaCacheReady && row.FileID.Valid {
		return row.FileID.String, nil
	}

	// Only start and send-test have time budget for a re-lookup wait;
	// downsell and shot sends go straight to in-band upload (spec §4.4
	// step 4, "if there is time budget (purpose=start or send-test)").
	if purpose == "start" || purpose == "send-test" {
		deadline := time.Now().Add(mediaWaitTimeout)
		for time.Now().Before(deadline) {
			time.Sleep(25 * time.Millisecond)
			row, err = s.media.GetCachedFileID(ctx, bot.Slug, ref.SHA256, media.Kind(ref.Kind))
			if err == nil && row.Status == store.MediaCacheReady && row.FileID.Valid {
				return row.FileID.String, nil
			}
		}
	}

	blob, err := s.media.FetchBlob(ctx, media.ObjectKey(bot.Slug, media.Kind(ref.Kind), ref.SHA256))
	if err != nil {
		return "", gwerr.Newf(gwerr.CodeMediaInvalid, "media not available for in-band upload: %v", err)
	}
	defer blob.Close()

	var result *telegram.Result
	switch ref.Kind {
	case string(media.KindPhoto):
		result, err = s.tg.UploadPhoto(ctx, token, chatID, ref.Name, blob)
	case string(media.KindVideo):
		result, err = s.tg.UploadVideo(ctx, token, chatID, ref.Name, blob)
	case string(media.KindAudio):
		result, err = s.tg.UploadAudio(ctx, token, chatID, ref.Name, blob)
	default:
		return "", gwerr.Newf(gwerr.CodeInvalidMediaSHA256, "unknown media kind %s", ref.Kind)
	}
	if err != nil {
		return "", err
	}

	fileID, ferr := extractFileIDFromSendResult(result, ref.Kind)
	if ferr != nil {
		return "", ferr
	}
	return fileID, nil
}

// extractFileIDFromSendResult pulls the Telegram-assigned file_id back out
// of an in-band upload's response, the same shape prewarm's uploads
// return (spec §4.4 step 4 fallback, "cache the file_id the upload
// returns for next time" — note this path does not itself write the
// MediaCache row; the prewarm worker racing to warm the same ref owns
// that write, so an in-band fallback here only unblocks this one send).
func extractFileIDFromSendResult(result *telegram.Result, kind string) (string, error) {
	switch kind {
	case string(media.KindPhoto):
		var msg struct {
			Photo []struct {
				FileID string `json:"file_id"`
			} `json:"photo"`
		}
		if err := json.Unmarshal(result.Raw, &msg); err != nil || len(msg.Photo) == 0 {
			return "", gwerr.Newf(gwerr.CodeMediaInvalid, "no photo sizes in response")
		}
		return msg.Photo[len(msg.Photo)-1].FileID, nil
	case string(media.KindVideo):
		var msg struct {
			Video struct {
				FileID string `json:"file_id"`
			} `json:"video"`
		}
		if err := json.Unmarshal(result.Raw, &msg); err != nil || msg.Video.FileID == "" {
			return "", gwerr.Newf(gwerr.CodeMediaInvalid, "no video in response")
		}
		return msg.Video.FileID, nil
	case string(media.KindAudio):
		var msg struct {
			Audio struct {
				FileID string `json:"file_id"`
			} `json:"audio"`
		}
		if err := json.Unmarshal(result.Raw, &msg); err != nil || msg.Audio.FileID == "" {
			return "", gwerr.Newf(gwerr.CodeMediaInvalid, "no audio in response")
		}
		return msg.Audio.FileID, nil
	default:
		return "", gwerr.Newf(gwerr.CodeInvalidMediaSHA256, "unknown media kind %s", kind)
	}
}

// EscapeMarkdownV2 escapes every character Telegram MarkdownV2 reserves,
// backslash and backtick included, with a leading backslash (spec §4.4
// step 3). Modeled on the teacher's escapeMarkdownV2 helper in
// internal/channels/telegram.go.
func EscapeMarkdownV2(s string) string {
	const specialChars = "\\_*[]()~`>#+-=|{}.!"
	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.ContainsAny(string(c), specialChars) {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
