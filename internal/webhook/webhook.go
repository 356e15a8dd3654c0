// Package webhook implements C8: the per-tenant Telegram webhook ingress.
// The handler does only tenant validation and JSON parsing before
// acknowledging; every side effect (triggering a /start send, scheduling
// after_start downsells, recording a funnel event) happens in an async
// goroutine dispatched after the response is already on the wire (spec
// §4.8 step 5, "ACK ... must not be awaited by the response").
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/sendqueue"
	"github.com/basket/tgway/internal/sendsvc"
	"github.com/basket/tgway/internal/store"
)

// Handler owns the gin route and the async continuation (spec §4.8).
type Handler struct {
	store  *store.Store
	send   *sendsvc.Service
	logger *slog.Logger
}

func New(s *store.Store, send *sendsvc.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, send: send, logger: logger}
}

// Register mounts POST /tg/:slug/webhook on r.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/tg/:slug/webhook", h.ServeWebhook)
}

// ServeWebhook implements spec §4.8 steps 1-5 synchronously and dispatches
// step 6 asynchronously.
func (h *Handler) ServeWebhook(c *gin.Context) {
	t0 := time.Now()
	slug := c.Param("slug")

	bot, err := h.store.GetBot(c.Request.Context(), slug, false)
	if err != nil {
		if err == store.ErrNotFound {
			c.Status(http.StatusNotFound)
			return
		}
		h.logger.Error("webhook bot lookup failed", "slug", slug, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	if bot.Deleted() {
		c.Status(http.StatusGone)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(c.Request.Body).Decode(&update); err != nil {
		// spec §4.8 step 3: malformed JSON still gets a 200 so Telegram
		// does not retry delivery.
		c.Status(http.StatusOK)
		return
	}

	// ACK first (spec §4.8 step 5); everything after this line must not
	// block the response.
	c.Status(http.StatusOK)

	go h.continueAsync(slug, update, t0)
}

// continueAsync implements spec §4.8 step 6. It runs detached from the
// request's context since the response has already been written.
func (h *Handler) continueAsync(slug string, update tgbotapi.Update, t0 time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	if !isStartCommand(update.Message.Text) {
		return
	}

	// start_session_id is truncated to the minute rather than fully
	// random, so a reentrant /start from the same chat within the same
	// minute collapses onto the same GatewayEvent dedupe key (spec §4.8
	// "a reentrant /start from the same chat within the same minute is
	// absorbed by the dedupe key"). A separate random UUID is still
	// generated for request tracing, where true uniqueness matters.
	requestID := uuid.NewString()
	startSessionID := t0.UTC().Truncate(time.Minute).Format(time.RFC3339)

	sm, err := h.store.GetStartMessage(ctx, slug)
	if err != nil {
		h.logger.Error("load start message failed", "slug", slug, "chat_id", chatID, "error", err)
		return
	}

	if sm.Active {
		dedupeKey := fmt.Sprintf("start:%s:%d:%s", slug, chatID, startSessionID)
		req := sendsvc.Request{
			RequestID: requestID,
			BotSlug:   slug,
			ChatID:    chatID,
			Purpose:   "start",
			DedupeKey: dedupeKey,
			Priority:  sendqueue.PriorityStart,
			Text:      sm.Text,
			ParseMode: sm.ParseMode,
			MediaRefs: sm.MediaRefs,
		}
		sendStart := time.Now()
		if _, err := h.send.Send(ctx, req); err != nil {
			if gerr, ok := err.(*gwerr.Error); !ok || gerr.Code != gwerr.CodeDuplicateInFlight {
				h.logger.Error("start send failed", "slug", slug, "chat_id", chatID, "error", err)
			}
		} else {
			h.logger.Info("start_first_send", "slug", slug, "chat_id", chatID, "latency_ms", time.Since(sendStart).Milliseconds())
		}
	}

	h.scheduleAfterStartDownsells(ctx, slug, chatID, t0)

	if err := h.store.InsertFunnelEvent(ctx, slug, chatID, "start", nil); err != nil {
		h.logger.Warn("funnel event insert failed", "slug", slug, "chat_id", chatID, "error", err)
	}
}

// scheduleAfterStartDownsells enqueues every active downsell whose
// triggers include after_start, anchored at t0 (spec §4.8 step 6d).
func (h *Handler) scheduleAfterStartDownsells(ctx context.Context, slug string, chatID int64, t0 time.Time) {
	ids, err := h.store.ListActiveDownsellsByTrigger(ctx, slug, "after_start")
	if err != nil {
		h.logger.Error("list after_start downsells failed", "slug", slug, "error", err)
		return
	}

	for _, id := range ids {
		d, err := h.store.GetDownsell(ctx, id)
		if err != nil {
			h.logger.Error("get downsell failed", "downsell_id", id, "error", err)
			continue
		}
		if _, err := h.store.ScheduleDownsell(ctx, *d, chatID, t0); err != nil {
			h.logger.Error("schedule downsell failed", "downsell_id", id, "chat_id", chatID, "error", err)
		}
	}
}

// isStartCommand implements spec §4.8 step 4.
func isStartCommand(text string) bool {
	return text == "/start" || strings.HasPrefix(text, "/start ")
}
