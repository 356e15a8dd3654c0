package adminapi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/sendqueue"
	"github.com/basket/tgway/internal/sendsvc"
	"github.com/basket/tgway/internal/store"
)

// errStatus maps a gwerr.Code to the HTTP status the admin surface
// returns for it (spec §6.1/§9 "Configuration" codes map to 404/410/etc).
func errStatus(code gwerr.Code) int {
	switch code {
	case gwerr.CodeBotNotFound:
		return http.StatusNotFound
	case gwerr.CodeBotDeleted:
		return http.StatusGone
	case gwerr.CodeBotTokenNotSet, gwerr.CodeNoWarmupChat, gwerr.CodeEncryptionKeyMissing:
		return http.StatusPreconditionFailed
	case gwerr.CodeMissingToken, gwerr.CodeInvalidChatID, gwerr.CodeStartMediaRefsMax3,
		gwerr.CodeInvalidMediaSHA256, gwerr.CodeTextTooLong, gwerr.CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortErr(c *gin.Context, code gwerr.Code, msg string) {
	c.AbortWithStatusJSON(errStatus(code), gin.H{"ok": false, "error": string(code), "message": msg})
}

// loadBot looks up the tenant, writing a response and returning ok=false
// if it does not exist or has been soft-deleted (spec §3 Tenant invariant).
func (h *Handler) loadBot(c *gin.Context, slug string) (*store.Bot, bool) {
	bot, err := h.store.GetBot(c.Request.Context(), slug, true)
	if err == store.ErrNotFound {
		abortErr(c, gwerr.CodeBotNotFound, "bot not found")
		return nil, false
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return nil, false
	}
	if bot.Deleted() {
		abortErr(c, gwerr.CodeBotDeleted, "bot deleted")
		return nil, false
	}
	return bot, true
}

// PutToken stores a bot's Telegram token encrypted at rest (spec §6.1
// `PUT /api/admin/bots/<slug>/token`).
func (h *Handler) PutToken(c *gin.Context) {
	slug := c.Param("slug")
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		abortErr(c, gwerr.CodeMissingToken, "token is required")
		return
	}

	if err := h.store.UpsertBot(c.Request.Context(), slug, ""); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	encrypted, err := h.box.Encrypt(body.Token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err := h.store.SetBotToken(c.Request.Context(), slug, encrypted); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"token_masked":    tokenMask(body.Token),
		"token_updated_at": time.Now().UTC(),
	})
}

func tokenMask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// GetTokenStatus calls Telegram getMe to confirm a stored token is live
// (spec §6.1 `GET .../token/status`).
func (h *Handler) GetTokenStatus(c *gin.Context) {
	slug := c.Param("slug")
	bot, ok := h.loadBot(c, slug)
	if !ok {
		return
	}
	if bot.TokenEncrypted == "" {
		abortErr(c, gwerr.CodeBotTokenNotSet, "no token stored")
		return
	}
	token, err := h.box.Decrypt(bot.TokenEncrypted)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	me, err := h.tg.GetMe(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bot_id": me.ID, "username": me.Username})
}

// PutWarmupChat sets the tenant's warm-up chat for C3 prewarming (spec §6.1).
func (h *Handler) PutWarmupChat(c *gin.Context) {
	slug := c.Param("slug")
	var body struct {
		WarmupChatID int64 `json:"warmup_chat_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortErr(c, gwerr.CodeInvalidChatID, "warmup_chat_id is required")
		return
	}
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	if err := h.store.SetWarmupChat(c.Request.Context(), slug, body.WarmupChatID); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) botToken(c *gin.Context, bot *store.Bot) (string, bool) {
	if bot.TokenEncrypted == "" {
		abortErr(c, gwerr.CodeBotTokenNotSet, "no token stored")
		return "", false
	}
	token, err := h.box.Decrypt(bot.TokenEncrypted)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return "", false
	}
	return token, true
}

// PostWebhookSet registers this gateway's webhook URL with Telegram for
// the tenant (spec §6.1 `POST .../webhook/set`).
func (h *Handler) PostWebhookSet(c *gin.Context) {
	slug := c.Param("slug")
	bot, ok := h.loadBot(c, slug)
	if !ok {
		return
	}
	token, ok := h.botToken(c, bot)
	if !ok {
		return
	}
	url := fmt.Sprintf("%s/tg/%s/webhook", h.publicBaseURL, slug)
	if err := h.tg.SetWebhook(c.Request.Context(), token, url); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "url": url})
}

// PostWebhookDelete removes the tenant's webhook registration.
func (h *Handler) PostWebhookDelete(c *gin.Context) {
	slug := c.Param("slug")
	bot, ok := h.loadBot(c, slug)
	if !ok {
		return
	}
	token, ok := h.botToken(c, bot)
	if !ok {
		return
	}
	if err := h.tg.DeleteWebhook(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PostWebhookStatus reports Telegram's view of the tenant's webhook.
func (h *Handler) PostWebhookStatus(c *gin.Context) {
	slug := c.Param("slug")
	bot, ok := h.loadBot(c, slug)
	if !ok {
		return
	}
	token, ok := h.botToken(c, bot)
	if !ok {
		return
	}
	info, err := h.tg.GetWebhookInfo(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                   true,
		"url":                  info.URL,
		"pending_update_count": info.PendingUpdateCount,
		"last_error_date":      info.LastErrorDate,
		"last_error_message":   info.LastErrorMessage,
	})
}

// PostSendTest fires a one-off admin-initiated send through the same send
// pipeline real traffic uses, deduped per spec §3's `send-test` key
// (spec §6.1 `POST .../send-test`, spec §8 scenario 1).
func (h *Handler) PostSendTest(c *gin.Context) {
	slug := c.Param("slug")
	var body struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ChatID == 0 || body.Text == "" {
		abortErr(c, gwerr.CodeInvalidChatID, "chat_id and text are required")
		return
	}

	start := time.Now()
	now := start.UTC()
	sum := sha256.Sum256([]byte(body.Text))
	dedupeKey := fmt.Sprintf("test:%s:%d:%s:%s", slug, body.ChatID, hex.EncodeToString(sum[:])[:12], now.Truncate(time.Minute).Format(time.RFC3339))

	req := sendsvc.Request{
		RequestID: fmt.Sprintf("send-test-%d", now.UnixNano()),
		BotSlug:   slug,
		ChatID:    body.ChatID,
		Purpose:   "send-test",
		DedupeKey: dedupeKey,
		Priority:  sendqueue.PriorityStart,
		Text:      body.Text,
	}

	outcome, err := h.send.Send(c.Request.Context(), req)
	latMs := time.Since(start).Milliseconds()
	if err != nil {
		gerr, _ := err.(*gwerr.Error)
		resp := gin.H{"ok": false, "error": err.Error(), "lat_ms": latMs}
		if gerr != nil {
			resp["error"] = string(gerr.Code)
			resp["description"] = gerr.Message
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"message_id":      outcome.MessageID,
		"lat_ms":          latMs,
		"telegram_lat_ms": latMs,
		"dedupe_applied":  outcome.Deduped,
	})
}

// GetStartMessage returns the tenant's configured welcome message (spec §6.1).
func (h *Handler) GetStartMessage(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	sm, err := h.store.GetStartMessage(c.Request.Context(), slug)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                       true,
		"active":                   sm.Active,
		"text":                     sm.Text,
		"parse_mode":               sm.ParseMode,
		"disable_web_page_preview": sm.DisableWebPagePreview,
		"media_refs":               sm.MediaRefs,
	})
}

// PutStartMessage upserts the tenant's welcome message (spec §6.1, spec §8
// "round-trip" invariant: active/text/media_refs are returned unchanged).
func (h *Handler) PutStartMessage(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := h.loadBot(c, slug); !ok {
		return
	}
	var body struct {
		Active                bool              `json:"active"`
		Text                  string            `json:"text"`
		ParseMode             string            `json:"parse_mode"`
		DisableWebPagePreview bool              `json:"disable_web_page_preview"`
		MediaRefs             []store.MediaRef  `json:"media_refs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortErr(c, gwerr.CodeBadRequest, "invalid body")
		return
	}
	if len(body.MediaRefs) > 3 {
		abortErr(c, gwerr.CodeStartMediaRefsMax3, "at most 3 media refs allowed")
		return
	}
	if body.ParseMode == "" {
		body.ParseMode = "MarkdownV2"
	}

	sm := store.StartMessage{
		BotSlug:               slug,
		Active:                body.Active,
		Text:                  body.Text,
		ParseMode:             body.ParseMode,
		DisableWebPagePreview: body.DisableWebPagePreview,
		MediaRefs:             body.MediaRefs,
	}
	if err := h.store.PutStartMessage(c.Request.Context(), sm); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
