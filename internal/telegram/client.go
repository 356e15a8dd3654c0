// Package telegram implements C1: one shared HTTPS client with keep-alive,
// wrapping sendMessage/sendPhoto/sendVideo/sendAudio/setWebhook/
// deleteWebhook/getWebhookInfo/getMe and mapping every response onto the
// closed error taxonomy in spec §4.1. Grounded on the shared-client,
// per-call-token-interpolation shape of hustshawn-agentic-tenancy's
// internal/telegram/webhook.go, extended with the additional methods and
// the tgbotapi.APIResponse envelope for parsing.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tgway/internal/gwerr"
	"github.com/basket/tgway/internal/redact"
)

// apiBase is a var rather than a const so whitebox tests can redirect it
// at an httptest server.
var apiBase = "https://api.telegram.org"

// Client is the one process-wide Telegram HTTP client, reused across
// tenants (spec §4.1 "Keep-alive connection pool is reused across
// tenants").
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// New builds a Client with a tuned transport for high fan-out across many
// tenants' per-call token URLs.
func New(logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Transport: transport},
		logger: logger,
	}
}

// NewForTest builds a Client pointed at a local test server instead of
// api.telegram.org, for other packages' integration tests (spec's own
// whitebox tests in client_test.go redirect apiBase directly instead).
func NewForTest(baseURL string) *Client {
	apiBase = baseURL
	return New(nil)
}

// Result is the successful outcome of a Send call (spec §4.1 `{ok, message_id, result}`).
type Result struct {
	MessageID int64
	Raw       json.RawMessage
}

// descriptionCodes maps Telegram `description` substrings to permanent
// codes (spec §4.1 "table-driven; unknown descriptions fall back to
// TELEGRAM_ERROR"), matched case-insensitively.
var descriptionCodes = []struct {
	substr string
	code   gwerr.Code
}{
	{"chat not found", gwerr.CodeChatNotFound},
	{"bot was blocked by the user", gwerr.CodeBotBlockedByUser},
	{"user is deactivated", gwerr.CodeUserDeactivated},
	{"forbidden", gwerr.CodeForbidden},
	{"bad request", gwerr.CodeBadRequest},
	{"wrong file identifier", gwerr.CodeMediaInvalid},
	{"wrong type of the web page content", gwerr.CodeMediaInvalid},
	{"invalid file", gwerr.CodeMediaInvalid},
}

func classifyDescription(desc string) gwerr.Code {
	lower := strings.ToLower(desc)
	for _, entry := range descriptionCodes {
		if strings.Contains(lower, entry.substr) {
			return entry.code
		}
	}
	return gwerr.CodeTelegramError
}

// Send calls method with the given token and form params, returning Result
// on success or a *gwerr.Error classified per spec §4.1: HTTP 429 maps to
// RATE_LIMIT_EXCEEDED (transient, RetryAfter populated); HTTP 5xx and
// network errors map to TELEGRAM_ERROR (transient); Telegram's own `ok:
// false` responses are classified via the description table.
//
// token is never logged: any error wrapping the request URL passes it
// through redact.Redact first.
func (c *Client) Send(ctx context.Context, token, method string, params url.Values) (*Result, error) {
	apiURL := fmt.Sprintf("%s/bot%s/%s", apiBase, token, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "build request: %s", redact.Redact(err.Error()))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(ctx, req)
}

// SendMultipart calls method with a multipart/form-data body, used for
// in-band media uploads (spec §4.4 step 4 fallback).
func (c *Client) SendMultipart(ctx context.Context, token, method string, fields map[string]string, fileField, fileName string, fileBody io.Reader) (*Result, error) {
	apiURL := fmt.Sprintf("%s/bot%s/%s", apiBase, token, method)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, gwerr.Newf(gwerr.CodeTelegramError, "write field %s: %v", k, err)
		}
	}
	part, err := writer.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "create form file: %v", err)
	}
	if _, err := io.Copy(part, fileBody); err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "copy file body: %v", err)
	}
	if err := writer.Close(); err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "close multipart writer: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, &buf)
	if err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "build request: %s", redact.Redact(err.Error()))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) (*Result, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "request failed: %s", redact.Redact(err.Error()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "read response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var apiResp tgbotapi.APIResponse
		retryAfterMs := 1000
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			retryAfterMs = apiResp.Parameters.RetryAfter * 1000
		}
		return nil, &gwerr.Error{Code: gwerr.CodeRateLimitExceeded, Message: apiResp.Description, RetryAfter: retryAfterMs}
	}

	if resp.StatusCode >= 500 {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "telegram http %d", resp.StatusCode)
	}

	var apiResp tgbotapi.APIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "decode response: %v", err)
	}

	if !apiResp.Ok {
		return nil, gwerr.New(classifyDescription(apiResp.Description), apiResp.Description)
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	_ = json.Unmarshal(apiResp.Result, &msg)

	return &Result{MessageID: msg.MessageID, Raw: apiResp.Result}, nil
}

// SendMessage implements spec §4.1 `sendMessage`.
func (c *Client) SendMessage(ctx context.Context, token string, chatID int64, text, parseMode string, disablePreview bool) (*Result, error) {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)
	if parseMode != "" {
		form.Set("parse_mode", parseMode)
	}
	if disablePreview {
		form.Set("disable_web_page_preview", "true")
	}
	return c.Send(ctx, token, "sendMessage", form)
}

// sendMediaByFileID handles sendPhoto/sendVideo/sendAudio when a file_id
// is already known (spec §4.4 step 4, the common case).
func (c *Client) sendMediaByFileID(ctx context.Context, token, method, mediaField string, chatID int64, fileID, caption, parseMode string) (*Result, error) {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set(mediaField, fileID)
	if caption != "" {
		form.Set("caption", caption)
	}
	if parseMode != "" {
		form.Set("parse_mode", parseMode)
	}
	return c.Send(ctx, token, method, form)
}

// SendPhoto implements spec §4.1 `sendPhoto`.
func (c *Client) SendPhoto(ctx context.Context, token string, chatID int64, fileID, caption, parseMode string) (*Result, error) {
	return c.sendMediaByFileID(ctx, token, "sendPhoto", "photo", chatID, fileID, caption, parseMode)
}

// SendVideo implements spec §4.1 `sendVideo`.
func (c *Client) SendVideo(ctx context.Context, token string, chatID int64, fileID, caption, parseMode string) (*Result, error) {
	return c.sendMediaByFileID(ctx, token, "sendVideo", "video", chatID, fileID, caption, parseMode)
}

// SendAudio implements spec §4.1 `sendAudio`.
func (c *Client) SendAudio(ctx context.Context, token string, chatID int64, fileID, caption, parseMode string) (*Result, error) {
	return c.sendMediaByFileID(ctx, token, "sendAudio", "audio", chatID, fileID, caption, parseMode)
}

// UploadPhoto/UploadVideo/UploadAudio send raw bytes in-band, used by the
// prewarm worker (spec §4.3 step 2) and by C4's cache-miss fallback (spec
// §4.4 step 4). method/mediaField select which Telegram endpoint to call.
func (c *Client) uploadMedia(ctx context.Context, token, method, mediaField string, chatID int64, fileName string, body io.Reader) (*Result, error) {
	fields := map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}
	return c.SendMultipart(ctx, token, method, fields, mediaField, fileName, body)
}

func (c *Client) UploadPhoto(ctx context.Context, token string, chatID int64, fileName string, body io.Reader) (*Result, error) {
	return c.uploadMedia(ctx, token, "sendPhoto", "photo", chatID, fileName, body)
}

func (c *Client) UploadVideo(ctx context.Context, token string, chatID int64, fileName string, body io.Reader) (*Result, error) {
	return c.uploadMedia(ctx, token, "sendVideo", "video", chatID, fileName, body)
}

func (c *Client) UploadAudio(ctx context.Context, token string, chatID int64, fileName string, body io.Reader) (*Result, error) {
	return c.uploadMedia(ctx, token, "sendAudio", "audio", chatID, fileName, body)
}

// SetWebhook implements spec §4.1 `setWebhook`.
func (c *Client) SetWebhook(ctx context.Context, token, webhookURL string) error {
	form := url.Values{}
	form.Set("url", webhookURL)
	_, err := c.Send(ctx, token, "setWebhook", form)
	return err
}

// DeleteWebhook implements spec §4.1 `deleteWebhook`.
func (c *Client) DeleteWebhook(ctx context.Context, token string) error {
	_, err := c.Send(ctx, token, "deleteWebhook", url.Values{})
	return err
}

// WebhookInfo is the result of spec §4.1 `getWebhookInfo`.
type WebhookInfo struct {
	URL                  string `json:"url"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
}

// GetWebhookInfo implements spec §4.1 `getWebhookInfo`.
func (c *Client) GetWebhookInfo(ctx context.Context, token string) (*WebhookInfo, error) {
	res, err := c.Send(ctx, token, "getWebhookInfo", url.Values{})
	if err != nil {
		return nil, err
	}
	var info WebhookInfo
	if err := json.Unmarshal(res.Raw, &info); err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "decode webhook info: %v", err)
	}
	return &info, nil
}

// Me is the result of spec §4.1 `getMe`.
type Me struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// GetMe implements spec §4.1 `getMe`, used by the admin token-status check
// (spec §6.1 GET .../token/status).
func (c *Client) GetMe(ctx context.Context, token string) (*Me, error) {
	res, err := c.Send(ctx, token, "getMe", url.Values{})
	if err != nil {
		return nil, err
	}
	var me Me
	if err := json.Unmarshal(res.Raw, &me); err != nil {
		return nil, gwerr.Newf(gwerr.CodeTelegramError, "decode getMe: %v", err)
	}
	return &me, nil
}
