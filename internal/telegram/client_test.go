package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/basket/tgway/internal/gwerr"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	oldBase := apiBase
	apiBase = srv.URL
	t.Cleanup(func() { apiBase = oldBase })
	return New(nil)
}

func TestSendMessageSuccess(t *testing.T) {
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 99},
		})
	})

	res, err := c.SendMessage(context.Background(), "tok", 123, "hi", "MarkdownV2", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MessageID != 99 {
		t.Fatalf("expected message_id 99, got %d", res.MessageID)
	}
}

func TestSendMessageChatNotFound(t *testing.T) {
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"description": "Bad Request: chat not found",
		})
	})

	_, err := c.SendMessage(context.Background(), "tok", 123, "hi", "", false)
	if !errors.Is(err, gwerr.New(gwerr.CodeChatNotFound, "")) {
		t.Fatalf("expected CHAT_NOT_FOUND, got %v", err)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"description": "Too Many Requests: retry after 3",
			"parameters":  map[string]any{"retry_after": 3},
		})
	})

	_, err := c.SendMessage(context.Background(), "tok", 123, "hi", "", false)
	gerr, ok := err.(*gwerr.Error)
	if !ok {
		t.Fatalf("expected *gwerr.Error, got %T", err)
	}
	if gerr.Code != gwerr.CodeRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %s", gerr.Code)
	}
	if gerr.RetryAfter != 3000 {
		t.Fatalf("expected retry_after_ms=3000, got %d", gerr.RetryAfter)
	}
	if !gerr.Transient() {
		t.Fatal("expected rate limit error to be transient")
	}
}

func TestSendMessageServerError(t *testing.T) {
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.SendMessage(context.Background(), "tok", 123, "hi", "", false)
	if !errors.Is(err, gwerr.New(gwerr.CodeTelegramError, "")) {
		t.Fatalf("expected TELEGRAM_ERROR, got %v", err)
	}
	gerr, ok := err.(*gwerr.Error)
	if !ok || !gerr.Transient() {
		t.Fatal("expected 5xx to be transient")
	}
}

func TestSetAndDeleteWebhook(t *testing.T) {
	var gotMethod string
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
	})

	if err := c.SetWebhook(context.Background(), "tok", "https://gw.example.com/tg/acme/webhook"); err != nil {
		t.Fatalf("set webhook: %v", err)
	}
	if !strings.HasSuffix(gotMethod, "/setWebhook") {
		t.Fatalf("expected setWebhook call, got %s", gotMethod)
	}

	if err := c.DeleteWebhook(context.Background(), "tok"); err != nil {
		t.Fatalf("delete webhook: %v", err)
	}
	if !strings.HasSuffix(gotMethod, "/deleteWebhook") {
		t.Fatalf("expected deleteWebhook call, got %s", gotMethod)
	}
}

func TestGetMe(t *testing.T) {
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 42, "username": "acme_bot"},
		})
	})

	me, err := c.GetMe(context.Background(), "tok")
	if err != nil {
		t.Fatalf("get me: %v", err)
	}
	if me.Username != "acme_bot" {
		t.Fatalf("expected username acme_bot, got %s", me.Username)
	}
}

func TestClassifyDescriptionPermanentCodes(t *testing.T) {
	cases := []struct {
		desc string
		want gwerr.Code
	}{
		{"Bad Request: chat not found", gwerr.CodeChatNotFound},
		{"Forbidden: bot was blocked by the user", gwerr.CodeBotBlockedByUser},
		{"Forbidden: user is deactivated", gwerr.CodeUserDeactivated},
		{"Forbidden: something else", gwerr.CodeForbidden},
		{"totally unknown telegram message", gwerr.CodeTelegramError},
	}
	for _, tc := range cases {
		got := classifyDescription(tc.desc)
		if got != tc.want {
			t.Errorf("classifyDescription(%q) = %s, want %s", tc.desc, got, tc.want)
		}
	}
}

func TestSendMultipartUploadsFile(t *testing.T) {
	var gotContentType string
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 7},
		})
	})

	res, err := c.UploadPhoto(context.Background(), "tok", 123, "photo.jpg", strings.NewReader("fakebytes"))
	if err != nil {
		t.Fatalf("upload photo: %v", err)
	}
	if res.MessageID != 7 {
		t.Fatalf("expected message_id 7, got %d", res.MessageID)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Fatalf("expected multipart content type, got %s", gotContentType)
	}
}

func TestSendEncodesFormParams(t *testing.T) {
	var gotBody string
	c := withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotBody = string(body)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
	})

	form := url.Values{}
	form.Set("chat_id", "1")
	_, err := c.Send(context.Background(), "tok", "sendMessage", form)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(gotBody, "chat_id=1") {
		t.Fatalf("expected encoded form body, got %q", gotBody)
	}
}
