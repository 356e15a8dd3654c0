package sendsvc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/basket/tgway/internal/blobstore/memblob"
	"github.com/basket/tgway/internal/crypto"
	"github.com/basket/tgway/internal/media"
	"github.com/basket/tgway/internal/sendqueue"
	"github.com/basket/tgway/internal/sendsvc"
	"github.com/basket/tgway/internal/store"
	"github.com/basket/tgway/internal/telegram"
)

func TestEscapeMarkdownV2(t *testing.T) {
	got := sendsvc.EscapeMarkdownV2("Hello_world! (50% off)")
	want := "Hello\\_world\\! \\(50% off\\)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

// TestSendDedupesAndFinalizes exercises C4's full happy path against a
// real Postgres instance (TEST_DATABASE_URL) and a fake Telegram endpoint,
// mirroring the gated-integration-test split already used by
// internal/store and internal/media.
func TestSendDedupesAndFinalizes(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping sendsvc integration test")
	}
	ctx := context.Background()
	st, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	box, err := crypto.NewBox(testKey)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	ciphertext, err := box.Encrypt("fake-bot-token")
	if err != nil {
		t.Fatalf("encrypt token: %v", err)
	}

	if err := st.UpsertBot(ctx, "sendbot", ""); err != nil {
		t.Fatalf("upsert bot: %v", err)
	}
	if err := st.SetBotToken(ctx, "sendbot", ciphertext); err != nil {
		t.Fatalf("set bot token: %v", err)
	}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 555},
		})
	}))
	defer srv.Close()

	tg := telegram.NewForTest(srv.URL)
	mediaSvc := media.New(st, memblob.New())
	queue := sendqueue.New()
	t.Cleanup(queue.Stop)
	svc := sendsvc.New(st, mediaSvc, tg, queue, box, nil)

	req := sendsvc.Request{
		RequestID: "req-1",
		BotSlug:   "sendbot",
		ChatID:    123,
		Purpose:   "start",
		DedupeKey: fmt.Sprintf("start:sendbot:123:%s", "session-1"),
		Priority:  sendqueue.PriorityStart,
		Text:      "Welcome!",
		ParseMode: "MarkdownV2",
	}

	out, err := svc.Send(ctx, req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.MessageID != 555 {
		t.Fatalf("expected message_id 555, got %d", out.MessageID)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 telegram call, got %d", calls)
	}

	// Second call with the same dedupe key must not hit Telegram again.
	out2, err := svc.Send(ctx, req)
	if err != nil {
		t.Fatalf("deduped send: %v", err)
	}
	if !out2.Deduped || out2.MessageID != 555 {
		t.Fatalf("expected deduped outcome with cached message_id, got %+v", out2)
	}
	if calls != 1 {
		t.Fatalf("expected dedupe to skip a second telegram call, got %d calls", calls)
	}
}
