package gwerr_test

import (
	"errors"
	"testing"

	"github.com/basket/tgway/internal/gwerr"
)

func TestErrorMessageIncludesCode(t *testing.T) {
	err := gwerr.New(gwerr.CodeChatNotFound, "chat 123 not found")
	if got := err.Error(); got != "CHAT_NOT_FOUND: chat 123 not found" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestErrorMessageOmittedWhenEmpty(t *testing.T) {
	err := gwerr.New(gwerr.CodeQueueFull, "")
	if got := err.Error(); got != "QUEUE_FULL" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestIsMatchesByCodeOnly(t *testing.T) {
	err := gwerr.Newf(gwerr.CodeRateLimitExceeded, "retry in %dms", 500)
	sentinel := gwerr.New(gwerr.CodeRateLimitExceeded, "")
	if !errors.Is(err, sentinel) {
		t.Fatal("expected errors.Is to match by code")
	}

	other := gwerr.New(gwerr.CodeBadRequest, "")
	if errors.Is(err, other) {
		t.Fatal("expected errors.Is to not match different codes")
	}
}

func TestTransientClassification(t *testing.T) {
	cases := map[gwerr.Code]bool{
		gwerr.CodeRateLimitExceeded: true,
		gwerr.CodeTelegramError:     true,
		gwerr.CodeDuplicateInFlight: true,
		gwerr.CodeDatabaseNotAvail:  true,
		gwerr.CodeChatNotFound:      false,
		gwerr.CodeBotBlockedByUser:  false,
		gwerr.CodeBadRequest:        false,
	}
	for code, wantTransient := range cases {
		err := gwerr.New(code, "")
		if got := err.Transient(); got != wantTransient {
			t.Errorf("code %s: expected transient=%v, got %v", code, wantTransient, got)
		}
	}
}
