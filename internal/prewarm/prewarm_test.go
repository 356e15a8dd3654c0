package prewarm

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBackoffForAttemptDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, backoffCap},
	}
	for _, tc := range cases {
		got := backoffForAttempt(tc.attempts)
		if got != tc.want {
			t.Errorf("backoffForAttempt(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestExtractFileIDPhotoPicksLargest(t *testing.T) {
	raw := json.RawMessage(`{"photo":[{"file_id":"small"},{"file_id":"large"}]}`)
	got, err := extractFileID(raw, "photo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "large" {
		t.Fatalf("expected largest photo size file_id, got %s", got)
	}
}

func TestExtractFileIDVideo(t *testing.T) {
	raw := json.RawMessage(`{"video":{"file_id":"vid123"}}`)
	got, err := extractFileID(raw, "video")
	if err != nil || got != "vid123" {
		t.Fatalf("expected vid123, got %s err=%v", got, err)
	}
}

func TestExtractFileIDMissingReturnsError(t *testing.T) {
	raw := json.RawMessage(`{}`)
	if _, err := extractFileID(raw, "audio"); err == nil {
		t.Fatal("expected error for missing audio field")
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{"photo": "jpg", "video": "mp4", "audio": "mp3", "weird": "bin"}
	for kind, want := range cases {
		if got := extensionFor(kind); got != want {
			t.Errorf("extensionFor(%s) = %s, want %s", kind, got, want)
		}
	}
}
