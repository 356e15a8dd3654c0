package media_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"

	"github.com/basket/tgway/internal/blobstore/memblob"
	"github.com/basket/tgway/internal/media"
	"github.com/basket/tgway/internal/store"
)

func TestObjectKeyLayout(t *testing.T) {
	got := media.ObjectKey("acme", media.KindPhoto, "deadbeef")
	want := "acme/photo/deadbeef"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

// TestSaveMediaRoundTrip exercises the full save+fetch path against a live
// Postgres instance named by TEST_DATABASE_URL, mirroring internal/store's
// own gated integration tests — SaveMedia's store.InsertMediaStore call
// can't be faked without a real *store.Store.
func TestSaveMediaRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping media integration test")
	}
	ctx := context.Background()
	s, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.UpsertBot(ctx, "mediabot", ""); err != nil {
		t.Fatalf("upsert bot: %v", err)
	}

	blobs := memblob.New()
	svc := media.New(s, blobs)

	data := []byte("fake jpeg bytes")
	saved, err := svc.SaveMedia(ctx, "mediabot", media.KindPhoto, "image/jpeg", data)
	if err != nil {
		t.Fatalf("save media: %v", err)
	}

	sum := sha256.Sum256(data)
	wantSHA := hex.EncodeToString(sum[:])
	if saved.SHA256 != wantSHA {
		t.Fatalf("expected sha256 %s, got %s", wantSHA, saved.SHA256)
	}

	row, err := svc.GetCachedFileID(ctx, "mediabot", saved.SHA256, media.KindPhoto)
	if err != nil {
		t.Fatalf("get cached file id: %v", err)
	}
	if row.Status != store.MediaCacheWarming {
		t.Fatalf("expected warming status right after save, got %s", row.Status)
	}

	blob, err := svc.FetchBlob(ctx, saved.R2Key)
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	defer blob.Close()
	gotBytes, err := io.ReadAll(blob)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(gotBytes) != string(data) {
		t.Fatalf("blob content mismatch")
	}
}
