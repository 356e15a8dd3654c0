// Package media implements C2: save_media and get_cached_file_id on top of
// internal/store's media rows and internal/blobstore's opaque blob
// storage (spec §4.2). The package owns the SHA-256 keying scheme and the
// bot-scoped object key layout; it has no Telegram dependency of its own —
// that belongs to C3.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/basket/tgway/internal/blobstore"
	"github.com/basket/tgway/internal/store"
)

// Kind enumerates the three supported media kinds (spec §3 MediaStore.kind).
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Service orchestrates C2's two operations.
type Service struct {
	store *store.Store
	blobs blobstore.Store
}

func New(s *store.Store, blobs blobstore.Store) *Service {
	return &Service{store: s, blobs: blobs}
}

// Saved is the outcome of SaveMedia (spec §4.2 `{sha256, r2_key}`).
type Saved struct {
	SHA256 string
	R2Key  string
}

// ObjectKey derives the bot-scoped object storage key for a piece of media
// (spec §4.2 "a key derived from the hash"), kept separate from SaveMedia
// so the layout is independently testable without a blob backend.
func ObjectKey(botSlug string, kind Kind, sha256hex string) string {
	return fmt.Sprintf("%s/%s/%s", botSlug, kind, sha256hex)
}

// SaveMedia hashes body, uploads it to object storage under a bot-scoped
// key, and records both the immutable MediaStore row and a `warming`
// MediaCache row (spec §4.2 "hash the blob; compute its SHA-256 ...
// upload the blob to object storage under a key derived from the hash;
// insert immutable MediaStore and cache rows").
//
// body must be fully buffered by the caller first since the hash pass and
// the upload pass both need to read it; SaveMedia takes the bytes rather
// than a streaming reader to keep that contract explicit.
func (s *Service) SaveMedia(ctx context.Context, botSlug string, kind Kind, mime string, data []byte) (*Saved, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	key := ObjectKey(botSlug, kind, sha)

	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mime); err != nil {
		return nil, fmt.Errorf("upload media blob: %w", err)
	}

	if err := s.store.InsertMediaStore(ctx, botSlug, sha, string(kind), key, int64(len(data)), mime); err != nil {
		return nil, fmt.Errorf("record media store row: %w", err)
	}

	return &Saved{SHA256: sha, R2Key: key}, nil
}

// GetCachedFileID is the read path behind send-time media resolution
// (spec §4.2, consumed by C4 step 4): returns the cache row whatever its
// status, and store.ErrNotFound if no row exists at all. Callers use
// FileID only when Status is store.MediaCacheReady; a row still warming
// from its first insert has an empty FileID.
func (s *Service) GetCachedFileID(ctx context.Context, botSlug, sha256hex string, kind Kind) (*store.MediaCacheRow, error) {
	return s.store.GetCachedFileID(ctx, botSlug, sha256hex, string(kind))
}

// FetchBlob reads the raw blob back from object storage, used by C3 when
// uploading to Telegram and by C4's in-band fallback (spec §4.4 step 4).
func (s *Service) FetchBlob(ctx context.Context, r2Key string) (io.ReadCloser, error) {
	return s.blobs.Get(ctx, r2Key)
}
