// Package memblob is an in-memory blobstore.Store used by tests for C2/C3
// so they don't need a live S3-compatible endpoint.
package memblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = buf
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}
