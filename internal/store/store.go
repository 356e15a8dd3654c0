// Package store is tgway's Postgres persistence layer: one Store struct
// holding *sql.DB, one migration runner, and plain methods per operation —
// the shape of the teacher's internal/persistence.Store, retargeted from
// SQLite to Postgres (queue draining uses FOR UPDATE SKIP LOCKED instead
// of lease polling; retrySerialization replaces retryOnBusy).
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"database/sql"

	"github.com/lib/pq"
)

type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn, applies pending migrations, and sizes
// the connection pool for a send-pipeline workload (many short writes).
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retrySerialization retries f when Postgres reports a serialization
// failure (40001) or deadlock (40P01), the two SQLSTATE codes the
// FOR UPDATE SKIP LOCKED queue drainers can race into under concurrent
// worker replicas. Mirrors the teacher's retryOnBusy shape (exponential
// backoff with jitter, bounded retries) against a different trigger.
func retrySerialization(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 300 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")
