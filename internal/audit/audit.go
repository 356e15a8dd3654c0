// Package audit keeps a durable, append-only trail of admin-API mutations
// (token rotation, webhook changes, shot lifecycle transitions): Record
// appends one entry to a JSONL file and, once SetDB has been called, to
// the `audit_log` Postgres table. The admin API handlers do not call Record.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/tgway/internal/redact"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"` // "ok" or "error"
	Action    string `json:"action"`   // e.g. "bot.token.update", "shot.start"
	Reason    string `json:"reason"`
	Actor     string `json:"actor"`
	Subject   string `json:"subject,omitempty"` // e.g. tenant slug
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	errorCount atomic.Int64
)

// Init opens (creating if needed) <homeDir>/logs/audit.jsonl for append.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database connection used for the persisted
// audit_log table, mirroring every JSONL entry into Postgres.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the number of "error" decisions recorded since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record appends one audit entry. decision is "ok" or "error"; action
// names the admin operation; subject is typically a tenant slug. reason
// and subject are redacted before persistence since callers may pass
// error strings that echo request bodies.
func Record(decision, action, reason, actor, subject string) {
	if decision == "error" {
		errorCount.Add(1)
	}

	reason = redact.Redact(reason)
	subject = redact.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Actor:     actor,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (actor, action, decision, reason, subject, created_at)
			VALUES ($1, $2, $3, $4, $5, now());
		`, actor, action, decision, reason, subject)
	}
}
