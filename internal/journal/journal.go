// Package journal persists notable scheduler events (faults, self-cancellations,
// slow tasks, skipped triggers, slow frames) so they survive restarts.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "framesched/pkg/logx"
)

var ErrClosed = errors.New("journal: closed")

// Config configures the journal.
//
// Driver values:
//   - "file": append-only JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds the sqlite table; 0 uses 10000 rows.
	Retain int
}

// Entry is one journaled event. Keep it compact and schema-stable.
type Entry struct {
	At      time.Time `json:"at"`
	Session string    `json:"session"`
	Kind    string    `json:"kind"`
	TaskID  int64     `json:"task_id,omitempty"`
	Name    string    `json:"name,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Async   bool      `json:"async,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
	Frame   uint64    `json:"frame,omitempty"`
	Error   string    `json:"error,omitempty"`
	Panic   bool      `json:"panic,omitempty"`
}

// Store is the persistence API used by the Recorder.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n entries, oldest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "journal"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("journal: unknown driver: " + driver)
	}
}
