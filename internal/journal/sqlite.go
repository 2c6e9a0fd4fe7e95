package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "framesched/pkg/logx"

	_ "modernc.org/sqlite"
)

const (
	defaultRetain     = 10000
	defaultBusyTimeout = 5 * time.Second
	pruneEvery        = 500
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	at       TEXT    NOT NULL,
	session  TEXT    NOT NULL,
	kind     TEXT    NOT NULL,
	task_id  INTEGER NOT NULL DEFAULT 0,
	name     TEXT,
	stage    TEXT,
	async    INTEGER NOT NULL DEFAULT 0,
	took_ms  INTEGER NOT NULL DEFAULT 0,
	frame    INTEGER NOT NULL DEFAULT 0,
	err      TEXT,
	panic    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS journal_kind ON journal(kind);
CREATE INDEX IF NOT EXISTS journal_session ON journal(session);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retain  int
	opCount atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("journal.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	retain := cfg.Retain
	if retain <= 0 {
		retain = defaultRetain
	}
	return &sqliteStore{db: db, log: log, retain: retain}, nil
}

func (s *sqliteStore) Append(ctx context.Context, e Entry) error {
	if s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal(at, session, kind, task_id, name, stage, async, took_ms, frame, err, panic)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Session, e.Kind, e.TaskID, nullStr(e.Name), nullStr(e.Stage),
		e.Async, e.TookMS, int64(e.Frame), nullStr(e.Error), e.Panic,
	)
	if err == nil && s.opCount.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM journal WHERE seq <= (SELECT MAX(seq) FROM journal) - ?`, s.retain)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, session, kind, task_id, COALESCE(name,''), COALESCE(stage,''), async, took_ms, frame, COALESCE(err,''), panic
		 FROM (SELECT * FROM journal ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			at    string
			frame int64
		)
		if err := rows.Scan(&at, &e.Session, &e.Kind, &e.TaskID, &e.Name, &e.Stage, &e.Async, &e.TookMS, &frame, &e.Error, &e.Panic); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Frame = uint64(frame)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
