package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwickett/ratchet/thread"
)

// SQLiteStore is a local SQLite-backed Store. Rows are append-only: every
// Save inserts a new row, so the full revision history per (thread, step) is
// retained for audit and rollback.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  step INTEGER NOT NULL,
  state TEXT NOT NULL,
  messages_json TEXT NOT NULL,
  pending_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_step ON checkpoints(thread_id, step, id);
`

// OpenSQLite opens (creating if needed) a checkpoint database at path.
// WAL keeps reads from blocking the single writer.
func OpenSQLite(path string) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("checkpoint: missing db path")
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts a new snapshot row. The insert is committed before Save
// returns, so the snapshot is immediately visible to Load.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.ThreadID == "" {
		return errors.New("checkpoint: snapshot has no thread id")
	}
	messagesJSON, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("checkpoint: encode messages: %w", err)
	}
	pendingJSON, err := json.Marshal(snap.PendingToolCalls)
	if err != nil {
		return fmt.Errorf("checkpoint: encode pending calls: %w", err)
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints(thread_id, step, state, messages_json, pending_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, snap.ThreadID, snap.Step, snap.State, string(messagesJSON), string(pendingJSON), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: save thread %s step %d: %w", snap.ThreadID, snap.Step, err)
	}
	return nil
}

// Load returns the latest snapshot for a thread: the highest step, and among
// revisions of that step the most recently written row.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (Snapshot, error) {
	return s.queryOne(ctx, `
SELECT thread_id, step, state, messages_json, pending_json, created_at_unix_ms
FROM checkpoints
WHERE thread_id = ?
ORDER BY step DESC, id DESC
LIMIT 1
`, threadID)
}

// LoadStep returns the latest revision of a specific step.
func (s *SQLiteStore) LoadStep(ctx context.Context, threadID string, step int) (Snapshot, error) {
	return s.queryOne(ctx, `
SELECT thread_id, step, state, messages_json, pending_json, created_at_unix_ms
FROM checkpoints
WHERE thread_id = ? AND step = ?
ORDER BY id DESC
LIMIT 1
`, threadID, step)
}

// Steps returns the distinct step numbers recorded for a thread, ascending.
func (s *SQLiteStore) Steps(ctx context.Context, threadID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT step FROM checkpoints WHERE thread_id = ? ORDER BY step ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []int
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (Snapshot, error) {
	var (
		snap         Snapshot
		messagesJSON string
		pendingJSON  string
		createdAtMs  int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.ThreadID, &snap.Step, &snap.State, &messagesJSON, &pendingJSON, &createdAtMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &snap.Messages); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: decode messages: %w", err)
	}
	if pendingJSON != "" && pendingJSON != "null" {
		var pending []thread.ToolCallRequest
		if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
			return Snapshot{}, fmt.Errorf("checkpoint: decode pending calls: %w", err)
		}
		snap.PendingToolCalls = pending
	}
	snap.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	return snap, nil
}
