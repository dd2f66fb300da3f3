// Package persistence is the SQLite-backed record of conversations:
// sessions, their turns, and the latest analysis snapshot per analyzer.
// Writes are best-effort from the runtime's point of view — a failed
// write is logged by the caller and never blocks the conversation.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Session is one conversation, keyed by the transport's session id.
type Session struct {
	ID        string     `json:"id"`
	Caller    string     `json:"caller"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TurnRecord is one stored conversation turn. Interrupted marks an
// assistant turn whose streaming was aborted mid-way; the content holds
// whatever was emitted before the abort.
type TurnRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Interrupted bool      `json:"interrupted"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnalysisSnapshot is the latest merged state for one analyzer kind and
// session, stored as JSON.
type AnalysisSnapshot struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	caller     TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP
);
CREATE TABLE IF NOT EXISTS turns (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	interrupted INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
CREATE TABLE IF NOT EXISTS analysis_snapshots (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, kind)
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Destroy implements the service registry teardown hook.
func (s *Store) Destroy(context.Context) error { return s.Close() }

// CreateSession inserts a session row. Creating an existing id is a
// no-op so transports can re-announce a session safely.
func (s *Store) CreateSession(ctx context.Context, id, caller string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, caller, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, caller, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// EndSession stamps a session's end time.
func (s *Store) EndSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, caller, started_at, ended_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Caller, &sess.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	return sess, nil
}

// AppendTurn inserts a turn. An empty ID gets a fresh UUID so callers
// never collide on the primary key.
func (s *Store) AppendTurn(ctx context.Context, turn TurnRecord) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, role, content, interrupted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.Role, turn.Content, turn.Interrupted, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Turns returns a session's turns in order.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, interrupted, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var t TurnRecord
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Interrupted, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// SaveAnalysis upserts the latest merged state for one analyzer kind.
// state must marshal to JSON.
func (s *Store) SaveAnalysis(ctx context.Context, sessionID, kind string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal analysis state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_snapshots (session_id, kind, state, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, kind) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sessionID, kind, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// Analysis fetches the latest snapshot for one analyzer kind.
func (s *Store) Analysis(ctx context.Context, sessionID, kind string) (AnalysisSnapshot, error) {
	var snap AnalysisSnapshot
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, kind, state, updated_at FROM analysis_snapshots
		 WHERE session_id = ? AND kind = ?`, sessionID, kind).
		Scan(&snap.SessionID, &snap.Kind, &state, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisSnapshot{}, fmt.Errorf("analysis %s/%s: %w", sessionID, kind, ErrNotFound)
	}
	if err != nil {
		return AnalysisSnapshot{}, fmt.Errorf("get analysis: %w", err)
	}
	snap.State = json.RawMessage(state)
	return snap, nil
}

// PruneSessions deletes sessions that ended before the cutoff, cascading
// to their turns and snapshots. Returns the number of sessions removed.
func (s *Store) PruneSessions(ctx context.Context, endedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, endedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}
