// Package checkpoint persists turns and context snapshots to SQLite so
// threads survive process restarts.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/coppicelabs/relay"
)

// SQLiteStore implements relay.Store using modernc.org/sqlite (pure Go).
// Writes for a given thread are linearized behind a per-thread lock.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable wal")
	}

	s := &SQLiteStore{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		turn_id     TEXT NOT NULL UNIQUE,
		thread_id   TEXT NOT NULL,
		user_msg    TEXT NOT NULL,
		routing     TEXT NOT NULL DEFAULT '',
		tool_calls  TEXT NOT NULL DEFAULT '[]',
		final_msg   TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		started_at  DATETIME NOT NULL,
		ended_at    DATETIME
	);

	CREATE TABLE IF NOT EXISTS context_snapshots (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id    TEXT NOT NULL,
		summary      TEXT NOT NULL,
		entities     TEXT NOT NULL DEFAULT '{}',
		from_turn    INTEGER NOT NULL,
		to_turn      INTEGER NOT NULL,
		generated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_thread ON context_snapshots(thread_id);
	`
	_, err := s.db.Exec(schema)
	return errors.Wrap(err, "create schema")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// threadLock returns the write lock for a thread id.
func (s *SQLiteStore) threadLock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[threadID] = l
	}
	return l
}

// SaveTurn upserts a turn record keyed by turn id.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *relay.Turn) error {
	l := s.threadLock(turn.ThreadID)
	l.Lock()
	defer l.Unlock()

	routing := ""
	if turn.Routing != nil {
		data, err := json.Marshal(turn.Routing)
		if err != nil {
			return errors.Wrap(err, "marshal routing")
		}
		routing = string(data)
	}
	toolCalls, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return errors.Wrap(err, "marshal tool calls")
	}

	var endedAt any
	if !turn.EndedAt.IsZero() {
		endedAt = turn.EndedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (turn_id, thread_id, user_msg, routing, tool_calls, final_msg, status, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET
		   routing = excluded.routing,
		   tool_calls = excluded.tool_calls,
		   final_msg = excluded.final_msg,
		   status = excluded.status,
		   error = excluded.error,
		   ended_at = excluded.ended_at`,
		turn.ID, turn.ThreadID, turn.UserMsg, routing, string(toolCalls),
		turn.FinalMsg, string(turn.Status), turn.Error, turn.StartedAt, endedAt,
	)
	return errors.Wrap(err, "save turn")
}

// SaveContext appends the latest context snapshot for a thread.
func (s *SQLiteStore) SaveContext(ctx context.Context, threadID string, cc *relay.CompressedContext) error {
	l := s.threadLock(threadID)
	l.Lock()
	defer l.Unlock()

	entities, err := json.Marshal(cc.Entities)
	if err != nil {
		return errors.Wrap(err, "marshal entities")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_snapshots (thread_id, summary, entities, from_turn, to_turn, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, cc.Summary, string(entities), cc.FromTurn, cc.ToTurn, cc.GeneratedAt,
	)
	return errors.Wrap(err, "save context")
}

// LoadThread reconstructs a thread from its persisted turns, oldest first,
// plus the latest context snapshot. An unknown id yields an empty thread.
func (s *SQLiteStore) LoadThread(ctx context.Context, threadID string) (*relay.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, user_msg, routing, tool_calls, final_msg, status, error, started_at, ended_at
		 FROM turns WHERE thread_id = ? ORDER BY id ASC`, threadID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query turns")
	}
	defer rows.Close()

	thread := &relay.Thread{ID: threadID}
	for rows.Next() {
		turn := &relay.Turn{ThreadID: threadID}
		var routing, toolCalls, status string
		var endedAt sql.NullTime
		if err := rows.Scan(
			&turn.ID, &turn.UserMsg, &routing, &toolCalls, &turn.FinalMsg,
			&status, &turn.Error, &turn.StartedAt, &endedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		turn.Status = relay.TurnStatus(status)
		if endedAt.Valid {
			turn.EndedAt = endedAt.Time
		}
		if routing != "" {
			var d relay.Decision
			if err := json.Unmarshal([]byte(routing), &d); err != nil {
				return nil, errors.Wrap(err, "unmarshal routing")
			}
			turn.Routing = &d
		}
		if err := json.Unmarshal([]byte(toolCalls), &turn.ToolCalls); err != nil {
			return nil, errors.Wrap(err, "unmarshal tool calls")
		}
		thread.Turns = append(thread.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate turns")
	}

	cc, err := s.latestContext(ctx, threadID)
	if err != nil {
		return nil, err
	}
	thread.Context = cc

	return thread, nil
}

func (s *SQLiteStore) latestContext(ctx context.Context, threadID string) (*relay.CompressedContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT summary, entities, from_turn, to_turn, generated_at
		 FROM context_snapshots WHERE thread_id = ? ORDER BY id DESC LIMIT 1`, threadID,
	)

	cc := &relay.CompressedContext{}
	var entities string
	var generatedAt time.Time
	err := row.Scan(&cc.Summary, &entities, &cc.FromTurn, &cc.ToTurn, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan context snapshot")
	}
	cc.GeneratedAt = generatedAt
	if err := json.Unmarshal([]byte(entities), &cc.Entities); err != nil {
		return nil, errors.Wrap(err, "unmarshal entities")
	}
	return cc, nil
}
