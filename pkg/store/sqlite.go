package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/webpilot-ai/webpilot/pkg/types"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a SQLite-backed session store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode for concurrent readers while the driver holds the write lock.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		browser_session_id TEXT,
		connect_endpoint TEXT,
		live_view_url TEXT,
		current_url TEXT,
		history_json TEXT,
		actions_json TEXT,
		thoughts_json TEXT,
		pending_json TEXT,
		current_turn INTEGER NOT NULL DEFAULT 0,
		final_result TEXT,
		error TEXT,
		lease_until INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the session or nil when no row exists.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Session, error) {
	query := `
		SELECT id, goal, status, browser_session_id, connect_endpoint,
		       live_view_url, current_url, history_json, actions_json,
		       thoughts_json, pending_json, current_turn, final_result,
		       error, created_at, updated_at
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var (
		sess                                             types.Session
		status                                           string
		browserID, endpoint, liveView, currentURL        sql.NullString
		historyJSON, actionsJSON, thoughtsJSON, pendJSON sql.NullString
		finalResult, errText                             sql.NullString
		createdAt, updatedAt                             int64
	)

	err := row.Scan(
		&sess.ID, &sess.Goal, &status, &browserID, &endpoint,
		&liveView, &currentURL, &historyJSON, &actionsJSON,
		&thoughtsJSON, &pendJSON, &sess.CurrentTurn, &finalResult,
		&errText, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = types.SessionStatus(status)
	sess.BrowserSessionID = browserID.String
	sess.BrowserConnectEndpoint = endpoint.String
	sess.LiveViewURL = liveView.String
	sess.CurrentURL = currentURL.String
	sess.FinalResult = finalResult.String
	sess.Error = errText.String
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)

	sess.ConversationHistory = []types.Turn{}
	sess.Actions = []types.ActionRecord{}
	sess.Thoughts = []string{}
	decodeColumn(historyJSON.String, &sess.ConversationHistory)
	decodeColumn(actionsJSON.String, &sess.Actions)
	decodeColumn(thoughtsJSON.String, &sess.Thoughts)

	if pendJSON.String != "" {
		var pending types.PendingAction
		decodeColumn(pendJSON.String, &pending)
		if pending.Name != "" {
			sess.PendingAction = &pending
		}
	}

	return &sess, nil
}

type encodedColumns struct {
	history, actions, thoughts, pending string
}

func encodeSessionColumns(sess *types.Session) (encodedColumns, error) {
	var cols encodedColumns
	var err error
	if cols.history, err = encodeColumn(sess.ConversationHistory); err != nil {
		return cols, err
	}
	if cols.actions, err = encodeColumn(sess.Actions); err != nil {
		return cols, err
	}
	if cols.thoughts, err = encodeColumn(sess.Thoughts); err != nil {
		return cols, err
	}
	if sess.PendingAction != nil {
		if cols.pending, err = encodeColumn(sess.PendingAction); err != nil {
			return cols, err
		}
	}
	return cols, nil
}

// Put upserts the full session document.
func (s *SQLiteStore) Put(ctx context.Context, sess *types.Session) error {
	cols, err := encodeSessionColumns(sess)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (
			id, goal, status, browser_session_id, connect_endpoint,
			live_view_url, current_url, history_json, actions_json,
			thoughts_json, pending_json, current_turn, final_result,
			error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			browser_session_id = excluded.browser_session_id,
			connect_endpoint = excluded.connect_endpoint,
			live_view_url = excluded.live_view_url,
			current_url = excluded.current_url,
			history_json = excluded.history_json,
			actions_json = excluded.actions_json,
			thoughts_json = excluded.thoughts_json,
			pending_json = excluded.pending_json,
			current_turn = excluded.current_turn,
			final_result = excluded.final_result,
			error = excluded.error,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.Goal, string(sess.Status), sess.BrowserSessionID,
		sess.BrowserConnectEndpoint, sess.LiveViewURL, sess.CurrentURL,
		cols.history, cols.actions, cols.thoughts, cols.pending,
		sess.CurrentTurn, sess.FinalResult, sess.Error,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// PutIfActive writes the session document with a status guard: a row that
// already reached a terminal status is left untouched. This lets a user
// cancel land immediately while a driver turn is in flight; the turn's
// final write loses and the terminal status survives.
func (s *SQLiteStore) PutIfActive(ctx context.Context, sess *types.Session) (bool, error) {
	cols, err := encodeSessionColumns(sess)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE sessions SET
			goal = ?,
			status = ?,
			browser_session_id = ?,
			connect_endpoint = ?,
			live_view_url = ?,
			current_url = ?,
			history_json = ?,
			actions_json = ?,
			thoughts_json = ?,
			pending_json = ?,
			current_turn = ?,
			final_result = ?,
			error = ?,
			updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		sess.Goal, string(sess.Status), sess.BrowserSessionID,
		sess.BrowserConnectEndpoint, sess.LiveViewURL, sess.CurrentURL,
		cols.history, cols.actions, cols.thoughts, cols.pending,
		sess.CurrentTurn, sess.FinalResult, sess.Error,
		sess.UpdatedAt.UnixMilli(),
		sess.ID,
		string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session result: %w", err)
	}
	return affected > 0, nil
}

// AcquireLease takes the drive lease if it is free or expired. The compare
// against the current time makes this a single-statement compare-and-set,
// so concurrent drivers cannot both win.
func (s *SQLiteStore) AcquireLease(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	until := now + ttl.Milliseconds()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET lease_until = ? WHERE id = ? AND lease_until < ?`,
		until, id, now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease result: %w", err)
	}
	return affected > 0, nil
}

// ReleaseLease clears the drive lease.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET lease_until = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
