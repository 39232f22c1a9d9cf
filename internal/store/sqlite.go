// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Sessions and events live in two tables; appends run in one transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/sessiongate/internal/state"

	_ "modernc.org/sqlite"
)

// Driver names accepted by OpenSQLite.
const (
	DriverModernc = "sqlite"  // pure Go, always available
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, needs cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure
// Go driver. The schema is created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DriverModernc, path)
}

// OpenSQLite opens a store with the named database/sql driver. Parent
// directories are created if needed; ":memory:" opens a private database.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer anyway, pragmas below are
	// per-connection, and ":memory:" databases are per-connection too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "driver", driver, "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are unix nanoseconds so that ordering is numeric.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			agent_id      TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			state         TEXT NOT NULL DEFAULT '{}',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			last_event_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (agent_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_created
			ON sessions(agent_id, created_at DESC, session_id DESC);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_user_created
			ON sessions(agent_id, user_id, created_at DESC, session_id DESC);

		CREATE TABLE IF NOT EXISTS events (
			agent_id      TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			event_id      INTEGER NOT NULL,
			invocation_id TEXT NOT NULL,
			author        TEXT NOT NULL,
			content_role  TEXT NOT NULL,
			content_text  TEXT NOT NULL,
			state_delta   TEXT,
			replace_state INTEGER NOT NULL DEFAULT 0,
			timestamp     INTEGER NOT NULL,
			PRIMARY KEY (agent_id, session_id, event_id),
			FOREIGN KEY (agent_id, session_id)
				REFERENCES sessions(agent_id, session_id) ON DELETE CASCADE,
			CHECK (author IN ('user', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_author
			ON events(agent_id, session_id, author, event_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a session and, when initial is non-nil, the event that
// installs its initial state. Both are committed in one transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session, initial *NewEvent) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE agent_id = ? AND session_id = ?`,
		session.AgentID, session.ID,
	).Scan(&exists)
	if err == nil {
		return nil, ErrDuplicateSession
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checking session: %w", err)
	}

	created := *session
	created.State = state.State{}
	created.LastEventID = 0
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = created.CreatedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (agent_id, session_id, user_id, state, created_at, updated_at, last_event_id)
		VALUES (?, ?, ?, '{}', ?, ?, 0)
	`, created.AgentID, created.ID, created.UserID, created.CreatedAt.UnixNano(), created.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if initial != nil {
		if _, err := appendTx(ctx, tx, &created, initial); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}
	return &created, nil
}

// GetSession retrieves a session by id
func (s *SQLiteStore) GetSession(ctx context.Context, agentID, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, session_id, user_id, state, created_at, updated_at, last_event_id
		FROM sessions WHERE agent_id = ? AND session_id = ?
	`, agentID, sessionID)
	return scanSession(row)
}

// ListSessions returns an agent's sessions, newest created first
func (s *SQLiteStore) ListSessions(ctx context.Context, p ListSessionsParams) (*ListSessionsResult, error) {
	limit := clampLimit(p.Limit)

	query := `
		SELECT agent_id, session_id, user_id, state, created_at, updated_at, last_event_id
		FROM sessions WHERE agent_id = ?`
	args := []any{p.AgentID}

	if p.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, p.UserID)
	}
	if p.Cursor != "" {
		ts, id, err := decodeSessionCursor(p.Cursor)
		if err != nil {
			return nil, err
		}
		query += " AND (created_at < ? OR (created_at = ? AND session_id < ?))"
		args = append(args, ts, ts, id)
	}
	query += " ORDER BY created_at DESC, session_id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	result := &ListSessionsResult{}
	if len(sessions) > limit {
		sessions = sessions[:limit]
		last := sessions[len(sessions)-1]
		result.HasMore = true
		result.NextCursor = encodeSessionCursor(last.CreatedAt, last.ID)
	}
	result.Sessions = sessions
	return result, nil
}

// DeleteSession removes a session and all of its events
func (s *SQLiteStore) DeleteSession(ctx context.Context, agentID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE agent_id = ? AND session_id = ?`, agentID, sessionID,
	); err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE agent_id = ? AND session_id = ?`, agentID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListUsers returns the distinct owners of an agent's sessions, sorted
func (s *SQLiteStore) ListUsers(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM sessions WHERE agent_id = ? ORDER BY user_id`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		stateJSON string
		created   int64
		updated   int64
	)
	err := row.Scan(&sess.AgentID, &sess.ID, &sess.UserID, &stateJSON, &created, &updated, &sess.LastEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	return &sess, nil
}
