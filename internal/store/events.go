// ABOUTME: SQLite event log operations: atomic append, point lookup, paging
// ABOUTME: Event ids are assigned from the session row inside the append transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/sessiongate/internal/state"
)

// AppendEvent assigns the next event id, applies the event's delta to the
// session state and stores both in one transaction.
func (s *SQLiteStore) AppendEvent(ctx context.Context, agentID, sessionID string, event *NewEvent) (*Event, *Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT agent_id, session_id, user_id, state, created_at, updated_at, last_event_id
		FROM sessions WHERE agent_id = ? AND session_id = ?
	`, agentID, sessionID))
	if err != nil {
		return nil, nil, err
	}

	evt, err := appendTx(ctx, tx, sess, event)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing event: %w", err)
	}
	return evt, sess, nil
}

// appendTx inserts event as the next entry of sess and updates sess in place
// to the post-append snapshot.
func appendTx(ctx context.Context, tx *sql.Tx, sess *Session, event *NewEvent) (*Event, error) {
	evt := newEvent(sess, event)

	next := state.Apply(sess.State, evt.StateDelta, evt.Replace)
	if !evt.HasDelta() {
		next = sess.State
	}
	stateJSON, err := state.Encode(next)
	if err != nil {
		return nil, fmt.Errorf("encoding session state: %w", err)
	}

	var deltaJSON sql.NullString
	if evt.StateDelta != nil {
		b, err := state.Encode(evt.StateDelta)
		if err != nil {
			return nil, fmt.Errorf("encoding state delta: %w", err)
		}
		deltaJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (agent_id, session_id, event_id, invocation_id, author,
			content_role, content_text, state_delta, replace_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.AgentID, evt.SessionID, evt.ID, evt.InvocationID, string(evt.Author),
		evt.Content.Role, evt.Content.Text, deltaJSON, evt.Replace, evt.Timestamp.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ?, last_event_id = ?
		WHERE agent_id = ? AND session_id = ?
	`, string(stateJSON), evt.Timestamp.UnixNano(), evt.ID, sess.AgentID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	sess.State = next
	sess.UpdatedAt = evt.Timestamp
	sess.LastEventID = evt.ID
	return evt, nil
}

// newEvent builds the stored form of event as the next entry after sess.
func newEvent(sess *Session, event *NewEvent) *Event {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var delta state.State
	if event.StateDelta != nil || event.Replace {
		delta = event.StateDelta.Clone()
	}
	return &Event{
		AgentID:      sess.AgentID,
		SessionID:    sess.ID,
		ID:           sess.LastEventID + 1,
		InvocationID: event.InvocationID,
		Author:       event.Author,
		Content:      event.Content,
		StateDelta:   delta,
		Replace:      event.Replace,
		Timestamp:    ts.UTC(),
	}
}

// GetEvent retrieves one event of a session by id
func (s *SQLiteStore) GetEvent(ctx context.Context, agentID, sessionID string, eventID int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, session_id, event_id, invocation_id, author,
			content_role, content_text, state_delta, replace_state, timestamp
		FROM events WHERE agent_id = ? AND session_id = ? AND event_id = ?
	`, agentID, sessionID, eventID)
	return scanEvent(row)
}

// ListEvents returns a page of a session's events. The session must exist.
func (s *SQLiteStore) ListEvents(ctx context.Context, p ListEventsParams) (*ListEventsResult, error) {
	limit := clampLimit(p.Limit)

	var after int64
	if p.Cursor != "" {
		var err error
		if after, err = decodeEventCursor(p.Cursor, p.Descending); err != nil {
			return nil, err
		}
	}

	if _, err := s.GetSession(ctx, p.AgentID, p.SessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT agent_id, session_id, event_id, invocation_id, author,
			content_role, content_text, state_delta, replace_state, timestamp
		FROM events WHERE agent_id = ? AND session_id = ?`
	args := []any{p.AgentID, p.SessionID}

	if p.Author != "" {
		query += " AND author = ?"
		args = append(args, string(p.Author))
	}
	if p.Cursor != "" {
		if p.Descending {
			query += " AND event_id < ?"
		} else {
			query += " AND event_id > ?"
		}
		args = append(args, after)
	}
	if p.Descending {
		query += " ORDER BY event_id DESC"
	} else {
		query += " ORDER BY event_id ASC"
	}
	query += " LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	result := &ListEventsResult{}
	if len(events) > limit {
		events = events[:limit]
		result.HasMore = true
		result.NextCursor = encodeEventCursor(events[len(events)-1].ID, p.Descending)
	}
	result.Events = events
	return result, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		evt       Event
		author    string
		deltaJSON sql.NullString
		ts        int64
	)
	err := row.Scan(&evt.AgentID, &evt.SessionID, &evt.ID, &evt.InvocationID, &author,
		&evt.Content.Role, &evt.Content.Text, &deltaJSON, &evt.Replace, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	evt.Author = Author(author)
	evt.Timestamp = time.Unix(0, ts).UTC()
	if deltaJSON.Valid {
		if err := json.Unmarshal([]byte(deltaJSON.String), &evt.StateDelta); err != nil {
			return nil, fmt.Errorf("decoding state delta: %w", err)
		}
	}
	return &evt, nil
}
